package harvest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"

	"github.com/paulmach/orb"

	"github.com/tavolo/placeharvest/internal/engine/progress"
	"github.com/tavolo/placeharvest/internal/model"
)

// fakeSearcher returns canned candidates per cell and records calls.
type fakeSearcher struct {
	mu          sync.Mutex
	candidates  map[string][]model.Candidate // key: cell key
	details     map[string]*model.Restaurant
	photos      map[string][]model.Photo
	reviews     map[string][]model.Review
	brokenRefs  map[string]bool // photo refs whose download fails
	searchCalls map[string]int
}

func cellKey(center orb.Point) string {
	return fmt.Sprintf("%.4f,%.4f", center.Lat(), center.Lon())
}

func newFakeSearcher() *fakeSearcher {
	return &fakeSearcher{
		candidates:  make(map[string][]model.Candidate),
		details:     make(map[string]*model.Restaurant),
		photos:      make(map[string][]model.Photo),
		reviews:     make(map[string][]model.Review),
		brokenRefs:  make(map[string]bool),
		searchCalls: make(map[string]int),
	}
}

func (f *fakeSearcher) AllNearby(_ context.Context, center orb.Point) []model.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls[cellKey(center)]++
	return f.candidates[cellKey(center)]
}

func (f *fakeSearcher) PlaceDetails(_ context.Context, placeID string) *model.Restaurant {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.details[placeID]
}

func (f *fakeSearcher) PlacePhotos(_ context.Context, placeID string) []model.Photo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.photos[placeID]
}

func (f *fakeSearcher) PlaceReviews(_ context.Context, placeID string) []model.Review {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reviews[placeID]
}

func (f *fakeSearcher) DownloadPhoto(_ context.Context, ref string, _ int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.brokenRefs[ref] {
		return nil
	}
	return []byte("img:" + ref)
}

// fakeSink is an in-memory Sink that mirrors the real dedup semantics.
type fakeSink struct {
	mu sync.Mutex

	restaurants map[string]int64 // place_id -> row id
	saves       int              // SaveRestaurant calls that succeeded
	photos      map[string]bool  // "id/seq"
	reviews     map[string]bool  // "id/key"
	nextID      int64

	knownIDsErr error // injected failure for one Refresh
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		restaurants: make(map[string]int64),
		photos:      make(map[string]bool),
		reviews:     make(map[string]bool),
	}
}

func (s *fakeSink) SaveRestaurant(_ context.Context, r *model.Restaurant) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !r.HasCoordinates() {
		return 0, errors.New("restaurant record has no coordinates")
	}
	s.saves++
	if id, ok := s.restaurants[r.PlaceID]; ok {
		return id, nil
	}
	s.nextID++
	s.restaurants[r.PlaceID] = s.nextID
	return s.nextID, nil
}

func (s *fakeSink) SavePhoto(_ context.Context, restaurantID int64, photo model.Photo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.photos[fmt.Sprintf("%d/%d", restaurantID, photo.Seq)] = true
	return nil
}

func (s *fakeSink) SaveReviews(_ context.Context, restaurantID int64, _ string, reviews []model.Review) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rv := range reviews {
		key := fmt.Sprintf("%d/%s/%d", restaurantID, rv.Author, rv.Time)
		if s.reviews[key] {
			continue
		}
		s.reviews[key] = true
		n++
	}
	return n, nil
}

func (s *fakeSink) KnownIDs(_ context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.knownIDsErr != nil {
		err := s.knownIDsErr
		s.knownIDsErr = nil
		return nil, err
	}
	ids := make(map[string]struct{}, len(s.restaurants))
	for id := range s.restaurants {
		ids[id] = struct{}{}
	}
	return ids, nil
}

func (s *fakeSink) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.restaurants), nil
}

func (s *fakeSink) Close() error { return nil }

type fakeUploader struct{}

func (fakeUploader) Upload(_ context.Context, key string, _ []byte, _ string) (string, error) {
	return "mem://" + key, nil
}

func testHarvester(t *testing.T, cells []model.Cell, search Searcher, sink *fakeSink) (*Harvester, *progress.Store) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	store := progress.NewStore(filepath.Join(t.TempDir(), "cells.csv"), logger)
	if err := store.Init(cells, false); err != nil {
		t.Fatal(err)
	}
	h := New(store, search, sink, fakeUploader{}, logger, 800, 1)
	return h, store
}

var (
	cellA = model.Cell{Lat: 40.4168, Lng: -3.7038, Status: model.StatusPending}
	cellB = model.Cell{Lat: 40.4231, Lng: -3.7038, Status: model.StatusPending}
	cellC = model.Cell{Lat: 40.4231, Lng: -3.6951, Status: model.StatusPending}
)

func fullPlace(id string) (*model.Restaurant, []model.Photo, []model.Review) {
	return &model.Restaurant{
			PlaceID: id, Name: "Place " + id, Lat: 40.41, Lng: -3.70,
			Rating: 4.2, RatingCount: 10, PriceLevel: 1,
		},
		[]model.Photo{{Ref: id + "-ph0", Seq: 0}, {Ref: id + "-ph1", Seq: 1}},
		[]model.Review{{Author: "ana", Rating: 5, Text: "great", Time: 1700000000}}
}

func addPlace(f *fakeSearcher, cell model.Cell, id string) {
	key := cellKey(orb.Point{cell.Lng, cell.Lat})
	f.candidates[key] = append(f.candidates[key], model.Candidate{PlaceID: id, Name: "Place " + id})
	rec, photos, reviews := fullPlace(id)
	f.details[id] = rec
	f.photos[id] = photos
	f.reviews[id] = reviews
}

func TestEmptyCellCompletes(t *testing.T) {
	search := newFakeSearcher() // no candidates anywhere
	sink := newFakeSink()
	h, store := testHarvester(t, []model.Cell{cellA}, search, sink)

	stats, err := h.Run(context.Background(), 0, &Options{SuppressStderr: true})
	if err != nil {
		t.Fatal(err)
	}
	if stats.CellsDone.Load() != 1 || stats.CellsFailed.Load() != 0 {
		t.Fatalf("bad stats: done=%d failed=%d", stats.CellsDone.Load(), stats.CellsFailed.Load())
	}

	got, _ := store.Load()
	if got[0].Status != model.StatusCompleted || got[0].PlacesFound != 0 {
		t.Fatalf("empty cell should complete with 0 places: %+v", got[0])
	}
	if sink.saves != 0 {
		t.Fatalf("sink must not be touched for an empty cell, saves=%d", sink.saves)
	}
}

func TestIdempotentReingest(t *testing.T) {
	search := newFakeSearcher()
	addPlace(search, cellA, "p-1")
	addPlace(search, cellA, "p-2")
	sink := newFakeSink()
	h, store := testHarvester(t, []model.Cell{cellA}, search, sink)

	if _, err := h.Run(context.Background(), 0, &Options{SuppressStderr: true}); err != nil {
		t.Fatal(err)
	}
	if sink.saves != 2 || len(sink.restaurants) != 2 {
		t.Fatalf("first run: saves=%d restaurants=%d", sink.saves, len(sink.restaurants))
	}
	photosAfterFirst := len(sink.photos)
	reviewsAfterFirst := len(sink.reviews)

	// Operator resets the cell and re-runs over identical upstream data.
	cells, _ := store.Load()
	cells[0].Status = model.StatusPending
	cells[0].PlacesFound = 0
	if err := store.Save(cells); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Run(context.Background(), 0, &Options{SuppressStderr: true}); err != nil {
		t.Fatal(err)
	}

	if sink.saves != 2 {
		t.Fatalf("re-ingest hit the sink again: saves=%d", sink.saves)
	}
	if len(sink.photos) != photosAfterFirst || len(sink.reviews) != reviewsAfterFirst {
		t.Fatalf("re-ingest duplicated media: photos %d->%d reviews %d->%d",
			photosAfterFirst, len(sink.photos), reviewsAfterFirst, len(sink.reviews))
	}
}

func TestMalformedDetailSkipped(t *testing.T) {
	search := newFakeSearcher()
	addPlace(search, cellA, "p-good")
	// Candidate whose details lack coordinates.
	key := cellKey(orb.Point{cellA.Lng, cellA.Lat})
	search.candidates[key] = append(search.candidates[key], model.Candidate{PlaceID: "p-nocoords", Name: "Ghost"})
	search.details["p-nocoords"] = &model.Restaurant{PlaceID: "p-nocoords", Name: "Ghost", PriceLevel: model.PriceUnknown}

	sink := newFakeSink()
	h, store := testHarvester(t, []model.Cell{cellA}, search, sink)

	if _, err := h.Run(context.Background(), 0, &Options{SuppressStderr: true}); err != nil {
		t.Fatal(err)
	}

	if _, ok := sink.restaurants["p-nocoords"]; ok {
		t.Fatal("record without coordinates reached the sink")
	}
	got, _ := store.Load()
	if got[0].Status != model.StatusCompleted || got[0].PlacesFound != 2 {
		t.Fatalf("cell should still complete counting both candidates: %+v", got[0])
	}
}

func TestCellFailureContinuesBatch(t *testing.T) {
	search := newFakeSearcher()
	addPlace(search, cellA, "p-1")
	addPlace(search, cellB, "p-2")
	sink := newFakeSink()
	sink.knownIDsErr = errors.New("sink unreachable")

	h, store := testHarvester(t, []model.Cell{cellA, cellB}, search, sink)
	stats, err := h.Run(context.Background(), 0, &Options{SuppressStderr: true})
	if err != nil {
		t.Fatal(err)
	}
	if stats.CellsFailed.Load() != 1 {
		t.Fatalf("expected 1 failed cell, got %d", stats.CellsFailed.Load())
	}

	got, _ := store.Load()
	if got[0].Status != model.StatusFailed {
		t.Fatalf("first cell should fail: %+v", got[0])
	}
	if got[0].ErrorMessage == "" {
		t.Fatal("failed cell lost its error message")
	}
	if got[1].Status != model.StatusCompleted {
		t.Fatalf("batch did not continue after failure: %+v", got[1])
	}
}

func TestResumability(t *testing.T) {
	search := newFakeSearcher()
	addPlace(search, cellA, "p-1")
	addPlace(search, cellB, "p-2")
	addPlace(search, cellC, "p-3")
	sink := newFakeSink()
	h, store := testHarvester(t, []model.Cell{cellA, cellB, cellC}, search, sink)

	// First run handles two cells, then the process "stops".
	if _, err := h.Run(context.Background(), 2, &Options{SuppressStderr: true}); err != nil {
		t.Fatal(err)
	}
	st, _ := store.Statistics()
	if st.Completed != 2 || st.Pending != 1 {
		t.Fatalf("after partial run: %+v", st)
	}

	// Resume with "all": only the remaining cell is searched again.
	if _, err := h.Run(context.Background(), 0, &Options{SuppressStderr: true}); err != nil {
		t.Fatal(err)
	}
	for key, calls := range search.searchCalls {
		if calls != 1 {
			t.Fatalf("cell %s searched %d times, completed cells must not be reprocessed", key, calls)
		}
	}
	st, _ = store.Statistics()
	if st.Completed != 3 || st.Pending != 0 {
		t.Fatalf("after resume: %+v", st)
	}
}

func TestFailedCellsNeedExplicitReset(t *testing.T) {
	search := newFakeSearcher()
	addPlace(search, cellA, "p-1")
	sink := newFakeSink()
	sink.knownIDsErr = errors.New("sink unreachable")

	h, store := testHarvester(t, []model.Cell{cellA}, search, sink)
	if _, err := h.Run(context.Background(), 0, &Options{SuppressStderr: true}); err != nil {
		t.Fatal(err)
	}

	// Another "all" run must not pick the failed cell back up.
	if _, err := h.Run(context.Background(), 0, &Options{SuppressStderr: true}); err != nil {
		t.Fatal(err)
	}
	if calls := search.searchCalls[cellKey(orb.Point{cellA.Lng, cellA.Lat})]; calls != 1 {
		t.Fatalf("failed cell was retried automatically (%d searches)", calls)
	}

	// Explicit reset makes it eligible again.
	if _, err := store.ResetFailed(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Run(context.Background(), 0, &Options{SuppressStderr: true}); err != nil {
		t.Fatal(err)
	}
	st, _ := store.Statistics()
	if st.Completed != 1 {
		t.Fatalf("reset cell did not complete: %+v", st)
	}
}

func TestPhotoFailureSkipsPhotoOnly(t *testing.T) {
	search := newFakeSearcher()
	addPlace(search, cellA, "p-1")
	search.brokenRefs["p-1-ph0"] = true

	sink := newFakeSink()
	h, store := testHarvester(t, []model.Cell{cellA}, search, sink)

	stats, err := h.Run(context.Background(), 0, &Options{SuppressStderr: true})
	if err != nil {
		t.Fatal(err)
	}
	if stats.PlacesAdded.Load() != 1 {
		t.Fatalf("place should still be added, got %d", stats.PlacesAdded.Load())
	}
	if stats.PhotosStored.Load() != 1 {
		t.Fatalf("expected exactly the working photo stored, got %d", stats.PhotosStored.Load())
	}
	got, _ := store.Load()
	if got[0].Status != model.StatusCompleted {
		t.Fatalf("photo failure must not fail the cell: %+v", got[0])
	}
}

func TestInterruptLeavesCellRetryable(t *testing.T) {
	search := newFakeSearcher()
	addPlace(search, cellA, "p-1")
	sink := newFakeSink()
	h, store := testHarvester(t, []model.Cell{cellA}, search, sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // canceled before the run starts; the cell must stay pending

	_, err := h.Run(ctx, 0, &Options{SuppressStderr: true})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	st, _ := store.Statistics()
	if st.Pending != 1 || st.Failed != 0 {
		t.Fatalf("interrupt must not fail or consume cells: %+v", st)
	}
}
