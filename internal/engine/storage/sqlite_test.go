package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tavolo/placeharvest/internal/model"
)

func newTestSink(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRestaurant() *model.Restaurant {
	return &model.Restaurant{
		PlaceID:     "p-1",
		Name:        "La Tasca",
		Address:     "Calle Mayor 1",
		Lat:         40.4168,
		Lng:         -3.7038,
		Phone:       "+34 910 000 000",
		Website:     "https://tasca.example",
		Rating:      4.4,
		RatingCount: 812,
		PriceLevel:  2,
	}
}

func TestSaveRestaurantUpsert(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	id1, err := s.SaveRestaurant(ctx, sampleRestaurant())
	if err != nil {
		t.Fatal(err)
	}

	// Same place again with refreshed mutable fields: same row, updated.
	updated := sampleRestaurant()
	updated.Rating = 4.6
	updated.RatingCount = 900
	id2, err := s.SaveRestaurant(ctx, updated)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("upsert created a new row: %d vs %d", id1, id2)
	}

	count, err := s.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 restaurant, got %d", count)
	}

	records, err := s.Restaurants(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if records[0].Rating != 4.6 || records[0].RatingCount != 900 {
		t.Fatalf("mutable fields not refreshed: %+v", records[0])
	}
}

func TestSaveRestaurantRejectsMissingCoordinates(t *testing.T) {
	s := newTestSink(t)

	r := sampleRestaurant()
	r.Lat, r.Lng = 0, 0
	_, err := s.SaveRestaurant(context.Background(), r)
	if !errors.Is(err, ErrMissingCoordinates) {
		t.Fatalf("expected ErrMissingCoordinates, got %v", err)
	}
	if count, _ := s.Count(context.Background()); count != 0 {
		t.Fatalf("rejected record was stored anyway, count=%d", count)
	}
}

func TestSavePhotoDedup(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	id, err := s.SaveRestaurant(ctx, sampleRestaurant())
	if err != nil {
		t.Fatal(err)
	}

	photo := model.Photo{Seq: 0, URL: "photos/p-1/0.jpg", Attribution: "someone"}
	if err := s.SavePhoto(ctx, id, photo); err != nil {
		t.Fatal(err)
	}
	// Rerun over the same cell re-saves the same association key.
	if err := s.SavePhoto(ctx, id, photo); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM photos").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 photo after duplicate save, got %d", n)
	}
}

func TestSaveReviewsDedup(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	id, err := s.SaveRestaurant(ctx, sampleRestaurant())
	if err != nil {
		t.Fatal(err)
	}

	reviews := []model.Review{
		{Author: "ana", Rating: 5, Text: "great", Time: 1700000000},
		{Author: "bo", Rating: 3, Text: "fine", Time: 1700000100},
	}
	n, err := s.SaveReviews(ctx, id, "La Tasca", reviews)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 new reviews, got %d", n)
	}

	// Second pass: same (author, timestamp) pairs, nothing new.
	n, err = s.SaveReviews(ctx, id, "La Tasca", reviews)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 new reviews on rerun, got %d", n)
	}

	// Same author at a different time is a different review.
	n, err = s.SaveReviews(ctx, id, "La Tasca", []model.Review{
		{Author: "ana", Rating: 4, Text: "back again", Time: 1700099999},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 new review, got %d", n)
	}
}

func TestSaveReviewsSurfacesInsertError(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	// No restaurant row 99 exists, so the foreign key rejects the
	// insert. That must come back as an error, not a silent zero.
	_, err := s.SaveReviews(ctx, 99, "Ghost", []model.Review{
		{Author: "ana", Rating: 5, Text: "great", Time: 1700000000},
	})
	if err == nil {
		t.Fatal("expected an error for an unknown restaurant id")
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM reviews").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("failed insert must not leave rows behind, count=%d", count)
	}
}

func TestKnownIDs(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	if _, err := s.SaveRestaurant(ctx, sampleRestaurant()); err != nil {
		t.Fatal(err)
	}
	other := sampleRestaurant()
	other.PlaceID = "p-2"
	if _, err := s.SaveRestaurant(ctx, other); err != nil {
		t.Fatal(err)
	}

	ids, err := s.KnownIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}
	for _, want := range []string{"p-1", "p-2"} {
		if _, ok := ids[want]; !ok {
			t.Fatalf("missing id %s in %v", want, ids)
		}
	}
}

func TestReviewKey(t *testing.T) {
	a := ReviewKey("ana", 1700000000)
	if a != ReviewKey("ana", 1700000000) {
		t.Fatal("key is not deterministic")
	}
	if a == ReviewKey("ana", 1700000001) || a == ReviewKey("bo", 1700000000) {
		t.Fatal("distinct reviews collided")
	}
}
