// Package harvest drives the cell loop: pull pending cells from the
// progress store, search each one upstream, filter through the
// deduplicator, write records to the sink, update cell status.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"

	"github.com/tavolo/placeharvest/internal/engine/media"
	"github.com/tavolo/placeharvest/internal/engine/progress"
	"github.com/tavolo/placeharvest/internal/engine/storage"
	"github.com/tavolo/placeharvest/internal/model"
)

// Stats are the batch-level counters, updated live by the workers.
type Stats struct {
	CellsTotal    int
	CellsDone     atomic.Int64
	CellsFailed   atomic.Int64
	PlacesSeen    atomic.Int64
	PlacesAdded   atomic.Int64
	PhotosStored  atomic.Int64
	ReviewsStored atomic.Int64
	Errors        atomic.Int64
}

// Searcher is the upstream surface the harvester consumes.
// *places.Client implements it; tests stub it.
type Searcher interface {
	AllNearby(ctx context.Context, center orb.Point) []model.Candidate
	PlaceDetails(ctx context.Context, placeID string) *model.Restaurant
	PlacePhotos(ctx context.Context, placeID string) []model.Photo
	PlaceReviews(ctx context.Context, placeID string) []model.Review
	DownloadPhoto(ctx context.Context, ref string, maxWidth int) []byte
}

// Options provides optional hooks for a harvest run.
type Options struct {
	// SuppressStderr disables the built-in stderr progress reporter.
	SuppressStderr bool
	// Stats allows passing an external Stats object for live progress
	// tracking. If nil, Run creates its own.
	Stats *Stats
}

// Harvester owns one batch run. Everything is injected; there is no
// package-level state.
type Harvester struct {
	cells  *progress.Store
	search Searcher
	sink   storage.Sink
	media  media.Uploader
	logger *log.Logger

	photoMaxWidth int
	concurrency   int
}

func New(cells *progress.Store, search Searcher, sink storage.Sink, uploader media.Uploader, logger *log.Logger, photoMaxWidth, concurrency int) *Harvester {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Harvester{
		cells:         cells,
		search:        search,
		sink:          sink,
		media:         uploader,
		logger:        logger,
		photoMaxWidth: photoMaxWidth,
		concurrency:   concurrency,
	}
}

// Run processes up to limit pending cells (limit <= 0 means all).
// Cells abandoned in processing by an earlier crash are reclaimed
// first. A cell failure never stops the batch; cancellation stops it
// between cells and returns ctx.Err().
func (h *Harvester) Run(ctx context.Context, limit int, opts *Options) (*Stats, error) {
	if opts == nil {
		opts = &Options{}
	}

	if reclaimed, err := h.cells.ReclaimAbandoned(); err != nil {
		return nil, err
	} else if reclaimed > 0 {
		h.logger.Printf("RECLAIMED cells=%d", reclaimed)
	}

	pending, err := h.cells.Pending(limit)
	if err != nil {
		return nil, err
	}

	var stats *Stats
	if opts.Stats != nil {
		stats = opts.Stats
		stats.CellsTotal = len(pending)
	} else {
		stats = &Stats{CellsTotal: len(pending)}
	}
	if len(pending) == 0 {
		return stats, nil
	}

	startTime := time.Now()
	done := make(chan struct{})
	go h.report(stats, startTime, done, opts.SuppressStderr)

	var wg sync.WaitGroup
	sem := make(chan struct{}, h.concurrency)

	var runErr error
loop:
	for _, cell := range pending {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		default:
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(c model.Cell) {
			defer wg.Done()
			defer func() { <-sem }()
			h.processCell(ctx, c, stats)
		}(cell)
	}

	wg.Wait()
	close(done)

	if !opts.SuppressStderr {
		elapsed := time.Since(startTime).Truncate(time.Second)
		fmt.Fprintf(os.Stderr, "\r[%d/%d cells] %d places seen | %d added | %d failed cells | %s\n",
			stats.CellsDone.Load(), stats.CellsTotal,
			stats.PlacesSeen.Load(), stats.PlacesAdded.Load(),
			stats.CellsFailed.Load(), elapsed)
	}

	return stats, runErr
}

// report prints a stderr line every 2s and a structured PROGRESS log
// line every 10s until the run finishes.
func (h *Harvester) report(stats *Stats, startTime time.Time, done <-chan struct{}, suppressStderr bool) {
	ticker := time.NewTicker(2 * time.Second)
	logTicker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	defer logTicker.Stop()
	for {
		select {
		case <-ticker.C:
			if suppressStderr {
				continue
			}
			elapsed := time.Since(startTime).Truncate(time.Second)
			fmt.Fprintf(os.Stderr, "\r[%d/%d cells] %d places seen | %d added | %d failed cells | %s",
				stats.CellsDone.Load(), stats.CellsTotal,
				stats.PlacesSeen.Load(), stats.PlacesAdded.Load(),
				stats.CellsFailed.Load(), elapsed)
		case <-logTicker.C:
			elapsed := time.Since(startTime).Truncate(time.Second)
			h.logger.Printf("PROGRESS cells=%d/%d seen=%d added=%d photos=%d reviews=%d failed=%d elapsed=%s",
				stats.CellsDone.Load(), stats.CellsTotal,
				stats.PlacesSeen.Load(), stats.PlacesAdded.Load(),
				stats.PhotosStored.Load(), stats.ReviewsStored.Load(),
				stats.CellsFailed.Load(), elapsed)
		case <-done:
			return
		}
	}
}

// processCell runs the per-cell state machine: pending → processing →
// completed or failed. A cancellation mid-cell puts the cell back to
// pending so the next run picks it up cleanly.
func (h *Harvester) processCell(ctx context.Context, cell model.Cell, stats *Stats) {
	defer stats.CellsDone.Add(1)

	if err := h.cells.UpdateStatus(cell, model.StatusProcessing, 0, ""); err != nil {
		h.logger.Printf("ERROR cell=%.6f,%.6f err=%v", cell.Lat, cell.Lng, err)
		stats.Errors.Add(1)
		return
	}

	found, err := h.harvestCell(ctx, cell, stats)
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Interrupted, not failed: leave the cell retryable.
		if uerr := h.cells.UpdateStatus(cell, model.StatusPending, 0, ""); uerr != nil {
			h.logger.Printf("ERROR cell=%.6f,%.6f err=%v", cell.Lat, cell.Lng, uerr)
		}
	case err != nil:
		stats.CellsFailed.Add(1)
		h.logger.Printf("CELL_FAIL cell=%.6f,%.6f err=%v", cell.Lat, cell.Lng, err)
		if uerr := h.cells.UpdateStatus(cell, model.StatusFailed, 0, err.Error()); uerr != nil {
			h.logger.Printf("ERROR cell=%.6f,%.6f err=%v", cell.Lat, cell.Lng, uerr)
		}
	default:
		h.logger.Printf("CELL_DONE cell=%.6f,%.6f places=%d", cell.Lat, cell.Lng, found)
		if uerr := h.cells.UpdateStatus(cell, model.StatusCompleted, found, ""); uerr != nil {
			h.logger.Printf("ERROR cell=%.6f,%.6f err=%v", cell.Lat, cell.Lng, uerr)
		}
	}
}

// harvestCell ingests every unseen candidate in one cell and returns
// how many places the upstream reported there. A per-place or
// per-photo failure is logged and skipped; only cell-level problems
// (sink unreachable, cancellation) come back as errors.
func (h *Harvester) harvestCell(ctx context.Context, cell model.Cell, stats *Stats) (int, error) {
	center := orb.Point{cell.Lng, cell.Lat}

	candidates := h.search.AllNearby(ctx, center)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	stats.PlacesSeen.Add(int64(len(candidates)))
	if len(candidates) == 0 {
		// Zero results is a valid, terminal outcome for a cell.
		return 0, nil
	}

	// Always re-check the sink before writing; an in-memory set from a
	// previous cell may be stale if another process wrote meanwhile.
	dedup := NewDeduplicator(h.sink)
	if err := dedup.Refresh(ctx); err != nil {
		return 0, fmt.Errorf("refreshing known ids: %w", err)
	}

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if dedup.IsKnown(cand.PlaceID) {
			continue
		}

		rec := h.search.PlaceDetails(ctx, cand.PlaceID)
		if rec == nil {
			h.logger.Printf("SKIP place=%s name=%q reason=details_unavailable", cand.PlaceID, cand.Name)
			continue
		}
		if !rec.HasCoordinates() {
			h.logger.Printf("SKIP place=%s name=%q reason=missing_coordinates", cand.PlaceID, cand.Name)
			continue
		}

		id, err := h.sink.SaveRestaurant(ctx, rec)
		if err != nil {
			h.logger.Printf("SAVE_FAIL place=%s err=%v", cand.PlaceID, err)
			stats.Errors.Add(1)
			continue
		}

		h.savePhotos(ctx, id, rec.PlaceID, stats)
		h.saveReviews(ctx, id, rec, stats)

		dedup.MarkKnown(cand.PlaceID)
		stats.PlacesAdded.Add(1)
	}

	return len(candidates), nil
}

func (h *Harvester) savePhotos(ctx context.Context, restaurantID int64, placeID string, stats *Stats) {
	for _, photo := range h.search.PlacePhotos(ctx, placeID) {
		data := h.search.DownloadPhoto(ctx, photo.Ref, h.photoMaxWidth)
		if data == nil {
			h.logger.Printf("PHOTO_SKIP place=%s seq=%d reason=download_failed", placeID, photo.Seq)
			continue
		}
		url, err := h.media.Upload(ctx, media.PhotoKey(placeID, photo.Seq), data, "image/jpeg")
		if err != nil {
			h.logger.Printf("PHOTO_SKIP place=%s seq=%d err=%v", placeID, photo.Seq, err)
			continue
		}
		photo.URL = url
		if err := h.sink.SavePhoto(ctx, restaurantID, photo); err != nil {
			h.logger.Printf("PHOTO_SKIP place=%s seq=%d err=%v", placeID, photo.Seq, err)
			continue
		}
		stats.PhotosStored.Add(1)
	}
}

func (h *Harvester) saveReviews(ctx context.Context, restaurantID int64, rec *model.Restaurant, stats *Stats) {
	reviews := h.search.PlaceReviews(ctx, rec.PlaceID)
	if len(reviews) == 0 {
		return
	}
	n, err := h.sink.SaveReviews(ctx, restaurantID, rec.Name, reviews)
	if err != nil {
		h.logger.Printf("REVIEWS_SKIP place=%s err=%v", rec.PlaceID, err)
		return
	}
	stats.ReviewsStored.Add(int64(n))
}
