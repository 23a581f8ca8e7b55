package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/paulmach/orb"

	"github.com/tavolo/placeharvest/internal/config"
	"github.com/tavolo/placeharvest/internal/engine/geo"
	"github.com/tavolo/placeharvest/internal/engine/harvest"
	"github.com/tavolo/placeharvest/internal/engine/media"
	"github.com/tavolo/placeharvest/internal/engine/places"
	"github.com/tavolo/placeharvest/internal/engine/progress"
	"github.com/tavolo/placeharvest/internal/engine/storage"
	"github.com/tavolo/placeharvest/internal/tui"
)

func storePath(cfg config.Config) string {
	return filepath.Join(cfg.OutputDir, "cells.csv")
}

func dbPath(cfg config.Config) string {
	return filepath.Join(cfg.OutputDir, "restaurants.db")
}

func runInit(cfg config.Config, overwrite bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}

	bound := orb.Bound{
		Min: orb.Point{cfg.MinLng, cfg.MinLat},
		Max: orb.Point{cfg.MaxLng, cfg.MaxLat},
	}
	priority := orb.Point{cfg.PriorityLng, cfg.PriorityLat}
	cells := geo.Plan(bound, cfg.RadiusM, cfg.Overlap, priority)
	if len(cells) == 0 {
		return fmt.Errorf("bounding box produced no cells")
	}

	logger := log.New(os.Stderr, "", 0)
	store := progress.NewStore(storePath(cfg), logger)
	if err := store.Init(cells, overwrite); err != nil {
		if errors.Is(err, progress.ErrStoreExists) {
			return fmt.Errorf("%s already exists; re-run with -yes to discard existing progress", store.Path())
		}
		return err
	}

	latStep, lngStep := geo.StepDegrees(bound, cfg.RadiusM, cfg.Overlap)
	fmt.Fprintf(os.Stderr, "Grid: %d cells (radius=%.0fm overlap=%.0f%% step=%.4f°x%.4f°)\n",
		len(cells), cfg.RadiusM, cfg.Overlap*100, latStep, lngStep)
	fmt.Fprintf(os.Stderr, "Progress file: %s\n", store.Path())
	return nil
}

func runStatus(cfg config.Config) error {
	store := progress.NewStore(storePath(cfg), log.New(os.Stderr, "", 0))
	st, err := store.Statistics()
	if err != nil {
		if errors.Is(err, progress.ErrNoStore) {
			return fmt.Errorf("no progress file at %s; run -init first", store.Path())
		}
		return err
	}

	pct := 0.0
	if st.Total > 0 {
		pct = 100.0 * float64(st.Completed) / float64(st.Total)
	}
	fmt.Printf("Cells:       %d\n", st.Total)
	fmt.Printf("Completed:   %d (%.1f%%)\n", st.Completed, pct)
	fmt.Printf("Pending:     %d\n", st.Pending)
	fmt.Printf("Processing:  %d\n", st.Processing)
	fmt.Printf("Failed:      %d\n", st.Failed)
	fmt.Printf("Places:      %d\n", st.TotalPlacesFound)
	return nil
}

func runResetFailed(cfg config.Config) error {
	store := progress.NewStore(storePath(cfg), log.New(os.Stderr, "", 0))
	n, err := store.ResetFailed()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Reset %d failed cells to pending\n", n)
	return nil
}

// parseCells turns the -cells argument into a limit (0 means all).
func parseCells(arg string) (int, error) {
	if arg == "all" {
		return 0, nil
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("-cells must be a positive number or 'all', got %q", arg)
	}
	return n, nil
}

func runHarvest(cfg config.Config, cellsArg string, watch bool) error {
	limit, err := parseCells(cellsArg)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.RequireAPIKey(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}

	logPath := filepath.Join(cfg.OutputDir,
		fmt.Sprintf("harvest_%s.log", time.Now().Format("20060102_150405")))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	defer logFile.Close()
	logger := log.New(logFile, "", log.LstdFlags)
	logger.Printf("=== Session start: cells=%s radius=%.0fm overlap=%.2f concurrency=%d ===",
		cellsArg, cfg.RadiusM, cfg.Overlap, cfg.Concurrency)

	store := progress.NewStore(storePath(cfg), logger)
	if !store.Exists() {
		return fmt.Errorf("no progress file at %s; run -init first", store.Path())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sink storage.Sink
	if cfg.PGDSN != "" {
		sink, err = storage.NewPostgres(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
	} else {
		sink, err = storage.NewSQLite(dbPath(cfg))
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
	}
	defer sink.Close()

	var uploader media.Uploader
	if cfg.S3.Configured() {
		uploader = media.NewBucket(cfg.S3)
	} else {
		uploader = media.NewDir(filepath.Join(cfg.OutputDir, "photos"))
	}

	client := places.NewClient(cfg, logger)
	h := harvest.New(store, client, sink, uploader, logger, cfg.PhotoMaxWidth, cfg.Concurrency)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		if !watch {
			fmt.Fprintln(os.Stderr, "\nShutting down gracefully...")
		}
		cancel()
	}()

	startTime := time.Now()
	var stats *harvest.Stats
	var runErr error
	if watch {
		stats = &harvest.Stats{}
		runErr = tui.Watch(func() error {
			_, err := h.Run(ctx, limit, &harvest.Options{SuppressStderr: true, Stats: stats})
			return err
		}, cancel, stats, logPath)
	} else {
		fmt.Fprintf(os.Stderr, "Log: %s\n", logPath)
		stats, runErr = h.Run(ctx, limit, nil)
	}

	interrupted := errors.Is(runErr, context.Canceled)
	if runErr != nil && !interrupted {
		return fmt.Errorf("harvesting: %w", runErr)
	}

	duration := time.Since(startTime).Truncate(time.Second)
	st, _ := store.Statistics()
	total, _ := sink.Count(context.Background())

	logger.Printf("Done: cells=%d/%d seen=%d added=%d photos=%d reviews=%d failed=%d interrupted=%t total_in_db=%d",
		stats.CellsDone.Load(), stats.CellsTotal,
		stats.PlacesSeen.Load(), stats.PlacesAdded.Load(),
		stats.PhotosStored.Load(), stats.ReviewsStored.Load(),
		stats.CellsFailed.Load(), interrupted, total)

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "══════════════════════════════\n")
	if interrupted {
		fmt.Fprintf(os.Stderr, "  Harvest Interrupted\n")
	} else {
		fmt.Fprintf(os.Stderr, "  Harvest Complete\n")
	}
	fmt.Fprintf(os.Stderr, "══════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "  Cells:      %d/%d\n", stats.CellsDone.Load(), stats.CellsTotal)
	fmt.Fprintf(os.Stderr, "  Seen:       %d\n", stats.PlacesSeen.Load())
	fmt.Fprintf(os.Stderr, "  Added:      %d\n", stats.PlacesAdded.Load())
	fmt.Fprintf(os.Stderr, "  Photos:     %d\n", stats.PhotosStored.Load())
	fmt.Fprintf(os.Stderr, "  Reviews:    %d\n", stats.ReviewsStored.Load())
	fmt.Fprintf(os.Stderr, "  Failed:     %d\n", stats.CellsFailed.Load())
	fmt.Fprintf(os.Stderr, "  Remaining:  %d\n", st.Pending)
	fmt.Fprintf(os.Stderr, "  In DB:      %d (unique)\n", total)
	fmt.Fprintf(os.Stderr, "  Duration:   %s\n", duration)
	fmt.Fprintf(os.Stderr, "  Log:        %s\n", logPath)
	fmt.Fprintf(os.Stderr, "══════════════════════════════\n")

	return nil
}
