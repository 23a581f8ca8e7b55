package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/tavolo/placeharvest/internal/config"
	"github.com/tavolo/placeharvest/internal/engine/progress"
	"github.com/tavolo/placeharvest/internal/engine/storage"
	"github.com/tavolo/placeharvest/internal/model"
)

type restaurantLister interface {
	Restaurants(ctx context.Context) ([]model.Restaurant, error)
	Close() error
}

func runExport(cfg config.Config, outPath string) error {
	ctx := context.Background()

	var lister restaurantLister
	var err error
	if cfg.PGDSN != "" {
		lister, err = storage.NewPostgres(ctx, cfg.PGDSN)
	} else {
		lister, err = storage.NewSQLite(dbPath(cfg))
	}
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer lister.Close()

	records, err := lister.Restaurants(ctx)
	if err != nil {
		return fmt.Errorf("loading restaurants: %w", err)
	}
	if len(records) == 0 {
		return fmt.Errorf("no restaurants stored yet")
	}

	if outPath == "" {
		outPath = filepath.Join(cfg.OutputDir, "restaurants.csv")
	}
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	w.Write([]string{
		"place_id", "name", "address", "lat", "lng",
		"phone", "website", "map_url", "rating", "rating_count", "price_level",
	})
	for _, r := range records {
		price := ""
		if r.PriceLevel != model.PriceUnknown {
			price = fmt.Sprintf("%d", r.PriceLevel)
		}
		w.Write([]string{
			r.PlaceID,
			r.Name,
			r.Address,
			fmt.Sprintf("%.6f", r.Lat),
			fmt.Sprintf("%.6f", r.Lng),
			r.Phone,
			r.Website,
			r.MapURL,
			fmt.Sprintf("%.1f", r.Rating),
			fmt.Sprintf("%d", r.RatingCount),
			price,
		})
	}
	if err := w.Error(); err != nil {
		return fmt.Errorf("writing csv: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Exported %d restaurants to %s\n", len(records), outPath)
	return nil
}

// runExportCells writes the grid as a GeoJSON point collection so the
// coverage and per-cell status can be eyeballed in any map viewer.
func runExportCells(cfg config.Config, outPath string) error {
	store := progress.NewStore(storePath(cfg), log.New(os.Stderr, "", 0))
	cells, err := store.Load()
	if err != nil {
		if errors.Is(err, progress.ErrNoStore) {
			return fmt.Errorf("no progress file at %s; run -init first", store.Path())
		}
		return err
	}

	fc := geojson.NewFeatureCollection()
	for _, cell := range cells {
		f := geojson.NewFeature(orb.Point{cell.Lng, cell.Lat})
		f.Properties["status"] = string(cell.Status)
		f.Properties["places_found"] = cell.PlacesFound
		if cell.ErrorMessage != "" {
			f.Properties["error"] = cell.ErrorMessage
		}
		fc.Append(f)
	}

	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding geojson: %w", err)
	}

	if outPath == "" {
		outPath = filepath.Join(cfg.OutputDir, "cells.geojson")
	}
	if err := os.WriteFile(outPath, data, 0644); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Exported %d cells to %s\n", len(cells), outPath)
	return nil
}
