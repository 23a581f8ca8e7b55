// Package storage persists harvested restaurant records. Two sinks
// implement the same contract: the embedded SQLite store (default) and
// a Postgres store for hosted deployments.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/tavolo/placeharvest/internal/model"
)

// ErrMissingCoordinates rejects inserts without a location. A record
// with null coordinates is useless to the discovery product, so the
// sink refuses it instead of storing it silently.
var ErrMissingCoordinates = errors.New("restaurant record has no coordinates")

// Sink is the record store the harvester writes to.
type Sink interface {
	// SaveRestaurant upserts by place ID and returns the row ID. Mutable
	// fields (rating, counts, contact info) are refreshed on conflict;
	// the original creation time is left untouched.
	SaveRestaurant(ctx context.Context, r *model.Restaurant) (int64, error)
	// SavePhoto stores one photo; (restaurant, seq) duplicates are ignored.
	SavePhoto(ctx context.Context, restaurantID int64, photo model.Photo) error
	// SaveReviews bulk-inserts reviews, skipping dedup-key duplicates,
	// and returns how many were actually new.
	SaveReviews(ctx context.Context, restaurantID int64, placeName string, reviews []model.Review) (int, error)
	// KnownIDs returns every place ID already persisted.
	KnownIDs(ctx context.Context) (map[string]struct{}, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// ReviewKey derives the dedup key for a review from its author and
// upstream timestamp, so revisiting a cell never stores a review twice.
func ReviewKey(author string, ts int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", author, ts)))
	return hex.EncodeToString(sum[:16])
}
