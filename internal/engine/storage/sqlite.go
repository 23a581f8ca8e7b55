package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/tavolo/placeharvest/internal/model"
)

// SQLite is the embedded default sink.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}

	// Optimize for write throughput
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	if err := createSchema(db); err != nil {
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS restaurants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		place_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		address TEXT,
		lat REAL NOT NULL,
		lng REAL NOT NULL,
		phone TEXT,
		website TEXT,
		map_url TEXT,
		rating REAL,
		rating_count INTEGER,
		price_level INTEGER,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_restaurants_coords ON restaurants(lat, lng);
	CREATE TABLE IF NOT EXISTS photos (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		restaurant_id INTEGER NOT NULL REFERENCES restaurants(id),
		seq INTEGER NOT NULL,
		url TEXT NOT NULL,
		attribution TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(restaurant_id, seq)
	);
	CREATE TABLE IF NOT EXISTS reviews (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		restaurant_id INTEGER NOT NULL REFERENCES restaurants(id),
		dedup_key TEXT NOT NULL,
		author TEXT,
		rating INTEGER,
		body TEXT,
		reviewed_at INTEGER,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(restaurant_id, dedup_key)
	);
	`
	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (s *SQLite) SaveRestaurant(ctx context.Context, r *model.Restaurant) (int64, error) {
	if !r.HasCoordinates() {
		return 0, fmt.Errorf("%w: %s", ErrMissingCoordinates, r.PlaceID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO restaurants
		(place_id, name, address, lat, lng, phone, website, map_url, rating, rating_count, price_level)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(place_id) DO UPDATE SET
			name=excluded.name, address=excluded.address,
			lat=excluded.lat, lng=excluded.lng,
			phone=excluded.phone, website=excluded.website, map_url=excluded.map_url,
			rating=excluded.rating, rating_count=excluded.rating_count,
			price_level=excluded.price_level,
			updated_at=CURRENT_TIMESTAMP
		RETURNING id`,
		r.PlaceID, r.Name, r.Address, r.Lat, r.Lng, r.Phone, r.Website, r.MapURL,
		r.Rating, r.RatingCount, priceLevel(r.PriceLevel),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upserting restaurant %s: %w", r.PlaceID, err)
	}
	return id, nil
}

func (s *SQLite) SavePhoto(ctx context.Context, restaurantID int64, photo model.Photo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO photos (restaurant_id, seq, url, attribution)
		VALUES (?,?,?,?)`,
		restaurantID, photo.Seq, photo.URL, photo.Attribution,
	)
	if err != nil {
		return fmt.Errorf("saving photo %d/%d: %w", restaurantID, photo.Seq, err)
	}
	return nil
}

func (s *SQLite) SaveReviews(ctx context.Context, restaurantID int64, placeName string, reviews []model.Review) (int, error) {
	if len(reviews) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning tx: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO reviews (restaurant_id, dedup_key, author, rating, body, reviewed_at)
		VALUES (?,?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("preparing stmt: %w", err)
	}
	defer stmt.Close()

	// Duplicates are absorbed by INSERT OR IGNORE, so any exec error
	// here is a real failure and must surface like the Postgres impl.
	inserted := 0
	for _, rv := range reviews {
		res, err := stmt.ExecContext(ctx,
			restaurantID, ReviewKey(rv.Author, rv.Time), rv.Author, rv.Rating, rv.Text, rv.Time)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("inserting review for %q: %w", placeName, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing reviews for %q: %w", placeName, err)
	}
	return inserted, nil
}

func (s *SQLite) KnownIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT place_id FROM restaurants")
	if err != nil {
		return nil, fmt.Errorf("listing place ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func (s *SQLite) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM restaurants").Scan(&count)
	return count, err
}

// Restaurants returns every stored record ordered by name, for --export.
func (s *SQLite) Restaurants(ctx context.Context) ([]model.Restaurant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT place_id, name, address, lat, lng, phone, website, map_url,
		       rating, rating_count, price_level
		FROM restaurants ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.Restaurant
	for rows.Next() {
		var r model.Restaurant
		var address, phone, website, mapURL sql.NullString
		var rating sql.NullFloat64
		var count, price sql.NullInt64
		err := rows.Scan(&r.PlaceID, &r.Name, &address, &r.Lat, &r.Lng,
			&phone, &website, &mapURL, &rating, &count, &price)
		if err != nil {
			return nil, err
		}
		r.Address = address.String
		r.Phone = phone.String
		r.Website = website.String
		r.MapURL = mapURL.String
		r.Rating = rating.Float64
		r.RatingCount = int(count.Int64)
		r.PriceLevel = model.PriceUnknown
		if price.Valid {
			r.PriceLevel = int(price.Int64)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// priceLevel maps the unknown sentinel to NULL.
func priceLevel(p int) sql.NullInt64 {
	if p == model.PriceUnknown {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(p), Valid: true}
}
