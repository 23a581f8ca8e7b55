package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tavolo/placeharvest/internal/model"
)

// Postgres is the hosted-deployment sink, selected via HARVEST_PG_DSN.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging db: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS restaurants (
		id BIGSERIAL PRIMARY KEY,
		place_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		address TEXT,
		lat DOUBLE PRECISION NOT NULL,
		lng DOUBLE PRECISION NOT NULL,
		phone TEXT,
		website TEXT,
		map_url TEXT,
		rating DOUBLE PRECISION,
		rating_count INTEGER,
		price_level SMALLINT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_restaurants_coords ON restaurants(lat, lng);
	CREATE TABLE IF NOT EXISTS photos (
		id BIGSERIAL PRIMARY KEY,
		restaurant_id BIGINT NOT NULL REFERENCES restaurants(id),
		seq INTEGER NOT NULL,
		url TEXT NOT NULL,
		attribution TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE(restaurant_id, seq)
	);
	CREATE TABLE IF NOT EXISTS reviews (
		id BIGSERIAL PRIMARY KEY,
		restaurant_id BIGINT NOT NULL REFERENCES restaurants(id),
		dedup_key TEXT NOT NULL,
		author TEXT,
		rating INTEGER,
		body TEXT,
		reviewed_at BIGINT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE(restaurant_id, dedup_key)
	);
	`
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (p *Postgres) SaveRestaurant(ctx context.Context, r *model.Restaurant) (int64, error) {
	if !r.HasCoordinates() {
		return 0, fmt.Errorf("%w: %s", ErrMissingCoordinates, r.PlaceID)
	}

	var id int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO restaurants
		(place_id, name, address, lat, lng, phone, website, map_url, rating, rating_count, price_level)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (place_id) DO UPDATE SET
			name=excluded.name, address=excluded.address,
			lat=excluded.lat, lng=excluded.lng,
			phone=excluded.phone, website=excluded.website, map_url=excluded.map_url,
			rating=excluded.rating, rating_count=excluded.rating_count,
			price_level=excluded.price_level,
			updated_at=now()
		RETURNING id`,
		r.PlaceID, r.Name, r.Address, r.Lat, r.Lng, r.Phone, r.Website, r.MapURL,
		r.Rating, r.RatingCount, pgPriceLevel(r.PriceLevel),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upserting restaurant %s: %w", r.PlaceID, err)
	}
	return id, nil
}

func (p *Postgres) SavePhoto(ctx context.Context, restaurantID int64, photo model.Photo) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO photos (restaurant_id, seq, url, attribution)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (restaurant_id, seq) DO NOTHING`,
		restaurantID, photo.Seq, photo.URL, photo.Attribution,
	)
	if err != nil {
		return fmt.Errorf("saving photo %d/%d: %w", restaurantID, photo.Seq, err)
	}
	return nil
}

func (p *Postgres) SaveReviews(ctx context.Context, restaurantID int64, placeName string, reviews []model.Review) (int, error) {
	if len(reviews) == 0 {
		return 0, nil
	}

	b := &pgx.Batch{}
	for _, rv := range reviews {
		b.Queue(`
			INSERT INTO reviews (restaurant_id, dedup_key, author, rating, body, reviewed_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (restaurant_id, dedup_key) DO NOTHING`,
			restaurantID, ReviewKey(rv.Author, rv.Time), rv.Author, rv.Rating, rv.Text, rv.Time)
	}

	br := p.pool.SendBatch(ctx, b)
	defer br.Close()

	inserted := 0
	for range reviews {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("inserting reviews for %q: %w", placeName, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (p *Postgres) KnownIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := p.pool.Query(ctx, "SELECT place_id FROM restaurants")
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

// Restaurants returns every stored record ordered by name, for --export.
func (p *Postgres) Restaurants(ctx context.Context) ([]model.Restaurant, error) {
	rows, err := p.pool.Query(ctx, `
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
		var count sql.NullInt64
		var price sql.NullInt16
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
			r.PriceLevel = int(price.Int16)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (p *Postgres) Count(ctx context.Context) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM restaurants").Scan(&count)
	return count, err
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func pgPriceLevel(pl int) sql.NullInt16 {
	if pl == model.PriceUnknown {
		return sql.NullInt16{}
	}
	return sql.NullInt16{Int16: int16(pl), Valid: true}
}
