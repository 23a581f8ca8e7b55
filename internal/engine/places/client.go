// Package places wraps the upstream nearby-search and place-details
// endpoints: pagination, throttling, retry with backoff, photo download.
// Failures degrade to empty results at this boundary; one broken place
// must never take down a batch run.
package places

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"github.com/tavolo/placeharvest/internal/config"
	"github.com/tavolo/placeharvest/internal/model"
)

const (
	maxPages   = 3 // upstream caps at ~60 results over 3 pages
	maxBackoff = 30 * time.Second
)

// PageStatus is the tagged outcome of one nearby-search page.
type PageStatus int

const (
	PageOK PageStatus = iota
	PageEmpty
	PageNotReady // page token issued but not redeemable yet
	PageError
)

// Page is one decoded page of nearby results.
type Page struct {
	Status        PageStatus
	Results       []model.Candidate
	NextPageToken string
}

// StatusError is a non-OK API status that survived decoding.
type StatusError struct {
	Status  string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api status %s", e.Status)
	}
	return fmt.Sprintf("api status %s: %s", e.Status, e.Message)
}

type statusCarrier interface{ apiStatus() string }

// Client talks to the upstream API. Construct one and share it: the
// throttle is global, so every caller respects the same rate limit.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	logger  *log.Logger

	maxRetries     int
	backoffBase    time.Duration
	minInterval    time.Duration
	pageTokenDelay time.Duration
	maxPhotos      int
	radiusM        int

	// mu serializes outbound calls; lastCall enforces the minimum
	// inter-call interval across all workers.
	mu       sync.Mutex
	lastCall time.Time
}

func NewClient(cfg config.Config, logger *log.Logger) *Client {
	return &Client{
		http:           &http.Client{Timeout: 15 * time.Second},
		baseURL:        cfg.BaseURL,
		apiKey:         cfg.APIKey,
		logger:         logger,
		maxRetries:     cfg.MaxRetries,
		backoffBase:    time.Second,
		minInterval:    cfg.RateDelay,
		pageTokenDelay: cfg.PageTokenDelay,
		maxPhotos:      cfg.MaxPhotos,
		radiusM:        int(cfg.RadiusM),
	}
}

// throttle blocks until the minimum inter-call interval has passed.
// Holding the mutex through the sleep is what makes the limit global
// rather than per-worker.
func (c *Client) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wait := c.minInterval - time.Since(c.lastCall); wait > 0 {
		time.Sleep(wait)
	}
	c.lastCall = time.Now()
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.backoffBase * time.Duration(1<<uint(attempt))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// sleepCtx sleeps unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) get(ctx context.Context, reqURL string, out any) error {
	c.throttle()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// getRetry fetches with exponential backoff. Network failures and
// transient API statuses consume the retry budget; a nil return means
// out holds a decoded payload whose status still needs classifying.
func (c *Client) getRetry(ctx context.Context, reqURL string, out statusCarrier) error {
	var lastErr error
	for attempt := range c.maxRetries {
		if attempt > 0 {
			if !sleepCtx(ctx, c.backoff(attempt-1)) {
				return ctx.Err()
			}
		}
		if err := c.get(ctx, reqURL, out); err != nil {
			lastErr = err
			continue
		}
		if transientStatus(out.apiStatus()) {
			lastErr = &StatusError{Status: out.apiStatus()}
			continue
		}
		return nil
	}
	return lastErr
}

func (c *Client) nearbyURL(center orb.Point, pageToken string) string {
	params := url.Values{}
	params.Set("key", c.apiKey)
	if pageToken != "" {
		params.Set("pagetoken", pageToken)
	} else {
		params.Set("location", fmt.Sprintf("%.6f,%.6f", center.Lat(), center.Lon()))
		params.Set("radius", strconv.Itoa(c.radiusM))
		params.Set("type", "restaurant")
	}
	return c.baseURL + "/nearbysearch/json?" + params.Encode()
}

// NearbySearch fetches one page and classifies the outcome. The
// distinguished not-ready state (INVALID_REQUEST while redeeming a
// token) is a valid page, not an error.
func (c *Client) NearbySearch(ctx context.Context, center orb.Point, pageToken string) (Page, error) {
	var resp searchResponse
	if err := c.getRetry(ctx, c.nearbyURL(center, pageToken), &resp); err != nil {
		return Page{Status: PageError}, err
	}

	switch resp.Status {
	case statusOK:
		results := make([]model.Candidate, 0, len(resp.Results))
		for _, r := range resp.Results {
			if r.PlaceID == "" {
				continue
			}
			results = append(results, model.Candidate{PlaceID: r.PlaceID, Name: r.Name})
		}
		return Page{Status: PageOK, Results: results, NextPageToken: resp.NextPageToken}, nil
	case statusZeroResults:
		return Page{Status: PageEmpty}, nil
	case statusInvalidRequest:
		if pageToken != "" {
			return Page{Status: PageNotReady}, nil
		}
	}
	return Page{Status: PageError}, &StatusError{Status: resp.Status, Message: resp.ErrorMessage}
}

// AllNearby flattens up to three pages of nearby results. A fresh page
// token needs the pagination delay before it can be redeemed, and a
// not-ready response just waits the same delay again. Any error
// degrades to whatever was collected so far.
func (c *Client) AllNearby(ctx context.Context, center orb.Point) []model.Candidate {
	var all []model.Candidate
	seen := make(map[string]struct{})
	token := ""

	for page := 0; page < maxPages; page++ {
		if token != "" && !sleepCtx(ctx, c.pageTokenDelay) {
			return all
		}

		pg, err := c.NearbySearch(ctx, center, token)
		for err == nil && pg.Status == PageNotReady {
			if !sleepCtx(ctx, c.pageTokenDelay) {
				return all
			}
			pg, err = c.NearbySearch(ctx, center, token)
		}
		if err != nil {
			c.logger.Printf("SEARCH_FAIL center=%.6f,%.6f page=%d err=%v", center.Lat(), center.Lon(), page, err)
			return all
		}
		if pg.Status == PageEmpty {
			return all
		}

		for _, cand := range pg.Results {
			if _, dup := seen[cand.PlaceID]; dup {
				continue
			}
			seen[cand.PlaceID] = struct{}{}
			all = append(all, cand)
		}

		if pg.NextPageToken == "" {
			return all
		}
		token = pg.NextPageToken
	}
	return all
}

func (c *Client) detailsURL(placeID, fields string) string {
	params := url.Values{}
	params.Set("key", c.apiKey)
	params.Set("place_id", placeID)
	params.Set("fields", fields)
	return c.baseURL + "/details/json?" + params.Encode()
}

// PlaceDetails fetches the durable record for one place. Returns nil
// when the place cannot be fetched; the caller skips it and moves on.
func (c *Client) PlaceDetails(ctx context.Context, placeID string) *model.Restaurant {
	const fields = "place_id,name,geometry,formatted_address,vicinity,formatted_phone_number,website,url,rating,user_ratings_total,price_level"

	var resp detailsResponse
	if err := c.getRetry(ctx, c.detailsURL(placeID, fields), &resp); err != nil {
		c.logger.Printf("DETAILS_FAIL place=%s err=%v", placeID, err)
		return nil
	}
	if resp.Status != statusOK {
		c.logger.Printf("DETAILS_FAIL place=%s status=%s", placeID, resp.Status)
		return nil
	}

	r := resp.Result
	rec := &model.Restaurant{
		PlaceID:    placeID,
		Name:       r.Name,
		PriceLevel: model.PriceUnknown,
	}
	if r.PlaceID != "" {
		rec.PlaceID = r.PlaceID
	}
	if r.Geometry != nil {
		rec.Lat = r.Geometry.Location.Lat
		rec.Lng = r.Geometry.Location.Lng
	}
	if r.FormattedAddress != nil {
		rec.Address = *r.FormattedAddress
	} else if r.Vicinity != nil {
		rec.Address = *r.Vicinity
	}
	if r.FormattedPhone != nil {
		rec.Phone = *r.FormattedPhone
	}
	if r.Website != nil {
		rec.Website = *r.Website
	}
	if r.URL != nil {
		rec.MapURL = *r.URL
	}
	if r.Rating != nil {
		rec.Rating = *r.Rating
	}
	if r.UserRatingsTotal != nil {
		rec.RatingCount = *r.UserRatingsTotal
	}
	if r.PriceLevel != nil {
		rec.PriceLevel = *r.PriceLevel
	}
	return rec
}

// PlacePhotos returns up to MaxPhotos photo references for a place.
func (c *Client) PlacePhotos(ctx context.Context, placeID string) []model.Photo {
	var resp detailsResponse
	if err := c.getRetry(ctx, c.detailsURL(placeID, "photos"), &resp); err != nil {
		c.logger.Printf("PHOTOS_FAIL place=%s err=%v", placeID, err)
		return nil
	}
	if resp.Status != statusOK {
		return nil
	}

	infos := resp.Result.Photos
	if len(infos) > c.maxPhotos {
		infos = infos[:c.maxPhotos]
	}
	photos := make([]model.Photo, 0, len(infos))
	for i, p := range infos {
		attribution := ""
		if len(p.HTMLAttributions) > 0 {
			attribution = p.HTMLAttributions[0]
		}
		photos = append(photos, model.Photo{
			Ref:         p.PhotoReference,
			Attribution: attribution,
			Seq:         i,
		})
	}
	return photos
}

// PlaceReviews returns the reviews the upstream exposes for a place.
func (c *Client) PlaceReviews(ctx context.Context, placeID string) []model.Review {
	var resp detailsResponse
	if err := c.getRetry(ctx, c.detailsURL(placeID, "reviews"), &resp); err != nil {
		c.logger.Printf("REVIEWS_FAIL place=%s err=%v", placeID, err)
		return nil
	}
	if resp.Status != statusOK {
		return nil
	}

	reviews := make([]model.Review, 0, len(resp.Result.Reviews))
	for _, r := range resp.Result.Reviews {
		reviews = append(reviews, model.Review{
			Author: r.AuthorName,
			Rating: r.Rating,
			Text:   r.Text,
			Time:   r.Time,
		})
	}
	return reviews
}

// DownloadPhoto fetches the bytes behind a photo reference, following
// the upstream redirect to the actual image. Nil means skip this photo.
func (c *Client) DownloadPhoto(ctx context.Context, ref string, maxWidth int) []byte {
	params := url.Values{}
	params.Set("key", c.apiKey)
	params.Set("photo_reference", ref)
	params.Set("maxwidth", strconv.Itoa(maxWidth))
	reqURL := c.baseURL + "/photo?" + params.Encode()

	var lastErr error
	for attempt := range c.maxRetries {
		if attempt > 0 {
			if !sleepCtx(ctx, c.backoff(attempt-1)) {
				return nil
			}
		}
		data, err := c.getBytes(ctx, reqURL)
		if err == nil {
			return data
		}
		lastErr = err
	}
	c.logger.Printf("PHOTO_FAIL ref=%.24s err=%v", ref, lastErr)
	return nil
}

func (c *Client) getBytes(ctx context.Context, reqURL string) ([]byte, error) {
	c.throttle()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
