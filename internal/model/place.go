package model

// CellStatus is the processing state of a grid cell.
type CellStatus string

const (
	StatusPending    CellStatus = "pending"
	StatusProcessing CellStatus = "processing"
	StatusCompleted  CellStatus = "completed"
	StatusFailed     CellStatus = "failed"
)

// ValidStatus reports whether s is one of the known cell states.
func ValidStatus(s CellStatus) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Cell is a single circular search region on the coverage grid.
// PlacesFound is only meaningful once Status is completed; ErrorMessage
// only when Status is failed.
type Cell struct {
	Lat          float64
	Lng          float64
	Status       CellStatus
	PlacesFound  int
	ErrorMessage string
}

// Candidate is one nearby-search result: just enough to decide whether
// the place needs a detail fetch. Never persisted.
type Candidate struct {
	PlaceID string
	Name    string
}

// PriceUnknown marks an absent price tier (the upstream field is optional).
const PriceUnknown = -1

// Restaurant is the durable record written to the sink.
type Restaurant struct {
	PlaceID     string  `json:"place_id"`
	Name        string  `json:"name"`
	Address     string  `json:"address"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Phone       string  `json:"phone"`
	Website     string  `json:"website"`
	MapURL      string  `json:"map_url"`
	Rating      float64 `json:"rating"`
	RatingCount int     `json:"rating_count"`
	PriceLevel  int     `json:"price_level"` // 0-4, PriceUnknown when absent
}

// HasCoordinates reports whether the record carries a usable location.
// Records without one must never reach the sink.
func (r *Restaurant) HasCoordinates() bool {
	return r.Lat != 0 || r.Lng != 0
}

// Photo belongs to exactly one restaurant. Seq is the position within the
// place's photo list; (restaurant, Seq) dedupes re-uploads across reruns.
type Photo struct {
	Ref         string `json:"ref"`
	Attribution string `json:"attribution"`
	Seq         int    `json:"seq"`
	URL         string `json:"url"` // set once the bytes are stored
}

// Review belongs to exactly one restaurant. Author and Time form the
// dedup key so revisiting a cell never stores the same review twice.
type Review struct {
	Author string `json:"author"`
	Rating int    `json:"rating"`
	Text   string `json:"text"`
	Time   int64  `json:"time"` // upstream unix timestamp
}
