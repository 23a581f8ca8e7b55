package places

// Wire types for the upstream places API. Optional fields are pointers
// so absent and zero stay distinguishable.

const (
	statusOK             = "OK"
	statusZeroResults    = "ZERO_RESULTS"
	statusInvalidRequest = "INVALID_REQUEST"
	statusOverQueryLimit = "OVER_QUERY_LIMIT"
	statusUnknownError   = "UNKNOWN_ERROR"
)

// transientStatus reports whether an API status is worth retrying.
// INVALID_REQUEST is deliberately excluded: with a page token attached
// it means "token not ready yet", which follows the pagination delay
// instead of the retry budget.
func transientStatus(status string) bool {
	return status == statusOverQueryLimit || status == statusUnknownError
}

type searchResponse struct {
	Results       []placeResult `json:"results"`
	Status        string        `json:"status"`
	NextPageToken string        `json:"next_page_token"`
	ErrorMessage  string        `json:"error_message"`
}

func (r *searchResponse) apiStatus() string { return r.Status }

type detailsResponse struct {
	Result       placeResult `json:"result"`
	Status       string      `json:"status"`
	ErrorMessage string      `json:"error_message"`
}

func (r *detailsResponse) apiStatus() string { return r.Status }

type placeResult struct {
	PlaceID          string       `json:"place_id"`
	Name             string       `json:"name"`
	Geometry         *geometry    `json:"geometry,omitempty"`
	Vicinity         *string      `json:"vicinity,omitempty"`
	FormattedAddress *string      `json:"formatted_address,omitempty"`
	FormattedPhone   *string      `json:"formatted_phone_number,omitempty"`
	Website          *string      `json:"website,omitempty"`
	URL              *string      `json:"url,omitempty"`
	Rating           *float64     `json:"rating,omitempty"`
	UserRatingsTotal *int         `json:"user_ratings_total,omitempty"`
	PriceLevel       *int         `json:"price_level,omitempty"`
	Photos           []photoInfo  `json:"photos,omitempty"`
	Reviews          []reviewInfo `json:"reviews,omitempty"`
}

type geometry struct {
	Location location `json:"location"`
}

type location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type photoInfo struct {
	PhotoReference   string   `json:"photo_reference"`
	HTMLAttributions []string `json:"html_attributions"`
	Width            int      `json:"width"`
	Height           int      `json:"height"`
}

type reviewInfo struct {
	AuthorName string `json:"author_name"`
	Rating     int    `json:"rating"`
	Text       string `json:"text"`
	Time       int64  `json:"time"`
}
