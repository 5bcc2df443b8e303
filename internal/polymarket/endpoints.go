// Package polymarket holds the read-only endpoints and response shapes of the public
// Polymarket APIs consumed by the ingestion workflows.
package polymarket

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultGammaURL = "https://gamma-api.polymarket.com"
	DefaultClobURL  = "https://clob.polymarket.com"
	DefaultDataURL  = "https://data-api.polymarket.com"
)

const (
	EventsPath       = "/events"
	PriceHistoryPath = "/prices-history"
	TradesPath       = "/trades"
)

// EventsQuery selects one page of the event listing.
type EventsQuery struct {
	Closed bool
	Limit  int
	Offset int
}

// PriceHistoryQuery selects the full price history of one CLOB token.
type PriceHistoryQuery struct {
	TokenID  string
	Fidelity int // minutes per point
	StartTS  int64
}

// TradesQuery selects one page of trades for one market.
type TradesQuery struct {
	ConditionID  string
	Limit        int
	Offset       int
	TakerOnly    bool
	FilterType   string
	FilterAmount int
}

// Endpoint joins a base URL with a path and query.
func Endpoint(base, path string, q url.Values) (string, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url %q: %w", base, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("base url must be http(s), got %q", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// EventsURL builds the gamma event listing URL for one page.
func EventsURL(base string, q EventsQuery) (string, error) {
	v := url.Values{}
	v.Set("closed", strconv.FormatBool(q.Closed))
	v.Set("limit", strconv.Itoa(q.Limit))
	v.Set("offset", strconv.Itoa(q.Offset))
	return Endpoint(base, EventsPath, v)
}

// PriceHistoryURL builds the CLOB price history URL for one token.
func PriceHistoryURL(base string, q PriceHistoryQuery) (string, error) {
	if strings.TrimSpace(q.TokenID) == "" {
		return "", fmt.Errorf("price history: token id required")
	}
	v := url.Values{}
	v.Set("market", q.TokenID)
	v.Set("fidelity", strconv.Itoa(q.Fidelity))
	v.Set("startTs", strconv.FormatInt(q.StartTS, 10))
	return Endpoint(base, PriceHistoryPath, v)
}

// TradesURL builds the data API trades URL for one page of one market.
func TradesURL(base string, q TradesQuery) (string, error) {
	if strings.TrimSpace(q.ConditionID) == "" {
		return "", fmt.Errorf("trades: condition id required")
	}
	v := url.Values{}
	v.Set("market", q.ConditionID)
	v.Set("limit", strconv.Itoa(q.Limit))
	v.Set("offset", strconv.Itoa(q.Offset))
	if q.TakerOnly {
		v.Set("takerOnly", "true")
	}
	if q.FilterType != "" {
		v.Set("filterType", q.FilterType)
		v.Set("filterAmount", strconv.Itoa(q.FilterAmount))
	}
	return Endpoint(base, TradesPath, v)
}
