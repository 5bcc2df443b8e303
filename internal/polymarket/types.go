package polymarket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Market is the subset of a gamma market the pipelines read.
type Market struct {
	Slug         string          `json:"slug"`
	ConditionID  string          `json:"conditionId"`
	ClobTokenIDs TokenIDs        `json:"clobTokenIds"`
	VolumeNum    decimal.Decimal `json:"volumeNum"`
	EndDate      string          `json:"endDate"`
}

// TokenIDs decodes clobTokenIds, which gamma returns as a JSON string containing a
// JSON array. A plain array is accepted too.
type TokenIDs []string

func (t *TokenIDs) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = nil
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*t = nil
			return nil
		}
		b = []byte(s)
	}

	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return fmt.Errorf("clobTokenIds: %w", err)
	}
	out := ids[:0]
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	*t = out
	return nil
}

// DecodeMarkets returns every market of an event listing page in order. A market that
// fails to decode is skipped and reported through skipped; only a page that is not a
// list of events is an error.
func DecodeMarkets(body []byte) (markets []Market, skipped []error, err error) {
	var events []struct {
		Markets []json.RawMessage `json:"markets"`
	}
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, nil, fmt.Errorf("decode events: %w", err)
	}
	for i, ev := range events {
		for j, raw := range ev.Markets {
			var m Market
			if err := json.Unmarshal(raw, &m); err != nil {
				skipped = append(skipped, fmt.Errorf("event %d market %d: %w", i, j, err))
				continue
			}
			markets = append(markets, m)
		}
	}
	return markets, skipped, nil
}

// ArrayRecords splits a top-level JSON array into raw records.
func ArrayRecords(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decode array: %w", err)
	}
	return records, nil
}

// HistoryRecords returns the points of a prices-history document. A missing or null
// history field yields no records.
func HistoryRecords(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}
	var doc struct {
		History []json.RawMessage `json:"history"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode price history: %w", err)
	}
	return doc.History, nil
}

var endDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseEndDate parses an ISO-8601 end date. Timestamps without a zone are UTC.
func ParseEndDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range endDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
