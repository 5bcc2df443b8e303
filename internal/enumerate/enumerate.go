// Package enumerate turns previously downloaded event listing pages into the ordered,
// de-duplicated target lists consumed by the price and trade workflows.
package enumerate

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	perrors "github.com/johnayoung/go-polymarket-ingest/internal/errors"
	"github.com/johnayoung/go-polymarket-ingest/internal/ingest"
	"github.com/johnayoung/go-polymarket-ingest/internal/polymarket"
	"github.com/johnayoung/go-polymarket-ingest/internal/progress"
)

const (
	EventsPrefix = "events"
	EventsExt    = ".json"

	// DefaultPercentile is the share of markets by volume kept for trades.
	DefaultPercentile = 0.10
)

// Window is one page request of a listing.
type Window struct {
	Index  int
	Offset int
	Limit  int
}

// ListingWindow returns the window of page index for a listing of pageSize pages.
func ListingWindow(index, pageSize int) Window {
	return Window{Index: index, Offset: index * pageSize, Limit: pageSize}
}

// Enumerator reads event listing pages from disk.
type Enumerator struct {
	logger *slog.Logger
}

// New creates an Enumerator.
func New(logger *slog.Logger) *Enumerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enumerator{logger: logger}
}

// EventFiles returns the paths of event listing pages under dir in lexicographic order.
// A missing directory yields no files.
func (e *Enumerator) EventFiles(dir string) ([]string, error) {
	listing := progress.NewListing(dir, EventsPrefix, EventsExt)
	names, err := listing.Files()
	if err != nil {
		return nil, err
	}
	if names == nil {
		if _, statErr := os.Stat(dir); statErr != nil {
			e.logger.Warn("events directory not found", "dir", dir)
		}
	}
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(dir, name)
	}
	return paths, nil
}

// eachMarket calls fn for every decodable market in every event file, in order.
// Unreadable or malformed files and markets are logged and skipped.
func (e *Enumerator) eachMarket(dir string, fn func(m polymarket.Market)) error {
	files, err := e.EventFiles(dir)
	if err != nil {
		return err
	}
	for _, path := range files {
		body, err := os.ReadFile(path)
		if err != nil {
			e.logger.Warn("skipping unreadable event file",
				"error", perrors.IO("read event file", path, err))
			continue
		}
		markets, skipped, err := polymarket.DecodeMarkets(body)
		if err != nil {
			e.logger.Warn("skipping malformed event file",
				"error", perrors.Decode("decode event file", path, err))
			continue
		}
		for _, skipErr := range skipped {
			e.logger.Debug("skipping malformed market", "file", path, "error", skipErr)
		}
		for _, m := range markets {
			fn(m)
		}
	}
	return nil
}

// TokenTargets returns one target per CLOB token id in enumeration order; the first
// occurrence of an id wins. StartTS is the market end date minus buffer, clamped at
// zero, or now minus buffer when the end date is missing or unparseable.
func (e *Enumerator) TokenTargets(dir string, buffer time.Duration, now time.Time) ([]ingest.Target, error) {
	var targets []ingest.Target
	seen := make(map[string]struct{})

	err := e.eachMarket(dir, func(m polymarket.Market) {
		for _, id := range m.ClobTokenIDs {
			if !decimalID(id) {
				e.logger.Warn("skipping malformed token id", "id", id, "market", m.Slug)
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, ingest.Target{
				ID:      id,
				Index:   len(targets),
				StartTS: StartTimestamp(m.EndDate, buffer, now),
			})
		}
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("enumerated token targets", "dir", dir, "targets", len(targets))
	return targets, nil
}

// StartTimestamp computes the lower bound of a price history request.
func StartTimestamp(endDate string, buffer time.Duration, now time.Time) int64 {
	secs := int64(buffer / time.Second)
	if end, ok := polymarket.ParseEndDate(endDate); ok {
		return max(end.Unix()-secs, 0)
	}
	return now.Unix() - secs
}

// ConditionTargets returns one target per market condition id weighted by traded
// volume; the first occurrence of an id wins.
func (e *Enumerator) ConditionTargets(dir string) ([]ingest.Target, error) {
	var targets []ingest.Target
	seen := make(map[string]struct{})

	err := e.eachMarket(dir, func(m polymarket.Market) {
		if m.ConditionID == "" {
			return
		}
		if !hexID(m.ConditionID) {
			e.logger.Warn("skipping malformed condition id", "id", m.ConditionID, "market", m.Slug)
			return
		}
		if _, ok := seen[m.ConditionID]; ok {
			return
		}
		seen[m.ConditionID] = struct{}{}
		targets = append(targets, ingest.Target{
			ID:     m.ConditionID,
			Index:  len(targets),
			Weight: m.VolumeNum,
		})
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("enumerated condition targets", "dir", dir, "targets", len(targets))
	return targets, nil
}

// decimalID reports whether id is a CLOB token id: decimal digits only.
func decimalID(id string) bool {
	if id == "" {
		return false
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// hexID reports whether id is a condition id: 0x followed by hex digits.
func hexID(id string) bool {
	digits, ok := strings.CutPrefix(id, "0x")
	if !ok || digits == "" {
		return false
	}
	for _, c := range digits {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// TopByVolume keeps the top share of targets by weight, at least one when targets is
// non-empty. Ties keep enumeration order. The result is re-indexed by rank.
func TopByVolume(targets []ingest.Target, percentile float64) []ingest.Target {
	if len(targets) == 0 {
		return nil
	}
	if percentile <= 0 || percentile > 1 {
		percentile = DefaultPercentile
	}

	ranked := append([]ingest.Target(nil), targets...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Weight.GreaterThan(ranked[j].Weight)
	})

	keep := int(float64(len(ranked)) * percentile)
	if keep == 0 {
		keep = 1
	}
	ranked = ranked[:keep]
	for i := range ranked {
		ranked[i].Index = i
	}
	return ranked
}

// ResumeIndex returns the position after the last target already done, or zero.
func ResumeIndex(targets []ingest.Target, done progress.Set) int {
	for i := len(targets) - 1; i >= 0; i-- {
		if done.Has(targets[i].ID) {
			return i + 1
		}
	}
	return 0
}

// TotalWeight sums target weights.
func TotalWeight(targets []ingest.Target) decimal.Decimal {
	total := decimal.Zero
	for _, t := range targets {
		total = total.Add(t.Weight)
	}
	return total
}
