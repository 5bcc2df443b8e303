// Package walker pulls the pages of one target in offset order and hands each page to
// a Sink. A target ends in exactly one of three states: EXHAUSTED (data was stored),
// EMPTY (the first page had no records, nothing stored) or ERROR (nothing committed by
// this walk; the target is retried on the next run).
package walker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	perrors "github.com/johnayoung/go-polymarket-ingest/internal/errors"
)

// State is the walk state of one target.
type State string

const (
	StateFetching  State = "fetching"
	StateContinue  State = "continue"
	StateExhausted State = "exhausted"
	StateEmpty     State = "empty"
	StateError     State = "error"
)

// DefaultProgressEvery is how many records pass between progress log lines.
const DefaultProgressEvery = 10000

// Fetcher gets one URL. *fetcher.Session satisfies it.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
}

// RequestFunc builds the URL of the page at offset. limit is the page size, or zero
// in single-document mode.
type RequestFunc func(offset, limit int) (string, error)

// DecodeFunc extracts the records of one response body.
type DecodeFunc func(body []byte) ([]json.RawMessage, error)

// Page is one decoded response.
type Page struct {
	Number  int // zero-based within this walk
	Offset  int
	Records []json.RawMessage
	Body    []byte
}

// Sink persists the pages of one walk. Commit is called once after the last page of a
// walk that stored data; Abort is called instead when the walk is EMPTY or fails.
type Sink interface {
	WritePage(page Page) error
	Commit() error
	Abort() error
}

// Result summarizes a finished walk.
type Result struct {
	State   State
	Pages   int
	Records int
	// NextOffset is the offset after the last page handed to the sink.
	NextOffset int
}

type options struct {
	decode        DecodeFunc
	startOffset   int
	progressEvery int
	logger        *slog.Logger
}

// Option customizes Walk.
type Option func(*options)

// WithDecoder sets how response bodies split into records. The default expects a JSON array.
func WithDecoder(d DecodeFunc) Option { return func(o *options) { o.decode = d } }

// WithStartOffset starts the walk at a non-zero offset.
func WithStartOffset(offset int) Option { return func(o *options) { o.startOffset = offset } }

// WithProgressEvery sets the record interval for progress logs. Zero disables them.
func WithProgressEvery(n int) Option { return func(o *options) { o.progressEvery = n } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// Walk fetches pages of pageSize records until a short or empty page. pageSize zero
// means the target is a single document fetched once.
func Walk(ctx context.Context, f Fetcher, req RequestFunc, pageSize int, sink Sink, opts ...Option) (Result, error) {
	o := options{
		decode:        decodeArray,
		progressEvery: DefaultProgressEvery,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	res := Result{State: StateFetching, NextOffset: o.startOffset}
	fail := func(err error) (Result, error) {
		res.State = StateError
		if abortErr := sink.Abort(); abortErr != nil {
			o.logger.Warn("failed to discard partial output", "error", abortErr)
		}
		return res, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(perrors.New(perrors.ErrorTypeCanceled, "walk", "", err))
		}

		rawURL, err := req(res.NextOffset, pageSize)
		if err != nil {
			return fail(perrors.New(perrors.ErrorTypeConfiguration, "build request", "", err))
		}

		body, err := f.Get(ctx, rawURL)
		if err != nil {
			return fail(err)
		}

		records, err := o.decode(body)
		if err != nil {
			return fail(perrors.Decode("decode page", "", fmt.Errorf("offset %d: %w", res.NextOffset, err)))
		}

		if len(records) == 0 {
			if res.Records == 0 {
				res.State = StateEmpty
				if err := sink.Abort(); err != nil {
					return res, perrors.IO("discard empty output", "", err)
				}
				return res, nil
			}
			return commit(sink, res)
		}

		page := Page{Number: res.Pages, Offset: res.NextOffset, Records: records, Body: body}
		if err := sink.WritePage(page); err != nil {
			return fail(perrors.IO("write page", "", err))
		}

		before := res.Records
		res.Pages++
		res.Records += len(records)
		res.NextOffset += pageSize
		if o.progressEvery > 0 && res.Records/o.progressEvery > before/o.progressEvery {
			o.logger.Info("walk progress", "records", res.Records, "pages", res.Pages)
		}

		if pageSize <= 0 || len(records) < pageSize {
			return commit(sink, res)
		}
		res.State = StateContinue
	}
}

func commit(sink Sink, res Result) (Result, error) {
	if err := sink.Commit(); err != nil {
		res.State = StateError
		_ = sink.Abort()
		return res, perrors.IO("commit output", "", err)
	}
	res.State = StateExhausted
	return res, nil
}

func decodeArray(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, err
	}
	return records, nil
}
