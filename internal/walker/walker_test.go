package walker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/johnayoung/go-polymarket-ingest/internal/errors"
)

// pagedFetcher serves a fixed number of records in pages keyed by the offset query param.
type pagedFetcher struct {
	total  int
	failAt int // offset that fails, -1 for none
	calls  []int
}

func (f *pagedFetcher) Get(_ context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	offset, _ := strconv.Atoi(u.Query().Get("offset"))
	limit, _ := strconv.Atoi(u.Query().Get("limit"))
	f.calls = append(f.calls, offset)
	if offset == f.failAt {
		return nil, perrors.Fatal("fetch", "", errors.New("boom"))
	}

	recs := []map[string]int{}
	for i := offset; i < offset+limit && i < f.total; i++ {
		recs = append(recs, map[string]int{"n": i})
	}
	return json.Marshal(recs)
}

func pagedRequest(offset, limit int) (string, error) {
	return fmt.Sprintf("http://upstream/trades?offset=%d&limit=%d", offset, limit), nil
}

func readGzipArray(t *testing.T, path string) []map[string]int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)

	var out []map[string]int
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestWalkPagesUntilShortPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades_000", "trades_0xabc.json.gz")
	f := &pagedFetcher{total: 237, failAt: -1}
	sink := &GzipArraySink{Path: path}

	res, err := Walk(context.Background(), f, pagedRequest, 100, sink)
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, res.State)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 237, res.Records)
	assert.Equal(t, []int{0, 100, 200}, f.calls)

	recs := readGzipArray(t, path)
	require.Len(t, recs, 237)
	assert.Equal(t, 0, recs[0]["n"])
	assert.Equal(t, 236, recs[236]["n"])
	assert.NoFileExists(t, path+PartialSuffix)
}

func TestWalkExactMultipleEndsOnEmptyPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades_0x1.json.gz")
	f := &pagedFetcher{total: 200, failAt: -1}

	res, err := Walk(context.Background(), f, pagedRequest, 100, &GzipArraySink{Path: path})
	require.NoError(t, err)
	assert.Equal(t, StateExhausted, res.State)
	assert.Equal(t, 200, res.Records)
	assert.Equal(t, []int{0, 100, 200}, f.calls)
	assert.Len(t, readGzipArray(t, path), 200)
}

func TestWalkEmptyFirstPageStoresNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades_0x1.json.gz")
	f := &pagedFetcher{total: 0, failAt: -1}

	res, err := Walk(context.Background(), f, pagedRequest, 100, &GzipArraySink{Path: path})
	require.NoError(t, err)
	assert.Equal(t, StateEmpty, res.State)
	assert.Equal(t, 0, res.Records)
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+PartialSuffix)
}

func TestWalkErrorMidStreamLeavesNoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades_0x1.json.gz")
	f := &pagedFetcher{total: 1000, failAt: 200}

	res, err := Walk(context.Background(), f, pagedRequest, 100, &GzipArraySink{Path: path})
	require.Error(t, err)
	assert.Equal(t, StateError, res.State)
	assert.Equal(t, 200, res.Records)
	assert.True(t, errors.Is(err, perrors.ErrFetchFatal))
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+PartialSuffix)
}

func TestWalkTruncatesStalePartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades_0x1.json.gz")
	require.NoError(t, os.WriteFile(path+PartialSuffix, []byte("garbage from a killed run"), 0o644))

	_, err := Walk(context.Background(), &pagedFetcher{total: 3, failAt: -1}, pagedRequest, 100, &GzipArraySink{Path: path})
	require.NoError(t, err)
	assert.Len(t, readGzipArray(t, path), 3)
	assert.NoFileExists(t, path+PartialSuffix)
}

func TestWalkDecodeError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.json.gz")
	bad := fetchFunc(func(context.Context, string) ([]byte, error) { return []byte(`{"not":"array"}`), nil })

	res, err := Walk(context.Background(), bad, pagedRequest, 100, &GzipArraySink{Path: path})
	require.Error(t, err)
	assert.Equal(t, StateError, res.State)
	assert.True(t, errors.Is(err, perrors.ErrDecode))
}

type fetchFunc func(ctx context.Context, rawURL string) ([]byte, error)

func (f fetchFunc) Get(ctx context.Context, rawURL string) ([]byte, error) { return f(ctx, rawURL) }

func historyDecoder(body []byte) ([]json.RawMessage, error) {
	var doc struct {
		History []json.RawMessage `json:"history"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return doc.History, nil
}

func singleRequest(offset, limit int) (string, error) {
	return "http://upstream/prices-history?market=1", nil
}

func TestWalkSingleDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices_001", "prices_1.json")
	calls := 0
	f := fetchFunc(func(context.Context, string) ([]byte, error) {
		calls++
		return []byte(`{"history":[{"t":1,"p":0.5},{"t":2,"p":0.6}]}`), nil
	})

	res, err := Walk(context.Background(), f, singleRequest, 0, &JSONFileSink{Path: path}, WithDecoder(historyDecoder))
	require.NoError(t, err)
	assert.Equal(t, StateExhausted, res.State)
	assert.Equal(t, 2, res.Records)
	assert.Equal(t, 1, calls)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"history":[{"t":1,"p":0.5},{"t":2,"p":0.6}]}`, string(raw))
	assert.Contains(t, string(raw), "\n  \"history\"")
}

func TestWalkSingleDocumentEmptyHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices_1.json")
	for _, body := range []string{`{"history":[]}`, `{}`} {
		f := fetchFunc(func(context.Context, string) ([]byte, error) { return []byte(body), nil })
		res, err := Walk(context.Background(), f, singleRequest, 0, &JSONFileSink{Path: path}, WithDecoder(historyDecoder))
		require.NoError(t, err)
		assert.Equal(t, StateEmpty, res.State, body)
		assert.NoFileExists(t, path)
	}
}

func TestWalkPageFilesFromStartIndex(t *testing.T) {
	dir := t.TempDir()
	pathFor := func(i int) string { return filepath.Join(dir, fmt.Sprintf("events_%04d.json", i)) }
	f := &pagedFetcher{total: 250, failAt: -1}
	sink := &PageFileSink{Path: pathFor, Start: 1}

	res, err := Walk(context.Background(), f, pagedRequest, 100, sink, WithStartOffset(100))
	require.NoError(t, err)
	assert.Equal(t, StateExhausted, res.State)
	assert.Equal(t, 150, res.Records)
	assert.Equal(t, []int{100, 200}, f.calls)
	assert.Equal(t, []string{pathFor(1), pathFor(2)}, sink.Written)
	assert.FileExists(t, pathFor(2))
	assert.NoFileExists(t, pathFor(0))
}

func TestWalkPageFilesKeepEarlierPagesOnError(t *testing.T) {
	dir := t.TempDir()
	pathFor := func(i int) string { return filepath.Join(dir, fmt.Sprintf("events_%04d.json", i)) }
	f := &pagedFetcher{total: 1000, failAt: 200}
	sink := &PageFileSink{Path: pathFor}

	res, err := Walk(context.Background(), f, pagedRequest, 100, sink)
	require.Error(t, err)
	assert.Equal(t, StateError, res.State)
	assert.Equal(t, 2, res.Pages)
	assert.FileExists(t, pathFor(0))
	assert.FileExists(t, pathFor(1))
	assert.NoFileExists(t, pathFor(2))
}

func TestWalkCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Walk(ctx, &pagedFetcher{total: 10, failAt: -1}, pagedRequest, 100, &GzipArraySink{Path: filepath.Join(t.TempDir(), "x.gz")})
	require.Error(t, err)
	assert.Equal(t, StateError, res.State)
	assert.Equal(t, perrors.ErrorTypeCanceled, perrors.GetErrorType(err))
}
