package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadharvest/bizcrawl/internal/domain"
	"github.com/leadharvest/bizcrawl/internal/logger"
	"github.com/leadharvest/bizcrawl/internal/worker"
)

func testTarget(primaryURL string) *domain.Target {
	return &domain.Target{
		ID:            5,
		PartitionKey:  "springfield|plumbers",
		City:          "springfield",
		CategoryLabel: "plumbers",
		PrimaryURL:    primaryURL,
	}
}

func TestFetchPage_ParsesCleanPage(t *testing.T) {
	var gotPage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPage = r.URL.Query().Get("page")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"listings": [
				{"name": "Springfield Plumbing Co", "phone": "555-0100"},
				{"name": "  ", "phone": "555-0101"},
				{"name": "Drain Kings"}
			],
			"next_page_url": "` + "http://example.com/p2" + `"
		}`))
	}))
	defer srv.Close()

	f := New(Config{}, NewJSONParser("testsource"), logger.NewNoOp())

	result, err := f.FetchPage(context.Background(), testTarget(srv.URL), 2, nil)
	require.NoError(t, err)

	assert.Equal(t, "2", gotPage)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	require.Len(t, result.Records, 2) // blank name dropped
	assert.Equal(t, "Springfield Plumbing Co", result.Records[0].Name)
	assert.Equal(t, "testsource", result.Records[0].Source)
	assert.Equal(t, "springfield", result.Records[0].City)
	assert.Equal(t, int64(5), result.Records[0].TargetID)
	assert.Equal(t, 2, result.Records[0].PageNumber)
	assert.True(t, result.HasMore)
	require.NotNil(t, result.NextPageURL)
	assert.Equal(t, "http://example.com/p2", *result.NextPageURL)
}

func TestFetchPage_FirstPageHasNoPageParam(t *testing.T) {
	var rawQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"listings": []}`))
	}))
	defer srv.Close()

	f := New(Config{}, NewJSONParser("testsource"), logger.NewNoOp())

	result, err := f.FetchPage(context.Background(), testTarget(srv.URL), 1, nil)
	require.NoError(t, err)
	assert.Empty(t, rawQuery)
	assert.Empty(t, result.Records)
	assert.False(t, result.HasMore)
}

func TestFetchPage_UsesCheckpointedNextPageURL(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"listings": []}`))
	}))
	defer srv.Close()

	target := testTarget(srv.URL)
	target.PageCurrent = 3
	next := srv.URL + "/cursor/abc123"
	target.NextPageURL = &next

	f := New(Config{}, NewJSONParser("testsource"), logger.NewNoOp())

	_, err := f.FetchPage(context.Background(), target, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, "/cursor/abc123", gotPath)
}

func TestFetchPage_NonOKReturnedForClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	f := New(Config{}, NewJSONParser("testsource"), logger.NewNoOp())

	result, err := f.FetchPage(context.Background(), testTarget(srv.URL), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, result.StatusCode)
	assert.Equal(t, "60", result.Header.Get("Retry-After"))
	assert.Equal(t, []byte("slow down"), result.Body)
	assert.Empty(t, result.Records)
}

func TestFetchPage_ParseErrorIsDataError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	f := New(Config{}, NewJSONParser("testsource"), logger.NewNoOp())

	_, err := f.FetchPage(context.Background(), testTarget(srv.URL), 1, nil)
	require.Error(t, err)

	// Unparseable bodies are typed so callers never confuse them with
	// transport failures.
	var dataErr *worker.DataError
	require.ErrorAs(t, err, &dataErr)
	assert.Equal(t, 1, dataErr.Page)
}

func TestFetchPage_TransportError(t *testing.T) {
	f := New(Config{}, NewJSONParser("testsource"), logger.NewNoOp())

	_, err := f.FetchPage(context.Background(), testTarget("http://127.0.0.1:1"), 1, nil)
	require.Error(t, err)

	var dataErr *worker.DataError
	assert.False(t, errors.As(err, &dataErr))
}

func TestJSONParser_HasMoreOverride(t *testing.T) {
	p := NewJSONParser("testsource")
	target := testTarget("http://example.com")

	records, next, hasMore, err := p.ParsePage(target, 1, []byte(`{
		"listings": [{"name": "A"}],
		"next_page_url": "http://example.com/p2",
		"has_more": false
	}`))
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.NotNil(t, next)
	assert.False(t, hasMore)
}
