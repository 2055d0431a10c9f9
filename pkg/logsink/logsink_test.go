package logsink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushGroupsRecordsIntoStreams(t *testing.T) {
	var captured pushPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loki/api/v1/push", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.Push(context.Background(), []Record{
		NewSystemRecord("svc-1", "dpl_a", "deployment starting", LevelInfo),
		NewSystemRecord("svc-1", "dpl_a", "deployment healthy", LevelInfo),
		NewSystemRecord("svc-1", "dpl_a", "healthcheck failed", LevelError),
	})
	require.NoError(t, err)

	// Same label set shares a stream; the ERROR record gets its own.
	require.Len(t, captured.Streams, 2)
	total := 0
	for _, s := range captured.Streams {
		assert.Equal(t, "svc-1", s.Stream["service_id"])
		assert.Equal(t, "SYSTEM", s.Stream["source"])
		total += len(s.Values)
	}
	assert.Equal(t, 3, total)
}

func TestPushEmptyIsNoop(t *testing.T) {
	c := NewClient("http://127.0.0.1:0")
	assert.NoError(t, c.Push(context.Background(), nil))
}

func TestPushRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.Push(context.Background(), []Record{
		NewSystemRecord("svc-1", "dpl_a", "hello", LevelInfo),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNewBuildRecordStripsANSIAndTruncates(t *testing.T) {
	rec := NewBuildRecord("svc-1", "dpl_a", "\x1b[32msuccess\x1b[0m", false)
	assert.Equal(t, SourceBuild, rec.Source)
	assert.Equal(t, LevelInfo, rec.Level)
	assert.Contains(t, rec.Content, "\x1b[32m")
	assert.Equal(t, "success", rec.ContentText)

	long := NewBuildRecord("svc-1", "dpl_a", strings.Repeat("x", 5000), true)
	assert.Len(t, long.Content, maxLineLength)
	assert.Equal(t, LevelError, long.Level)
}

func TestBestNeverFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	// Push fails after retries; Best swallows it.
	Best(context.Background(), NewClient(srv.URL),
		NewSystemRecord("svc-1", "dpl_a", "hello", LevelInfo))
}
