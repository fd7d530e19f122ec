package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/italolelis/neos_updater/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memJournal struct {
	mu       sync.Mutex
	attempts []storage.Attempt
}

func (j *memJournal) RecordAttempt(a storage.Attempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.attempts = append(j.attempts, a)

	return nil
}

// rangeOffset parses the "bytes=N-" resume header.
func rangeOffset(t *testing.T, r *http.Request) int64 {
	t.Helper()

	h := r.Header.Get("Range")
	require.True(t, strings.HasPrefix(h, "bytes="), "missing range header")

	n, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(h, "bytes="), "-"), 10, 64)
	require.NoError(t, err)

	return n
}

// rangeServer serves content honoring resume offsets, optionally truncating
// each response to perAttempt bytes and aborting to simulate a flaky link.
func rangeServer(t *testing.T, content []byte, perAttempt int) (*httptest.Server, *int) {
	t.Helper()

	requests := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++

		offset := rangeOffset(t, r)
		if offset >= int64(len(content)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)

			return
		}

		rest := content[offset:]

		w.Header().Set("Content-Length", strconv.Itoa(len(rest)))
		w.WriteHeader(http.StatusPartialContent)

		if perAttempt > 0 && perAttempt < len(rest) {
			w.(http.Flusher).Flush()
			w.Write(rest[:perAttempt])
			w.(http.Flusher).Flush()

			panic(http.ErrAbortHandler)
		}

		w.Write(rest)
	}))

	return srv, &requests
}

func TestDownload_FullTransfer(t *testing.T) {
	content := []byte("the whole os image payload")
	srv, _ := rangeServer(t, content, 0)

	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "ota.zip")
	e := NewEngine(srv.Client(), "NEOSUpdater-0.2", 4, nil, nil)

	var lastFrac float64

	err := e.Download(context.Background(), srv.URL, dest, func(frac float64) {
		assert.GreaterOrEqual(t, frac, lastFrac, "fraction must be monotonic")
		lastFrac = frac
	})
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, 1.0, lastFrac)
}

func TestDownload_ResumesFromFileSize(t *testing.T) {
	content := []byte("0123456789abcdef")
	srv, _ := rangeServer(t, content, 0)

	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "ota.zip")
	require.NoError(t, os.WriteFile(dest, content[:7], 0o644))

	e := NewEngine(srv.Client(), "NEOSUpdater-0.2", 4, nil, nil)

	require.NoError(t, e.Download(context.Background(), srv.URL, dest, nil))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownload_RangeNotSatisfiableIsSuccess(t *testing.T) {
	content := []byte("complete")
	srv, requests := rangeServer(t, content, 0)

	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "ota.zip")
	require.NoError(t, os.WriteFile(dest, content, 0o644))

	e := NewEngine(srv.Client(), "NEOSUpdater-0.2", 4, nil, nil)

	require.NoError(t, e.Download(context.Background(), srv.URL, dest, nil))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got, "no further bytes may be written after a 416")
	assert.Equal(t, 1, *requests)
}

func TestDownload_StagnantAttemptsExhaustBudget(t *testing.T) {
	requests := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "ota.zip")
	e := NewEngine(srv.Client(), "NEOSUpdater-0.2", 4, nil, nil)

	err := e.Download(context.Background(), srv.URL, dest, nil)
	require.Error(t, err)

	var nerr *NetworkError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, http.StatusServiceUnavailable, nerr.StatusCode)

	assert.Equal(t, 4, requests, "zero forward progress across exactly 4 attempts")
}

func TestDownload_ForwardProgressKeepsRetrying(t *testing.T) {
	// One byte lands per attempt before the connection drops, so the engine
	// needs far more attempts than the stagnant budget allows. Progress keeps
	// the budget alive until the transfer completes.
	content := []byte("payload!")
	srv, requests := rangeServer(t, content, 1)

	defer srv.Close()

	journal := &memJournal{}
	dest := filepath.Join(t.TempDir(), "ota.zip")
	e := NewEngine(srv.Client(), "NEOSUpdater-0.2", 4, journal, nil)

	require.NoError(t, e.Download(context.Background(), srv.URL, dest, nil))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Greater(t, *requests, 4)

	// The journaled resume offsets never decrease.
	var last int64
	for _, a := range journal.attempts {
		assert.GreaterOrEqual(t, a.ResumeOffset, last, "resume offset decreased")
		last = a.ResumeOffset
	}

	assert.Equal(t, storage.OutcomeCompleted, journal.attempts[len(journal.attempts)-1].Outcome)
}

func TestDownload_ProgressAfterStagnationResetsBudget(t *testing.T) {
	// Three stagnant attempts followed by one that makes progress must not be
	// failed prematurely.
	content := []byte("xy")
	attempt := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt++

		offset := rangeOffset(t, r)
		if offset >= int64(len(content)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)

			return
		}

		if attempt <= 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)

			return
		}

		rest := content[offset:]

		w.Header().Set("Content-Length", strconv.Itoa(len(rest)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(rest)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "ota.zip")
	e := NewEngine(srv.Client(), "NEOSUpdater-0.2", 4, nil, nil)

	require.NoError(t, e.Download(context.Background(), srv.URL, dest, nil))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestNetworkError_Message(t *testing.T) {
	withStatus := &NetworkError{Operation: "download", URL: "http://x/y", StatusCode: 503}
	assert.Equal(t, "network error during download (HTTP 503): http://x/y", withStatus.Error())

	withoutStatus := &NetworkError{Operation: "download", URL: "http://x/y", Err: fmt.Errorf("reset")}
	assert.Equal(t, "network error during download: http://x/y", withoutStatus.Error())
	assert.EqualError(t, withoutStatus.Unwrap(), "reset")
}
