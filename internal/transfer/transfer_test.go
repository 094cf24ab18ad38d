package transfer_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/geofetch/geofetch/internal/logctx"
	"github.com/geofetch/geofetch/internal/ratelimit"
	"github.com/geofetch/geofetch/internal/store"
	"github.com/geofetch/geofetch/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload(n int) []byte {
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	return payload
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	fetcher *transfer.Fetcher
	records *store.Store
	dir     string
}

func setup(t *testing.T, cfg transfer.Config, onProgress transfer.ProgressFunc) *testEnv {
	t.Helper()

	dir := t.TempDir()
	records := store.New(filepath.Join(dir, "status.json"), quietLogger())

	cfg.OutputDir = dir
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 100
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Millisecond
	}

	fetcher := transfer.NewFetcher(&http.Client{}, ratelimit.New(0), records, cfg, onProgress)

	return &testEnv{fetcher: fetcher, records: records, dir: dir}
}

func (e *testEnv) execute(t *testing.T, target transfer.Target) store.TransferRecord {
	t.Helper()

	rec, _ := e.records.Get(target.ID)
	if rec.ID == "" {
		rec = store.TransferRecord{ID: target.ID, URL: target.URL, Status: store.StatusPending}
	}

	ctx := ctxWithQuietLogger()

	final, err := e.fetcher.Execute(ctx, target, rec)
	require.NoError(t, err)

	return final
}

func (e *testEnv) seedPartial(t *testing.T, target transfer.Target, data []byte) {
	t.Helper()

	localPath := filepath.Join(e.dir, transfer.SafeFilename(target.ID))
	require.NoError(t, os.WriteFile(localPath, data, 0o644))

	require.NoError(t, e.records.Upsert(store.TransferRecord{
		ID:            target.ID,
		URL:           target.URL,
		Status:        store.StatusPartial,
		BytesReceived: int64(len(data)),
		LocalPath:     localPath,
		Attempts:      0,
		StartedAt:     time.Now(),
	}))
}

func (e *testEnv) localFile(t *testing.T, target transfer.Target) []byte {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(e.dir, transfer.SafeFilename(target.ID)))
	require.NoError(t, err)

	return data
}

func TestExecute_FullDownload(t *testing.T) {
	payload := testPayload(1000)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Range"), "fresh start must not send a range header")
		w.Write(payload)
	}))
	defer ts.Close()

	env := setup(t, transfer.Config{MaxRetries: 3, VerifyIntegrity: true}, nil)
	target := transfer.Target{ID: "X", URL: ts.URL + "/X"}

	final := env.execute(t, target)

	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Equal(t, int64(1000), final.BytesReceived)
	assert.Equal(t, int64(1000), final.BytesExpected)
	assert.Equal(t, 1, final.Attempts)
	assert.NotNil(t, final.FinishedAt)
	assert.Equal(t, payload, env.localFile(t, target))

	persisted, ok := env.records.Get("X")
	require.True(t, ok)
	assert.Equal(t, store.StatusCompleted, persisted.Status)
}

func TestExecute_ResumeFromPartial(t *testing.T) {
	payload := testPayload(1000)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=500-", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 500-999/1000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[500:])
	}))
	defer ts.Close()

	env := setup(t, transfer.Config{MaxRetries: 3, VerifyIntegrity: true}, nil)
	target := transfer.Target{ID: "X", URL: ts.URL + "/X"}
	env.seedPartial(t, target, payload[:500])

	final := env.execute(t, target)

	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Equal(t, int64(1000), final.BytesReceived)
	assert.Equal(t, int64(1000), final.BytesExpected)
	assert.Equal(t, payload, env.localFile(t, target), "resumed file must be byte-identical to a full download")
}

func TestExecute_MidStreamResetThenResume(t *testing.T) {
	payload := testPayload(1000)

	var requests int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			w.Header().Set("Content-Length", "1000")
			w.WriteHeader(http.StatusOK)
			w.Write(payload[:500])
			w.(http.Flusher).Flush()

			// Abort the connection mid-body to simulate a reset.
			panic(http.ErrAbortHandler)
		}

		assert.Equal(t, "bytes=500-", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 500-999/1000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[500:])
	}))
	defer ts.Close()

	env := setup(t, transfer.Config{ChunkSize: 100, MaxRetries: 3, VerifyIntegrity: true}, nil)
	target := transfer.Target{ID: "X", URL: ts.URL + "/X"}

	final := env.execute(t, target)

	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Equal(t, int64(1000), final.BytesReceived)
	assert.Equal(t, 2, final.Attempts)
	assert.Equal(t, payload, env.localFile(t, target))
}

func TestExecute_RangeRejected416FallsBackToFullRestart(t *testing.T) {
	payload := testPayload(1000)

	var requests int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)

		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)

			return
		}

		w.Write(payload)
	}))
	defer ts.Close()

	env := setup(t, transfer.Config{MaxRetries: 3, VerifyIntegrity: true}, nil)
	target := transfer.Target{ID: "X", URL: ts.URL + "/X"}
	env.seedPartial(t, target, payload[:500])

	final := env.execute(t, target)

	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Equal(t, int64(1000), final.BytesReceived)
	assert.Equal(t, 1, final.Attempts, "range fallback must not count as a failed attempt")
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
	assert.Equal(t, payload, env.localFile(t, target))
}

func TestExecute_RangeIgnored200TakesFullBody(t *testing.T) {
	payload := testPayload(1000)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Plain 200 with the full body even though a range was requested.
		w.Write(payload)
	}))
	defer ts.Close()

	env := setup(t, transfer.Config{MaxRetries: 3, VerifyIntegrity: true}, nil)
	target := transfer.Target{ID: "X", URL: ts.URL + "/X"}
	env.seedPartial(t, target, payload[:500])

	final := env.execute(t, target)

	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Equal(t, int64(1000), final.BytesReceived)
	assert.Equal(t, payload, env.localFile(t, target), "must not append a duplicate prefix")
}

func TestExecute_StaleOffsetForcesFreshDownload(t *testing.T) {
	payload := testPayload(1000)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Range"), "tampered partial file must not be resumed")
		w.Write(payload)
	}))
	defer ts.Close()

	env := setup(t, transfer.Config{MaxRetries: 3, VerifyIntegrity: true}, nil)
	target := transfer.Target{ID: "X", URL: ts.URL + "/X"}

	// Record claims 500 bytes but the file on disk has 300: size mismatch.
	env.seedPartial(t, target, payload[:300])
	rec, _ := env.records.Get(target.ID)
	rec.BytesReceived = 500
	require.NoError(t, env.records.Upsert(rec))

	final := env.execute(t, target)

	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Equal(t, payload, env.localFile(t, target))
}

func TestExecute_ServerErrorExhaustsRetries(t *testing.T) {
	var requests int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	const retryDelay = 30 * time.Millisecond

	env := setup(t, transfer.Config{MaxRetries: 2, RetryDelay: retryDelay, VerifyIntegrity: true}, nil)
	target := transfer.Target{ID: "Y", URL: ts.URL + "/Y"}

	start := time.Now()
	final := env.execute(t, target)
	elapsed := time.Since(start)

	assert.Equal(t, store.StatusFailed, final.Status)
	assert.Equal(t, 3, final.Attempts, "failed record must carry max_retries+1 attempts")
	assert.Equal(t, int32(3), atomic.LoadInt32(&requests))
	assert.Contains(t, final.LastError, "HTTP 500")

	// Linear backoff: retry_delay*1 + retry_delay*2.
	assert.GreaterOrEqual(t, elapsed, 3*retryDelay)
}

func TestExecute_RerunRestoresRetryBudget(t *testing.T) {
	var requests int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	env := setup(t, transfer.Config{MaxRetries: 2, VerifyIntegrity: true}, nil)
	target := transfer.Target{ID: "Y", URL: ts.URL + "/Y"}

	first := env.execute(t, target)
	require.Equal(t, store.StatusFailed, first.Status)
	require.Equal(t, 3, first.Attempts)
	require.Equal(t, int32(3), atomic.LoadInt32(&requests))

	// A later run against the persisted failed record gets a fresh set of
	// attempts; only the lifetime counter carries over.
	second := env.execute(t, target)

	assert.Equal(t, store.StatusFailed, second.Status)
	assert.Equal(t, 6, second.Attempts)
	assert.Equal(t, int32(6), atomic.LoadInt32(&requests))
}

func TestExecute_NotFoundIsTerminal(t *testing.T) {
	var requests int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	env := setup(t, transfer.Config{MaxRetries: 5, VerifyIntegrity: true}, nil)
	target := transfer.Target{ID: "X", URL: ts.URL + "/X"}

	final := env.execute(t, target)

	assert.Equal(t, store.StatusFailed, final.Status)
	assert.Equal(t, 1, final.Attempts, "4xx must short-circuit remaining retries")
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
	assert.Contains(t, final.LastError, "HTTP 404")
}

func TestExecute_ChecksumMismatchRetriesFromZero(t *testing.T) {
	payload := testPayload(1000)

	var rangedRequests int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			atomic.AddInt32(&rangedRequests, 1)
		}

		w.Write(payload)
	}))
	defer ts.Close()

	env := setup(t, transfer.Config{MaxRetries: 1, VerifyIntegrity: true}, nil)
	target := transfer.Target{
		ID:  "X",
		URL: ts.URL + "/X",
		MD5: "00000000000000000000000000000000",
	}

	final := env.execute(t, target)

	assert.Equal(t, store.StatusFailed, final.Status)
	assert.Equal(t, 2, final.Attempts)
	assert.Contains(t, final.LastError, "checksum mismatch")
	assert.Zero(t, atomic.LoadInt32(&rangedRequests),
		"corrupt local bytes must not seed a resume")
}

func TestExecute_ChecksumMatchCompletes(t *testing.T) {
	payload := testPayload(1000)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer ts.Close()

	env := setup(t, transfer.Config{MaxRetries: 1, VerifyIntegrity: true}, nil)

	sumPath := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(sumPath, payload, 0o644))
	sum, err := transfer.FileMD5(sumPath)
	require.NoError(t, err)

	target := transfer.Target{ID: "X", URL: ts.URL + "/X", MD5: sum}

	final := env.execute(t, target)

	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Empty(t, final.LastError)
	assert.Equal(t, sum, final.Checksum)
}

func TestExecute_InterruptPersistsPartialState(t *testing.T) {
	payload := testPayload(1000)

	release := make(chan struct{})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		w.Write(payload[:200])
		w.(http.Flusher).Flush()

		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(ctxWithQuietLogger())

	// Cancel as soon as the first chunks have been persisted.
	onProgress := func(id string, status store.Status, received, expected int64) {
		if status == store.StatusInProgress && received >= 200 {
			cancel()
		}
	}

	env := setup(t, transfer.Config{ChunkSize: 100, MaxRetries: 3, VerifyIntegrity: true}, onProgress)
	target := transfer.Target{ID: "X", URL: ts.URL + "/X"}

	rec := store.TransferRecord{ID: target.ID, URL: target.URL, Status: store.StatusPending}

	final, err := env.fetcher.Execute(ctx, target, rec)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, store.StatusPartial, final.Status)
	assert.Equal(t, int64(200), final.BytesReceived)

	persisted, ok := env.records.Get("X")
	require.True(t, ok)
	assert.Equal(t, store.StatusPartial, persisted.Status)
	assert.Equal(t, int64(200), persisted.BytesReceived)

	// The partial file stays in place for the next run to resume.
	info, statErr := os.Stat(persisted.LocalPath)
	require.NoError(t, statErr)
	assert.Equal(t, int64(200), info.Size())
}

func TestExecute_ProgressCallbackObservesTransitions(t *testing.T) {
	payload := testPayload(300)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer ts.Close()

	type event struct {
		status   store.Status
		received int64
	}

	var events []event

	onProgress := func(id string, status store.Status, received, expected int64) {
		events = append(events, event{status, received})
	}

	env := setup(t, transfer.Config{ChunkSize: 100, MaxRetries: 0, VerifyIntegrity: true}, onProgress)
	final := env.execute(t, transfer.Target{ID: "X", URL: ts.URL + "/X"})

	require.Equal(t, store.StatusCompleted, final.Status)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, store.StatusCompleted, last.status)
	assert.Equal(t, int64(300), last.received)

	var chunkEvents int
	for _, ev := range events {
		if ev.status == store.StatusInProgress && ev.received > 0 {
			chunkEvents++
		}
	}

	assert.GreaterOrEqual(t, chunkEvents, 3, "each chunk milestone is observable")
}

func ctxWithQuietLogger() context.Context {
	return logctx.WithLogger(context.Background(), quietLogger())
}
