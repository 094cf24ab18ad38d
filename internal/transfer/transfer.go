package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/geofetch/geofetch/internal/logctx"
	"github.com/geofetch/geofetch/internal/ratelimit"
	"github.com/geofetch/geofetch/internal/store"
)

// Target is one remote file to download: an opaque id unique within the run
// and its resolved URL. Size and MD5 are hints from the resolver, used for
// integrity verification when present.
type Target struct {
	ID   string
	URL  string
	Size int64
	MD5  string
}

// Config carries the per-transfer tuning knobs.
type Config struct {
	OutputDir       string
	ChunkSize       int
	MaxRetries      int
	RetryDelay      time.Duration
	VerifyIntegrity bool
	UserAgent       string
}

// ProgressFunc observes record state transitions for live reporting. It is
// purely observational and must not block for long: it is called with the
// transfer's own goroutine after every persisted milestone.
type ProgressFunc func(id string, status store.Status, received, expected int64)

// Fetcher downloads one target at a time: ranged, resumable HTTP GET
// streamed to disk with retries, linear backoff, and integrity checking.
type Fetcher struct {
	client     *http.Client
	limiter    *ratelimit.Limiter
	records    *store.Store
	cfg        Config
	onProgress ProgressFunc
}

func NewFetcher(client *http.Client, limiter *ratelimit.Limiter, records *store.Store, cfg Config, onProgress ProgressFunc) *Fetcher {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 32 * 1024
	}

	return &Fetcher{
		client:     client,
		limiter:    limiter,
		records:    records,
		cfg:        cfg,
		onProgress: onProgress,
	}
}

// Execute drives the target to a terminal record. All transfer failures are
// folded into the returned record; the error return is reserved for context
// cancellation and for a store that can no longer persist state, both of
// which end the whole run.
func (f *Fetcher) Execute(ctx context.Context, t Target, rec store.TransferRecord) (store.TransferRecord, error) {
	logger := logctx.LoggerFromContext(ctx).With("target_id", t.ID)

	rec.ID = t.ID
	rec.URL = t.URL

	if rec.LocalPath == "" {
		rec.LocalPath = filepath.Join(f.cfg.OutputDir, SafeFilename(t.ID))
	}

	if t.Size > 0 {
		rec.BytesExpected = t.Size
	}

	if t.MD5 != "" {
		rec.Checksum = t.MD5
	}

	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	offset := f.resumeOffset(&rec, logger)
	countAttempt := true

	// The persisted attempt count is monotonic across runs; the retry budget
	// is per run, so a target that failed yesterday gets a full set of
	// attempts today.
	runAttempts := 0

	for {
		if countAttempt {
			rec.Attempts++
			runAttempts++
		}

		countAttempt = true
		rec.Status = store.StatusInProgress

		if err := f.persist(&rec); err != nil {
			return rec, err
		}

		err := f.attempt(ctx, &rec, offset)
		if err == nil {
			now := time.Now()
			rec.Status = store.StatusCompleted
			rec.FinishedAt = &now
			rec.LastError = ""

			if perr := f.persist(&rec); perr != nil {
				return rec, perr
			}

			logger.Info("download completed",
				"size", humanize.Bytes(uint64(rec.BytesReceived)),
				"attempts", rec.Attempts,
			)

			return rec, nil
		}

		var persistErr *store.PersistError
		if errors.As(err, &persistErr) {
			return rec, err
		}

		if ctx.Err() != nil {
			// Interrupted: the current chunk already reached disk, so the
			// persisted offset stays accurate for the next run.
			rec.Status = store.StatusPartial
			rec.LastError = "interrupted: " + ctx.Err().Error()
			_ = f.persist(&rec)

			logger.Warn("download interrupted", "bytes_received", rec.BytesReceived)

			return rec, ctx.Err()
		}

		var resumeErr *ResumeUnsupportedError
		if errors.As(err, &resumeErr) {
			logger.Warn("server does not support resume, restarting from zero", "err", err)

			if terr := f.discardLocal(&rec); terr != nil {
				return f.terminate(&rec, terr, logger)
			}

			offset = 0
			countAttempt = false

			continue
		}

		var intErr *IntegrityError
		if errors.As(err, &intErr) {
			if terr := f.discardLocal(&rec); terr != nil {
				return f.terminate(&rec, terr, logger)
			}

			offset = 0
		} else {
			offset = rec.BytesReceived
		}

		if !retryable(err) || runAttempts > f.cfg.MaxRetries {
			return f.terminate(&rec, err, logger)
		}

		rec.Status = store.StatusPartial
		rec.LastError = err.Error()

		if perr := f.persist(&rec); perr != nil {
			return rec, perr
		}

		// Linear backoff: repeated failures against a struggling server
		// space out further with each attempt.
		backoff := f.cfg.RetryDelay * time.Duration(runAttempts)
		logger.Warn("download attempt failed, retrying",
			"attempt", runAttempts,
			"max_attempts", f.cfg.MaxRetries+1,
			"backoff", backoff.String(),
			"err", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			rec.Status = store.StatusPartial
			rec.LastError = "interrupted: " + ctx.Err().Error()
			_ = f.persist(&rec)

			return rec, ctx.Err()
		case <-timer.C:
		}
	}
}

// terminate marks the record failed and persists the terminal state.
func (f *Fetcher) terminate(rec *store.TransferRecord, cause error, logger *slog.Logger) (store.TransferRecord, error) {
	now := time.Now()
	rec.Status = store.StatusFailed
	rec.FinishedAt = &now
	rec.LastError = cause.Error()

	if perr := f.persist(rec); perr != nil {
		return *rec, perr
	}

	logger.Error("download failed", "attempts", rec.Attempts, "err", cause)

	return *rec, nil
}

// resumeOffset decides where the next attempt starts. The persisted offset
// is trusted only when the partial file on disk has exactly that size; any
// mismatch indicates external tampering and forces a fresh download.
func (f *Fetcher) resumeOffset(rec *store.TransferRecord, logger *slog.Logger) int64 {
	if rec.BytesReceived <= 0 {
		rec.BytesReceived = 0

		return 0
	}

	info, err := os.Stat(rec.LocalPath)
	if err != nil || info.Size() != rec.BytesReceived {
		rec.BytesReceived = 0

		return 0
	}

	logger.Info("resuming download", "offset", humanize.Bytes(uint64(rec.BytesReceived)))

	return rec.BytesReceived
}

// attempt performs one rate-limited GET and streams the body to disk,
// persisting the record after every chunk so an interruption never loses
// more than one chunk of progress.
func (f *Fetcher) attempt(ctx context.Context, rec *store.TransferRecord, offset int64) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.URL, nil)
	if err != nil {
		return &NetworkError{URL: rec.URL, Err: err}
	}

	req.Header.Set("User-Agent", f.cfg.UserAgent)

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return &NetworkError{URL: rec.URL, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case offset > 0 && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		return &ResumeUnsupportedError{URL: rec.URL, StatusCode: resp.StatusCode}
	case offset > 0 && resp.StatusCode == http.StatusOK:
		// The server ignored the range header and is sending the full body;
		// take it from the top rather than appending a duplicate prefix.
		offset = 0
		rec.BytesReceived = 0
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
	case offset == 0 && resp.StatusCode == http.StatusOK:
	default:
		return &ServerError{URL: rec.URL, StatusCode: resp.StatusCode}
	}

	if total := contentTotal(resp, offset); total > 0 {
		rec.BytesExpected = total
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	out, err := os.OpenFile(rec.LocalPath, flags, 0o644)
	if err != nil {
		return &LocalIOError{Path: rec.LocalPath, Op: "open", Err: err}
	}
	defer out.Close()

	rec.BytesReceived = offset
	buf := make([]byte, f.cfg.ChunkSize)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return &LocalIOError{Path: rec.LocalPath, Op: "write", Err: writeErr}
			}

			rec.BytesReceived += int64(n)
			rec.Status = store.StatusInProgress

			if perr := f.persist(rec); perr != nil {
				return perr
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				break
			}

			// Bytes written so far are kept; the next attempt resumes here.
			return &NetworkError{URL: rec.URL, Err: readErr}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if f.cfg.VerifyIntegrity {
		return f.verify(rec)
	}

	return nil
}

// verify checks the received byte count against the advertised length and,
// when the resolver supplied one, the MD5 checksum. Size-match alone is a
// weak guarantee, so the checksum is validated whenever it is available.
func (f *Fetcher) verify(rec *store.TransferRecord) error {
	if rec.BytesExpected > 0 && rec.BytesReceived != rec.BytesExpected {
		return &IntegrityError{
			Path:          rec.LocalPath,
			ExpectedBytes: rec.BytesExpected,
			ActualBytes:   rec.BytesReceived,
		}
	}

	if rec.Checksum != "" {
		sum, err := FileMD5(rec.LocalPath)
		if err != nil {
			return &LocalIOError{Path: rec.LocalPath, Op: "checksum", Err: err}
		}

		if !strings.EqualFold(sum, rec.Checksum) {
			return &IntegrityError{
				Path:        rec.LocalPath,
				ExpectedSum: rec.Checksum,
				ActualSum:   sum,
			}
		}
	}

	return nil
}

// discardLocal throws away the partial file contents ahead of a
// from-scratch retry.
func (f *Fetcher) discardLocal(rec *store.TransferRecord) error {
	if err := os.Truncate(rec.LocalPath, 0); err != nil && !os.IsNotExist(err) {
		return &LocalIOError{Path: rec.LocalPath, Op: "truncate", Err: err}
	}

	rec.BytesReceived = 0

	return nil
}

func (f *Fetcher) persist(rec *store.TransferRecord) error {
	if err := f.records.Upsert(*rec); err != nil {
		return err
	}

	if f.onProgress != nil {
		f.onProgress(rec.ID, rec.Status, rec.BytesReceived, rec.BytesExpected)
	}

	return nil
}

// contentTotal extracts the full object length advertised by the server:
// the Content-Range total for partial responses, Content-Length otherwise.
func contentTotal(resp *http.Response, offset int64) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if i := strings.LastIndexByte(cr, '/'); i >= 0 {
				if total, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil {
					return total
				}
			}
		}

		if resp.ContentLength > 0 {
			return offset + resp.ContentLength
		}

		return 0
	}

	if resp.ContentLength > 0 {
		return resp.ContentLength
	}

	return 0
}
