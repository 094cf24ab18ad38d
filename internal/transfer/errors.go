package transfer

import (
	"errors"
	"fmt"
	"net/http"
)

// NetworkError represents transport-level failures: connection resets,
// timeouts, and DNS errors. Always retryable, and any bytes already written
// to disk are kept so the next attempt resumes instead of restarting.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ServerError represents a non-2xx HTTP response. 5xx responses are
// retryable; 4xx responses are terminal since repeating the same request
// cannot change the answer.
type ServerError struct {
	URL        string
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server returned HTTP %d for %s", e.StatusCode, e.URL)
}

// NotFound reports whether the server unambiguously said the target does
// not exist.
func (e *ServerError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// IntegrityError represents a completed transfer whose bytes do not match
// what the server advertised. The local file is discarded and the retry
// starts from zero: resuming a corrupt prefix would propagate the
// corruption into the final file.
type IntegrityError struct {
	Path          string
	ExpectedBytes int64
	ActualBytes   int64
	ExpectedSum   string
	ActualSum     string
}

func (e *IntegrityError) Error() string {
	if e.ExpectedSum != "" {
		return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.ExpectedSum, e.ActualSum)
	}

	return fmt.Sprintf("size mismatch for %s: expected %d bytes, got %d", e.Path, e.ExpectedBytes, e.ActualBytes)
}

// LocalIOError represents a local filesystem failure (disk full, permission
// denied). Terminal immediately: retrying the network cannot fix the disk.
type LocalIOError struct {
	Path string
	Op   string
	Err  error
}

func (e *LocalIOError) Error() string {
	return fmt.Sprintf("local i/o error (%s) on %s: %v", e.Op, e.Path, e.Err)
}

func (e *LocalIOError) Unwrap() error {
	return e.Err
}

// ResumeUnsupportedError reports that the server rejected a byte-range
// request. The transfer falls back to a full restart from zero without
// counting a failed attempt.
type ResumeUnsupportedError struct {
	URL        string
	StatusCode int
}

func (e *ResumeUnsupportedError) Error() string {
	return fmt.Sprintf("server rejected range request for %s (HTTP %d)", e.URL, e.StatusCode)
}

// retryable decides whether a failed attempt should consume one of the
// remaining retries or terminate the transfer immediately.
func retryable(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}

	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		return srvErr.StatusCode >= http.StatusInternalServerError
	}

	var intErr *IntegrityError

	return errors.As(err, &intErr)
}
