package partstore

import (
	"errors"
	"fmt"
	"net/http"
)

// NetworkError is a connection, timeout, or transfer failure. The fetch
// is not retried internally; callers decide whether to try again.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SizeMismatchError means a download finished with a byte count other than
// the declared asset size. The downloaded data is discarded.
type SizeMismatchError struct {
	Name string
	Want int64
	Got  int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch for %s: expected %d bytes, got %d", e.Name, e.Want, e.Got)
}

// HTTPStatusError is a download answered with a non-200 status.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("download %s returned status %d", e.URL, e.StatusCode)
}

// Retryable reports whether another fetch attempt might succeed.
func Retryable(err error) bool {
	var netErr *NetworkError
	var sizeErr *SizeMismatchError
	var statusErr *HTTPStatusError
	switch {
	case errors.As(err, &netErr), errors.As(err, &sizeErr):
		return true
	case errors.As(err, &statusErr):
		return statusErr.StatusCode >= 500 ||
			statusErr.StatusCode == http.StatusTooManyRequests ||
			statusErr.StatusCode == http.StatusRequestTimeout
	}
	return false
}
