package api

import (
	"context"
	"errors"
	"fmt"
)

// ErrMalformedResponse marks a 2xx reply whose body could not be decoded.
var ErrMalformedResponse = errors.New("malformed response body")

// StatusError is a reply the backend rejected, carrying whatever message
// text came with it.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// IsTransient reports whether err is worth retrying: transport failures,
// 5xx and 429. Malformed bodies, cancellations and other statuses are final.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == 429
	}
	if errors.Is(err, ErrMalformedResponse) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
