package client

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/go-go-golems/desktopctl/pkg/protocol"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New(protocol.ErrNotFound)

// OpError is a non-2xx answer from the server.
type OpError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *OpError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: op=%q status=%d", e.Code, e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: op=%q status=%d: %s", e.Code, e.Op, e.StatusCode, e.Message)
}

func (e *OpError) Is(target error) bool {
	if target == ErrNotFound {
		return e.StatusCode == http.StatusNotFound || e.Code == protocol.ErrNotFound
	}
	return false
}

// Transient reports whether retrying the same request later can succeed.
func (e *OpError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// IsTransient classifies transport failures and retryable server answers.
// Context cancellation is never transient: the caller gave up.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsPermanent reports a server answer that will not change on retry (4xx).
func IsPermanent(err error) bool {
	var opErr *OpError
	if !errors.As(err, &opErr) {
		return false
	}
	return opErr.StatusCode >= 400 && opErr.StatusCode < 500 && !opErr.Transient()
}
