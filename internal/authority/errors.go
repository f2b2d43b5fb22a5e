package authority

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tair/rxsync/internal/ledger/domain"
)

// APIError is a non-2xx response from the authority.
type APIError struct {
	StatusCode int
	Body       []byte
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("authority API error %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode == http.StatusUnauthorized:
		return true
	}
	return false
}

func (e *APIError) Category() domain.ErrorCategory {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return domain.CategoryRemoteAuth
	case e.Retryable():
		return domain.CategoryRemoteTransient
	}
	return domain.CategoryValidation
}

// TransportError is a timeout or connection failure before any response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("authority %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Category() domain.ErrorCategory {
	return domain.CategoryRemoteTransient
}

// AuthError is a failure to obtain an access token. Backoff is set when the
// token breaker is open and no request was attempted.
type AuthError struct {
	Backoff    bool
	RetryAfter time.Duration
	Err        error
}

func (e *AuthError) Error() string {
	if e.Backoff {
		return fmt.Sprintf("authority authentication backing off for %s", e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("authority authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Category() domain.ErrorCategory {
	return domain.CategoryRemoteAuth
}

// IsRetryable classifies an error returned by the client. Business
// rejections are not retryable; transport, auth and 5xx failures are.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsBackoff reports whether err means the client refused to call out.
func IsBackoff(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Backoff
}
