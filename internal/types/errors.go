package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the failure modes callers branch on. Each maps onto a
// Status; the sentinels exist for errors.Is checks across package borders.
var (
	ErrAuthRequired      = errors.New("service session missing or login UI detected")
	ErrRateLimited       = errors.New("service rate limited")
	ErrTimeout           = errors.New("service call timed out")
	ErrSelectorNotFound  = errors.New("page selector not found")
	ErrParseFailure      = errors.New("response extraction failed")
	ErrAllServicesFailed = errors.New("every dispatched service failed")
	ErrModelUnavailable  = errors.New("local model unavailable")
)

// RateLimitError wraps ErrRateLimited with the backoff the caller should
// honor before retrying the service.
type RateLimitError struct {
	ServiceID string
	Backoff   time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited, retry after %v", e.ServiceID, e.Backoff)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
