package oauth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrProviderNotFound signals a provider name the gateway is not configured for.
	ErrProviderNotFound = errors.New("oauth: provider not found")
	// ErrInvalidRequest indicates caller input validation errors.
	ErrInvalidRequest = errors.New("oauth: invalid request")
	// ErrInvalidState indicates the CSRF state is missing, expired, reused or bound to another provider.
	ErrInvalidState = errors.New("oauth: invalid state")
	// ErrTokenNotFound means no active credential exists for the provider.
	ErrTokenNotFound = errors.New("oauth: token not found")
	// ErrTokenInvalid indicates a malformed token endpoint response.
	ErrTokenInvalid = errors.New("oauth: token invalid")
	// ErrLockTimeout is returned when the provider lock could not be obtained and
	// no other worker restored the credential in time.
	ErrLockTimeout = errors.New("oauth: lock timeout")
	// ErrRefreshFailed wraps a failed refresh-token grant.
	ErrRefreshFailed = errors.New("oauth: refresh failed")
	// ErrReauthRequired is terminal until an operator repeats the authorization flow.
	ErrReauthRequired = errors.New("oauth: reauthorization required")
)

var (
	// ErrForbiddenPath rejects proxy paths outside the allow-list.
	ErrForbiddenPath = errors.New("proxy: forbidden path")
	// ErrRateLimited is returned when a caller exceeded its outbound budget.
	ErrRateLimited = errors.New("proxy: rate limited")
	// ErrUpstreamUnavailable is surfaced after bounded 5xx retries.
	ErrUpstreamUnavailable = errors.New("proxy: upstream unavailable")
	// ErrUpstreamAuth is surfaced when the upstream rejects a freshly refreshed token.
	ErrUpstreamAuth = errors.New("proxy: upstream authentication failed")
)

// RateLimitedError carries the delay after which the caller may retry.
type RateLimitedError struct {
	Caller     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: caller %q retry after %s", ErrRateLimited, e.Caller, e.RetryAfter)
}

// Unwrap lets errors.Is match ErrRateLimited.
func (e *RateLimitedError) Unwrap() error {
	return ErrRateLimited
}
