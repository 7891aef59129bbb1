package wecom

import "fmt"

// Upstream application error codes we special-case.
const (
	codeRateLimit = 45009
)

// AuthError means the upstream rejected our credentials or token request.
type AuthError struct {
	Code    int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("wecom: auth failed (errcode=%d): %s", e.Code, e.Message)
}

// APIError is any non-zero upstream application code other than auth or
// rate limiting.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wecom: api error (errcode=%d): %s", e.Code, e.Message)
}

// RateLimitError is upstream code 45009. The batch fetcher retries these
// internally; it only surfaces after retries are exhausted.
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("wecom: rate limited (errcode=%d): %s", codeRateLimit, e.Message)
}

// RangeError means the caller supplied an invalid or over-31-day window.
type RangeError struct {
	Message string
}

func (e *RangeError) Error() string {
	return "wecom: " + e.Message
}

// TransformError means an approval detail could not be parsed or reshaped.
type TransformError struct {
	SpNo    string
	Message string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("wecom: transform %s: %s", e.SpNo, e.Message)
}

// apiError converts an upstream errcode/errmsg pair into the right error
// type. Auth-related codes (40001 invalid secret, 40013 invalid corpid,
// 42001 token expired) become AuthError.
func apiError(code int, msg string) error {
	switch code {
	case 0:
		return nil
	case codeRateLimit:
		return &RateLimitError{Message: msg}
	case 40001, 40013, 40014, 41002, 42001:
		return &AuthError{Code: code, Message: msg}
	default:
		return &APIError{Code: code, Message: msg}
	}
}

// IsRateLimit reports whether err is the upstream 45009 throttle response.
func IsRateLimit(err error) bool {
	_, ok := err.(*RateLimitError)
	return ok
}
