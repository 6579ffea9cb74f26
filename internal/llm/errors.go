package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Provider errors. Retryable classifies them by type alone: rate limits,
// outages and unusable completions are retried; rejected requests and
// truncated completions are not.

// ErrRateLimit is an HTTP 429 from the provider. RetryAfter comes from the
// Retry-After header and is zero when none was sent.
type ErrRateLimit struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ErrRateLimit) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider rate limit, retry after %s: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("provider rate limit: %v", e.Err)
}

func (e *ErrRateLimit) Unwrap() error { return e.Err }

// ErrProviderUnavailable is a 5xx, a transport failure or a per-call
// timeout. StatusCode is zero when no HTTP response arrived.
type ErrProviderUnavailable struct {
	StatusCode int
	Err        error
}

func (e *ErrProviderUnavailable) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("provider unavailable (HTTP %d): %v", e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("provider unavailable: %v", e.Err)
	}
	return "provider unavailable"
}

func (e *ErrProviderUnavailable) Unwrap() error { return e.Err }

// ErrRequestRejected is a 4xx other than 429: a bad model id, an invalid
// key, a request the provider refuses. Sending it again gets the same
// answer.
type ErrRequestRejected struct {
	StatusCode int
	Err        error
}

func (e *ErrRequestRejected) Error() string {
	return fmt.Sprintf("request rejected (HTTP %d): %v", e.StatusCode, e.Err)
}

func (e *ErrRequestRejected) Unwrap() error { return e.Err }

// ErrInvalidResponse is a completion that arrived but cannot be used as a
// prediction: empty, not JSON, off-schema or outside the label template.
type ErrInvalidResponse struct {
	Content json.RawMessage
	Err     error
}

func (e *ErrInvalidResponse) Error() string {
	return fmt.Sprintf("unusable completion %s: %v", excerpt(e.Content), e.Err)
}

func (e *ErrInvalidResponse) Unwrap() error { return e.Err }

// ErrMaxTokensExceeded is a completion cut off at the token limit. The
// same request would be cut off again, so it is not retried.
type ErrMaxTokensExceeded struct {
	CompletionTokens int
	Content          json.RawMessage
}

func (e *ErrMaxTokensExceeded) Error() string {
	return fmt.Sprintf("completion truncated after %d tokens %s", e.CompletionTokens, excerpt(e.Content))
}

const excerptLen = 80

// excerpt quotes the start of a completion for error messages and the
// token ledger.
func excerpt(content json.RawMessage) string {
	b := bytes.TrimSpace(content)
	if len(b) == 0 {
		return "(empty)"
	}
	if len(b) > excerptLen {
		return fmt.Sprintf("%q...", b[:excerptLen])
	}
	return fmt.Sprintf("%q", b)
}
