// errors.go defines the error taxonomy surfaced by the broker client.
//
// Callers dispatch with errors.Is / errors.As:
//
//   - ErrRateLimited:  HTTP 429 survived the retry budget
//   - ErrUnavailable:  transport failure, open circuit, or market-closed
//     empty body — cached data should be used until the next success
//   - ErrEmpty:        well-formed empty result (nothing matched)
//   - *AuthError:      token invalid or refresh failed
//   - *RejectError:    broker rejected the request (4xx with body)
//   - *InvalidResponseError: response did not match the expected schema
package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited is returned when the broker keeps answering 429
	// after the retry budget is exhausted.
	ErrRateLimited = errors.New("broker: rate limited")

	// ErrUnavailable covers transport failures and after-hours empty
	// bodies. State is never mutated on this error.
	ErrUnavailable = errors.New("broker: unavailable")

	// ErrEmpty means the call succeeded but nothing matched.
	ErrEmpty = errors.New("broker: empty result")
)

// AuthError reports an invalid or unrefreshable token.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string { return "broker: auth: " + e.Msg }

// RejectError is a 4xx rejection with the broker's message body.
type RejectError struct {
	Code string // broker msg_cd
	Msg  string // broker msg1
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("broker: reject %s: %s", e.Code, e.Msg)
}

// InvalidResponseError reports a schema mismatch. Snippet carries a short
// prefix of the offending body for the log line.
type InvalidResponseError struct {
	Snippet string
}

func (e *InvalidResponseError) Error() string {
	return "broker: invalid response: " + e.Snippet
}
