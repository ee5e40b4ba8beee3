// ABOUTME: Error taxonomy for ARL agent API calls
// ABOUTME: Distinguishes transport failures, auth expiry, rejections and bad payloads

package arl

import (
	"errors"
	"fmt"
)

// ErrAuthExpired is returned when the agent reports code 401 for a request.
var ErrAuthExpired = errors.New("auth expired")

// NetworkError wraps a transport-level failure (dial, TLS, timeout).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RejectedError is returned when the agent answers with a code other than
// 200 or 401.
type RejectedError struct {
	Op      string
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: agent rejected request (code %d)", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: agent rejected request (code %d): %s", e.Op, e.Code, e.Message)
}

// MalformedResponseError is returned when a response body cannot be decoded
// into the shape the operation expects.
type MalformedResponseError struct {
	Op  string
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Op, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// IsNetwork reports whether err is (or wraps) a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsRejected reports whether err is (or wraps) a RejectedError or a
// MalformedResponseError. Both are surfaced the same way by callers.
func IsRejected(err error) bool {
	var re *RejectedError
	var me *MalformedResponseError
	return errors.As(err, &re) || errors.As(err, &me)
}
