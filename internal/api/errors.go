package api

import (
	"errors"
	"fmt"
)

// ErrAuthExpired marks failures caused by an expired or revoked
// authorization. The orchestrator converts these into a global
// sign-out cascade instead of an error banner.
var ErrAuthExpired = errors.New("authorization expired")

// HTTPError is a non-2xx response from the otto API.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrAuthExpired && e.StatusCode == 401
}

// AuthExpired reports whether this failure should trigger the session
// expiry cascade.
func (e *HTTPError) AuthExpired() bool {
	return e.StatusCode == 401
}

// HumanMessage is the banner text for this failure: the
// server-authored message without the status-code prefix.
func (e *HTTPError) HumanMessage() string {
	return e.Message
}

// DecodeError is a malformed response body. Replaying the request
// would fail identically, so no retry ledger is kept for it.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s response: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NonRetryable marks the error as pointless to replay.
func (e *DecodeError) NonRetryable() bool { return true }
