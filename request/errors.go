package request

import (
	"errors"
	"fmt"
)

// ErrAborted matches every *AbortError via errors.Is.
var ErrAborted = errors.New("request: aborted")

// ErrFailed matches every *FailedError via errors.Is.
var ErrFailed = errors.New("request: failed")

// ErrBodyTooLarge is wrapped by the *FailedError of a response whose body
// exceeds the fetcher's size cap.
var ErrBodyTooLarge = errors.New("request: response body too large")

// AbortError is an expected cancellation: a later render superseded this
// one, the target layer closed, or the caller gave up. It is never retried
// and never reported as an unhandled error.
type AbortError struct {
	Reason    string
	RequestID string
}

func (e *AbortError) Error() string {
	if e.Reason == "" {
		return ErrAborted.Error()
	}
	return ErrAborted.Error() + ": " + e.Reason
}

func (e *AbortError) Is(target error) bool { return target == ErrAborted }

// Aborted marks the error as an expected cancellation for events.Bus.Report.
func (e *AbortError) Aborted() bool { return true }

// FailedError is a network or server failure. Response is set when the
// server answered (non-2xx, unparsable body) and nil on transport errors.
type FailedError struct {
	Response *Response
	Err      error
}

func (e *FailedError) Error() string {
	if e.Response != nil {
		return fmt.Sprintf("request: failed: %s %s: status %d", e.Response.Method, e.Response.URL, e.Response.Status)
	}
	return fmt.Sprintf("request: failed: %v", e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

func (e *FailedError) Is(target error) bool { return target == ErrFailed }

// IsAbort reports whether err is an expected cancellation.
func IsAbort(err error) bool {
	return errors.Is(err, ErrAborted)
}

// FailedResponse extracts the partial Response carried by a FailedError.
func FailedResponse(err error) (*Response, bool) {
	var fe *FailedError
	if errors.As(err, &fe) && fe.Response != nil {
		return fe.Response, true
	}
	return nil, false
}
