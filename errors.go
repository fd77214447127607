package main

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected is returned by Send when the live channel is not open.
	ErrNotConnected = errors.New("live channel not connected")
	// ErrSessionClosed is returned once Teardown has run.
	ErrSessionClosed = errors.New("session torn down")
	// ErrSessionDropped marks an open channel that closed abnormally.
	ErrSessionDropped = errors.New("live channel dropped")
	// ErrNoCandidates is returned by the prober when given an empty list.
	ErrNoCandidates = errors.New("no candidate endpoints configured")
)

// TransientConnectionError is a single candidate that failed or timed out.
type TransientConnectionError struct {
	URL     string
	Outcome Outcome
	Err     error
}

func (e *TransientConnectionError) Error() string {
	if e.Outcome == OutcomeTimeout {
		return fmt.Sprintf("timeout connecting to %s", e.URL)
	}
	return fmt.Sprintf("failed to connect to %s: %v", e.URL, e.Err)
}

func (e *TransientConnectionError) Unwrap() error { return e.Err }

// ExhaustionError is returned when every candidate failed.
type ExhaustionError struct {
	Attempts []*TransientConnectionError
}

// Last returns the final candidate failure, or nil.
func (e *ExhaustionError) Last() *TransientConnectionError {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1]
}

func (e *ExhaustionError) Error() string {
	urls := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		urls = append(urls, a.URL)
	}
	msg := fmt.Sprintf("all %d candidates failed (%s)", len(e.Attempts), strings.Join(urls, ", "))
	if last := e.Last(); last != nil {
		msg += ": " + last.Error()
	}
	return msg
}

func (e *ExhaustionError) Unwrap() error {
	if last := e.Last(); last != nil {
		return last
	}
	return nil
}

// FallbackError wraps any failure of the pull-based snapshot.
type FallbackError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FallbackError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fallback %s returned HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fallback %s: %v", e.URL, e.Err)
}

func (e *FallbackError) Unwrap() error { return e.Err }

// MalformedMessageError is a single frame that could not be used.
type MalformedMessageError struct {
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
	}
	return "malformed message: " + e.Reason
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }
