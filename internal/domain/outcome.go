package domain

import (
	"encoding/json"
	"fmt"
)

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// TaskOutcome is the value every handler returns; the worker pool decides acknowledgement and retries from it
type TaskOutcome struct {
	Kind  OutcomeKind
	Value json.RawMessage
	Err   error
}

// Succeeded wraps a handler return value. A value that cannot be encoded as JSON turns the outcome fatal.
func Succeeded(v any) TaskOutcome {
	if v == nil {
		return TaskOutcome{Kind: OutcomeSuccess}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return Fatal(fmt.Errorf("encoding task result: %w", err))
	}

	return TaskOutcome{Kind: OutcomeSuccess, Value: b}
}

func Retryable(err error) TaskOutcome {
	return TaskOutcome{Kind: OutcomeRetryable, Err: err}
}

func Fatal(err error) TaskOutcome {
	return TaskOutcome{Kind: OutcomeFatal, Err: err}
}
