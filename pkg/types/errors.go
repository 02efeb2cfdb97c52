// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package types

import (
	"errors"
	"fmt"
)

// ErrKind categorises runtime failures. Components branch on kinds, not on
// error strings; wrapping with fmt.Errorf("...: %w", err) preserves the kind.
type ErrKind int

const (
	// ErrKindUnknown is the zero kind for errors the runtime did not tag.
	ErrKindUnknown ErrKind = iota

	// ErrKindTransport: the bus is unavailable or closed.
	ErrKindTransport

	// ErrKindTimeout: a correlation, LLM call, or turn deadline elapsed.
	ErrKindTimeout

	// ErrKindLLMInvalidOutput: the LLM output violated the expected schema.
	ErrKindLLMInvalidOutput

	// ErrKindLLMUnavailable: the LLM upstream is down or rejecting calls.
	ErrKindLLMUnavailable

	// ErrKindCapabilityMissing: no registered agent serves a capability.
	ErrKindCapabilityMissing

	// ErrKindAgentFailure: an agent returned a non-timeout task error.
	ErrKindAgentFailure

	// ErrKindCircuitOpen: dispatch was short-circuited by an open breaker.
	ErrKindCircuitOpen

	// ErrKindValidation: malformed user input or plan structure.
	ErrKindValidation

	// ErrKindCancelled: the correlation or turn was cancelled.
	ErrKindCancelled

	// ErrKindFatalConfig: non-recoverable configuration error.
	ErrKindFatalConfig
)

// String returns the kind's wire name.
func (k ErrKind) String() string {
	switch k {
	case ErrKindTransport:
		return "transport_error"
	case ErrKindTimeout:
		return "timeout_error"
	case ErrKindLLMInvalidOutput:
		return "llm_invalid_output"
	case ErrKindLLMUnavailable:
		return "llm_unavailable"
	case ErrKindCapabilityMissing:
		return "capability_missing"
	case ErrKindAgentFailure:
		return "agent_failure"
	case ErrKindCircuitOpen:
		return "circuit_open"
	case ErrKindValidation:
		return "validation_error"
	case ErrKindCancelled:
		return "cancelled"
	case ErrKindFatalConfig:
		return "fatal_config_error"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged runtime error.
type Error struct {
	Kind ErrKind
	Msg  string
	Err  error
}

// NewError creates a kind-tagged error.
func NewError(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError tags an underlying error with a kind.
func WrapError(kind ErrKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the underlying error to errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the kind from err's wrap chain. Untagged errors report
// ErrKindUnknown.
func KindOf(err error) ErrKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrKindUnknown
}

// IsKind reports whether err's kind is kind. Re-tagging an error on wrap is
// a re-classification: only the outermost kind counts.
func IsKind(err error, kind ErrKind) bool {
	return KindOf(err) == kind
}
