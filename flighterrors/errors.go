// Package flighterrors defines the structured error codes the replicator's
// latch delivers through its error callback and that its collaborators
// return.
package flighterrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Code constants correspond to the error kinds the replicator state
// machine reacts to. EStop and ETimedOut are delivered through a latch's
// error callback; EPerm marks a higher-term rejection; EInvalid rejects a
// caller request (e.g. a second concurrent catch-up wait); ENotFound is
// returned by the registry for an unknown or destroyed identity token;
// EInternal covers protocol-invariant violations that the source treats
// as a fatal assertion.
const (
	EStop     = "stopped"
	ETimedOut = "timed out"
	EPerm     = "higher term observed"
	EInvalid  = "invalid request"
	ENotFound = "not found"
	EInternal = "internal error"
)

// Error is the structured error type returned across the replicator's
// public surface. Code targets automated handling (the latch's on_error
// switch); Msg is for operators; Op and Err chain errors into a logical
// stack trace.
type Error struct {
	Code string
	Msg  string
	Op   string
	Err  error
}

// NewError returns an instance of an error built from options.
func NewError(options ...func(*Error)) *Error {
	err := &Error{}
	for _, o := range options {
		o(err)
	}
	return err
}

// WithErrorErr sets the wrapped error.
func WithErrorErr(err error) func(*Error) {
	return func(e *Error) { e.Err = err }
}

// WithErrorCode sets the code.
func WithErrorCode(code string) func(*Error) {
	return func(e *Error) { e.Code = code }
}

// WithErrorMsg sets the human-readable message.
func WithErrorMsg(msg string) func(*Error) {
	return func(e *Error) { e.Msg = msg }
}

// WithErrorOp sets the operation the error occurred in.
func WithErrorOp(op string) func(*Error) {
	return func(e *Error) { e.Op = op }
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Msg != "" && e.Err != nil {
		var b strings.Builder
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
		return b.String()
	} else if e.Msg != "" {
		return e.Msg
	} else if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("<%s>", e.Code)
}

// Unwrap allows errors.Is/errors.As to see through to Err.
func (e *Error) Unwrap() error { return e.Err }

// Code returns the first non-empty Code found walking from err down its Err
// chain; "" for a nil error, otherwise EInternal if no code is set or the
// chain reaches an error that is not an *Error.
func Code(err error) string {
	if err == nil {
		return ""
	}
	e, ok := err.(*Error)
	if !ok {
		return EInternal
	}
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Err != nil {
		return Code(e.Err)
	}
	return EInternal
}

// Op returns the op of the error, if available.
func Op(err error) string {
	if err == nil {
		return ""
	}
	e, ok := err.(*Error)
	if !ok || e == nil {
		return ""
	}
	if e.Op != "" {
		return e.Op
	}
	if e.Err != nil {
		return Op(e.Err)
	}
	return ""
}

// errEncode is the JSON shape used to marshal the recursive error stack.
type errEncode struct {
	Code string      `json:"code"`
	Msg  string      `json:"message,omitempty"`
	Op   string      `json:"op,omitempty"`
	Err  interface{} `json:"error,omitempty"`
}

// MarshalJSON recursively marshals the stack of Err.
func (e *Error) MarshalJSON() ([]byte, error) {
	ee := errEncode{Code: e.Code, Msg: e.Msg, Op: e.Op}
	if e.Err != nil {
		if inner, ok := e.Err.(*Error); ok {
			ee.Err = inner
		} else {
			ee.Err = e.Err.Error()
		}
	}
	return json.Marshal(ee)
}

// UnmarshalJSON recursively unmarshals the error stack.
func (e *Error) UnmarshalJSON(b []byte) error {
	ee := new(errEncode)
	if err := json.Unmarshal(b, ee); err != nil {
		return err
	}
	e.Code = ee.Code
	e.Msg = ee.Msg
	e.Op = ee.Op
	e.Err = decodeInternalError(ee.Err)
	return nil
}

func decodeInternalError(target interface{}) error {
	if errStr, ok := target.(string); ok {
		return errors.New(errStr)
	}
	if m, ok := target.(map[string]interface{}); ok {
		inner := new(Error)
		if code, ok := m["code"].(string); ok {
			inner.Code = code
		}
		if msg, ok := m["message"].(string); ok {
			inner.Msg = msg
		}
		if op, ok := m["op"].(string); ok {
			inner.Op = op
		}
		inner.Err = decodeInternalError(m["error"])
		return inner
	}
	return nil
}
