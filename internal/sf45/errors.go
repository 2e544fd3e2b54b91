package sf45

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds, matched with errors.Is. Context cancellation is passed through
// unwrapped.
var (
	ErrValidation   = errors.New("sf45: value out of range")
	ErrTimeout      = errors.New("sf45: transport timeout")
	ErrTransport    = errors.New("sf45: transport failure")
	ErrDecode       = errors.New("sf45: malformed frame")
	ErrState        = errors.New("sf45: invalid streaming state")
	ErrPartialWrite = errors.New("sf45: partial configuration")
	ErrClosed       = errors.New("sf45: session closed")

	// ErrAlreadyRunning is returned by Start while a worker is active.
	ErrAlreadyRunning = fmt.Errorf("%w: already running", ErrState)
)

// RangeError reports an argument outside its domain. No transport call was made.
type RangeError struct {
	Field    string
	Value    float64
	Min, Max float64
	// Detail replaces the min/max description when set.
	Detail string
}

func (e *RangeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("sf45: %s %g not in %s", e.Field, e.Value, e.Detail)
	}
	return fmt.Sprintf("sf45: %s %g not in [%g, %g]", e.Field, e.Value, e.Min, e.Max)
}

func (e *RangeError) Unwrap() error { return ErrValidation }

// TransportError wraps a failed register exchange.
type TransportError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("sf45: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error {
	kind := ErrTransport
	if e.Timeout {
		kind = ErrTimeout
	}
	return []error{kind, e.Err}
}

// DecodeError reports a frame that cannot be decoded.
type DecodeError struct {
	Len  int
	Need int
	// Reason replaces the length description when set.
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Reason != "" {
		return "sf45: decode: " + e.Reason
	}
	return fmt.Sprintf("sf45: decode: frame of %d bytes, need %d", e.Len, e.Need)
}

func (e *DecodeError) Unwrap() error { return ErrDecode }

// PartialWriteError reports a multi-register update that failed after some
// registers were already written. The device state is mixed and should be
// read back.
type PartialWriteError struct {
	Written []string
	Failed  string
	Err     error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("sf45: partial configuration: wrote %v, %s failed: %v", e.Written, e.Failed, e.Err)
}

func (e *PartialWriteError) Unwrap() []error { return []error{ErrPartialWrite, e.Err} }

// IsFatal reports whether err means the link is unusable: a transport failure
// that is not a timeout, or a closed session.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) {
		return true
	}
	return errors.Is(err, ErrTransport) && !errors.Is(err, ErrTimeout)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// wrapTransport classifies an error from the RegisterTransport. Cancellation of
// the caller's context is returned unchanged.
func wrapTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &TransportError{Op: op, Timeout: isTimeout(err), Err: err}
}
