// Copyright 2021 The gVisor Authors.
// Copyright 2026 The vmcore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors holds the error taxonomy of the memory subsystem.
//
// Recoverable failures are returned as *Error values carrying a Kind. Broken
// accounting invariants are never returned: Invariant halts the kernel by
// panicking with an *InvariantViolation.
package errors

import (
	stderrors "errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies a memory subsystem error.
type Kind int

const (
	// Unknown is the Kind of errors not produced by this package.
	Unknown Kind = iota

	// OutOfMemory reports frame or page table allocation failure. The caller
	// decides whether to fail the request or kill the faulting process.
	OutOfMemory

	// IllegalAccess reports an access with no mapping or one that violates
	// the mapping's permissions.
	IllegalAccess

	// IOFailure reports a failed page-in from a backing store. It is
	// delivered to the faulting thread as an IllegalAccess.
	IOFailure

	// InvalidArgument reports a malformed request.
	InvalidArgument

	// Exists reports a request that conflicts with an existing mapping.
	Exists
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case OutOfMemory:
		return "OutOfMemory"
	case IllegalAccess:
		return "IllegalAccess"
	case IOFailure:
		return "IOFailure"
	case InvalidArgument:
		return "InvalidArgument"
	case Exists:
		return "Exists"
	default:
		return "Unknown"
	}
}

// Error is a memory subsystem error with a descriptive message.
type Error struct {
	kind    Kind
	message string
}

// New creates a new *Error.
func New(kind Kind, message string) *Error {
	return &Error{
		kind:    kind,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Kind returns the Kind of e.
func (e *Error) Kind() Kind { return e.kind }

// Sentinel errors. Compare with errors.Is or KindOf; the values may be
// wrapped by callers that add context.
var (
	ENOMEM = New(OutOfMemory, "out of memory")
	EFAULT = New(IllegalAccess, "bad address")
	EACCES = New(IllegalAccess, "permission denied")
	EIO    = New(IOFailure, "I/O error")
	EINVAL = New(InvalidArgument, "invalid argument")
	EEXIST = New(Exists, "mapping exists")
)

// KindOf returns the Kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.kind
	}
	return Unknown
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// ioError binds an I/O cause to EIO so that both remain visible to
// errors.Is and errors.As.
type ioError struct {
	cause error
}

// Error implements error.Error.
func (e *ioError) Error() string { return e.cause.Error() }

// Unwrap returns both the sentinel and the underlying cause.
func (e *ioError) Unwrap() []error { return []error{EIO, e.cause} }

// WrapIO annotates cause, a failure reported by a backing store, and marks
// it as an IOFailure.
func WrapIO(cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &ioError{cause: pkgerrors.Wrapf(cause, format, args...)}
}

// Fatal converts the outcome of a fault into the error delivered to the
// faulting thread: IOFailure is reported as IllegalAccess, everything else is
// passed through.
func Fatal(err error) error {
	if KindOf(err) == IOFailure {
		return fmt.Errorf("%w: %w", EFAULT, err)
	}
	return err
}

// InvariantViolation is the panic value raised when memory accounting is found
// to be corrupt.
type InvariantViolation struct {
	Message string
}

// Error implements error.Error.
func (v *InvariantViolation) Error() string {
	return "memory invariant violated: " + v.Message
}

// Invariant halts the kernel because an accounting invariant was violated.
// It never returns.
func Invariant(format string, args ...any) {
	panic(&InvariantViolation{Message: fmt.Sprintf(format, args...)})
}
