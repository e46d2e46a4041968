// Copyright 2025 Tom Barlow
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

package errors

import (
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
//
// Usage:
//
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "doing something")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience wrapper around errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type,
// and if one is found, sets target to that error value and returns true.
// This is a convenience wrapper around errors.As from the standard library.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New creates a new error with the given message.
// This is a convenience wrapper around errors.New from the standard library.
func New(message string) error {
	return errors.New(message)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is (or wraps) a ConflictError of any kind.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsDuplicate reports whether err is a ConflictError with kind duplicate.
// The engine swallows these on retried creates to preserve at-least-once
// delivery.
func IsDuplicate(err error) bool {
	var c *ConflictError
	return errors.As(err, &c) && c.Kind == ConflictDuplicate
}

// IsTerminalConflict reports whether err is a ConflictError with kind
// terminal_state.
func IsTerminalConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c) && c.Kind == ConflictTerminalState
}

// IsGone reports whether err is (or wraps) a GoneError.
func IsGone(err error) bool {
	var g *GoneError
	return errors.As(err, &g)
}

// IsVersionMismatch reports whether err is (or wraps) a VersionError.
func IsVersionMismatch(err error) bool {
	var v *VersionError
	return errors.As(err, &v)
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

// AsRetryable extracts a RetryableError from err's tree if present.
func AsRetryable(err error) (*RetryableError, bool) {
	var r *RetryableError
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var t *TransportError
	return errors.As(err, &t)
}
