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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{Resource: "run", ID: "run_123"}
	assert.Equal(t, "run not found: run_123", err.Error())
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(Wrap(err, "loading run")))
	assert.False(t, IsConflict(err))
}

func TestConflictError_Kinds(t *testing.T) {
	dup := &ConflictError{Resource: "step", ID: "s1", Kind: ConflictDuplicate}
	term := &ConflictError{Resource: "run", ID: "r1", Kind: ConflictTerminalState, Message: "run is cancelled"}

	assert.True(t, IsConflict(dup))
	assert.True(t, IsDuplicate(dup))
	assert.False(t, IsTerminalConflict(dup))

	assert.True(t, IsTerminalConflict(term))
	assert.False(t, IsDuplicate(term))
	assert.Contains(t, term.Error(), "run is cancelled")
}

func TestConflictError_WrappedClassification(t *testing.T) {
	inner := &ConflictError{Resource: "hook", ID: "h1", Kind: ConflictDuplicate}
	wrapped := fmt.Errorf("creating hook: %w", inner)
	assert.True(t, IsDuplicate(wrapped))

	var c *ConflictError
	require.True(t, As(wrapped, &c))
	assert.Equal(t, "h1", c.ID)
}

func TestGoneError(t *testing.T) {
	err := &GoneError{Resource: "run", ID: "run_42"}
	assert.True(t, IsGone(err))
	assert.Equal(t, "run gone: run_42", err.Error())
}

func TestVersionError(t *testing.T) {
	err := &VersionError{RunVersion: 1, EngineVersion: 2, Message: "not supported for legacy runs"}
	assert.True(t, IsVersionMismatch(err))
	assert.Equal(t, "not supported for legacy runs", err.Error())
}

func TestFatalError(t *testing.T) {
	cause := New("disk on fire")
	err := &FatalError{Message: "unrecoverable", Cause: cause}
	assert.True(t, IsFatal(err))
	assert.Equal(t, "unrecoverable", err.Error())
	assert.True(t, Is(err, cause))

	// Message falls back to the cause.
	bare := &FatalError{Cause: cause}
	assert.Equal(t, "disk on fire", bare.Error())
}

func TestRetryableError(t *testing.T) {
	at := time.Now().Add(time.Minute)
	err := &RetryableError{Message: "rate limited", RetryAfter: &at}

	r, ok := AsRetryable(err)
	require.True(t, ok)
	require.NotNil(t, r.RetryAfter)
	assert.Equal(t, at, *r.RetryAfter)

	_, ok = AsRetryable(New("plain"))
	assert.False(t, ok)
}

func TestTransportError(t *testing.T) {
	cause := New("connection refused")
	err := &TransportError{Op: "enqueue", Cause: cause}
	assert.True(t, IsTransport(err))
	assert.Contains(t, err.Error(), "enqueue")
	assert.True(t, Is(err, cause))
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
}
