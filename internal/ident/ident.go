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

// Package ident generates lexicographically sortable, time-ordered
// identifiers for runs, events, and hooks.
//
// An identifier has the form <prefix>_<nanos>_<suffix> where nanos is a
// zero-padded decimal Unix-nanosecond timestamp (so byte order equals time
// order) and suffix is a short random component for cross-process
// uniqueness. Within a process timestamps are forced strictly monotonic so
// two identifiers never compare equal on the time component.
package ident

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Prefixes for the entity identifiers the storage layer allocates.
const (
	RunPrefix   = "run"
	EventPrefix = "evt"
	HookPrefix  = "hook"
	WaitPrefix  = "wait"
)

var (
	mu       sync.Mutex
	lastNano int64
)

// New returns a new identifier with the given prefix.
func New(prefix string) string {
	mu.Lock()
	nano := time.Now().UnixNano()
	if nano <= lastNano {
		nano = lastNano + 1
	}
	lastNano = nano
	mu.Unlock()

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%020d_%s", prefix, nano, suffix)
}

// NewRunID returns a new run identifier.
func NewRunID() string { return New(RunPrefix) }

// NewEventID returns a new event identifier.
func NewEventID() string { return New(EventPrefix) }

// NewHookID returns a new hook identifier.
func NewHookID() string { return New(HookPrefix) }
