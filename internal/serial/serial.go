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

// Package serial is the serialization boundary between user values and
// the event log. The engine never inspects user values directly: it
// dehydrates them to a JSON-safe form on the way into storage and
// hydrates them back on replay.
//
// Values that cannot be represented inline (streams) dehydrate to
// references, and the work of persisting their contents is appended to
// an Ops list for the caller to await. Hydration accepts revivers so
// the observability path can substitute render-only reference objects
// for live values.
package serial

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"
)

// Op is a deferred side effect produced by dehydration, such as pumping
// a stream's contents into storage.
type Op func(ctx context.Context) error

// Ops collects side-effect operations for the caller to await. The zero
// value is ready to use.
type Ops struct {
	ops []Op
}

// Add appends an operation.
func (o *Ops) Add(op Op) { o.ops = append(o.ops, op) }

// Len reports the number of collected operations.
func (o *Ops) Len() int { return len(o.ops) }

// Await runs all collected operations concurrently and waits for them.
func (o *Ops) Await(ctx context.Context) error {
	if len(o.ops) == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, op := range o.ops {
		op := op
		g.Go(func() error { return op(ctx) })
	}
	return g.Wait()
}

// Reviver substitutes a decoded envelope value during hydration. It
// receives the envelope's inner value and returns the replacement.
type Reviver func(value any) (any, error)

// Option tunes a single Hydrate call.
type Option func(*hydrateOptions)

type hydrateOptions struct {
	revivers map[string]Reviver
}

// WithReviver installs a reviver for one envelope tag (e.g. "stream").
func WithReviver(tag string, r Reviver) Option {
	return func(o *hydrateOptions) {
		if o.revivers == nil {
			o.revivers = make(map[string]Reviver)
		}
		o.revivers[tag] = r
	}
}

// Codec encodes user value graphs to their stored form and back.
// Round-tripping preserves semantic equality for JSON-safe values,
// dates, bigints, maps, and registered class instances; unregistered
// instances hydrate to an *OpaqueRef rather than failing.
type Codec interface {
	// Dehydrate encodes v. Side effects (stream pumping) are appended
	// to ops; the caller awaits them before treating the form as
	// durable.
	Dehydrate(v any, ops *Ops, runID string) (json.RawMessage, error)

	// Hydrate decodes a stored form back into a value graph.
	Hydrate(raw json.RawMessage, ops *Ops, runID string, opts ...Option) (any, error)
}

// StreamRef is the stored representation of a stream. Hydration returns
// it as-is unless a "stream" reviver substitutes a live value.
type StreamRef struct {
	ID string `json:"id"`
}

// Stream is a live stream handed to Dehydrate. Pump persists its
// contents; it is collected into the Ops list rather than run inline.
type Stream struct {
	ID   string
	Pump Op
}

// OpaqueRef is the hydrated form of a value whose concrete type was
// never registered with the codec. It keeps the payload recoverable
// without making hydration fail.
type OpaqueRef struct {
	TypeName string          `json:"type"`
	Value    json.RawMessage `json:"value"`
}
