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

package serial

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"time"
)

// Envelope tags. A JSON object whose "$type" field carries one of these
// is codec metadata, not user data; user objects that happen to contain
// a "$type" key are wrapped in a literal envelope.
const (
	tagDate    = "date"
	tagBigInt  = "bigint"
	tagStream  = "stream"
	tagLiteral = "literal"
	tagOpaque  = "opaque"
	classTag   = "class:"

	typeField  = "$type"
	valueField = "value"
)

// JSONCodec is the production Codec: a tagged-envelope encoding over
// plain JSON. Class registration is per-codec, set up once at engine
// construction.
type JSONCodec struct {
	classes map[string]reflect.Type
	names   map[reflect.Type]string
}

var _ Codec = (*JSONCodec)(nil)

// NewJSONCodec creates an empty codec.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{
		classes: make(map[string]reflect.Type),
		names:   make(map[reflect.Type]string),
	}
}

// RegisterClass teaches the codec to round-trip instances of the
// prototype's type under the given name. Register pointers to structs;
// hydration returns the same pointer type.
func (c *JSONCodec) RegisterClass(name string, prototype any) error {
	t := reflect.TypeOf(prototype)
	if t == nil || t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("class %q: prototype must be a pointer to struct", name)
	}
	if _, exists := c.classes[name]; exists {
		return fmt.Errorf("class %q already registered", name)
	}
	c.classes[name] = t.Elem()
	c.names[t.Elem()] = name
	return nil
}

// Dehydrate encodes v into the tagged-envelope form.
func (c *JSONCodec) Dehydrate(v any, ops *Ops, runID string) (json.RawMessage, error) {
	tree, err := c.encode(v, ops, runID)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("dehydrating: %w", err)
	}
	return raw, nil
}

// Hydrate decodes a stored form back into a value graph.
func (c *JSONCodec) Hydrate(raw json.RawMessage, ops *Ops, runID string, opts ...Option) (any, error) {
	var o hydrateOptions
	for _, opt := range opts {
		opt(&o)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("hydrating: %w", err)
	}
	return c.decode(tree, &o)
}

func envelope(tag string, value any) map[string]any {
	return map[string]any{typeField: tag, valueField: value}
}

func (c *JSONCodec) encode(v any, ops *Ops, runID string) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return envelope(tagDate, t.UTC().Format(time.RFC3339Nano)), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return envelope(tagDate, t.UTC().Format(time.RFC3339Nano)), nil
	case *big.Int:
		if t == nil {
			return nil, nil
		}
		return envelope(tagBigInt, t.String()), nil
	case *Stream:
		if t.Pump != nil {
			ops.Add(t.Pump)
		}
		return envelope(tagStream, map[string]any{"id": t.ID}), nil
	case StreamRef:
		return envelope(tagStream, map[string]any{"id": t.ID}), nil
	case json.RawMessage:
		var inner any
		if err := json.Unmarshal(t, &inner); err != nil {
			return nil, fmt.Errorf("encoding raw message: %w", err)
		}
		return c.encode(inner, ops, runID)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return v, nil

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			enc, err := c.encode(rv.Index(i).Interface(), ops, runID)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("cannot encode map with %s keys", rv.Type().Key())
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		hasTag := false
		iter := rv.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			if key == typeField {
				hasTag = true
			}
			enc, err := c.encode(iter.Value().Interface(), ops, runID)
			if err != nil {
				return nil, err
			}
			out[key] = enc
		}
		// A user object carrying "$type" would be indistinguishable from
		// codec metadata; box it.
		if hasTag {
			return envelope(tagLiteral, out), nil
		}
		return out, nil

	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Elem().Kind() == reflect.Struct {
			return c.encodeStruct(rv.Elem(), ops, runID)
		}
		return c.encode(rv.Elem().Interface(), ops, runID)

	case reflect.Struct:
		return c.encodeStruct(rv, ops, runID)

	default:
		return nil, fmt.Errorf("cannot encode %T", v)
	}
}

func (c *JSONCodec) encodeStruct(rv reflect.Value, ops *Ops, runID string) (any, error) {
	raw, err := json.Marshal(rv.Interface())
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", rv.Type(), err)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", rv.Type(), err)
	}

	if name, ok := c.names[rv.Type()]; ok {
		return envelope(classTag+name, value), nil
	}
	// Unregistered instance: keep the payload, tag it opaque. Hydration
	// yields an *OpaqueRef instead of an error.
	return envelope(tagOpaque, map[string]any{
		"goType": rv.Type().String(),
		"data":   value,
	}), nil
}

func (c *JSONCodec) decode(v any, o *hydrateOptions) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		tag, tagged := t[typeField].(string)
		if !tagged {
			out := make(map[string]any, len(t))
			for k, child := range t {
				dec, err := c.decode(child, o)
				if err != nil {
					return nil, err
				}
				out[k] = dec
			}
			return out, nil
		}
		return c.decodeEnvelope(tag, t[valueField], o)

	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			dec, err := c.decode(child, o)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil

	default:
		return v, nil
	}
}

func (c *JSONCodec) decodeEnvelope(tag string, value any, o *hydrateOptions) (any, error) {
	if r, ok := o.revivers[tag]; ok {
		return r(value)
	}

	switch {
	case tag == tagDate:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("date envelope with %T value", value)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("decoding date: %w", err)
		}
		return ts, nil

	case tag == tagBigInt:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("bigint envelope with %T value", value)
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("decoding bigint %q", s)
		}
		return n, nil

	case tag == tagStream:
		m, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("stream envelope with %T value", value)
		}
		id, _ := m["id"].(string)
		return StreamRef{ID: id}, nil

	case tag == tagLiteral:
		m, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("literal envelope with %T value", value)
		}
		out := make(map[string]any, len(m))
		for k, child := range m {
			dec, err := c.decode(child, o)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil

	case tag == tagOpaque:
		m, _ := value.(map[string]any)
		typeName, _ := m["goType"].(string)
		raw, err := json.Marshal(m["data"])
		if err != nil {
			return nil, fmt.Errorf("decoding opaque value: %w", err)
		}
		return &OpaqueRef{TypeName: typeName, Value: raw}, nil

	case strings.HasPrefix(tag, classTag):
		name := strings.TrimPrefix(tag, classTag)
		st, ok := c.classes[name]
		if !ok {
			raw, err := json.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("decoding unknown class %q: %w", name, err)
			}
			return &OpaqueRef{TypeName: name, Value: raw}, nil
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("decoding class %q: %w", name, err)
		}
		inst := reflect.New(st)
		if err := json.Unmarshal(raw, inst.Interface()); err != nil {
			return nil, fmt.Errorf("decoding class %q: %w", name, err)
		}
		return inst.Interface(), nil

	default:
		return nil, fmt.Errorf("unknown envelope tag %q", tag)
	}
}
