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
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, c *JSONCodec, v any) any {
	t.Helper()
	var ops Ops
	raw, err := c.Dehydrate(v, &ops, "run_1")
	require.NoError(t, err)
	out, err := c.Hydrate(raw, &ops, "run_1")
	require.NoError(t, err)
	return out
}

func TestRoundTripScalars(t *testing.T) {
	c := NewJSONCodec()

	assert.Nil(t, roundTrip(t, c, nil))
	assert.Equal(t, true, roundTrip(t, c, true))
	assert.Equal(t, "hello", roundTrip(t, c, "hello"))
	// JSON numbers hydrate as float64.
	assert.Equal(t, float64(42), roundTrip(t, c, 42))
	assert.Equal(t, 3.5, roundTrip(t, c, 3.5))
}

func TestRoundTripDate(t *testing.T) {
	c := NewJSONCodec()
	ts := time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)
	out := roundTrip(t, c, ts)
	require.IsType(t, time.Time{}, out)
	assert.True(t, ts.Equal(out.(time.Time)))
}

func TestRoundTripBigInt(t *testing.T) {
	c := NewJSONCodec()
	n, ok := new(big.Int).SetString("123456789012345678901234567890", 10)
	require.True(t, ok)
	out := roundTrip(t, c, n)
	require.IsType(t, &big.Int{}, out)
	assert.Zero(t, n.Cmp(out.(*big.Int)))
}

func TestRoundTripNestedGraph(t *testing.T) {
	c := NewJSONCodec()
	v := map[string]any{
		"items": []any{"a", float64(1), nil},
		"when":  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		"nested": map[string]any{
			"big": big.NewInt(7),
		},
	}
	out := roundTrip(t, c, v).(map[string]any)
	assert.Equal(t, []any{"a", float64(1), nil}, out["items"])
	assert.True(t, v["when"].(time.Time).Equal(out["when"].(time.Time)))
	nested := out["nested"].(map[string]any)
	assert.Zero(t, big.NewInt(7).Cmp(nested["big"].(*big.Int)))
}

func TestUserMapWithTypeKeyIsEscaped(t *testing.T) {
	c := NewJSONCodec()
	v := map[string]any{"$type": "sneaky", "x": float64(1)}
	out := roundTrip(t, c, v)
	assert.Equal(t, v, out)
}

type invoice struct {
	Number string  `json:"number"`
	Total  float64 `json:"total"`
}

func TestRegisteredClassRoundTrips(t *testing.T) {
	c := NewJSONCodec()
	require.NoError(t, c.RegisterClass("invoice", &invoice{}))

	out := roundTrip(t, c, &invoice{Number: "INV-7", Total: 12.5})
	require.IsType(t, &invoice{}, out)
	assert.Equal(t, &invoice{Number: "INV-7", Total: 12.5}, out)
}

func TestRegisterClassValidation(t *testing.T) {
	c := NewJSONCodec()
	assert.Error(t, c.RegisterClass("bad", invoice{}))
	require.NoError(t, c.RegisterClass("invoice", &invoice{}))
	assert.Error(t, c.RegisterClass("invoice", &invoice{}))
}

type secret struct {
	Key string `json:"key"`
}

func TestUnregisteredClassHydratesToOpaqueRef(t *testing.T) {
	c := NewJSONCodec()
	out := roundTrip(t, c, &secret{Key: "k"})
	ref, ok := out.(*OpaqueRef)
	require.True(t, ok)
	assert.Contains(t, ref.TypeName, "secret")
	assert.JSONEq(t, `{"key":"k"}`, string(ref.Value))
}

func TestStreamCollectsOpAndHydratesToRef(t *testing.T) {
	c := NewJSONCodec()
	pumped := false
	stream := &Stream{ID: "stm_1", Pump: func(ctx context.Context) error {
		pumped = true
		return nil
	}}

	var ops Ops
	raw, err := c.Dehydrate(map[string]any{"out": stream}, &ops, "run_1")
	require.NoError(t, err)
	require.Equal(t, 1, ops.Len())
	require.NoError(t, ops.Await(context.Background()))
	assert.True(t, pumped)

	out, err := c.Hydrate(raw, &ops, "run_1")
	require.NoError(t, err)
	assert.Equal(t, StreamRef{ID: "stm_1"}, out.(map[string]any)["out"])
}

func TestStreamReviverSubstitutes(t *testing.T) {
	c := NewJSONCodec()
	var ops Ops
	raw, err := c.Dehydrate(&Stream{ID: "stm_2"}, &ops, "run_1")
	require.NoError(t, err)

	out, err := c.Hydrate(raw, &ops, "run_1", WithReviver(tagStream, func(value any) (any, error) {
		id := value.(map[string]any)["id"].(string)
		return "rendered:" + id, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, "rendered:stm_2", out)
}

func TestHydrateEmpty(t *testing.T) {
	c := NewJSONCodec()
	out, err := c.Hydrate(nil, &Ops{}, "run_1")
	require.NoError(t, err)
	assert.Nil(t, out)
}
