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

package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{LastID: "evt_00000000000000000001_abcd", Order: SortAsc}
	decoded, err := DecodeCursor(c.Encode())
	require.NoError(t, err)
	assert.Equal(t, c, decoded)
}

func TestDecodeCursorEmpty(t *testing.T) {
	c, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Empty(t, c.LastID)
}

func TestDecodeCursorMalformed(t *testing.T) {
	_, err := DecodeCursor("not base64!!")
	assert.Error(t, err)

	// Valid base64 but not JSON.
	_, err = DecodeCursor("aGVsbG8")
	assert.Error(t, err)
}

func TestCursorBeyond(t *testing.T) {
	asc := Cursor{LastID: "b", Order: SortAsc}
	assert.False(t, asc.Beyond("a"))
	assert.False(t, asc.Beyond("b"))
	assert.True(t, asc.Beyond("c"))

	desc := Cursor{LastID: "b", Order: SortDesc}
	assert.True(t, desc.Beyond("a"))
	assert.False(t, desc.Beyond("b"))
	assert.False(t, desc.Beyond("c"))

	// An empty cursor admits everything.
	assert.True(t, Cursor{Order: SortAsc}.Beyond("a"))
}

func TestSortKeyOrdersByTimeThenID(t *testing.T) {
	t0 := time.Unix(100, 0)
	t1 := time.Unix(200, 0)

	// Later creation wins regardless of id ordering.
	assert.Less(t, SortKey(t0, "zzz"), SortKey(t1, "aaa"))
	// Same instant falls back to id order.
	assert.Less(t, SortKey(t0, "aaa"), SortKey(t0, "bbb"))
}
