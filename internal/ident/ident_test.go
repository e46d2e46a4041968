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

package ident

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_PrefixAndShape(t *testing.T) {
	id := New(RunPrefix)
	parts := strings.Split(id, "_")
	require.Len(t, parts, 3)
	assert.Equal(t, "run", parts[0])
	assert.Len(t, parts[1], 20)
	assert.Len(t, parts[2], 8)
}

func TestNew_LexicographicOrder(t *testing.T) {
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = NewEventID()
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Equal(t, ids, sorted, "generation order must equal lexicographic order")
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewHookID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
