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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Cursor anchors a listing at the last returned item. Because entity ids
// are lexicographically time-ordered, continuing from a cursor returns only
// items strictly beyond the anchor in the cursor's direction, regardless of
// inserts that happened between calls.
type Cursor struct {
	// LastID is the id of the last item returned by the previous page.
	LastID string `json:"last_id"`

	// Order is the sort direction the cursor was issued under.
	Order SortOrder `json:"order"`
}

// Encode serializes the cursor to its opaque wire form.
func (c Cursor) Encode() string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses an opaque cursor string. An empty string yields a
// zero cursor with no anchor.
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	return c, nil
}

// Beyond reports whether id lies strictly beyond the cursor's anchor in the
// cursor's direction. A cursor with no anchor admits every id.
func (c Cursor) Beyond(id string) bool {
	if c.LastID == "" {
		return true
	}
	if c.Order == SortDesc {
		return id < c.LastID
	}
	return id > c.LastID
}

// SortKey builds the composite listing key (createdAt, id) for entities
// whose ids are caller-supplied and therefore not time-ordered themselves
// (steps and hooks). Byte order of the key equals time order, with the id
// breaking ties.
func SortKey(createdAt time.Time, id string) string {
	return fmt.Sprintf("%020d/%s", createdAt.UnixNano(), id)
}
