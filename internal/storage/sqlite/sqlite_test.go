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

package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/internal/storage/storagetest"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "durable.db")})
	require.NoError(t, err)
	return s
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return openStore(t)
	})
}

func TestReopenPreservesState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "durable.db")

	s, err := New(Config{Path: path})
	require.NoError(t, err)

	res, err := s.AppendEvent(ctx, "", storage.EventInput{
		Type: storage.EventRunCreated,
		Data: &storage.RunCreatedData{WorkflowName: "persist", Input: json.RawMessage(`{"k":"v"}`)},
	})
	require.NoError(t, err)
	runID := res.Run.ID
	_, err = s.AppendEvent(ctx, runID, storage.EventInput{Type: storage.EventRunStarted})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(Config{Path: path})
	require.NoError(t, err)
	defer s.Close()

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, storage.RunStatusRunning, run.Status)
	require.Equal(t, json.RawMessage(`{"k":"v"}`), run.Input)
	require.NotNil(t, run.StartedAt)

	events, err := s.ListEvents(ctx, runID, storage.SortAsc, storage.PageRequest{})
	require.NoError(t, err)
	require.Len(t, events.Items, 2)
}
