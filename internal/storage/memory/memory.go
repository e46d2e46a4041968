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

// Package memory provides an in-memory storage backend for tests and
// single-process development. A single lock serializes the event-append +
// projection pair, which satisfies the atomicity contract.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tombee/durable/internal/ident"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/pkg/errors"
)

// Compile-time interface assertion.
var _ storage.Store = (*Store)(nil)

// Store is an in-memory storage backend.
type Store struct {
	mu     sync.RWMutex
	runs   map[string]*storage.Run
	steps  map[string]map[string]*storage.Step // runID -> stepID -> step
	hooks  map[string]*storage.Hook            // hookID -> hook
	events map[string][]*storage.Event         // runID -> ascending by id
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		runs:   make(map[string]*storage.Run),
		steps:  make(map[string]map[string]*storage.Step),
		hooks:  make(map[string]*storage.Hook),
		events: make(map[string][]*storage.Event),
	}
}

// AppendEvent implements storage.EventAppender.
func (s *Store) AppendEvent(ctx context.Context, runID string, in storage.EventInput) (*storage.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if runID == "" {
		if in.Type != storage.EventRunCreated {
			return nil, &errors.NotFoundError{Resource: "run", ID: ""}
		}
		runID = ident.NewRunID()
	}

	snap := storage.Snapshot{Run: s.runs[runID]}
	if in.CorrelationID != "" {
		if steps := s.steps[runID]; steps != nil {
			snap.Step = steps[in.CorrelationID]
		}
		snap.Hook = s.hooks[in.CorrelationID]
	}
	if hc, ok := in.Data.(*storage.HookCreatedData); ok && snap.Hook == nil {
		snap.TokenHolder = s.liveTokenHolderLocked(hc.Token)
	}

	now := time.Now().UTC()
	change, err := storage.Apply(snap, runID, ident.NewEventID(), in, now)
	if err != nil {
		return nil, err
	}

	res := &storage.AppendResult{}
	if change.Event != nil {
		s.events[runID] = append(s.events[runID], change.Event)
		res.Event = copyOf(change.Event)
	}
	if change.Run != nil {
		s.runs[runID] = change.Run
		res.Run = copyOf(change.Run)
	} else if snap.Run != nil {
		res.Run = copyOf(snap.Run)
	}
	if change.Step != nil {
		if s.steps[runID] == nil {
			s.steps[runID] = make(map[string]*storage.Step)
		}
		s.steps[runID][change.Step.ID] = change.Step
		res.Step = copyOf(change.Step)
	}
	if change.Hook != nil {
		s.hooks[change.Hook.ID] = change.Hook
		res.Hook = copyOf(change.Hook)
	}
	if change.DisposeRunHooks {
		for id, h := range s.hooks {
			if h.RunID == runID && !h.Disposed {
				disposed := *h
				disposed.Disposed = true
				disposed.UpdatedAt = now
				s.hooks[id] = &disposed
			}
		}
	}
	return res, nil
}

func (s *Store) liveTokenHolderLocked(token string) *storage.Hook {
	for _, h := range s.hooks {
		if !h.Disposed && h.Token == token {
			return h
		}
	}
	return nil
}

// GetRun implements storage.RunReader.
func (s *Store) GetRun(ctx context.Context, runID string) (*storage.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return copyOf(run), nil
}

// ListRuns implements storage.RunReader. Runs are listed newest first.
func (s *Store) ListRuns(ctx context.Context, filter storage.RunFilter, page storage.PageRequest) (*storage.Page[*storage.Run], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*storage.Run
	for _, run := range s.runs {
		if filter.WorkflowName != "" && run.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.DeploymentID != "" && run.DeploymentID != filter.DeploymentID {
			continue
		}
		all = append(all, run)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	return paginate(all, page, storage.SortDesc, func(r *storage.Run) string { return r.ID })
}

// DeleteRun implements storage.RunReader. Deletion cascades to steps,
// hooks, and events.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	delete(s.runs, runID)
	delete(s.steps, runID)
	delete(s.events, runID)
	for id, h := range s.hooks {
		if h.RunID == runID {
			delete(s.hooks, id)
		}
	}
	return nil
}

// GetStep implements storage.StepReader.
func (s *Store) GetStep(ctx context.Context, runID, stepID string) (*storage.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if steps := s.steps[runID]; steps != nil {
		if step, ok := steps[stepID]; ok {
			return copyOf(step), nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "step", ID: stepID}
}

// ListSteps implements storage.StepReader. Steps are listed newest first
// by creation order.
func (s *Store) ListSteps(ctx context.Context, runID string, page storage.PageRequest) (*storage.Page[*storage.Step], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*storage.Step
	for _, step := range s.steps[runID] {
		all = append(all, step)
	}
	key := func(st *storage.Step) string { return storage.SortKey(st.CreatedAt, st.ID) }
	sort.Slice(all, func(i, j int) bool { return key(all[i]) > key(all[j]) })
	return paginate(all, page, storage.SortDesc, key)
}

// GetHook implements storage.HookReader.
func (s *Store) GetHook(ctx context.Context, hookID string) (*storage.Hook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hook, ok := s.hooks[hookID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "hook", ID: hookID}
	}
	return copyOf(hook), nil
}

// GetHookByToken implements storage.HookReader. Only live hooks resolve.
func (s *Store) GetHookByToken(ctx context.Context, token string) (*storage.Hook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h := s.liveTokenHolderLocked(token); h != nil {
		return copyOf(h), nil
	}
	return nil, &errors.NotFoundError{Resource: "hook", ID: token}
}

// ListHooks implements storage.HookReader.
func (s *Store) ListHooks(ctx context.Context, runID string, page storage.PageRequest) (*storage.Page[*storage.Hook], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*storage.Hook
	for _, hook := range s.hooks {
		if runID != "" && hook.RunID != runID {
			continue
		}
		all = append(all, hook)
	}
	key := func(h *storage.Hook) string { return storage.SortKey(h.CreatedAt, h.ID) }
	sort.Slice(all, func(i, j int) bool { return key(all[i]) > key(all[j]) })
	return paginate(all, page, storage.SortDesc, key)
}

// ListEvents implements storage.EventReader. Default order is ascending.
func (s *Store) ListEvents(ctx context.Context, runID string, order storage.SortOrder, page storage.PageRequest) (*storage.Page[*storage.Event], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listEvents(s.events[runID], "", order, page)
}

// ListEventsByCorrelation implements storage.EventReader.
func (s *Store) ListEventsByCorrelation(ctx context.Context, correlationID string, order storage.SortOrder, page storage.PageRequest) (*storage.Page[*storage.Event], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*storage.Event
	for _, events := range s.events {
		all = append(all, events...)
	}
	return listEvents(all, correlationID, order, page)
}

// SeedRun inserts a run projection directly, bypassing the event log.
// Used to import runs recorded under older spec versions, whose logs the
// engine cannot replay.
func (s *Store) SeedRun(ctx context.Context, run *storage.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return &errors.ConflictError{Resource: "run", ID: run.ID, Kind: errors.ConflictDuplicate}
	}
	s.runs[run.ID] = copyOf(run)
	return nil
}

// Close implements io.Closer.
func (s *Store) Close() error {
	return nil
}

func listEvents(events []*storage.Event, correlationID string, order storage.SortOrder, page storage.PageRequest) (*storage.Page[*storage.Event], error) {
	if order == "" {
		order = storage.SortAsc
	}
	var all []*storage.Event
	for _, ev := range events {
		if correlationID != "" && ev.CorrelationID != correlationID {
			continue
		}
		all = append(all, ev)
	}
	sort.Slice(all, func(i, j int) bool {
		if order == storage.SortDesc {
			return all[i].ID > all[j].ID
		}
		return all[i].ID < all[j].ID
	})
	return paginate(all, page, order, func(ev *storage.Event) string { return ev.ID })
}

// paginate applies the cursor and limit to an already-sorted slice and
// builds the result page with copies of the retained items.
func paginate[T any](sorted []*T, page storage.PageRequest, order storage.SortOrder, id func(*T) string) (*storage.Page[*T], error) {
	cursor, err := storage.DecodeCursor(page.Cursor)
	if err != nil {
		return nil, err
	}
	if cursor.LastID != "" && cursor.Order != order {
		return nil, errors.New("cursor sort order does not match listing")
	}

	limit := page.Limit
	if limit <= 0 {
		limit = storage.DefaultPageLimit
	}

	result := &storage.Page[*T]{Cursor: page.Cursor}
	for _, item := range sorted {
		if !cursor.Beyond(id(item)) {
			continue
		}
		if len(result.Items) == limit {
			result.HasMore = true
			break
		}
		result.Items = append(result.Items, copyOf(item))
	}
	if n := len(result.Items); n > 0 {
		result.Cursor = storage.Cursor{LastID: id(result.Items[n-1]), Order: order}.Encode()
	}
	return result, nil
}

func copyOf[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
