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
	"fmt"
	"sort"
	"time"
)

// Projection is the entity state of one run rebuilt from its event log.
type Projection struct {
	Run   *Run
	Steps map[string]*Step
	Hooks map[string]*Hook
}

// Fold rebuilds a run's projections by replaying its events in order
// through the same Apply logic the backends use for live appends. Because
// both paths share one transition function, a stored projection and its
// fold are equal by construction; tests use this to check event-projection
// consistency.
//
// Events must all belong to one run and be in ascending time order.
func Fold(events []*Event) (*Projection, error) {
	p := &Projection{
		Steps: make(map[string]*Step),
		Hooks: make(map[string]*Hook),
	}

	for _, ev := range events {
		// hook_conflict is record-only: it marks a rejected token binding
		// and never changes entity state.
		if ev.Type == EventHookConflict {
			continue
		}
		data, err := DecodeEventData(ev.Type, ev.Data)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", ev.ID, err)
		}
		in := EventInput{Type: ev.Type, CorrelationID: ev.CorrelationID, Data: data}

		snap := Snapshot{Run: p.Run}
		if ev.CorrelationID != "" {
			snap.Step = p.Steps[ev.CorrelationID]
			snap.Hook = p.Hooks[ev.CorrelationID]
		}
		if hc, ok := data.(*HookCreatedData); ok && snap.Hook == nil {
			snap.TokenHolder = p.liveTokenHolder(hc.Token)
		}

		change, err := Apply(snap, ev.RunID, ev.ID, in, ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("event %s (%s): %w", ev.ID, ev.Type, err)
		}
		p.apply(change, ev.CreatedAt)
	}

	return p, nil
}

func (p *Projection) liveTokenHolder(token string) *Hook {
	for _, h := range p.Hooks {
		if !h.Disposed && h.Token == token {
			return h
		}
	}
	return nil
}

func (p *Projection) apply(change *Change, now time.Time) {
	if change.Run != nil {
		p.Run = change.Run
	}
	if change.Step != nil {
		p.Steps[change.Step.ID] = change.Step
	}
	if change.Hook != nil {
		p.Hooks[change.Hook.ID] = change.Hook
	}
	if change.DisposeRunHooks {
		for id, h := range p.Hooks {
			if !h.Disposed {
				disposed := *h
				disposed.Disposed = true
				disposed.UpdatedAt = now
				p.Hooks[id] = &disposed
			}
		}
	}
}

// SortEventsAscending orders events by id in place. Event ids are
// lexicographically time-ordered, so this is ascending time order.
func SortEventsAscending(events []*Event) {
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
}
