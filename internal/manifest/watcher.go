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

package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/durable/internal/log"
)

// debounceWindow absorbs the multiple write events editors and bundlers
// emit for one save.
const debounceWindow = 250 * time.Millisecond

// Watcher reloads a manifest file when it changes on disk. Used for
// local development; production deployments load the manifest once.
type Watcher struct {
	path     string
	onReload func(*Manifest)
	fsw      *fsnotify.Watcher
	logger   *slog.Logger
	doneCh   chan struct{}
}

// NewWatcher watches the manifest at path and calls onReload with each
// successfully parsed new version. Parse failures are logged and the
// previous manifest stays in effect.
func NewWatcher(path string, onReload func(*Manifest), logger *slog.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving manifest path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files by
	// rename, which drops a direct file watch.
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching manifest directory: %w", err)
	}
	return &Watcher{
		path:     absPath,
		onReload: onReload,
		fsw:      fsw,
		logger:   log.WithComponent(logger, "manifest"),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. It returns immediately; the loop stops when
// ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	go w.loop(ctx)
	w.logger.Info("manifest watcher started", slog.String("path", w.path))
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.doneCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounceWindow, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", log.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	m, err := Load(w.path)
	if err != nil {
		w.logger.Warn("manifest reload failed, keeping previous", log.Error(err))
		return
	}
	w.logger.Info("manifest reloaded", slog.String("version", m.Version))
	w.onReload(m)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.doneCh)
	return w.fsw.Close()
}
