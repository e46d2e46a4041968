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

package main

import (
	"io"

	"github.com/tombee/durable/internal/config"
	"github.com/tombee/durable/internal/engine"
	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/world"
)

var (
	configPath    string
	worldOverride string
)

// openWorld builds the configured world for one command invocation.
// CLI output stays clean: backend logs go nowhere unless LOG_LEVEL asks
// for them.
func openWorld() (*world.World, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if worldOverride != "" {
		cfg.TargetWorld = worldOverride
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}

	logCfg := log.FromEnv()
	if logCfg.Level == "info" {
		logCfg.Level = "error"
		logCfg.Output = io.Discard
	}
	w, err := world.Open(cfg, log.New(logCfg))
	if err != nil {
		return nil, nil, err
	}
	return w, cfg, nil
}

// openEngine wraps the world in an engine with an empty registry. Hook
// delivery and cancellation don't execute workflow bodies, so no
// registrations are needed.
func openEngine() (*engine.Engine, *world.World, error) {
	w, cfg, err := openWorld()
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.New(engine.Config{
		Store:        w.Store,
		Queue:        w.Queue,
		Codec:        w.Codec,
		Registry:     engine.NewRegistry(),
		DeploymentID: cfg.DeploymentID,
		Logger:       log.New(&log.Config{Level: "error", Output: io.Discard}),
	})
	if err != nil {
		_ = w.Close()
		return nil, nil, err
	}
	return eng, w, nil
}
