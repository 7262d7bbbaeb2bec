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

package kit

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates a Registry's local-kit cache whenever an entry
// directly in <cwd>/kits/ changes, so `pipex run --watch`-style dev
// loops pick up kit edits without restarting the engine. The watch is
// not recursive: edits to files inside a kits/<name>/ directory do not
// invalidate the cache.
type Watcher struct {
	fsw    *fsnotify.Watcher
	logger *slog.Logger
	done   chan struct{}
}

// WatchLocalKits starts watching <cwd>/kits/ (if it exists) and calls
// registry.InvalidateLocal on every filesystem event. Returns nil, nil
// if the kits directory does not exist — dev-mode watching is optional.
func WatchLocalKits(registry *Registry, cwd string, logger *slog.Logger) (*Watcher, error) {
	kitsDir := filepath.Join(cwd, "kits")
	if _, err := os.Stat(kitsDir); err != nil {
		return nil, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(kitsDir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, logger: logger, done: make(chan struct{})}

	go func() {
		for {
			select {
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				registry.InvalidateLocal()
				if logger != nil {
					logger.Debug("kit directory changed, cache invalidated", "path", event.Name, "op", event.Op.String())
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Warn("kit watcher error", "error", err)
				}
			case <-w.done:
				return
			}
		}
	}()

	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	close(w.done)
	return w.fsw.Close()
}
