// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mockoptimizer

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AutoPromptix/pkg/logging"
)

// ScriptWatcher reloads a script file whenever it changes on disk.
//
// # Description
//
// Watches the directory holding the script rather than the file itself, so
// editors that save by writing a temp file and renaming it over the original
// are picked up. A file that fails to parse is logged and skipped; the last
// good script stays in effect.
//
// # Thread Safety
//
// Run should only be called once. Close is safe to call at any time.
type ScriptWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	onLoad  func(*Script)
	log     *logging.Logger
}

// NewScriptWatcher starts watching path. onLoad receives every script that
// parses after a change.
//
// # Inputs
//
//   - path: The YAML script file.
//   - onLoad: Called from Run's goroutine. Typically Server.SetScript.
//   - log: Receives reload results. Default: logging.Default().
//
// # Outputs
//
//   - *ScriptWatcher: Ready to Run.
//   - error: Non-nil if the watcher cannot be created or the directory
//     cannot be watched.
func NewScriptWatcher(path string, onLoad func(*Script), log *logging.Logger) (*ScriptWatcher, error) {
	if log == nil {
		log = logging.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve script path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	return &ScriptWatcher{path: abs, watcher: watcher, onLoad: onLoad, log: log}, nil
}

// Run handles change events until ctx is cancelled or the watcher is
// closed. It always returns nil.
//
// # Example
//
//	w, _ := mockoptimizer.NewScriptWatcher(path, srv.SetScript, log)
//	defer w.Close()
//	go w.Run(ctx)
func (w *ScriptWatcher) Run(ctx context.Context) error {
	w.log.Debug("Watching script", "path", w.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("Script watcher error", "error", err)

		case <-ctx.Done():
			w.log.Debug("Script watcher stopping")
			return nil
		}
	}
}

func (w *ScriptWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	script, err := LoadScript(w.path)
	if err != nil {
		w.log.Warn("Script reload failed, keeping the previous script", "path", w.path, "error", err)
		return
	}
	if len(script.Steps) == 0 {
		// A truncate-then-write save shows up first as an empty file.
		return
	}
	w.log.Info("Script reloaded", "path", w.path, "name", script.Name, "steps", len(script.Steps))
	w.onLoad(script)
}

// Close stops watching. Safe to call multiple times.
func (w *ScriptWatcher) Close() error {
	return w.watcher.Close()
}
