package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay collapses the write bursts editors produce on save.
const reloadDelay = 100 * time.Millisecond

// Watch reloads path whenever it changes and hands the result to onChange
// (a parse failure arrives as a nil config with the error). It watches the
// parent directory so atomic-rename saves are seen. Watch returns once
// watching has started; it stops when ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config, error)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer fsw.Close()
		var (
			mu    sync.Mutex
			timer *time.Timer
		)
		fire := func() {
			cfg, err := Load(abs)
			onChange(cfg, err)
		}
		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				mu.Unlock()
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDelay, fire)
				mu.Unlock()
			case _, ok := <-fsw.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}
