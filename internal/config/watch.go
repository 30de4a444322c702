package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file on change and hands the
// freshly-decoded Config to onChange, debounced against editors that
// write a file in several steps (write-temp, rename, chmod). Grounded
// on the teacher's internal/skills.Manager file watcher (fsnotify.Watcher
// over the containing directory, a single-shot debounce timer per burst
// of events, Errors channel logged rather than fatal), narrowed from
// watching a whole directory tree of skills to one configuration file.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	logger  *slog.Logger
}

// NewWatcher starts watching path's containing directory (watching the
// directory rather than the file survives editors that replace the file
// via rename-over, which drops an inotify watch held on the file
// itself). onChange is invoked from a background goroutine with the
// newly-loaded Config after each debounced burst of filesystem events;
// a reload that fails to parse is logged and skipped, leaving the
// previous configuration in effect.
func NewWatcher(path string, debounce time.Duration, logger *slog.Logger, onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}

	w := &Watcher{watcher: fsw, path: abs, logger: logger}
	go w.loop(debounce, onChange)
	return w, nil
}

func (w *Watcher) loop(debounce time.Duration, onChange func(*Config)) {
	var mu sync.Mutex
	var timer *time.Timer

	reload := func() {
		cfg, err := Load(w.path)
		if err != nil {
			w.logger.Warn("config reload failed, keeping previous configuration", "path", w.path, "error", err)
			return
		}
		w.logger.Info("configuration reloaded", "path", w.path)
		onChange(cfg)
	}
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, reload)
	}

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

// Close stops the watcher. Any debounced reload already in flight still
// runs; onChange must tolerate being called once more after Close.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
