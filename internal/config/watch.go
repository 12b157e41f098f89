package config

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a config file's directory (fsnotify requires watching a
// directory, not a file, so atomic-rename writes don't lose the watch) and
// re-[Load]s it into onChange whenever the file is written or replaced.
//
// This backs the options whitelist (show-options output) and default pane
// environment's hot-reload: edits to the on-disk config take effect without
// restarting the host.
type Watcher struct {
	fs     *fsnotify.Watcher
	path   string
	done   chan struct{}
}

// WatchConfig starts watching path and invokes onChange(cfg) once per
// observed change, after a successful reload. Reload errors (a config
// mid-write, or invalid) are logged and skipped — the previous in-memory
// config is left untouched until a subsequent valid reload.
func WatchConfig(path string, onChange func(Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{fs: fsw, path: path, done: make(chan struct{})}
	go w.loop(onChange)
	return w, nil
}

func (w *Watcher) loop(onChange func(Config)) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				slog.Warn("[config] hot-reload skipped invalid config", "path", w.path, "error", err)
				continue
			}
			onChange(cfg)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Warn("[config] watch error", "path", w.path, "error", err)
		}
	}
}

// Close stops the watcher and waits for its event loop to exit, including
// any onChange call already in flight.
func (w *Watcher) Close() error {
	err := w.fs.Close()
	<-w.done
	return err
}
