package config

import (
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-loads the config file when it changes and delivers the result
// to a callback. Only live toggles (simulate-offline, storage floor) are
// meant to take effect at runtime; structural settings need a restart.
type Watcher struct {
	loader   Loader
	onChange func(Config)
	fw       *fsnotify.Watcher
	done     chan struct{}
}

// Watch starts watching the loader's file. onChange runs on the watcher
// goroutine with each successfully re-loaded config; load errors are
// swallowed so a half-written file does not kill the daemon.
func Watch(loader Loader, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(loader.Path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{loader: loader, onChange: onChange, fw: fw, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}

func (w *Watcher) loop() {
	// Editors write config files in bursts (truncate, write, rename); the
	// debounce collapses a burst into one reload.
	var debounce *time.Timer
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, w.reload)
		case _, ok := <-w.fw.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		return
	}
	w.onChange(cfg)
}
