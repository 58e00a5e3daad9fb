package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// WatchEnvFile watches a .env file and invokes onChange with the freshly
// parsed LOG_LEVEL whenever the file is written or replaced. Editors often
// rename-and-replace, so the parent directory is watched and events are
// filtered by name. Returns a stop function.
func WatchEnvFile(path string, logger *logrus.Entry, onChange func(level string)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	base := filepath.Base(path)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				vals, err := readEnvFile(path)
				if err != nil {
					logger.WithError(err).Debug("Config reload failed")
					continue
				}
				if level, ok := vals["LOG_LEVEL"]; ok && level != "" {
					logger.Infof("Config changed, log level now %q", level)
					onChange(level)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Debug("Config watcher error")
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
