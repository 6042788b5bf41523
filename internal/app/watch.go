package app

import (
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// watchConfig reloads the engine when the configuration file is rewritten.
// A broken new config is logged and ignored; the running engine keeps its
// last good configuration.
func (app *Application) watchConfig(filename string) {
	defer app.wg.Done()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logrus.Errorf("Failed to create config watcher: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filename); err != nil {
		logrus.Errorf("Failed to watch config file: %v", err)
		return
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			config, err := LoadConfig(filename)
			if err != nil {
				logrus.Errorf("Failed to reload config: %v", err)
				continue
			}
			if err := app.reload(config); err != nil {
				logrus.Errorf("Failed to apply reloaded config: %v", err)
				continue
			}
			logrus.Info("Configuration reloaded successfully")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logrus.Errorf("Config watcher error: %v", err)
		case <-app.shutdown:
			return
		}
	}
}
