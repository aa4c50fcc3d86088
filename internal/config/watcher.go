package config

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher watches a config file for changes and reloads it.
// Reloaded configurations are revalidated before being published.
type Watcher struct {
	path       string
	onChange   chan *Config
	onError    chan error
	debounce   time.Duration
	lastConfig *Config
	mu         sync.Mutex
	log        *logrus.Entry
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, log *logrus.Entry) *Watcher {
	return &Watcher{
		path:     path,
		onChange: make(chan *Config, 1),
		onError:  make(chan error, 1),
		debounce: 100 * time.Millisecond,
		log:      log.WithField("component", "config-watcher"),
	}
}

// Changes returns the channel that receives new configs on file changes.
func (w *Watcher) Changes() <-chan *Config {
	return w.onChange
}

// Errors returns the channel that receives errors during reload.
func (w *Watcher) Errors() <-chan error {
	return w.onError
}

// Start begins watching the config file.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(w.path); err != nil {
		watcher.Close()
		return err
	}

	w.log.Debugf("started watching config file: %s", w.path)
	go w.watchLoop(ctx, watcher)
	return nil
}

// watchLoop handles file system events.
func (w *Watcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var debounceTimer *time.Timer
	var debounceChan <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			w.log.Debug("config watcher stopped")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			// Only react to write and create events
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			w.log.Debugf("config file change detected: op=%s", event.Op)

			// Debounce rapid changes
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			debounceChan = debounceTimer.C

		case <-debounceChan:
			debounceChan = nil
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.log.Errorf("fsnotify error: %v", err)
			select {
			case w.onError <- err:
			default:
			}
		}
	}
}

// reload loads and validates the config file, then publishes it.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		w.log.Errorf("failed to reload config: %v", err)
		select {
		case w.onError <- err:
		default:
		}
		return
	}

	w.mu.Lock()
	w.lastConfig = cfg
	w.mu.Unlock()

	w.log.Infof("config reloaded: path=%s", w.path)

	select {
	case w.onChange <- cfg:
	default:
		// Channel full, drop older update
		w.log.Warning("config change channel full, dropping update")
	}
}

// LastConfig returns the last successfully loaded config.
func (w *Watcher) LastConfig() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastConfig
}
