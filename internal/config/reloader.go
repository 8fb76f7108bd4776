package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadCallback is invoked with the previous and the freshly loaded config.
// Returning an error keeps the previous config active.
type ReloadCallback func(old, new *Config) error

// ConfigReloader reloads the configuration on file changes and on SIGHUP.
type ConfigReloader struct {
	path    string
	logger  *logrus.Logger
	watcher *fsnotify.Watcher
	signals chan os.Signal
	done    chan struct{}
	stop    sync.Once

	mu       sync.RWMutex
	current  *Config
	onReload ReloadCallback
}

// ReloaderOption customizes a ConfigReloader.
type ReloaderOption func(*reloaderOptions)

type reloaderOptions struct {
	watch bool
}

// WithoutFileWatch reloads only on SIGHUP. The config is still read from the
// reloader's path.
func WithoutFileWatch() ReloaderOption {
	return func(o *reloaderOptions) { o.watch = false }
}

// NewConfigReloader creates a reloader for the config at path. Every reload
// reads path again; an empty path means defaults plus environment, as in
// LoadConfig. The file is watched unless path is empty or WithoutFileWatch is
// given; SIGHUP is always honoured.
func NewConfigReloader(path string, cfg *Config, logger *logrus.Logger, opts ...ReloaderOption) (*ConfigReloader, error) {
	if logger == nil {
		logger = logrus.New()
	}
	o := reloaderOptions{watch: true}
	for _, opt := range opts {
		opt(&o)
	}
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		current: cfg,
		signals: make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}

	if path != "" && o.watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// editors replace files via rename, so watch the directory
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch config directory: %w", err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback registers the callback run after a successful load.
func (r *ConfigReloader) SetOnReloadCallback(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = cb
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return nil
	}
	cfg := *r.current
	return &cfg
}

// Start processes reload triggers until Stop is called.
func (r *ConfigReloader) Start() {
	var events chan fsnotify.Event
	var errs chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}
	target := filepath.Clean(r.path)

	for {
		select {
		case <-r.done:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				r.logger.WithField("file", r.path).Info("Config file changed, reloading")
				r.reload()
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("Config watcher error")
		case <-r.signals:
			r.logger.Info("Received SIGHUP, reloading config")
			r.reload()
		}
	}
}

// Stop halts the reloader and releases the watcher.
func (r *ConfigReloader) Stop() {
	r.stop.Do(func() {
		signal.Stop(r.signals)
		close(r.done)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reload() {
	next, err := LoadConfig(r.path)
	if err != nil {
		r.logger.WithError(err).Error("Failed to reload config, keeping current")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.current

	if err := r.validateReloadSafety(old, next); err != nil {
		r.logger.WithError(err).Error("Rejected config reload")
		return
	}
	if r.onReload != nil {
		if err := r.onReload(old, next); err != nil {
			r.logger.WithError(err).Error("Config reload callback failed, keeping current")
			return
		}
	}
	r.current = next
	r.logger.WithFields(logrus.Fields{
		"cipher":    next.Encryption.Cipher,
		"log_level": next.LogLevel,
	}).Info("Config reloaded")
}

// validateReloadSafety rejects changes that would make existing key material
// unreadable or move it to another store.
func (r *ConfigReloader) validateReloadSafety(old, next *Config) error {
	if old == nil || next == nil {
		return nil
	}
	if old.Encryption.InstanceID != next.Encryption.InstanceID {
		return fmt.Errorf("encryption.instance_id cannot be changed during hot reload")
	}
	if old.Encryption.Secret != next.Encryption.Secret {
		return fmt.Errorf("encryption.secret cannot be changed during hot reload")
	}
	if old.Encryption.LegacyCipher != next.Encryption.LegacyCipher {
		return fmt.Errorf("encryption.legacy_cipher cannot be changed during hot reload")
	}
	if old.Storage.Backend != next.Storage.Backend {
		return fmt.Errorf("storage.backend cannot be changed during hot reload")
	}
	if old.Storage.SQL != next.Storage.SQL {
		return fmt.Errorf("storage.sql cannot be changed during hot reload")
	}
	if old.Storage.S3.Bucket != next.Storage.S3.Bucket || old.Storage.S3.Prefix != next.Storage.S3.Prefix {
		return fmt.Errorf("storage.s3 location cannot be changed during hot reload")
	}
	return nil
}
