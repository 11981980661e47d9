package config

import (
	"context"
	"os"
	"reflect"
	"sync"
	"time"

	"chatengine/internal/models"

	"github.com/sirupsen/logrus"
)

const defaultPollInterval = 5 * time.Second

// ConfigWatcher polls the configuration file and reloads it when its
// modification time changes.
type ConfigWatcher struct {
	configPath   string
	pollInterval time.Duration
	logger       *logrus.Logger
	mu           sync.RWMutex
	config       *models.Config
	callbacks    []func(*models.Config)
}

func NewConfigWatcher(configPath string, logger *logrus.Logger) *ConfigWatcher {
	return &ConfigWatcher{
		configPath:   configPath,
		pollInterval: defaultPollInterval,
		logger:       logger,
		callbacks:    make([]func(*models.Config), 0),
	}
}

// SetPollInterval changes how often the file is checked. Call before Start.
func (cw *ConfigWatcher) SetPollInterval(d time.Duration) {
	if d > 0 {
		cw.pollInterval = d
	}
}

// Start loads the configuration and blocks polling for changes until ctx is
// cancelled.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	config, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}

	cw.mu.Lock()
	cw.config = config
	cw.mu.Unlock()

	stat, err := os.Stat(cw.configPath)
	if err != nil {
		return err
	}
	lastModTime := stat.ModTime()

	cw.logger.WithField("path", cw.configPath).Info("Configuration watcher started")

	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("Configuration watcher stopping")
			return nil

		case <-ticker.C:
			stat, err := os.Stat(cw.configPath)
			if err != nil {
				cw.logger.WithError(err).Error("Failed to stat configuration file")
				continue
			}
			if stat.ModTime().After(lastModTime) {
				cw.logger.Debug("Configuration file changed")
				lastModTime = stat.ModTime()
				cw.reloadConfig()
			}
		}
	}
}

// GetConfig returns the current configuration
func (cw *ConfigWatcher) GetConfig() *models.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

// OnConfigChange registers a callback run after each successful reload.
func (cw *ConfigWatcher) OnConfigChange(callback func(*models.Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) reloadConfig() {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		// Keep running on the last good configuration.
		cw.logger.WithError(err).Error("Failed to reload configuration")
		return
	}

	cw.mu.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := make([]func(*models.Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	cw.logger.Info("Configuration reloaded successfully")

	for _, callback := range callbacks {
		go func(cb func(*models.Config)) {
			defer func() {
				if r := recover(); r != nil {
					cw.logger.WithField("panic", r).Error("Config change callback panicked")
				}
			}()
			cb(newConfig)
		}(callback)
	}

	cw.logConfigChanges(oldConfig, newConfig)
}

func (cw *ConfigWatcher) logConfigChanges(old, new *models.Config) {
	if old == nil {
		return
	}

	if !reflect.DeepEqual(PlatformCaps(old), PlatformCaps(new)) {
		cw.logger.WithFields(logrus.Fields{
			"old": PlatformCaps(old),
			"new": PlatformCaps(new),
		}).Info("Platform rate limits changed")
	}

	if old.Engine.MaxSessions != new.Engine.MaxSessions {
		cw.logger.WithFields(logrus.Fields{
			"old": old.Engine.MaxSessions,
			"new": new.Engine.MaxSessions,
		}).Warn("Session capacity changed; takes effect after restart")
	}

	if old.LogLevel != new.LogLevel {
		cw.logger.WithFields(logrus.Fields{
			"old": old.LogLevel,
			"new": new.LogLevel,
		}).Info("Log level changed")
	}
}
