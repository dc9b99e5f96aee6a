package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lorrc/farmlink-realtime/internal/core/domain"
)

// SubscriberConfig is the YAML subscription file read by the subscriber
// CLI. Fields left empty fall back to command-line flags.
type SubscriberConfig struct {
	URL       string          `yaml:"url"`
	Token     string          `yaml:"token"`
	Rooms     []string        `yaml:"rooms"`
	User      string          `yaml:"user"`
	LogLimit  int             `yaml:"log_limit"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig overrides the reconnect backoff
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// LoadSubscriber reads and validates a subscription file.
func LoadSubscriber(path string) (*SubscriberConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read subscription file: %w", err)
	}

	var cfg SubscriberConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse subscription file: %w", err)
	}

	for _, room := range cfg.Rooms {
		if _, err := domain.ParseRoom(room); err != nil {
			return nil, fmt.Errorf("subscription file room %q: %w", room, err)
		}
	}
	if cfg.User != "" {
		if err := domain.ValidateEntityID(cfg.User); err != nil {
			return nil, fmt.Errorf("subscription file user: %w", err)
		}
	}
	if cfg.LogLimit < 0 {
		return nil, fmt.Errorf("subscription file log_limit must not be negative")
	}

	return &cfg, nil
}

// WatchSubscriber calls onChange with the reloaded file every time path is
// written. A file that fails to load is logged and the previous
// configuration stays in effect. It runs until ctx is cancelled.
func WatchSubscriber(ctx context.Context, path string, logger *slog.Logger, onChange func(*SubscriberConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	logger.Info("watching subscription file", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Atomic saves show up as create.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := LoadSubscriber(path)
			if err != nil {
				logger.Error("subscription file reload failed, keeping previous rooms", "path", path, "error", err)
				continue
			}

			logger.Info("subscription file reloaded", "path", path, "rooms", len(cfg.Rooms))
			onChange(cfg)

			// Re-add in case an atomic save replaced the inode.
			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("subscription file watcher error", "error", err)
		}
	}
}
