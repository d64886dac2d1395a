// Package config holds the daemon configuration, loaded from a JSON
// file that is created with defaults on first start.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Configuration holds the daemon configuration.
type Configuration struct {
	// Template storage
	StoragePath string `json:"storage_path"`

	// Daemon behavior
	IdleTimeoutSeconds int `json:"idle_timeout_seconds"`

	// Authentication defaults used by the verification client
	MaxTries             int  `json:"max_tries"`
	VerifyTimeoutSeconds int  `json:"verify_timeout_seconds"`
	InterruptOnInput     bool `json:"interrupt_on_input"`

	// Logging
	LogLevel string `json:"log_level"`
}

var (
	config Configuration
	mu     sync.RWMutex
	loaded bool
)

// DefaultConfig returns the default configuration.
func DefaultConfig() Configuration {
	return Configuration{
		StoragePath:          "",
		IdleTimeoutSeconds:   30,
		MaxTries:             3,
		VerifyTimeoutSeconds: 30,
		InterruptOnInput:     true,
		LogLevel:             "info",
	}
}

// DefaultPath is where the daemon looks for its configuration when no
// explicit path is given.
const DefaultPath = "/etc/printd/config.json"

// Load reads the configuration from configPath, writing out the
// defaults first when no file exists yet.
func Load(configPath string) error {
	mu.Lock()
	defer mu.Unlock()

	config = DefaultConfig()

	if configPath == "" {
		configPath = DefaultPath
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
			return fmt.Errorf("cannot create config directory: %w", err)
		}

		data, err := json.MarshalIndent(config, "", "  ")
		if err != nil {
			return fmt.Errorf("cannot marshal default config: %w", err)
		}

		if err := os.WriteFile(configPath, data, 0600); err != nil {
			return fmt.Errorf("cannot write default config: %w", err)
		}

		log.WithField("path", configPath).Info("created default configuration")
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("cannot read config: %w", err)
		}

		if err := json.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("cannot unmarshal config: %w", err)
		}
	}

	if config.MaxTries <= 0 {
		config.MaxTries = DefaultConfig().MaxTries
	}
	if config.VerifyTimeoutSeconds <= 0 {
		config.VerifyTimeoutSeconds = DefaultConfig().VerifyTimeoutSeconds
	}

	level, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	loaded = true
	return nil
}

// Get returns the current configuration, falling back to defaults
// when nothing was loaded.
func Get() Configuration {
	mu.RLock()
	defer mu.RUnlock()

	if !loaded {
		return DefaultConfig()
	}
	return config
}
