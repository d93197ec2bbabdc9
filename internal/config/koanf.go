// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when no path is given.
var DefaultConfigPaths = []string{
	"archivist.yaml",
	"archivist.yml",
	"/etc/archivist/config.yaml",
	"/etc/archivist/config.yml",
}

const (
	// ConfigPathEnvVar overrides the config file search.
	ConfigPathEnvVar = "CONFIG_PATH"

	// EnvPrefix marks the variables read as configuration. Nested keys are
	// separated by a double underscore:
	// ARCHIVIST_ARCHIVE__WORKER__BATCH_SIZE -> archive.worker.batch_size.
	EnvPrefix = "ARCHIVIST_"
)

// envAliases are short names for the settings changed most often.
var envAliases = map[string]string{
	"db_path":        "archive.store.path",
	"http_addr":      "http.addr",
	"log_level":      "logging.level",
	"log_format":     "logging.format",
	"log_file":       "logging.file",
	"spool_dir":      "spool.dir",
	"events_backend": "events.backend",
	"nats_url":       "events.url",
	"workers":        "workers",
	"backup_dir":     "backup.dir",
}

// Load reads defaults, then the YAML file at path (or the first file found
// through CONFIG_PATH and DefaultConfigPaths), then the environment, and
// validates the result.
func Load(path string) (*Config, error) {
	k, err := load(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func load(path string) (*koanf.Koanf, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	return k, nil
}

// findConfigFile returns CONFIG_PATH if it exists, else the first existing
// default path, else "".
func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransformFunc maps ARCHIVIST_LOG_LEVEL to logging.level and
// ARCHIVIST_HTTP__RATE_LIMIT_REQUESTS to http.rate_limit_requests.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if alias, ok := envAliases[key]; ok {
		return alias
	}
	return strings.ReplaceAll(key, "__", ".")
}
