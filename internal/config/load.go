// Streamwarden - Media Server Session Tracking and Sharing Detection
// Copyright 2026 Streamwarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

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

// DefaultConfigPaths lists where the config file is searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/streamwarden/config.yaml",
	"/etc/streamwarden/config.yml",
}

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "STREAMWARDEN_CONFIG"

// envPrefix namespaces our environment variables so unrelated ones are
// never pulled into the tree.
const envPrefix = "STREAMWARDEN_"

// Load builds the configuration from defaults, an optional YAML file, and
// STREAMWARDEN_* environment variables, then validates it.
//
// Environment variable names map to koanf paths by stripping the prefix
// and replacing "__" with the section separator:
//
//	STREAMWARDEN_DATABASE__PATH       -> database.path
//	STREAMWARDEN_NATS__URL            -> nats.url
//	STREAMWARDEN_LIFECYCLE__LOCK_TTL  -> lifecycle.lock_ttl
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", envTransform)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func envTransform(key string) string {
	key = strings.TrimPrefix(key, envPrefix)
	key = strings.ToLower(key)
	return strings.ReplaceAll(key, "__", ".")
}
