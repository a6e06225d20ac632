// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config

import (
	"fmt"
	"os"

	"github.com/adrg/xdg"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
)

type StartType int

const (
	// Tells waypositor to start a repl in parallel for interacting with it
	START_REPL = StartType(iota)
	// Tells waypositor to run headless, driven only by hotplug and clients
	START_HEADLESS
)

type Config struct {
	StartType StartType `envconfig:"START_TYPE" toml:"start_type,omitempty"`
	// DRM primary node to take over. Must be a card* node, not a renderD* one
	DevicePath string `envconfig:"DEVICE_PATH" toml:"device_path,omitempty"`
	// Name of the protocol socket under XDG_RUNTIME_DIR
	SocketName string `envconfig:"SOCKET_NAME" toml:"socket_name,omitempty"`
	// Logrus level name (debug, info, warning, error)
	LogLevel string `envconfig:"LOG_LEVEL" toml:"log_level,omitempty"`
	// What command to execute after the initial reconcile, if any
	StartCommand *string `envconfig:"START_COMMAND" toml:"start_command,omitempty"`
}

// Default is the configuration used when no file and no environment
// overrides exist.
func Default() Config {
	return Config{
		StartType:  START_REPL,
		DevicePath: "/dev/dri/card0",
		SocketName: "wayland-0",
		LogLevel:   "info",
	}
}

// Load reads the config file at path (or the default xdg location when
// path is empty), then applies WAYPOSITOR_* environment overrides on top.
// A missing default file is fine; an explicitly named file that is missing
// or broken is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		// Only use the xdg config if it actually exists
		if found, err := xdg.SearchConfigFile("waypositor/config.toml"); err == nil {
			path = found
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := envconfig.Process("waypositor", &cfg); err != nil {
		return cfg, fmt.Errorf("reading environment: %w", err)
	}
	return cfg, nil
}
