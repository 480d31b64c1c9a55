// Shoal is a Redfish aggregator service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config resolves the server's settings from, in increasing
// priority order, defaults, an optional YAML file, environment variables,
// and CLI flags.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds everything cmd/microq needs to start the server.
type Config struct {
	Port          string `yaml:"port"`
	DatabaseURI   string `yaml:"database_uri"`
	AdminUser     string `yaml:"admin_user"`
	AdminPassword string `yaml:"admin_password"`
	APIRoot       string `yaml:"api_root"`
	Production    bool   `yaml:"production"`
	LogLevel      string `yaml:"log_level"`
}

// Default returns the configuration a bare `microq` picks up with no flags,
// env vars, or config file at all.
func Default() Config {
	return Config{
		Port:        "8080",
		DatabaseURI: "microq.db",
		AdminUser:   "admin",
		APIRoot:     "/rest_api/v4",
		LogLevel:    "info",
	}
}

// LoadFile merges a YAML config file over cfg. An empty path is not an
// error (cfg is returned as is); a path that cannot be read is. Callers only
// pass one when the operator supplied --config.
func LoadFile(cfg Config, path string) (Config, error) {
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays the service's environment variables onto cfg. Flags
// parsed after this call still take final priority, since main only
// overwrites a field when its flag differs from the flag's own default.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("USERVICE_DATABASE_URI"); v != "" {
		cfg.DatabaseURI = v
	}
	if v := os.Getenv("USERVICE_ADMIN_USER"); v != "" {
		cfg.AdminUser = v
	}
	if v := os.Getenv("USERVICE_ADMIN_PASSWORD"); v != "" {
		cfg.AdminPassword = v
	}
	if v := os.Getenv("USERV_API_PRODUCTION"); v != "" {
		cfg.Production = v == "1" || v == "true"
	}
	return cfg
}
