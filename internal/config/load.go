// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// LoadFile loads a config file, dispatching on its extension. A missing
// file is not an error: callers get Default() back so qtad can run
// without any config on disk at all.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return loadJSON(data)
	default:
		return loadHCL(data, path)
	}
}

func loadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("config: parse %s: %w", filename, diags)
	}

	cfg := Default()
	if diags := gohcl.DecodeBody(file.Body, nil, cfg); diags.HasErrors() {
		return nil, fmt.Errorf("config: decode %s: %w", filename, diags)
	}
	fillDefaults(cfg)
	return cfg, nil
}

func loadJSON(data []byte) (*Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: decode json: %w", err)
	}
	fillDefaults(cfg)
	return cfg, nil
}

// fillDefaults restores a block-level default for any nested block the
// file omitted entirely, since gohcl leaves those pointers nil rather
// than populating Default()'s sub-struct.
func fillDefaults(cfg *Config) {
	d := Default()
	if cfg.Polling == nil {
		cfg.Polling = d.Polling
	}
	if cfg.Control == nil {
		cfg.Control = d.Control
	}
	if cfg.Compat == nil {
		cfg.Compat = d.Compat
	}
	if cfg.Logging == nil {
		cfg.Logging = d.Logging
	}
	if cfg.Metrics == nil {
		cfg.Metrics = d.Metrics
	}
	if cfg.Syslog == nil {
		cfg.Syslog = d.Syslog
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = CurrentSchemaVersion
	}
}
