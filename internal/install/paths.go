// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package install resolves the directories qtad uses for its own
// operational files (logs, PID file). It does not govern the fixed
// Android paths the engine reads and writes as data (/data/system/qtareg,
// /data/system/packages.list, etc.) — those are spec-mandated constants,
// not installation-site configurable, and live in the packages that use
// them directly.
package install

import (
	"os"
	"path/filepath"
)

// EnvPrefix namespaces every override environment variable this package
// recognizes.
const EnvPrefix = "QTAD"

// Default locations, overridable at build time via -ldflags or at
// runtime via QTAD_*_DIR / QTAD_PREFIX.
var (
	DefaultLogDir = "/data/local/tmp/qtad/log"
	DefaultRunDir = "/data/local/tmp/qtad/run"

	BuildDefaultLogDir = ""
	BuildDefaultRunDir = ""
)

func init() {
	if BuildDefaultLogDir != "" {
		DefaultLogDir = BuildDefaultLogDir
	}
	if BuildDefaultRunDir != "" {
		DefaultRunDir = BuildDefaultRunDir
	}
}

// GetLogDir returns the directory qtad writes its own log file to.
// Priority: QTAD_LOG_DIR > QTAD_PREFIX/log > DefaultLogDir.
func GetLogDir() string {
	if dir := os.Getenv(EnvPrefix + "_LOG_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(EnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "log")
	}
	return DefaultLogDir
}

// GetRunDir returns the directory qtad writes its PID file to.
// Priority: QTAD_RUN_DIR > QTAD_PREFIX/run > DefaultRunDir.
func GetRunDir() string {
	if dir := os.Getenv(EnvPrefix + "_RUN_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(EnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "run")
	}
	return DefaultRunDir
}

// GetPIDFile returns the full path to qtad's PID file.
func GetPIDFile() string {
	if path := os.Getenv(EnvPrefix + "_PID_FILE"); path != "" {
		return path
	}
	return filepath.Join(GetRunDir(), "qtad.pid")
}
