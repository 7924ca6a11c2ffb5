// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config defines qtad's on-disk configuration and loads it from
// HCL, the same format and library the rest of the fleet's daemons use.
package config

import "time"

// CurrentSchemaVersion is the schema version this build writes/expects.
const CurrentSchemaVersion = "1.0"

// Config is the top-level structure for qtad's configuration.
type Config struct {
	// Schema version for forward/backward compatibility.
	// @default: "1.0"
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	Polling *PollingConfig `hcl:"polling,block" json:"polling,omitempty"`
	Control *ControlConfig `hcl:"control,block" json:"control,omitempty"`
	Compat  *CompatConfig  `hcl:"compat,block" json:"compat,omitempty"`
	Logging *LoggingConfig `hcl:"logging,block" json:"logging,omitempty"`
	Metrics *MetricsConfig `hcl:"metrics,block" json:"metrics,omitempty"`
	Syslog  *SyslogConfig  `hcl:"syslog,block" json:"syslog,omitempty"`
}

// PollingConfig governs the fixed 120×5s probe schedule spec'd for
// hook-install retry, the package list reader and the identity file
// reader alike.
type PollingConfig struct {
	// Interval between probe attempts.
	// @default: "5s"
	Interval time.Duration `hcl:"interval,optional" json:"interval,omitempty"`
	// Number of attempts before giving up on installing the hook chain.
	// @default: 120
	MaxAttempts int `hcl:"max_attempts,optional" json:"max_attempts,omitempty"`
}

// ControlConfig points at the remote usage/quota server.
type ControlConfig struct {
	// Endpoint the control loop posts usage summaries to.
	// @default: "https://support.datawind-s.com/datausage/dataconfig.jsp"
	Endpoint string `hcl:"endpoint,optional" json:"endpoint,omitempty"`
	// HTTP client timeout for a single control round.
	// @default: "30s"
	Timeout time.Duration `hcl:"timeout,optional" json:"timeout,omitempty"`
	// InsecureSkipVerify disables TLS certificate verification, matching
	// the original SSL_VERIFYPEER=0 behavior. Implementers are urged to
	// leave this false in new deployments.
	// @default: false
	InsecureSkipVerify bool `hcl:"insecure_skip_verify,optional" json:"insecure_skip_verify,omitempty"`
}

// CompatConfig gates source misfeatures preserved for compatibility but
// that a careful reimplementation should be able to turn off.
type CompatConfig struct {
	// ExactPackageMatch resolves `pkg` against installed package names
	// by exact match. Disabling reverts to the original's substring
	// match (a prefix like "com.g" would match "com.google.*").
	// @default: true
	ExactPackageMatch bool `hcl:"exact_package_match,optional" json:"exact_package_match,omitempty"`
	// GoogleServicesSharedUID reroutes any package whose name contains
	// "android.gsf" to the shared p30_1000 group, once per startup.
	// @default: true
	GoogleServicesSharedUID bool `hcl:"google_services_shared_uid,optional" json:"google_services_shared_uid,omitempty"`
}

// LoggingConfig governs qtad's own log output.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	// @default: "info"
	Level string `hcl:"level,optional" json:"level,omitempty"`
}

// MetricsConfig governs the Prometheus exposition endpoint.
type MetricsConfig struct {
	// Enabled turns on the /metrics HTTP listener.
	// @default: false
	Enabled bool `hcl:"enabled,optional" json:"enabled,omitempty"`
	// Listen is the address the metrics server binds.
	// @default: "127.0.0.1:9110"
	Listen string `hcl:"listen,optional" json:"listen,omitempty"`
}

// SyslogConfig mirrors internal/logging.SyslogConfig in HCL form.
type SyslogConfig struct {
	Enabled  bool   `hcl:"enabled,optional" json:"enabled,omitempty"`
	Host     string `hcl:"host,optional" json:"host,omitempty"`
	Port     int    `hcl:"port,optional" json:"port,omitempty"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"`
	Tag      string `hcl:"tag,optional" json:"tag,omitempty"`
	Facility int    `hcl:"facility,optional" json:"facility,omitempty"`
}

// Default returns a Config with every field populated at its documented
// default, suitable for running without a config file at all.
func Default() *Config {
	return &Config{
		SchemaVersion: CurrentSchemaVersion,
		Polling: &PollingConfig{
			Interval:    5 * time.Second,
			MaxAttempts: 120,
		},
		Control: &ControlConfig{
			Endpoint: "https://support.datawind-s.com/datausage/dataconfig.jsp",
			Timeout:  30 * time.Second,
		},
		Compat: &CompatConfig{
			ExactPackageMatch:       true,
			GoogleServicesSharedUID: true,
		},
		Logging: &LoggingConfig{Level: "info"},
		Metrics: &MetricsConfig{Enabled: false, Listen: "127.0.0.1:9110"},
		Syslog:  &SyslogConfig{Protocol: "udp", Port: 514, Tag: "qtad", Facility: 1},
	}
}
