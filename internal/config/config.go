// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the main process's startup knobs:
// control socket path, buffer sizing, worker count and timeouts, and the
// opt-in metrics/audit/snapshot addresses. Defaults live in one struct so a
// JSON file and flag overrides can both feed it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds every knob the main process needs before it can open its
// control socket and start accepting workers.
type Config struct {
	ControlSocketPath string `json:"control_socket_path"`
	WorkerCount       int    `json:"worker_count"`
	BufInitial        int    `json:"buf_initial"`
	BufMax            int    `json:"buf_max"`

	DefaultTimeout Duration `json:"default_timeout"`
	PollInterval   Duration `json:"poll_interval"`
	UpgradeTimeout Duration `json:"upgrade_timeout"`

	MetricsAddr string `json:"metrics_addr"`
	SnapshotPath string `json:"snapshot_path"`
	AuditTopic  string `json:"audit_topic"`
	OrderLogPath string `json:"order_log_path"`
}

// Duration is a time.Duration that decodes from JSON strings like "30s"
// (JSON has no native duration type; time.Duration's own MarshalJSON encodes
// as a bare integer of nanoseconds, which is easy to get wrong by hand in a
// config file).
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns the out-of-the-box configuration a fresh install starts
// from, before any file or flag overrides are applied.
func Default() Config {
	return Config{
		ControlSocketPath: "/run/warden/warden.sock",
		WorkerCount:       1,
		BufInitial:        4096,
		BufMax:            1 << 20,
		DefaultTimeout:    Duration(10 * time.Second),
		PollInterval:      Duration(250 * time.Millisecond),
		UpgradeTimeout:    Duration(30 * time.Second),
	}
}

// Load reads a JSON config file and overlays it onto Default(). A missing
// file is not an error: Load returns the defaults unchanged, the way a
// fresh install with no config file yet should behave.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects a configuration that would make the main process
// unreachable or immediately wedge its event loop.
func (c Config) Validate() error {
	if c.ControlSocketPath == "" {
		return fmt.Errorf("config: control_socket_path must not be empty")
	}
	if c.WorkerCount < 0 {
		return fmt.Errorf("config: worker_count must not be negative")
	}
	if c.BufInitial <= 0 {
		return fmt.Errorf("config: buf_initial must be positive")
	}
	if c.BufMax < c.BufInitial {
		return fmt.Errorf("config: buf_max must be >= buf_initial")
	}
	return nil
}
