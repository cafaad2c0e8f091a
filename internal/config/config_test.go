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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("expected defaults for a missing file, got %+v", cfg)
	}
}

func TestLoadOverlaysFileOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.json")
	body := `{
		"control_socket_path": "/tmp/custom.sock",
		"worker_count": 4,
		"default_timeout": "2s",
		"metrics_addr": ":9090"
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ControlSocketPath != "/tmp/custom.sock" {
		t.Fatalf("control socket path not overridden: %+v", cfg)
	}
	if cfg.WorkerCount != 4 {
		t.Fatalf("worker count not overridden: %+v", cfg)
	}
	if time.Duration(cfg.DefaultTimeout) != 2*time.Second {
		t.Fatalf("default timeout not overridden: %v", time.Duration(cfg.DefaultTimeout))
	}
	if cfg.MetricsAddr != ":9090" {
		t.Fatalf("metrics addr not overridden: %+v", cfg)
	}
	// Fields the file never mentioned keep their defaults.
	if cfg.BufMax != Default().BufMax {
		t.Fatalf("buf_max should be untouched default, got %d", cfg.BufMax)
	}
}

func TestValidateRejectsEmptySocketPath(t *testing.T) {
	cfg := Default()
	cfg.ControlSocketPath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for an empty control socket path")
	}
}

func TestValidateRejectsBufMaxBelowInitial(t *testing.T) {
	cfg := Default()
	cfg.BufMax = cfg.BufInitial - 1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error when buf_max < buf_initial")
	}
}
