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

package wire

// Payloads for the main-local and supervisor order tags.

type SaveStateData struct {
	Path string `json:"path"`
}

type LoadStateData struct {
	Path string `json:"path"`
}

type ListFrontendsData struct {
	Filter string `json:"filter,omitempty"`
}

type LaunchWorkerData struct {
	Tag string `json:"tag,omitempty"`
}

type UpgradeWorkerData struct {
	WorkerID uint32 `json:"worker_id"`
}

type ReloadConfigurationData struct {
	Path string `json:"path,omitempty"`
}

// ShutdownData is the payload for the SHUTDOWN order: graceful issues
// SoftStop to all workers and waits before exiting, non-graceful sends
// HardStop to all and exits immediately.
type ShutdownData struct {
	Graceful bool `json:"graceful"`
}

// --- worker -> main unsolicited events ---

type EventKind string

const (
	EventBackendUp                     EventKind = "BACKEND_UP"
	EventBackendDown                   EventKind = "BACKEND_DOWN"
	EventNoAvailableBackends           EventKind = "NO_AVAILABLE_BACKENDS"
	EventRemovedBackendHasNoConns      EventKind = "REMOVED_BACKEND_HAS_NO_CONNECTIONS"
)

// ProxyEvent is broadcast to every CLI connection currently subscribed via
// SUBSCRIBE_EVENTS.
type ProxyEvent struct {
	Kind      EventKind `json:"kind"`
	ClusterID string    `json:"cluster_id,omitempty"`
	BackendID string    `json:"backend_id,omitempty"`
	Address   string    `json:"address,omitempty"`
	WorkerID  uint32    `json:"worker_id"`
}

// --- responses ---

// WorkerInfo is one row of a LIST_WORKERS response.
type WorkerInfo struct {
	ID    uint32 `json:"id"`
	PID   int    `json:"pid"`
	State string `json:"run_state"`
}

// StatusInfo is the content of a STATUS response.
type StatusInfo struct {
	Workers []WorkerInfo `json:"workers"`
}
