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

package snapshot

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"warden/internal/wire"
)

// OrderEntry is one applied proxy order, recorded only after every worker in
// a fan-out acknowledged it. The log can be replayed from an empty
// ConfigState to reconstruct the current one.
type OrderEntry struct {
	AppliedAt time.Time       `json:"applied_at"`
	RequestID string          `json:"request_id"`
	Order     wire.ProxyOrder `json:"order"`
}

// OrderLog is a buffered, append-only JSONL writer for OrderEntry records:
// buffered JSON-per-line writes with a periodic flush to bound data loss
// on crash.
type OrderLog struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string

	lastFlush time.Time
}

// OpenOrderLog opens (or creates) path in append mode with a buffered
// writer. Call Close when done.
func OpenOrderLog(path string) (*OrderLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &OrderLog{f: f, w: bufio.NewWriterSize(f, 1<<20), path: path, lastFlush: time.Now()}, nil
}

// Append records one applied order, flushing if more than 100ms have passed
// since the last flush, trading a small crash-loss window for not syncing
// on every single order.
func (l *OrderLog) Append(requestID string, order wire.ProxyOrder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	enc := json.NewEncoder(l.w)
	entry := OrderEntry{AppliedAt: time.Now(), RequestID: requestID, Order: order}
	if err := enc.Encode(&entry); err != nil {
		_ = l.w.Flush()
		_ = enc.Encode(&entry)
	}
	if time.Since(l.lastFlush) > 100*time.Millisecond {
		_ = l.w.Flush()
		l.lastFlush = time.Now()
	}
}

// AppendAll records a batch of orders applied together (a ReloadConfiguration
// diff, or a multi-order fan-out) under a single request id.
func (l *OrderLog) AppendAll(requestID string, orders []wire.ProxyOrder) {
	for _, o := range orders {
		l.Append(requestID, o)
	}
}

// Flush forces buffered entries to disk.
func (l *OrderLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastFlush = time.Now()
	return l.w.Flush()
}

// Close flushes and closes the underlying file.
func (l *OrderLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.w.Flush()
	return l.f.Close()
}

// ReadOrderLog reads every recorded entry back, in append order, for replay
// or audit (e.g. rebuilding a ConfigState from an empty one by re-Applying
// each entry's Order in sequence).
func ReadOrderLog(path string) ([]OrderEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []OrderEntry
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1<<20)
	scanner.Buffer(buf, 1<<26)
	for scanner.Scan() {
		var e OrderEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err == nil {
			out = append(out, e)
		}
	}
	return out, scanner.Err()
}
