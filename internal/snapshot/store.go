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

// Package snapshot persists a ConfigState (SAVE_STATE/LOAD_STATE) to a
// named backend and appends an audit-replayable order log. A target string
// is either a plain filesystem path or a "redis://" URL; Open picks the
// backend the same way persistence.BuildPersister picks an adapter by name.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"strings"

	"warden/internal/proxystate"
)

// Store saves and loads a ConfigState snapshot under a single named target.
type Store interface {
	Save(ctx context.Context, target string, state *proxystate.ConfigState) error
	Load(ctx context.Context, target string) (*proxystate.ConfigState, error)
}

// FileStore persists ConfigState as its canonical serialized JSON on the
// local filesystem (the original demo's only persistence mode before this
// package added Redis).
type FileStore struct {
	Perm os.FileMode
}

// NewFileStore returns a FileStore using mode 0o644 for new files.
func NewFileStore() *FileStore {
	return &FileStore{Perm: 0o644}
}

func (f *FileStore) Save(_ context.Context, target string, state *proxystate.ConfigState) error {
	raw, err := state.Serialize()
	if err != nil {
		return fmt.Errorf("snapshot: serialize state: %w", err)
	}
	perm := f.Perm
	if perm == 0 {
		perm = 0o644
	}
	if err := os.WriteFile(target, raw, perm); err != nil {
		return fmt.Errorf("snapshot: write %s: %w", target, err)
	}
	return nil
}

func (f *FileStore) Load(_ context.Context, target string) (*proxystate.ConfigState, error) {
	raw, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", target, err)
	}
	state := proxystate.New()
	if err := state.Deserialize(raw); err != nil {
		return nil, fmt.Errorf("snapshot: decode %s: %w", target, err)
	}
	return state, nil
}

// Open resolves target to the store that owns it and to the key/path that
// store should use: a "redis://host:port/key" target selects RedisStore,
// anything else is a plain filesystem path for FileStore.
func Open(target string) (Store, string, error) {
	if strings.HasPrefix(target, "redis://") {
		addr, key, err := splitRedisTarget(target)
		if err != nil {
			return nil, "", err
		}
		return NewRedisStore(addr), key, nil
	}
	return NewFileStore(), target, nil
}

func splitRedisTarget(target string) (addr, key string, err error) {
	rest := strings.TrimPrefix(target, "redis://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("snapshot: malformed redis target %q, want redis://host:port/key", target)
	}
	return parts[0], parts[1], nil
}
