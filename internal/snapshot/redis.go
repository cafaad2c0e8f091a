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
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"warden/internal/proxystate"
)

// RedisClient abstracts the minimal surface RedisStore needs, the same way
// persistence.RedisEvaler abstracts Eval: production code wraps a real
// *redis.Client, tests can substitute a fake without a broker.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// goRedisClient wraps github.com/redis/go-redis/v9, mirroring
// persistence.GoRedisEvaler's thin-wrapper shape.
type goRedisClient struct{ c *redis.Client }

// NewGoRedisClient dials addr (e.g. "127.0.0.1:6379") lazily; go-redis
// connects on first command.
func NewGoRedisClient(addr string) RedisClient {
	return &goRedisClient{c: redis.NewClient(&redis.Options{Addr: addr})}
}

func (g *goRedisClient) Set(ctx context.Context, key string, value []byte) error {
	return g.c.Set(ctx, key, value, 0).Err()
}

func (g *goRedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := g.c.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	return b, nil
}

// RedisStore persists a whole serialized ConfigState under one Redis key per
// target.
type RedisStore struct {
	client RedisClient
	addr   string
}

// NewRedisStore builds a store bound to a Redis address; the client itself
// is constructed lazily from addr on first use so Open() stays allocation-only
// for targets that are never actually saved/loaded.
func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{addr: addr}
}

func (r *RedisStore) ensureClient() RedisClient {
	if r.client == nil {
		r.client = NewGoRedisClient(r.addr)
	}
	return r.client
}

func (r *RedisStore) Save(ctx context.Context, key string, state *proxystate.ConfigState) error {
	raw, err := state.Serialize()
	if err != nil {
		return fmt.Errorf("snapshot: serialize state: %w", err)
	}
	if err := r.ensureClient().Set(ctx, key, raw); err != nil {
		return fmt.Errorf("snapshot: redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, key string) (*proxystate.ConfigState, error) {
	raw, err := r.ensureClient().Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("snapshot: redis get %s: %w", key, err)
	}
	state := proxystate.New()
	if err := state.Deserialize(raw); err != nil {
		return nil, fmt.Errorf("snapshot: decode redis value for %s: %w", key, err)
	}
	return state, nil
}
