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

package audit

import (
	"context"
	"encoding/json"
	"testing"

	"warden/internal/wire"
)

type fakeProducer struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

func (f *fakeProducer) Produce(_ context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	f.topic, f.key, f.value, f.headers = topic, key, value, headers
	return nil
}

func TestSinkPublishIncludesEventIDKey(t *testing.T) {
	p := &fakeProducer{}
	s := NewSink(p, "events")

	ev := wire.ProxyEvent{Kind: wire.EventBackendDown, ClusterID: "c1", BackendID: "b1", WorkerID: 2}
	if err := s.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if p.topic != "events" {
		t.Fatalf("expected topic 'events', got %q", p.topic)
	}
	if len(p.key) == 0 {
		t.Fatalf("expected a non-empty idempotency key")
	}

	var msg eventMessage
	if err := json.Unmarshal(p.value, &msg); err != nil {
		t.Fatalf("unmarshal published value: %v", err)
	}
	if msg.EventID != string(p.key) {
		t.Fatalf("expected message key to equal EventID, key=%q id=%q", p.key, msg.EventID)
	}
	if msg.Event.Kind != wire.EventBackendDown || msg.Event.BackendID != "b1" {
		t.Fatalf("unexpected event payload: %+v", msg.Event)
	}
}

func TestSinkPublishNilSinkIsNoop(t *testing.T) {
	var s *Sink
	if err := s.Publish(context.Background(), wire.ProxyEvent{Kind: wire.EventBackendUp}); err != nil {
		t.Fatalf("expected nil Sink Publish to be a no-op, got %v", err)
	}
}
