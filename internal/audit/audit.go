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

// Package audit publishes worker and proxy events to a durable event bus
// alongside the in-process CLI broadcast: a small Producer interface with a
// logging-only implementation, no broker driver wired in yet.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/xid"

	"warden/internal/wire"
)

// Producer is the minimal abstraction over an event-bus client, identical in
// shape to persistence.KafkaProducer: Produce a keyed, headered message on a
// topic. Implementations should enable broker-side idempotent production
// when available.
type Producer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// LoggingProducer is a dependency-free stand-in: it logs every published
// event instead of talking to a broker.
type LoggingProducer struct{}

func (LoggingProducer) Produce(_ context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	fmt.Printf("[audit] topic=%s key=%s value=%s headers=%v\n", topic, string(key), value, headers)
	return nil
}

// eventMessage is the serialized envelope sent to the bus; EventID is the
// xid-generated idempotency key a consumer can dedupe retried deliveries on.
type eventMessage struct {
	EventID  string         `json:"event_id"`
	Event    wire.ProxyEvent `json:"event"`
	TsUnixMs int64          `json:"ts_unix_ms"`
}

// Sink fans worker events out to an event-bus Producer, independent of which
// CLIs are currently SUBSCRIBE_EVENTS-subscribed.
type Sink struct {
	producer Producer
	topic    string
	timeout  time.Duration
}

// NewSink builds a Sink publishing to topic via producer. With a nil
// producer, Publish does nothing and returns nil; NewLoggingSink is the zero-config
// default for builds that don't have a real bus.
func NewSink(producer Producer, topic string) *Sink {
	return &Sink{producer: producer, topic: topic, timeout: 10 * time.Second}
}

// NewLoggingSink is the dependency-free default audit sink.
func NewLoggingSink(topic string) *Sink {
	if topic == "" {
		topic = "warden-events"
	}
	return NewSink(LoggingProducer{}, topic)
}

// Publish records one worker event with a fresh xid-generated event id as
// its idempotency key.
func (s *Sink) Publish(ctx context.Context, ev wire.ProxyEvent) error {
	if s == nil || s.producer == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	id := xid.New().String()
	msg := eventMessage{EventID: id, Event: ev, TsUnixMs: time.Now().UnixMilli()}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	headers := map[string]string{"content-type": "application/json"}
	if err := s.producer.Produce(ctx, s.topic, []byte(id), b, headers); err != nil {
		return fmt.Errorf("audit: produce event %s: %w", ev.Kind, err)
	}
	return nil
}
