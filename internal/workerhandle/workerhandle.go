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

// Package workerhandle is the process-local record of one worker: its
// numeric id, OS pid, run state, the Framed Channel and SCM socket that
// reach it, and the subset of pending request ids currently dispatched to
// it.
package workerhandle

import (
	"fmt"
	"log"

	"warden/internal/channel"
	"warden/internal/scmsocket"
	"warden/internal/wire"
)

// RunState is the WorkerHandle lifecycle.
type RunState string

const (
	Running      RunState = "Running"
	Stopping     RunState = "Stopping"
	Stopped      RunState = "Stopped"
	NotAnswering RunState = "NotAnswering"
)

// Handle owns everything the Command Server needs to talk to one worker
// process.
type Handle struct {
	ID    uint32
	PID   int
	Tag   string
	State RunState

	Channel *channel.FramedChannel[wire.CommandRequest, wire.CommandResponse]
	SCM     *scmsocket.ScmSocket

	// pending is the subset of derived request ids (R#worker_id) currently
	// dispatched to this worker and not yet replied to.
	pending map[string]struct{}
}

// New wraps a freshly spawned worker's channels. State starts Running: the
// Supervisor only constructs a Handle once the priming Status request and
// the listening fds have been sent; the worker's reply is not awaited.
func New(id uint32, pid int, tag string, ch *channel.FramedChannel[wire.CommandRequest, wire.CommandResponse], scm *scmsocket.ScmSocket) *Handle {
	return &Handle{
		ID:      id,
		PID:     pid,
		Tag:     tag,
		State:   Running,
		Channel: ch,
		SCM:     scm,
		pending: make(map[string]struct{}),
	}
}

// Dispatch writes req (already addressed to this worker via ForWorker) and
// tracks its id as pending. Returns ErrBackpressure when the channel's write
// buffer is already at capacity; the Command Server must suspend
// reads from the originating CLI until this worker drains.
var ErrBackpressure = fmt.Errorf("workerhandle: write buffer at capacity")

func (h *Handle) Dispatch(req wire.CommandRequest) error {
	if err := h.Channel.WriteMessage(req); err != nil {
		if err == channel.ErrOverflow {
			return ErrBackpressure
		}
		return err
	}
	h.pending[req.ID] = struct{}{}
	return nil
}

// Pending reports whether requestID is still outstanding for this worker.
func (h *Handle) Pending(requestID string) bool {
	_, ok := h.pending[requestID]
	return ok
}

// Resolve marks requestID as answered. Replies carrying an id this worker
// never had outstanding are logged and dropped by the caller, not treated as
// fatal; Resolve itself is a no-op for unknown ids.
func (h *Handle) Resolve(requestID string) {
	if _, ok := h.pending[requestID]; !ok {
		log.Printf("workerhandle: worker %d: reply for unknown request %s dropped", h.ID, requestID)
		return
	}
	delete(h.pending, requestID)
	if h.State == NotAnswering {
		// A late reply arrived: the worker was merely slow, not dead.
		// NotAnswering is a re-probed state, not terminal (original
		// worker.rs keeps re-sending Status rather than giving up).
		h.State = Running
	}
}

// PendingIDs returns a snapshot of currently outstanding request ids, used
// to synthesize Error responses when this worker dies or times out.
func (h *Handle) PendingIDs() []string {
	ids := make([]string, 0, len(h.pending))
	for id := range h.pending {
		ids = append(ids, id)
	}
	return ids
}

// MarkDead clears and returns every pending request id for this worker, for
// the caller to fail with a synthetic error, and sets the state to Stopped.
func (h *Handle) MarkDead() []string {
	ids := h.PendingIDs()
	h.pending = make(map[string]struct{})
	h.State = Stopped
	return ids
}

// Close releases this worker's channel and SCM socket. Call once the
// WorkerHandle is being removed from the supervisor's table.
func (h *Handle) Close() {
	if h.Channel != nil {
		h.Channel.Close()
	}
	if h.SCM != nil {
		h.SCM.Close()
	}
}
