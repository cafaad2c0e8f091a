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

// Package workerproc is the worker side of the bootstrap handshake and
// steady-state loop the Supervisor drives from the main process. A worker
// owns its own local mirror of ConfigState, applies every PROXY order
// fanned out to it, and answers with OK/ERROR — it never parses HTTP/TLS
// or pumps bytes itself, those are external collaborators out of scope
// for this control plane.
package workerproc

import (
	"fmt"
	"log"

	"golang.org/x/sys/unix"

	"warden/internal/channel"
	"warden/internal/proxystate"
	"warden/internal/scmsocket"
	"warden/internal/wire"
)

// Params collects the already-open inherited fds and buffer sizes a worker
// is launched with (supervisor.go's ExtraFiles order: channel, scm, state).
type Params struct {
	ID            uint32
	Tag           string
	ChannelFD     int
	SCMFD         int
	StateFD       int
	BufInitial    int
	BufMax        int
}

// Worker is one worker process's in-memory runtime: its local ConfigState
// mirror, its Framed Channel back to main, and the listening fds handed to
// it over SCM.
type Worker struct {
	id      uint32
	tag     string
	state   *proxystate.ConfigState
	channel *channel.FramedChannel[wire.CommandResponse, wire.CommandRequest]
	scm     *scmsocket.ScmSocket
	listeners scmsocket.Listeners
	done    chan struct{}
}

// Bootstrap performs the spawn handshake: read the ConfigState snapshot off
// the state fd, reply OK to main's priming Status request, receive the
// in-force listening fds over SCM, then flip both channels nonblocking for
// steady state.
func Bootstrap(p Params) (*Worker, error) {
	raw, err := readAll(p.StateFD)
	if err != nil {
		return nil, fmt.Errorf("workerproc: read state fd: %w", err)
	}
	state := proxystate.New()
	if err := state.Deserialize(raw); err != nil {
		return nil, fmt.Errorf("workerproc: decode state: %w", err)
	}

	ch := channel.New[wire.CommandResponse, wire.CommandRequest](p.ChannelFD, p.BufInitial, p.BufMax)
	if err := ch.Blocking(); err != nil {
		return nil, fmt.Errorf("workerproc: set channel blocking for handshake: %w", err)
	}

	handshakeReq, err := ch.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("workerproc: read handshake request: %w", err)
	}
	if err := ch.WriteMessage(wire.OK(handshakeReq.ID, wire.WorkerInfo{ID: p.ID, PID: unix.Getpid(), State: "Running"})); err != nil {
		return nil, fmt.Errorf("workerproc: ack handshake: %w", err)
	}

	scm := scmsocket.New(p.SCMFD)
	if err := scm.Blocking(); err != nil {
		return nil, fmt.Errorf("workerproc: set scm blocking for handshake: %w", err)
	}
	listeners, err := scm.ReceiveListeners()
	if err != nil {
		return nil, fmt.Errorf("workerproc: receive listeners: %w", err)
	}

	if err := ch.Nonblocking(); err != nil {
		return nil, fmt.Errorf("workerproc: set channel nonblocking: %w", err)
	}
	if err := scm.Nonblocking(); err != nil {
		return nil, fmt.Errorf("workerproc: set scm nonblocking: %w", err)
	}

	log.Printf("[worker %d] bootstrap complete, %d http / %d tls / %d tcp listeners",
		p.ID, len(listeners.HTTP), len(listeners.TLS), len(listeners.TCP))

	return &Worker{
		id:        p.ID,
		tag:       p.Tag,
		state:     state,
		channel:   ch,
		scm:       scm,
		listeners: listeners,
		done:      make(chan struct{}),
	}, nil
}

// Stop requests Run return after the current poll cycle.
func (w *Worker) Stop() { close(w.done) }

// Run drives the worker's steady-state loop: read CommandRequests off the
// channel, apply PROXY orders against the local ConfigState mirror, and
// reply OK/ERROR.
func (w *Worker) Run() error {
	for {
		select {
		case <-w.done:
			return nil
		default:
		}

		fds := []unix.PollFd{{Fd: int32(w.channel.Fd()), Events: unix.POLLIN}}
		if w.channel.WantWrite() {
			fds[0].Events |= unix.POLLOUT
		}
		n, err := unix.Poll(fds, 250)
		if err != nil && err != unix.EINTR {
			return fmt.Errorf("workerproc: poll: %w", err)
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			return nil
		}
		if fds[0].Revents&unix.POLLOUT != 0 {
			if err := w.channel.FlushPending(); err != nil {
				return fmt.Errorf("workerproc: flush: %w", err)
			}
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}
		for {
			req, err := w.channel.ReadMessage()
			if err != nil {
				if err == channel.ErrWouldBlock {
					break
				}
				return fmt.Errorf("workerproc: read request: %w", err)
			}
			w.handleRequest(req)
		}
	}
}

func (w *Worker) handleRequest(req wire.CommandRequest) {
	if err := req.Validate(); err != nil {
		w.respond(wire.Errorf(req.ID, "protocol version"))
		return
	}

	switch req.Type {
	case wire.OrderProxy:
		w.handleProxyOrder(req)
	case wire.OrderStatus:
		w.respond(wire.OK(req.ID, wire.WorkerInfo{ID: w.id, PID: unix.Getpid(), State: "Running"}))
	default:
		w.respond(wire.Errorf(req.ID, "order %s is main-only", req.Type))
	}
}

func (w *Worker) handleProxyOrder(req wire.CommandRequest) {
	var order wire.ProxyOrder
	if err := req.DecodeData(&order); err != nil {
		w.respond(wire.Errorf(req.ID, "malformed proxy order: %v", err))
		return
	}

	switch order.Type {
	case wire.ProxyStatus:
		w.respond(wire.OK(req.ID, wire.WorkerInfo{ID: w.id, PID: unix.Getpid(), State: "Running"}))
		return
	case wire.ProxySoftStop, wire.ProxyHardStop:
		w.respond(wire.OK(req.ID, nil))
		w.Stop()
		return
	case wire.ProxyReturnListenSockets:
		// Supplemented feature #3: wire-compatible no-op. This worker's
		// fds outlive it in the Supervisor's own table, so there is
		// nothing to hand back; we just acknowledge the request.
		w.respond(wire.OK(req.ID, nil))
		return
	case wire.ProxyQuery:
		w.handleQuery(req, order)
		return
	}

	if _, err := w.state.Apply(order); err != nil {
		w.respond(wire.Errorf(req.ID, "%v", err))
		return
	}
	w.respond(wire.OK(req.ID, nil))
}

// handleQuery answers a QUERY sub-order against this worker's own
// ConfigState mirror: CLUSTERS/CERTIFICATES, optionally narrowed to a
// single key by Filter. QueryMetrics never reaches a worker — the Command
// Server answers it directly from its own counters — so it falls through
// to an empty reply here.
func (w *Worker) handleQuery(req wire.CommandRequest, order wire.ProxyOrder) {
	var q wire.QueryData
	if err := order.DecodeData(&q); err != nil {
		w.respond(wire.Errorf(req.ID, "malformed query: %v", err))
		return
	}

	switch q.Target {
	case wire.QueryClusters:
		w.respond(wire.OK(req.ID, filterClusters(w.state.Clusters, q.Filter)))
	case wire.QueryCertificates:
		w.respond(wire.OK(req.ID, filterCertificates(w.state.Certificates, q.Filter)))
	default:
		w.respond(wire.OK(req.ID, nil))
	}
}

func filterClusters(clusters map[string]wire.AddClusterData, filter string) map[string]wire.AddClusterData {
	if filter == "" {
		return clusters
	}
	out := make(map[string]wire.AddClusterData)
	if d, ok := clusters[filter]; ok {
		out[filter] = d
	}
	return out
}

func filterCertificates(certs map[string]map[string]wire.AddCertificateData, filter string) map[string]map[string]wire.AddCertificateData {
	if filter == "" {
		return certs
	}
	out := make(map[string]map[string]wire.AddCertificateData)
	if bucket, ok := certs[filter]; ok {
		out[filter] = bucket
	}
	return out
}

func (w *Worker) respond(resp wire.CommandResponse) {
	if err := w.channel.WriteMessage(resp); err != nil {
		log.Printf("[worker %d] write response: %v", w.id, err)
	}
}

func readAll(fd int) ([]byte, error) {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if n == 0 {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
