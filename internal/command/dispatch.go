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

package command

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sort"

	"warden/internal/metrics"
	"warden/internal/proxystate"
	"warden/internal/snapshot"
	"warden/internal/supervisor"
	"warden/internal/wire"
)

// handleRequest classifies and dispatches one CommandRequest from client c.
func (s *Server) handleRequest(c *clientConn, req wire.CommandRequest) {
	if err := req.Validate(); err != nil {
		s.respond(c, wire.Errorf(req.ID, "protocol version"))
		return
	}

	c.busy = req.ID

	switch req.Type {
	case wire.OrderProxy:
		var order wire.ProxyOrder
		if err := req.DecodeData(&order); err != nil {
			s.respond(c, wire.Errorf(req.ID, "malformed proxy order: %v", err))
			return
		}
		if order.Type == wire.ProxyQuery {
			var q wire.QueryData
			_ = order.DecodeData(&q)
			if q.Target == wire.QueryMetrics {
				// The Command Server's own counters answer this directly;
				// no need to fan out to workers.
				s.respond(c, wire.OK(req.ID, metrics.Current()))
				return
			}
		}
		s.beginFanout(c, req.ID, order)

	case wire.OrderSaveState:
		s.handleSaveState(c, req)
	case wire.OrderLoadState:
		s.handleLoadState(c, req)
	case wire.OrderDumpState:
		s.handleDumpState(c, req)
	case wire.OrderListWorkers:
		s.handleListWorkers(c, req)
	case wire.OrderStatus:
		s.beginFanout(c, req.ID, wire.ProxyOrder{Type: wire.ProxyStatus})
	case wire.OrderLaunchWorker:
		s.handleLaunchWorker(c, req)
	case wire.OrderUpgradeMain:
		s.handleUpgradeMain(c, req)
	case wire.OrderUpgradeWorker:
		s.handleUpgradeWorker(c, req)
	case wire.OrderSubscribeEvents:
		s.subscribers[c.id] = true
		s.respond(c, wire.OK(req.ID, nil))
	case wire.OrderReloadConfiguration:
		s.handleReloadConfiguration(c, req)
	case wire.OrderListFrontends:
		s.handleListFrontends(c, req)
	case wire.OrderShutdown:
		s.handleShutdown(c, req)
	default:
		s.respond(c, wire.Errorf(req.ID, "unknown order"))
	}
}

func (s *Server) handleSaveState(c *clientConn, req wire.CommandRequest) {
	var d wire.SaveStateData
	if err := req.DecodeData(&d); err != nil {
		s.respond(c, wire.Errorf(req.ID, "malformed save_state: %v", err))
		return
	}
	store, target, err := snapshot.Open(d.Path)
	if err != nil {
		s.respond(c, wire.Errorf(req.ID, "save_state target: %v", err))
		return
	}
	if err := store.Save(context.Background(), target, s.state); err != nil {
		s.respond(c, wire.Errorf(req.ID, "write state: %v", err))
		return
	}
	s.respond(c, wire.OK(req.ID, nil))
}

func (s *Server) handleLoadState(c *clientConn, req wire.CommandRequest) {
	var d wire.LoadStateData
	if err := req.DecodeData(&d); err != nil {
		s.respond(c, wire.Errorf(req.ID, "malformed load_state: %v", err))
		return
	}
	store, target, err := snapshot.Open(d.Path)
	if err != nil {
		s.respond(c, wire.Errorf(req.ID, "load_state target: %v", err))
		return
	}
	fresh, err := store.Load(context.Background(), target)
	if err != nil {
		s.respond(c, wire.Errorf(req.ID, "read state: %v", err))
		return
	}
	s.state = fresh
	s.respond(c, wire.OK(req.ID, nil))
}

func (s *Server) handleDumpState(c *clientConn, req wire.CommandRequest) {
	raw, err := s.state.Serialize()
	if err != nil {
		s.respond(c, wire.Errorf(req.ID, "serialize state: %v", err))
		return
	}
	s.respond(c, wire.OK(req.ID, json.RawMessage(raw)))
}

func (s *Server) handleListWorkers(c *clientConn, req wire.CommandRequest) {
	ids := make([]uint32, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	info := wire.StatusInfo{}
	for _, id := range ids {
		w := s.workers[id]
		info.Workers = append(info.Workers, wire.WorkerInfo{ID: w.ID, PID: w.PID, State: string(w.State)})
	}
	s.respond(c, wire.OK(req.ID, info))
}

func (s *Server) handleListFrontends(c *clientConn, req wire.CommandRequest) {
	var d wire.ListFrontendsData
	_ = req.DecodeData(&d)
	raw, err := s.state.ListFrontends(d.Filter)
	if err != nil {
		s.respond(c, wire.Errorf(req.ID, "list frontends: %v", err))
		return
	}
	s.respond(c, wire.OK(req.ID, json.RawMessage(raw)))
}

func (s *Server) handleLaunchWorker(c *clientConn, req wire.CommandRequest) {
	var d wire.LaunchWorkerData
	_ = req.DecodeData(&d)

	id := s.nextWorkerID
	s.nextWorkerID++

	listeners := s.currentListeners()
	h, err := s.supervisor.SpawnWorker(id, s.state, listeners)
	if err != nil {
		s.respond(c, wire.Errorf(req.ID, "spawn worker: %v", err))
		return
	}
	if d.Tag != "" {
		h.Tag = d.Tag
	}
	s.AddWorker(h)
	metrics.ObserveWorkerSpawn()
	metrics.ObserveSCMTransfer(len(listeners.HTTP) + len(listeners.TLS) + len(listeners.TCP))
	s.respond(c, wire.OK(req.ID, wire.WorkerInfo{ID: h.ID, PID: h.PID, State: string(h.State)}))
}

func (s *Server) handleUpgradeMain(c *clientConn, req wire.CommandRequest) {
	var snapshots []supervisor.WorkerSnapshot
	for _, w := range s.workers {
		snapshots = append(snapshots, supervisor.WorkerSnapshot{
			ID: w.ID, PID: w.PID, Tag: w.Tag,
			ChannelFD: w.Channel.Fd(), SCMFD: w.SCM.Fd(),
		})
	}
	f, err := s.supervisor.PrepareMainUpgrade(s.state, snapshots)
	if err != nil {
		s.respond(c, wire.Errorf(req.ID, "prepare upgrade: %v", err))
		return
	}
	s.respond(c, wire.OK(req.ID, nil))
	if err := s.supervisor.ExecNewMain(int(f.Fd())); err != nil {
		// exec only returns on failure; the process is otherwise replaced.
		log.Printf("command: exec new main failed: %v", err)
	}
}

func (s *Server) handleReloadConfiguration(c *clientConn, req wire.CommandRequest) {
	var d wire.ReloadConfigurationData
	_ = req.DecodeData(&d)
	if d.Path == "" {
		s.respond(c, wire.Errorf(req.ID, "reload_configuration requires a path"))
		return
	}
	raw, err := os.ReadFile(d.Path)
	if err != nil {
		s.respond(c, wire.Errorf(req.ID, "read config file: %v", err))
		return
	}
	target := proxystate.New()
	if err := target.Deserialize(raw); err != nil {
		s.respond(c, wire.Errorf(req.ID, "decode config file: %v", err))
		return
	}
	orders := target.DiffAgainst(s.state)
	if len(orders) == 0 {
		s.respond(c, wire.OK(req.ID, nil))
		return
	}
	s.beginMultiFanout(c, req.ID, orders)
}

// handleShutdown implements the supplemented SHUTDOWN order: graceful
// issues SoftStop to every worker and keeps Run alive until that fan-out
// task completes or its own deadline fires before the main process exits;
// non-graceful sends HardStop and exits immediately without waiting.
func (s *Server) handleShutdown(c *clientConn, req wire.CommandRequest) {
	var d wire.ShutdownData
	_ = req.DecodeData(&d)

	if !d.Graceful {
		s.beginFanout(c, req.ID, wire.ProxyOrder{Type: wire.ProxyHardStop})
		s.Stop()
		return
	}

	s.beginFanout(c, req.ID, wire.ProxyOrder{Type: wire.ProxySoftStop})
	if _, stillPending := s.tasks[req.ID]; stillPending {
		// Workers are in flight: wait for finishTask/sweepDeadlines to
		// call Stop once they settle.
		s.shutdownTaskID = req.ID
		return
	}
	// No workers: beginFanout already applied the order and responded
	// synchronously, nothing left to wait on.
	s.Stop()
}
