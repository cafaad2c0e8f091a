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
	"fmt"
	"log"
	"strings"

	"golang.org/x/sys/unix"

	"warden/internal/channel"
	"warden/internal/metrics"
	"warden/internal/wire"
	"warden/internal/workerhandle"
)

// beginFanout implements the fan-out protocol for a single proxy order.
func (s *Server) beginFanout(c *clientConn, requestID string, order wire.ProxyOrder) {
	s.beginMultiFanout(c, requestID, []wire.ProxyOrder{order})
}

// beginMultiFanout fans a sequence of proxy orders out as one task: every
// worker must acknowledge every order for the task to succeed, and the
// batch is applied to ConfigState atomically on success (used by
// ReloadConfiguration).
func (s *Server) beginMultiFanout(c *clientConn, requestID string, orders []wire.ProxyOrder) {
	if len(s.workers) == 0 {
		// No workers to acknowledge; apply directly against a clone so a
		// fresh main with zero workers can still build up ConfigState.
		snap := s.state.Clone()
		for _, order := range orders {
			if _, err := snap.Apply(order); err != nil {
				s.respond(c, wire.Errorf(requestID, "%v", err))
				return
			}
		}
		s.state = snap
		if s.orderLog != nil {
			s.orderLog.AppendAll(requestID, orders)
		}
		s.respond(c, wire.OK(requestID, nil))
		return
	}

	metrics.ObserveFanoutStart()

	remaining := make(map[uint32]struct{}, len(s.workers))
	for id := range s.workers {
		remaining[id] = struct{}{}
	}

	task := &pendingTask{
		requestID: requestID,
		clientID:  c.id,
		order:     orders[0],
		isProxy:   true,
		remaining: remaining,
		results:   make(map[uint32]wire.CommandResponse),
	}
	if s.cfg.DefaultTimeout > 0 {
		task.deadline = nowFunc().Add(s.cfg.DefaultTimeout)
	}
	task.extraOrders = orders[1:]
	s.tasks[requestID] = task

	for id, w := range s.workers {
		derivedID := fmt.Sprintf("%s#%d", requestID, id)
		req, err := wire.NewRequest(derivedID, wire.OrderProxy, orders[0])
		if err != nil {
			log.Printf("command: encode fan-out order for worker %d: %v", id, err)
			continue
		}
		wid := id
		req.WorkerID = &wid
		if err := w.Dispatch(req); err != nil {
			if err == workerhandle.ErrBackpressure {
				log.Printf("command: worker %d backpressure on fan-out %s", id, requestID)
				continue
			}
			log.Printf("command: dispatch to worker %d failed: %v", id, err)
		}
	}
}

func (s *Server) serviceWorker(w *workerhandle.Handle, revents int16) {
	if revents&(unix.POLLHUP|unix.POLLERR) != 0 {
		s.workerDied(w)
		return
	}
	if revents&unix.POLLOUT != 0 {
		if err := w.Channel.FlushPending(); err != nil {
			s.workerDied(w)
			return
		}
	}
	if revents&unix.POLLIN == 0 {
		return
	}

	for {
		resp, err := w.Channel.ReadMessage()
		if err != nil {
			if err != channel.ErrWouldBlock {
				s.workerDied(w)
			}
			return
		}
		s.handleWorkerReply(w, resp)
	}
}

// workerOriginalID strips the "#worker_id" suffix a fanned-out request id
// carries.
func workerOriginalID(derivedID string) string {
	if i := strings.LastIndexByte(derivedID, '#'); i >= 0 {
		return derivedID[:i]
	}
	return derivedID
}

func (s *Server) handleWorkerReply(w *workerhandle.Handle, resp wire.CommandResponse) {
	original := workerOriginalID(resp.ID)
	task, ok := s.tasks[original]
	if !ok {
		// An unsolicited frame carrying a ProxyEvent is a worker event.
		var ev wire.ProxyEvent
		if err := resp.DecodeContent(&ev); err == nil && ev.Kind != "" {
			ev.WorkerID = w.ID
			s.broadcastEvent(ev)
			return
		}
		log.Printf("workerhandle: worker %d: reply for unknown task %s dropped", w.ID, original)
		return
	}
	w.Resolve(resp.ID)

	if resp.Status == wire.StatusProcessing {
		c := s.clients[task.clientID]
		s.respondProcessing(c, task.requestID, resp.Message)
		return
	}

	if resp.Status == wire.StatusOK {
		metrics.ObserveWorkerAck()
	} else {
		metrics.ObserveWorkerError()
	}

	task.results[w.ID] = resp
	delete(task.remaining, w.ID)
	if len(task.remaining) > 0 {
		return
	}
	s.finishTask(task)
}

func (s *Server) respondProcessing(c *clientConn, requestID, message string) {
	if c == nil {
		return
	}
	c.channel.WriteMessage(wire.Processing(requestID, message))
}

func (s *Server) finishTask(task *pendingTask) {
	delete(s.tasks, task.requestID)

	var failures []string
	for id, resp := range task.results {
		if resp.Status == wire.StatusError {
			failures = append(failures, fmt.Sprintf("worker %d: %s", id, resp.Message))
		}
	}

	if task.onComplete != nil {
		metrics.ObserveFanoutResult(len(failures) == 0)
		task.onComplete(len(failures) == 0, strings.Join(failures, "; "))
		return
	}

	c := s.clients[task.clientID]
	defer s.stopIfShutdownTask(task.requestID)

	if len(failures) > 0 {
		// All-or-nothing: partial failure never touches ConfigState.
		metrics.ObserveFanoutResult(false)
		s.respond(c, wire.Errorf(task.requestID, "%s", strings.Join(failures, "; ")))
		return
	}

	if task.order.Type == wire.ProxyStatus {
		// STATUS answers with the WorkerInfo each worker replied with.
		var info wire.StatusInfo
		for _, resp := range task.results {
			var wi wire.WorkerInfo
			if err := resp.DecodeContent(&wi); err == nil {
				info.Workers = append(info.Workers, wi)
			}
		}
		metrics.ObserveFanoutResult(true)
		s.respond(c, wire.OK(task.requestID, info))
		return
	}

	orders := append([]wire.ProxyOrder{task.order}, task.extraOrders...)
	snap := s.state.Clone()
	for _, order := range orders {
		if _, err := snap.Apply(order); err != nil {
			metrics.ObserveFanoutResult(false)
			s.respond(c, wire.Errorf(task.requestID, "apply after fan-out: %v", err))
			return
		}
	}
	s.state = snap
	if s.orderLog != nil {
		s.orderLog.AppendAll(task.requestID, orders)
	}
	metrics.ObserveFanoutResult(true)
	s.respond(c, wire.OK(task.requestID, nil))
}

// stopIfShutdownTask calls Stop once the fan-out task a graceful SHUTDOWN
// was waiting on has settled, by finishTask or by timing out in
// sweepDeadlines.
func (s *Server) stopIfShutdownTask(requestID string) {
	if s.shutdownTaskID != "" && s.shutdownTaskID == requestID {
		s.shutdownTaskID = ""
		s.Stop()
	}
}

// workerDied completes every pending task this worker was part of with a
// synthetic error and flags the handle.
func (s *Server) workerDied(w *workerhandle.Handle) {
	ids := w.MarkDead()
	log.Printf("command: worker %d died with %d pending requests", w.ID, len(ids))
	delete(s.workers, w.ID)
	metrics.SetWorkersActive(len(s.workers))
	w.Channel.Close()
	if w.SCM != nil {
		w.SCM.Close()
	}

	for _, derivedID := range ids {
		original := workerOriginalID(derivedID)
		task, ok := s.tasks[original]
		if !ok {
			continue
		}
		task.results[w.ID] = wire.Errorf(derivedID, "worker %d died", w.ID)
		delete(task.remaining, w.ID)
		if len(task.remaining) == 0 {
			s.finishTask(task)
		}
	}
}
