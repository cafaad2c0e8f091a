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
	"time"

	"warden/internal/metrics"
	"warden/internal/wire"
	"warden/internal/workerhandle"
)

// workerUpgrade tracks one in-flight UPGRADE_WORKER request across its
// asynchronous stages: spawn the replacement, wait for its Status reply,
// soft-stop the old worker, wait for its ack, and — if the drain timeout
// elapses — escalate through HardStop, a grace period, and SIGKILL.
type workerUpgrade struct {
	requestID string
	clientID  int
	oldWorker *workerhandle.Handle
	newWorker *workerhandle.Handle

	// graceDeadline is set once HardStop has been sent for the old worker;
	// sweepWorkerUpgrades polls it every Run tick instead of going through
	// the tasks/deadline machinery, since the old worker is no longer
	// expected to answer anything.
	graceDeadline time.Time
	killSent      bool
}

// trackSingleWorkerTask registers a pendingTask expecting exactly one
// worker's reply under requestID, with no CLI client attached: onComplete
// runs once that worker replies (via handleWorkerReply/finishTask) or the
// task's deadline elapses (via sweepDeadlines), reusing the same
// correlation path a fan-out uses instead of a bespoke one.
func (s *Server) trackSingleWorkerTask(requestID string, w *workerhandle.Handle, timeout time.Duration, onComplete func(ok bool, msg string)) *pendingTask {
	task := &pendingTask{
		requestID:  requestID,
		clientID:   -1,
		remaining:  map[uint32]struct{}{w.ID: {}},
		results:    make(map[uint32]wire.CommandResponse),
		onComplete: onComplete,
	}
	if timeout > 0 {
		task.deadline = nowFunc().Add(timeout)
	}
	s.tasks[requestID] = task
	return task
}

// handleUpgradeWorker spawns a replacement for the named worker, waits for
// its own Status reply before touching anything else, then drains the old
// worker and only removes its handle once the drain is acknowledged (or the
// old worker is confirmed dead some other way). A failed spawn or a status
// probe that never answers aborts the upgrade before the old worker is
// touched at all.
func (s *Server) handleUpgradeWorker(c *clientConn, req wire.CommandRequest) {
	var d wire.UpgradeWorkerData
	if err := req.DecodeData(&d); err != nil {
		s.respond(c, wire.Errorf(req.ID, "malformed upgrade_worker: %v", err))
		return
	}
	old, ok := s.workers[d.WorkerID]
	if !ok {
		s.respond(c, wire.Errorf(req.ID, "unknown worker %d", d.WorkerID))
		return
	}
	if _, inFlight := s.upgrades[old.ID]; inFlight {
		s.respond(c, wire.Errorf(req.ID, "worker %d already has an upgrade in progress", old.ID))
		return
	}

	newID := s.nextWorkerID
	s.nextWorkerID++
	listeners := s.currentListeners()
	fresh, err := s.supervisor.SpawnWorker(newID, s.state, listeners)
	if err != nil {
		s.respond(c, wire.Errorf(req.ID, "spawn replacement worker: %v", err))
		return
	}
	s.AddWorker(fresh)
	metrics.ObserveWorkerSpawn()
	metrics.ObserveSCMTransfer(len(listeners.HTTP) + len(listeners.TLS) + len(listeners.TCP))

	up := &workerUpgrade{requestID: req.ID, clientID: c.id, oldWorker: old, newWorker: fresh}
	s.upgrades[old.ID] = up

	order, err := wire.NewProxyOrder(wire.ProxyStatus, nil)
	if err != nil {
		delete(s.upgrades, old.ID)
		s.respond(c, wire.Errorf(req.ID, "build status probe: %v", err))
		return
	}
	statusID := fmt.Sprintf("%s-status", req.ID)
	statusReq, err := wire.NewRequest(statusID, wire.OrderProxy, order)
	if err != nil {
		delete(s.upgrades, old.ID)
		s.respond(c, wire.Errorf(req.ID, "build status probe: %v", err))
		return
	}

	s.trackSingleWorkerTask(statusID, fresh, s.supervisor.SpawnTimeout(), func(ok bool, msg string) {
		s.onNewWorkerStatus(up, ok, msg)
	})
	if err := fresh.Dispatch(statusReq); err != nil {
		delete(s.tasks, statusID)
		delete(s.upgrades, old.ID)
		s.respond(c, wire.Errorf(req.ID, "probe replacement worker: %v", err))
	}
}

// onNewWorkerStatus runs once the replacement worker answers its Status
// probe, or fails to in time. On success it soft-stops the old worker and
// waits for the drain ack; on failure the old worker is never touched and
// the broken replacement is killed outright.
func (s *Server) onNewWorkerStatus(up *workerUpgrade, ok bool, msg string) {
	c := s.clients[up.clientID]
	if !ok {
		log.Printf("command: upgrade of worker %d: replacement %d did not answer its status probe: %s", up.oldWorker.ID, up.newWorker.ID, msg)
		delete(s.upgrades, up.oldWorker.ID)
		if _, stillTracked := s.workers[up.newWorker.ID]; stillTracked {
			// Otherwise workerDied already removed, closed, and reaped it.
			s.retireBrokenWorker(up.newWorker)
		}
		s.respond(c, wire.Errorf(up.requestID, "replacement worker %d did not answer: %s", up.newWorker.ID, msg))
		return
	}

	drainID := fmt.Sprintf("%s-drain", up.requestID)
	s.trackSingleWorkerTask(drainID, up.oldWorker, s.supervisor.DrainTimeout(), func(ok2 bool, msg2 string) {
		s.onDrainComplete(up, ok2, msg2)
	})
	if err := s.supervisor.SoftStop(up.oldWorker, drainID); err != nil {
		delete(s.tasks, drainID)
		delete(s.upgrades, up.oldWorker.ID)
		s.respond(c, wire.Errorf(up.requestID, "soft stop old worker %d: %v", up.oldWorker.ID, err))
	}
}

// onDrainComplete runs once the old worker acks its SoftStop, times out, or
// (if workerDied beat us to it) is already known gone. Only the ack and the
// already-gone cases remove the handle here; a timeout escalates instead.
func (s *Server) onDrainComplete(up *workerUpgrade, ok bool, msg string) {
	c := s.clients[up.clientID]

	if _, stillTracked := s.workers[up.oldWorker.ID]; !stillTracked {
		// workerDied already removed and closed the handle (e.g. HUP raced
		// the drain ack); nothing left to escalate.
		delete(s.upgrades, up.oldWorker.ID)
		s.respond(c, wire.OK(up.requestID, wire.WorkerInfo{ID: up.newWorker.ID, PID: up.newWorker.PID, State: string(up.newWorker.State)}))
		return
	}

	if ok {
		s.retireAckedWorker(up.oldWorker)
		delete(s.upgrades, up.oldWorker.ID)
		s.respond(c, wire.OK(up.requestID, wire.WorkerInfo{ID: up.newWorker.ID, PID: up.newWorker.PID, State: string(up.newWorker.State)}))
		return
	}

	log.Printf("command: upgrade of worker %d: drain timed out (%s), escalating to hard stop", up.oldWorker.ID, msg)
	if err := s.supervisor.HardStop(up.oldWorker, fmt.Sprintf("%s-hard", up.requestID)); err != nil {
		log.Printf("command: hard stop worker %d: %v", up.oldWorker.ID, err)
	}
	up.oldWorker.State = workerhandle.Stopping
	up.graceDeadline = nowFunc().Add(s.supervisor.KillGrace())
	// sweepWorkerUpgrades drives the rest of the escalation: nothing more is
	// expected to arrive through the normal reply path from here on.
}

// sweepWorkerUpgrades drives the grace/SIGKILL/reap tail of any upgrade
// whose drain timeout already elapsed, called once per Run tick alongside
// sweepDeadlines.
func (s *Server) sweepWorkerUpgrades() {
	now := nowFunc()
	for oldID, up := range s.upgrades {
		if up.graceDeadline.IsZero() {
			continue // still waiting on the drain ack or its own timeout
		}

		if reaped, err := s.supervisor.Reap(up.oldWorker); err != nil {
			log.Printf("command: reap worker %d: %v", oldID, err)
		} else if reaped {
			s.finishUpgradeAfterForce(up)
			continue
		}

		if now.Before(up.graceDeadline) {
			continue
		}
		if !up.killSent {
			log.Printf("command: worker %d still alive after grace period, sending SIGKILL", oldID)
			if err := s.supervisor.Kill(up.oldWorker); err != nil {
				log.Printf("command: kill worker %d: %v", oldID, err)
			}
			up.killSent = true
		}
		if reaped, err := s.supervisor.Reap(up.oldWorker); err != nil {
			log.Printf("command: reap worker %d: %v", oldID, err)
		} else if reaped {
			s.finishUpgradeAfterForce(up)
		}
		// else: the kernel hasn't collected the zombie yet; retry next tick.
	}
}

func (s *Server) finishUpgradeAfterForce(up *workerUpgrade) {
	delete(s.upgrades, up.oldWorker.ID)
	delete(s.workers, up.oldWorker.ID)
	metrics.SetWorkersActive(len(s.workers))
	up.oldWorker.State = workerhandle.Stopped
	up.oldWorker.Close()

	c := s.clients[up.clientID]
	s.respond(c, wire.OK(up.requestID, wire.WorkerInfo{ID: up.newWorker.ID, PID: up.newWorker.PID, State: string(up.newWorker.State)}))
}

// retireAckedWorker removes a worker handle once it acknowledged SoftStop.
// A best-effort, non-blocking reap picks up the pid if it has already
// exited by now; if not, nothing waits on that pid again, so once the worker
// finishes shutting down it stays an unreaped child of the main process.
func (s *Server) retireAckedWorker(h *workerhandle.Handle) {
	h.State = workerhandle.Stopped
	if _, err := s.supervisor.Reap(h); err != nil {
		log.Printf("command: reap worker %d: %v", h.ID, err)
	}
	delete(s.workers, h.ID)
	metrics.SetWorkersActive(len(s.workers))
	h.Close()
}

// retireBrokenWorker discards a freshly spawned worker that never answered
// its status probe: it is killed outright rather than soft-stopped, since a
// worker that cannot reply to Status cannot be trusted to drain cleanly.
func (s *Server) retireBrokenWorker(h *workerhandle.Handle) {
	if err := s.supervisor.Kill(h); err != nil {
		log.Printf("command: kill unresponsive replacement worker %d: %v", h.ID, err)
	}
	if _, err := s.supervisor.Reap(h); err != nil {
		log.Printf("command: reap worker %d: %v", h.ID, err)
	}
	delete(s.workers, h.ID)
	metrics.SetWorkersActive(len(s.workers))
	h.Close()
}
