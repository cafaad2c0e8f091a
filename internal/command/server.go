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

// Package command implements the Command Server: the single-threaded,
// readiness-driven event loop that runs in the main process, accepts CLI
// connections, fans proxy orders out to every worker, correlates replies,
// applies successful mutations to ConfigState, and broadcasts worker events.
package command

import (
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"warden/internal/audit"
	"warden/internal/channel"
	"warden/internal/metrics"
	"warden/internal/proxystate"
	"warden/internal/scmsocket"
	"warden/internal/snapshot"
	"warden/internal/supervisor"
	"warden/internal/wire"
	"warden/internal/workerhandle"
)

// Config holds the knobs the main config file supplies to the server.
type Config struct {
	ControlSocketPath string
	BufInitial        int
	BufMax            int
	DefaultTimeout    time.Duration
	PollInterval      time.Duration
}

// Server is the main process's single event loop. It owns ConfigState and
// the WorkerHandle table exclusively; nothing else in the process touches
// either.
type Server struct {
	cfg        Config
	supervisor *supervisor.Supervisor

	listenerFD int

	state *proxystate.ConfigState

	// listenerFDs holds the actual open socket fd behind each listener
	// address in state.Listeners. ConfigState itself is a pure value type
	// and never stores fds; the Command Server is where "shared
	// resources" live.
	listenerFDs map[string]int

	workers      map[uint32]*workerhandle.Handle
	nextWorkerID uint32

	clients      map[int]*clientConn
	nextClientID int

	tasks map[string]*pendingTask

	// upgrades tracks worker upgrades past the point where they stop
	// waiting on tasks/sweepDeadlines and need per-tick escalation
	// (HardStop, grace period, SIGKILL, reap), keyed by the old worker's id.
	upgrades map[uint32]*workerUpgrade

	subscribers map[int]bool

	// orderLog and audit are optional: a Server constructed by New has
	// neither wired by default, callers opt in via SetOrderLog/SetAuditSink.
	orderLog *snapshot.OrderLog
	audit    *audit.Sink

	// shutdownTaskID names the pending fan-out task a graceful SHUTDOWN is
	// waiting on; Run keeps serving until it completes (or its own
	// deadline fires), then Stop is called. Empty when no shutdown is in
	// flight.
	shutdownTaskID string

	done chan struct{}
}

type clientConn struct {
	id      int
	channel *channel.FramedChannel[wire.CommandResponse, wire.CommandRequest]
	// busy is the in-flight request id for this client; empty when idle.
	// Per the ordering guarantee, a client's next request is not read
	// until this is cleared.
	busy string
}

// pendingTask tracks one outstanding CLI request while its fan-out (if any)
// is in flight.
type pendingTask struct {
	requestID string
	clientID  int
	order     wire.ProxyOrder
	isProxy   bool

	remaining map[uint32]struct{}
	results   map[uint32]wire.CommandResponse

	// extraOrders holds orders 1..N of a multi-order batch (e.g. a
	// ReloadConfiguration diff); order 0 lives in the order field above.
	extraOrders []wire.ProxyOrder

	deadline time.Time

	// onComplete, when set, marks this as an internal single-worker probe
	// (not a CLI-originated fan-out): finishTask and sweepDeadlines call it
	// instead of applying the task's order to ConfigState and responding to
	// a client. clientID is -1 for these tasks; they never appear in
	// s.clients.
	onComplete func(ok bool, msg string)
}

// New constructs a Server bound to an already-created, already-listening
// control socket fd (exclusive bind is the caller's responsibility, e.g. via
// an explicit-create + lock-file check — a second main on the same path
// fails at startup).
func New(cfg Config, sup *supervisor.Supervisor, listenerFD int, state *proxystate.ConfigState) *Server {
	return &Server{
		cfg:         cfg,
		supervisor:  sup,
		listenerFD:  listenerFD,
		state:       state,
		listenerFDs: make(map[string]int),
		workers:     make(map[uint32]*workerhandle.Handle),
		clients:     make(map[int]*clientConn),
		tasks:       make(map[string]*pendingTask),
		upgrades:    make(map[uint32]*workerUpgrade),
		subscribers: make(map[int]bool),
		done:        make(chan struct{}),
	}
}

// RegisterListenerFD associates an open listening socket fd with a listener
// address already present in ConfigState, so future worker spawns can hand
// it over via SCM.
func (s *Server) RegisterListenerFD(address string, fd int) {
	s.listenerFDs[address] = fd
}

// currentListeners builds the Listeners set the Supervisor should hand to a
// freshly spawned worker: every active listener address in ConfigState that
// has a registered fd, grouped by kind.
func (s *Server) currentListeners() scmsocket.Listeners {
	var out scmsocket.Listeners
	for addr, data := range s.state.Listeners {
		fd, ok := s.listenerFDs[addr]
		if !ok || !s.state.IsListenerActive(addr) {
			continue
		}
		lf := scmsocket.ListenerFD{Addr: addr, FD: fd}
		switch data.Kind {
		case wire.ListenerHTTPS:
			out.TLS = append(out.TLS, lf)
		case wire.ListenerTCP:
			out.TCP = append(out.TCP, lf)
		default:
			out.HTTP = append(out.HTTP, lf)
		}
	}
	return out
}

// AddWorker registers an already-spawned worker, e.g. from the Supervisor
// during startup or LaunchWorker handling.
func (s *Server) AddWorker(h *workerhandle.Handle) {
	s.workers[h.ID] = h
	if h.ID >= s.nextWorkerID {
		s.nextWorkerID = h.ID + 1
	}
	metrics.SetWorkersActive(len(s.workers))
}

// SetOrderLog wires an append-only order log: every order successfully
// applied after a fan-out is recorded for audit/replay.
func (s *Server) SetOrderLog(l *snapshot.OrderLog) { s.orderLog = l }

// SetAuditSink wires an event-bus audit sink: every worker event broadcast
// to subscribed CLIs is additionally published there.
func (s *Server) SetAuditSink(a *audit.Sink) { s.audit = a }

// Stop requests that Run return after the current poll cycle.
func (s *Server) Stop() {
	close(s.done)
}

// Run drives the event loop until Stop is called or a fatal accept error
// occurs. It never blocks longer than cfg.PollInterval so pending-task
// deadlines are checked regularly without a second goroutine.
func (s *Server) Run() error {
	for {
		select {
		case <-s.done:
			return nil
		default:
		}

		fds := s.buildPollSet()
		n, err := unix.Poll(fds, int(s.cfg.PollInterval/time.Millisecond))
		if err != nil && err != unix.EINTR {
			return fmt.Errorf("command: poll: %w", err)
		}
		if n > 0 {
			s.handleReady(fds)
		}
		s.sweepDeadlines()
		s.sweepWorkerUpgrades()
	}
}

func (s *Server) buildPollSet() []unix.PollFd {
	fds := make([]unix.PollFd, 0, 1+len(s.clients)+len(s.workers))
	fds = append(fds, unix.PollFd{Fd: int32(s.listenerFD), Events: unix.POLLIN})
	for _, c := range s.clients {
		events := int16(unix.POLLIN)
		if c.channel.WantWrite() {
			events |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(c.channel.Fd()), Events: events})
	}
	for _, w := range s.workers {
		events := int16(unix.POLLIN)
		if w.Channel.WantWrite() {
			events |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(w.Channel.Fd()), Events: events})
	}
	return fds
}

func (s *Server) handleReady(fds []unix.PollFd) {
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		switch {
		case int(pfd.Fd) == s.listenerFD:
			if pfd.Revents&unix.POLLIN != 0 {
				s.acceptClient()
			}
		default:
			if c := s.clientByFD(int(pfd.Fd)); c != nil {
				s.serviceClient(c, pfd.Revents)
				continue
			}
			if w := s.workerByFD(int(pfd.Fd)); w != nil {
				s.serviceWorker(w, pfd.Revents)
			}
		}
	}
}

func (s *Server) clientByFD(fd int) *clientConn {
	for _, c := range s.clients {
		if c.channel.Fd() == fd {
			return c
		}
	}
	return nil
}

func (s *Server) workerByFD(fd int) *workerhandle.Handle {
	for _, w := range s.workers {
		if w.Channel.Fd() == fd {
			return w
		}
	}
	return nil
}

func (s *Server) acceptClient() {
	fd, _, err := unix.Accept(s.listenerFD)
	if err != nil {
		if err != unix.EAGAIN {
			log.Printf("command: accept: %v", err)
		}
		return
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		log.Printf("command: set nonblocking on accepted client: %v", err)
		unix.Close(fd)
		return
	}

	id := s.nextClientID
	s.nextClientID++
	ch := channel.New[wire.CommandResponse, wire.CommandRequest](fd, s.cfg.BufInitial, s.cfg.BufMax)
	ch.Nonblocking()
	s.clients[id] = &clientConn{id: id, channel: ch}
}

func (s *Server) serviceClient(c *clientConn, revents int16) {
	if revents&(unix.POLLHUP|unix.POLLERR) != 0 {
		s.disconnectClient(c)
		return
	}
	if revents&unix.POLLOUT != 0 {
		if err := c.channel.FlushPending(); err != nil {
			s.disconnectClient(c)
			return
		}
	}
	if revents&unix.POLLIN == 0 {
		return
	}
	if c.busy != "" {
		// Ordering guarantee: don't read the next request until the
		// current one has a terminal response.
		return
	}

	req, err := c.channel.ReadMessage()
	if err != nil {
		if err == channel.ErrWouldBlock {
			return
		}
		s.disconnectClient(c)
		return
	}
	s.handleRequest(c, req)
}

func (s *Server) disconnectClient(c *clientConn) {
	delete(s.clients, c.id)
	delete(s.subscribers, c.id)
	c.channel.Close()
	// Pending tasks for this client continue to completion so ConfigState
	// mutation is not lost; their responses are simply discarded when they
	// complete.
}

func (s *Server) respond(c *clientConn, resp wire.CommandResponse) {
	if c == nil {
		return
	}
	if _, stillConnected := s.clients[c.id]; !stillConnected {
		return
	}
	if resp.Status != wire.StatusProcessing {
		c.busy = ""
	}
	if err := c.channel.WriteMessage(resp); err != nil {
		if err != channel.ErrOverflow {
			s.disconnectClient(c)
		}
	}
}

// broadcastEvent sends a ProxyEvent-shaped response to every subscribed CLI
// and, if wired, to the audit sink.
func (s *Server) broadcastEvent(ev wire.ProxyEvent) {
	for id := range s.subscribers {
		c, ok := s.clients[id]
		if !ok {
			continue
		}
		resp := wire.OK("event", ev)
		if err := c.channel.WriteMessage(resp); err != nil && err != channel.ErrOverflow {
			s.disconnectClient(c)
		}
	}
	if s.audit != nil {
		if err := s.audit.Publish(nil, ev); err != nil {
			log.Printf("command: audit publish failed: %v", err)
		}
	}
}

func (s *Server) sweepDeadlines() {
	now := nowFunc()
	for id, t := range s.tasks {
		if t.deadline.IsZero() || now.Before(t.deadline) {
			continue
		}
		var outstanding []uint32
		for w := range t.remaining {
			outstanding = append(outstanding, w)
		}
		log.Printf("command: task %s timed out waiting on workers %v", id, outstanding)
		for _, w := range outstanding {
			if h, ok := s.workers[w]; ok {
				h.State = workerhandle.NotAnswering
			}
			metrics.ObserveWorkerTimeout()
		}
		delete(s.tasks, id)

		if t.onComplete != nil {
			metrics.ObserveFanoutResult(false)
			t.onComplete(false, fmt.Sprintf("timed out waiting on workers %v", outstanding))
			continue
		}

		metrics.ObserveFanoutResult(false)
		c := s.clients[t.clientID]
		s.respond(c, wire.Errorf(t.requestID, "timed out waiting on workers %v", outstanding))
		s.stopIfShutdownTask(t.requestID)
	}
}

// nowFunc is indirected so tests can observe deadline handling without
// sleeping; overridden only in tests.
var nowFunc = time.Now

// socketInUse reports whether a live listener already answers at path, by
// attempting to connect to it. Only a successful connect counts as another
// main owning it; any connect error (ECONNREFUSED from a stale file, ENOENT,
// and so on) reports false, and the caller then removes the path before Bind.
func socketInUse(path string) bool {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)
	err = unix.Connect(fd, &unix.SockaddrUnix{Name: path})
	return err == nil
}

func openControlSocket(path string) (int, error) {
	if _, err := os.Stat(path); err == nil {
		if socketInUse(path) {
			return -1, fmt.Errorf("command: control socket %s already in use by another main", path)
		}
		// Stale file left by an unclean exit: nothing is listening on it.
		if err := os.Remove(path); err != nil {
			return -1, fmt.Errorf("command: remove stale control socket %s: %w", path, err)
		}
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("command: create control socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("command: bind control socket %s: %w", path, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("command: listen on control socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("command: set control socket nonblocking: %w", err)
	}
	return fd, nil
}

// OpenControlSocket binds and listens on path exclusively; a second main on
// the same path fails here.
func OpenControlSocket(path string) (int, error) {
	return openControlSocket(path)
}
