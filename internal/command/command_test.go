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
	"encoding/json"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"warden/internal/channel"
	"warden/internal/proxystate"
	"warden/internal/wire"
	"warden/internal/workerhandle"
)

func mustEncode(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(Config{BufInitial: 256, BufMax: 4096}, nil, -1, proxystate.New())
}

// newTestWorker wires up a workerhandle.Handle backed by a real socketpair,
// plus the "worker-side" end a test uses to simulate replies.
func newTestWorker(t *testing.T, id uint32) (*workerhandle.Handle, *channel.FramedChannel[wire.CommandResponse, wire.CommandRequest]) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	mainSide := channel.New[wire.CommandRequest, wire.CommandResponse](fds[0], 256, 4096)
	workerSide := channel.New[wire.CommandResponse, wire.CommandRequest](fds[1], 256, 4096)
	if err := mainSide.Nonblocking(); err != nil {
		t.Fatalf("nonblocking: %v", err)
	}
	if err := workerSide.Nonblocking(); err != nil {
		t.Fatalf("nonblocking: %v", err)
	}
	t.Cleanup(func() {
		mainSide.Close()
		workerSide.Close()
	})
	return workerhandle.New(id, 1000+int(id), "", mainSide, nil), workerSide
}

// newTestClient wires up a clientConn backed by a real socketpair, plus the
// "CLI-side" end a test uses to send requests and read responses.
func newTestClient(t *testing.T) (*clientConn, *channel.FramedChannel[wire.CommandRequest, wire.CommandResponse]) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	serverSide := channel.New[wire.CommandResponse, wire.CommandRequest](fds[0], 256, 4096)
	cliSide := channel.New[wire.CommandRequest, wire.CommandResponse](fds[1], 256, 4096)
	if err := serverSide.Nonblocking(); err != nil {
		t.Fatalf("nonblocking: %v", err)
	}
	if err := cliSide.Nonblocking(); err != nil {
		t.Fatalf("nonblocking: %v", err)
	}
	t.Cleanup(func() {
		serverSide.Close()
		cliSide.Close()
	})
	return &clientConn{id: 1, channel: serverSide}, cliSide
}

func waitForResponse(t *testing.T, cli *channel.FramedChannel[wire.CommandRequest, wire.CommandResponse]) wire.CommandResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := cli.ReadMessage()
		if err == nil {
			return resp
		}
		if err != channel.ErrWouldBlock {
			t.Fatalf("read response: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for response")
	return wire.CommandResponse{}
}

func TestBeginFanoutNoWorkersAppliesDirectly(t *testing.T) {
	s := newTestServer(t)
	c, cli := newTestClient(t)
	s.clients[c.id] = c

	order, err := wire.NewProxyOrder(wire.ProxyAddCluster, wire.AddClusterData{ClusterID: "c1"})
	if err != nil {
		t.Fatalf("NewProxyOrder: %v", err)
	}
	s.beginFanout(c, "req-1", order)

	resp := waitForResponse(t, cli)
	if resp.Status != wire.StatusOK {
		t.Fatalf("expected OK, got %s: %s", resp.Status, resp.Message)
	}
	if _, ok := s.state.Clusters["c1"]; !ok {
		t.Fatalf("expected cluster c1 to be present after zero-worker fan-out")
	}
}

// TestFanoutAllWorkersOKAppliesState covers the "every worker ACKs" branch of
// the fan-out protocol: ConfigState is mutated only once every worker has
// replied OK.
func TestFanoutAllWorkersOKAppliesState(t *testing.T) {
	s := newTestServer(t)
	c, cli := newTestClient(t)
	s.clients[c.id] = c

	w1, worker1 := newTestWorker(t, 1)
	w2, worker2 := newTestWorker(t, 2)
	s.AddWorker(w1)
	s.AddWorker(w2)

	order, _ := wire.NewProxyOrder(wire.ProxyAddCluster, wire.AddClusterData{ClusterID: "c1"})
	s.beginFanout(c, "req-1", order)

	if _, ok := s.state.Clusters["c1"]; ok {
		t.Fatalf("ConfigState must not be mutated before every worker acks")
	}

	req1, err := worker1.ReadMessage()
	if err != nil {
		t.Fatalf("worker1 read: %v", err)
	}
	req2, err := worker2.ReadMessage()
	if err != nil {
		t.Fatalf("worker2 read: %v", err)
	}

	if err := worker1.WriteMessage(wire.OK(req1.ID, nil)); err != nil {
		t.Fatalf("worker1 write: %v", err)
	}
	s.handleWorkerReply(w1, wire.OK(req1.ID, nil))

	if _, ok := s.state.Clusters["c1"]; ok {
		t.Fatalf("ConfigState must not be mutated after only one of two workers acked")
	}

	if err := worker2.WriteMessage(wire.OK(req2.ID, nil)); err != nil {
		t.Fatalf("worker2 write: %v", err)
	}
	s.handleWorkerReply(w2, wire.OK(req2.ID, nil))

	if _, ok := s.state.Clusters["c1"]; !ok {
		t.Fatalf("expected cluster c1 to be present once every worker acked")
	}
	resp := waitForResponse(t, cli)
	if resp.Status != wire.StatusOK {
		t.Fatalf("expected OK, got %s: %s", resp.Status, resp.Message)
	}
}

// TestFanoutOneErrorLeavesStateUnchanged is the core fan-out atomicity
// property: if any worker replies ERROR, ConfigState is byte-identical to
// its pre-order snapshot.
func TestFanoutOneErrorLeavesStateUnchanged(t *testing.T) {
	s := newTestServer(t)
	c, cli := newTestClient(t)
	s.clients[c.id] = c

	w1, worker1 := newTestWorker(t, 1)
	w2, worker2 := newTestWorker(t, 2)
	s.AddWorker(w1)
	s.AddWorker(w2)

	before := s.state.Clone()

	order, _ := wire.NewProxyOrder(wire.ProxyAddCluster, wire.AddClusterData{ClusterID: "c1"})
	s.beginFanout(c, "req-1", order)

	req1, _ := worker1.ReadMessage()
	req2, _ := worker2.ReadMessage()
	_ = worker2

	s.handleWorkerReply(w1, wire.OK(req1.ID, nil))
	s.handleWorkerReply(w2, wire.Errorf(req2.ID, "listener bind failed"))

	if !s.state.Equal(before) {
		t.Fatalf("ConfigState must be unchanged after a partial fan-out failure")
	}
	resp := waitForResponse(t, cli)
	if resp.Status != wire.StatusError {
		t.Fatalf("expected ERROR response, got %s", resp.Status)
	}
	if len(s.tasks) != 0 {
		t.Fatalf("expected task to be removed after completion")
	}
}

// TestWorkerDeathDuringFanoutFailsTask covers a worker fault case: a worker
// dying mid-fan-out resolves its pending requests with a synthetic error
// rather than leaving the task stuck forever.
func TestWorkerDeathDuringFanoutFailsTask(t *testing.T) {
	s := newTestServer(t)
	c, cli := newTestClient(t)
	s.clients[c.id] = c

	w1, worker1 := newTestWorker(t, 1)
	s.AddWorker(w1)

	order, _ := wire.NewProxyOrder(wire.ProxyAddCluster, wire.AddClusterData{ClusterID: "c1"})
	s.beginFanout(c, "req-1", order)
	_, _ = worker1.ReadMessage()

	s.workerDied(w1)

	resp := waitForResponse(t, cli)
	if resp.Status != wire.StatusError {
		t.Fatalf("expected ERROR response after worker death, got %s", resp.Status)
	}
	if _, ok := s.state.Clusters["c1"]; ok {
		t.Fatalf("ConfigState must not be mutated when the only worker died mid-fan-out")
	}
	if _, stillTracked := s.workers[w1.ID]; stillTracked {
		t.Fatalf("dead worker must be removed from the worker table")
	}
}

func TestHandleRequestRejectsVersionMismatch(t *testing.T) {
	s := newTestServer(t)
	c, cli := newTestClient(t)
	s.clients[c.id] = c

	s.handleRequest(c, wire.CommandRequest{ID: "bad", Version: wire.ProtocolVersion + 1, Type: wire.OrderStatus})

	resp := waitForResponse(t, cli)
	if resp.Status != wire.StatusError {
		t.Fatalf("expected ERROR for version mismatch, got %s", resp.Status)
	}
	if c.busy != "" {
		t.Fatalf("a rejected request must not leave the client marked busy")
	}
}

// TestBusyClientBlocksSecondRequest covers the ordering guarantee: a
// client's next request is not serviced until the first has a terminal
// response.
func TestBusyClientBlocksSecondRequest(t *testing.T) {
	s := newTestServer(t)
	c, _ := newTestClient(t)
	s.clients[c.id] = c

	w1, worker1 := newTestWorker(t, 1)
	s.AddWorker(w1)
	defer worker1.Close()

	order, _ := wire.NewProxyOrder(wire.ProxyAddCluster, wire.AddClusterData{ClusterID: "c1"})
	s.beginFanout(c, "req-1", order)

	if c.busy != "req-1" {
		t.Fatalf("expected client marked busy with req-1, got %q", c.busy)
	}

	// serviceClient must not read a second request while busy.
	s.serviceClient(c, unix.POLLIN)
	if len(s.tasks) != 1 {
		t.Fatalf("expected exactly one pending task while client is busy")
	}
}

func isStopped(s *Server) bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// TestHandleShutdownGracefulWaitsForWorkerAck covers supplemented feature
// #2: a graceful SHUTDOWN must not stop the server until every worker has
// acknowledged the SoftStop fan-out.
func TestHandleShutdownGracefulWaitsForWorkerAck(t *testing.T) {
	s := newTestServer(t)
	c, cli := newTestClient(t)
	s.clients[c.id] = c

	w1, worker1 := newTestWorker(t, 1)
	s.AddWorker(w1)

	s.handleRequest(c, wire.CommandRequest{ID: "shutdown-1", Type: wire.OrderShutdown, Data: mustEncode(t, wire.ShutdownData{Graceful: true})})

	if isStopped(s) {
		t.Fatalf("graceful shutdown must not stop the server before the worker acks")
	}

	req1, err := worker1.ReadMessage()
	if err != nil {
		t.Fatalf("worker1 read: %v", err)
	}
	if req1.Type != wire.OrderProxy {
		t.Fatalf("expected a PROXY order dispatched to the worker, got %s", req1.Type)
	}

	s.handleWorkerReply(w1, wire.OK(req1.ID, nil))

	if !isStopped(s) {
		t.Fatalf("expected server to stop once the SoftStop fan-out completed")
	}
	resp := waitForResponse(t, cli)
	if resp.Status != wire.StatusOK {
		t.Fatalf("expected OK, got %s: %s", resp.Status, resp.Message)
	}
}

// TestHandleShutdownGracefulTimesOutAndStops covers the timeout branch: a
// non-answering worker must not wedge the main process forever.
func TestHandleShutdownGracefulTimesOutAndStops(t *testing.T) {
	s := newTestServer(t)
	s.cfg.DefaultTimeout = time.Second
	c, cli := newTestClient(t)
	s.clients[c.id] = c

	w1, worker1 := newTestWorker(t, 1)
	s.AddWorker(w1)
	defer worker1.Close()

	s.handleRequest(c, wire.CommandRequest{ID: "shutdown-1", Type: wire.OrderShutdown, Data: mustEncode(t, wire.ShutdownData{Graceful: true})})
	_, _ = worker1.ReadMessage()

	if isStopped(s) {
		t.Fatalf("graceful shutdown must not stop the server before its deadline")
	}

	base := time.Now()
	nowFunc = func() time.Time { return base.Add(2 * time.Second) }
	defer func() { nowFunc = time.Now }()

	s.sweepDeadlines()

	if !isStopped(s) {
		t.Fatalf("expected server to stop once the SoftStop fan-out timed out")
	}
	resp := waitForResponse(t, cli)
	if resp.Status != wire.StatusError {
		t.Fatalf("expected ERROR for timed-out shutdown fan-out, got %s", resp.Status)
	}
}

// TestHandleShutdownNonGracefulStopsImmediately covers the non-graceful
// path: HardStop is dispatched but the main process exits without waiting
// for any acknowledgement.
func TestHandleShutdownNonGracefulStopsImmediately(t *testing.T) {
	s := newTestServer(t)
	c, _ := newTestClient(t)
	s.clients[c.id] = c

	w1, worker1 := newTestWorker(t, 1)
	s.AddWorker(w1)
	defer worker1.Close()

	s.handleRequest(c, wire.CommandRequest{ID: "shutdown-1", Type: wire.OrderShutdown, Data: mustEncode(t, wire.ShutdownData{Graceful: false})})

	if !isStopped(s) {
		t.Fatalf("expected non-graceful shutdown to stop the server immediately")
	}
}

// TestHandleShutdownGracefulNoWorkersStopsImmediately: with no workers to
// acknowledge, beginFanout applies and responds synchronously, so there is
// nothing left to wait on.
func TestHandleShutdownGracefulNoWorkersStopsImmediately(t *testing.T) {
	s := newTestServer(t)
	c, cli := newTestClient(t)
	s.clients[c.id] = c

	s.handleRequest(c, wire.CommandRequest{ID: "shutdown-1", Type: wire.OrderShutdown, Data: mustEncode(t, wire.ShutdownData{Graceful: true})})

	if !isStopped(s) {
		t.Fatalf("expected graceful shutdown with zero workers to stop immediately")
	}
	resp := waitForResponse(t, cli)
	if resp.Status != wire.StatusOK {
		t.Fatalf("expected OK, got %s: %s", resp.Status, resp.Message)
	}
}

func TestSweepDeadlinesTimesOutStuckTask(t *testing.T) {
	s := newTestServer(t)
	s.cfg.DefaultTimeout = time.Second
	c, cli := newTestClient(t)
	s.clients[c.id] = c

	w1, worker1 := newTestWorker(t, 1)
	s.AddWorker(w1)
	defer worker1.Close()

	order, _ := wire.NewProxyOrder(wire.ProxyAddCluster, wire.AddClusterData{ClusterID: "c1"})
	s.beginFanout(c, "req-1", order)
	_, _ = worker1.ReadMessage()

	base := time.Now()
	nowFunc = func() time.Time { return base.Add(2 * time.Second) }
	defer func() { nowFunc = time.Now }()

	s.sweepDeadlines()

	resp := waitForResponse(t, cli)
	if resp.Status != wire.StatusError {
		t.Fatalf("expected ERROR for timed-out task, got %s", resp.Status)
	}
	if w1.State != workerhandle.NotAnswering {
		t.Fatalf("expected worker to be flagged NotAnswering after timeout")
	}
	if len(s.tasks) != 0 {
		t.Fatalf("expected timed-out task to be removed")
	}
}

// TestHandleListFrontendsReturnsOnlyFrontendsFiltered covers the fix for
// LIST_FRONTENDS returning a DumpState alias: it must answer with just the
// frontend set, distinct from DumpState's full payload, and Filter must
// narrow the result to one cluster's frontends.
func TestHandleListFrontendsReturnsOnlyFrontendsFiltered(t *testing.T) {
	s := newTestServer(t)
	c, cli := newTestClient(t)
	s.clients[c.id] = c

	clusterOrder, _ := wire.NewProxyOrder(wire.ProxyAddCluster, wire.AddClusterData{ClusterID: "c1"})
	if _, err := s.state.Apply(clusterOrder); err != nil {
		t.Fatalf("seed cluster: %v", err)
	}
	otherClusterOrder, _ := wire.NewProxyOrder(wire.ProxyAddCluster, wire.AddClusterData{ClusterID: "c2"})
	if _, err := s.state.Apply(otherClusterOrder); err != nil {
		t.Fatalf("seed other cluster: %v", err)
	}
	listenerOrder, _ := wire.NewProxyOrder(wire.ProxyAddHTTPListener, wire.AddListenerData{Kind: wire.ListenerHTTP, Address: "0.0.0.0:80"})
	if _, err := s.state.Apply(listenerOrder); err != nil {
		t.Fatalf("seed listener: %v", err)
	}
	frontendOrder, _ := wire.NewProxyOrder(wire.ProxyAddHTTPFrontend, wire.HTTPFrontendData{
		Address: "0.0.0.0:80", Hostname: "c1.example.com",
		Path:  wire.PathRule{Kind: wire.PathPrefix, Value: "/"},
		Route: wire.Route{Kind: wire.RouteCluster, ClusterID: "c1"},
	})
	if _, err := s.state.Apply(frontendOrder); err != nil {
		t.Fatalf("seed frontend: %v", err)
	}
	otherFrontendOrder, _ := wire.NewProxyOrder(wire.ProxyAddHTTPFrontend, wire.HTTPFrontendData{
		Address: "0.0.0.0:80", Hostname: "c2.example.com",
		Path:  wire.PathRule{Kind: wire.PathPrefix, Value: "/"},
		Route: wire.Route{Kind: wire.RouteCluster, ClusterID: "c2"},
	})
	if _, err := s.state.Apply(otherFrontendOrder); err != nil {
		t.Fatalf("seed other frontend: %v", err)
	}

	s.handleRequest(c, wire.CommandRequest{ID: "list-1", Type: wire.OrderListFrontends, Data: mustEncode(t, wire.ListFrontendsData{Filter: "c1"})})
	resp := waitForResponse(t, cli)
	if resp.Status != wire.StatusOK {
		t.Fatalf("expected OK, got %s: %s", resp.Status, resp.Message)
	}

	var filtered struct {
		HTTP []struct {
			Key  struct{ RouteTarget string }
			Data wire.HTTPFrontendData
		} `json:"http_frontends"`
	}
	if err := resp.DecodeContent(&filtered); err != nil {
		t.Fatalf("decode filtered content: %v", err)
	}
	if len(filtered.HTTP) != 1 || filtered.HTTP[0].Data.Hostname != "c1.example.com" {
		t.Fatalf("expected exactly the c1 frontend, got %+v", filtered.HTTP)
	}

	dumpRaw, err := s.state.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	var dump json.RawMessage = dumpRaw
	if string(resp.Content) == string(dump) {
		t.Fatalf("expected LIST_FRONTENDS output to differ from DumpState's full payload")
	}
}
