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

package workerproc

import (
	"errors"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"warden/internal/channel"
	"warden/internal/proxystate"
	"warden/internal/scmsocket"
	"warden/internal/wire"
)

// newStateFD writes a serialized ConfigState to a tempfile and returns an
// open read fd positioned at 0, the same shape Supervisor.SpawnWorker hands
// a worker as fd 5.
func newStateFD(t *testing.T) int {
	t.Helper()
	state := proxystate.New()
	order, _ := wire.NewProxyOrder(wire.ProxyAddCluster, wire.AddClusterData{ClusterID: "c1"})
	if _, err := state.Apply(order); err != nil {
		t.Fatalf("apply: %v", err)
	}
	raw, err := state.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	f, err := os.CreateTemp("", "workerproc-state-*.json")
	if err != nil {
		t.Fatalf("create tempfile: %v", err)
	}
	name := f.Name()
	t.Cleanup(func() { os.Remove(name) })
	if _, err := f.Write(raw); err != nil {
		t.Fatalf("write tempfile: %v", err)
	}
	f.Close()

	fd, err := unix.Open(name, unix.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("reopen tempfile: %v", err)
	}
	return fd
}

func TestBootstrapHandshakeAndSteadyStateApply(t *testing.T) {
	chFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("channel socketpair: %v", err)
	}
	scmFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("scm socketpair: %v", err)
	}
	stateFD := newStateFD(t)

	mainCh := channel.New[wire.CommandRequest, wire.CommandResponse](chFDs[0], 256, 4096)
	mainScm := scmsocket.New(scmFDs[0])
	t.Cleanup(func() {
		mainCh.Close()
		mainScm.Close()
	})

	bootErr := make(chan error, 1)
	var w *Worker
	go func() {
		var err error
		w, err = Bootstrap(Params{ID: 1, Tag: "worker-1", ChannelFD: chFDs[1], SCMFD: scmFDs[1], StateFD: stateFD, BufInitial: 256, BufMax: 4096})
		bootErr <- err
	}()

	handshake, err := wire.NewRequest("spawn-1", wire.OrderStatus, nil)
	if err != nil {
		t.Fatalf("build handshake: %v", err)
	}
	if err := mainCh.WriteMessage(handshake); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	if err := mainScm.SendListeners(scmsocket.Listeners{}); err != nil {
		t.Fatalf("send listeners: %v", err)
	}

	if err := <-bootErr; err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	defer w.Stop()

	ack := readResponse(t, mainCh)
	if ack.Status != wire.StatusOK {
		t.Fatalf("expected OK handshake ack, got %s: %s", ack.Status, ack.Message)
	}

	go w.Run()

	order, _ := wire.NewProxyOrder(wire.ProxyAddCluster, wire.AddClusterData{ClusterID: "c2"})
	req, err := wire.NewRequest("steady-1", wire.OrderProxy, order)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if err := mainCh.WriteMessage(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp := readResponse(t, mainCh)
	if resp.Status != wire.StatusOK {
		t.Fatalf("expected OK for applied order, got %s: %s", resp.Status, resp.Message)
	}
}

// TestHandleQueryClustersReturnsFilteredState covers the worker-side QUERY
// handler end to end: it must look up real cluster data from its
// ConfigState mirror, not reply with an empty no-op, and Filter must
// narrow the result to a single cluster.
func TestHandleQueryClustersReturnsFilteredState(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	mainCh := channel.New[wire.CommandRequest, wire.CommandResponse](fds[0], 256, 4096)
	workerCh := channel.New[wire.CommandResponse, wire.CommandRequest](fds[1], 256, 4096)
	t.Cleanup(func() {
		mainCh.Close()
		workerCh.Close()
	})

	state := proxystate.New()
	order1, _ := wire.NewProxyOrder(wire.ProxyAddCluster, wire.AddClusterData{ClusterID: "c1"})
	order2, _ := wire.NewProxyOrder(wire.ProxyAddCluster, wire.AddClusterData{ClusterID: "c2"})
	if _, err := state.Apply(order1); err != nil {
		t.Fatalf("apply c1: %v", err)
	}
	if _, err := state.Apply(order2); err != nil {
		t.Fatalf("apply c2: %v", err)
	}

	w := &Worker{id: 1, state: state, channel: workerCh, done: make(chan struct{})}

	query, _ := wire.NewProxyOrder(wire.ProxyQuery, wire.QueryData{Target: wire.QueryClusters, Filter: "c1"})
	req, _ := wire.NewRequest("q1", wire.OrderProxy, query)
	w.handleRequest(req)

	resp := readResponse(t, mainCh)
	if resp.Status != wire.StatusOK {
		t.Fatalf("expected OK, got %s: %s", resp.Status, resp.Message)
	}
	var clusters map[string]wire.AddClusterData
	if err := resp.DecodeContent(&clusters); err != nil {
		t.Fatalf("decode content: %v", err)
	}
	if len(clusters) != 1 {
		t.Fatalf("expected exactly one cluster for filter c1, got %d", len(clusters))
	}
	if _, ok := clusters["c1"]; !ok {
		t.Fatalf("expected c1 in filtered result, got %v", clusters)
	}
}

func readResponse(t *testing.T, ch *channel.FramedChannel[wire.CommandRequest, wire.CommandResponse]) wire.CommandResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := ch.ReadMessage()
		if err == nil {
			return resp
		}
		if errors.Is(err, channel.ErrWouldBlock) {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		t.Fatalf("read response: %v", err)
	}
	t.Fatal("timed out waiting for response")
	return wire.CommandResponse{}
}
