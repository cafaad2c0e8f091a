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

// Package metrics exposes a Prometheus /metrics endpoint for the Command
// Server: package-level counters and gauges, MustRegister'd once in init,
// updated from plain functions so callers never thread a metrics object
// through every call site.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

var (
	fanoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_fanouts_total",
		Help: "Total PROXY order fan-outs started by the Command Server",
	})
	fanoutSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_fanout_success_total",
		Help: "Total fan-outs where every worker acknowledged and ConfigState was mutated",
	})
	fanoutFailureTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_fanout_failure_total",
		Help: "Total fan-outs that left ConfigState unchanged (a worker errored, died, or timed out)",
	})
	workerAcksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_worker_acks_total",
		Help: "Total OK replies received from workers",
	})
	workerErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_worker_errors_total",
		Help: "Total ERROR replies received from workers",
	})
	workerTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_worker_timeouts_total",
		Help: "Total times a worker failed to reply before a pending task's deadline",
	})
	workerRestartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_worker_restarts_total",
		Help: "Total worker processes spawned, including replacements from UPGRADE_WORKER",
	})
	scmTransfersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_scm_fd_transfers_total",
		Help: "Total listening file descriptors handed to workers over SCM_RIGHTS",
	})
	workersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_workers_active",
		Help: "Current number of worker handles tracked by the Command Server",
	})
)

func init() {
	prometheus.MustRegister(
		fanoutsTotal, fanoutSuccessTotal, fanoutFailureTotal,
		workerAcksTotal, workerErrorsTotal, workerTimeoutsTotal,
		workerRestartsTotal, scmTransfersTotal, workersActive,
	)
}

// ObserveFanoutStart records one PROXY order fan-out being dispatched to the
// worker set.
func ObserveFanoutStart() { fanoutsTotal.Inc() }

// ObserveFanoutResult records a fan-out's terminal outcome.
func ObserveFanoutResult(ok bool) {
	if ok {
		fanoutSuccessTotal.Inc()
		return
	}
	fanoutFailureTotal.Inc()
}

// ObserveWorkerAck records one OK reply from a worker.
func ObserveWorkerAck() { workerAcksTotal.Inc() }

// ObserveWorkerError records one ERROR reply from a worker.
func ObserveWorkerError() { workerErrorsTotal.Inc() }

// ObserveWorkerTimeout records a worker missing a pending task's deadline.
func ObserveWorkerTimeout() { workerTimeoutsTotal.Inc() }

// ObserveWorkerSpawn records one worker process having been started,
// whether at startup, via LAUNCH_WORKER, or as an UPGRADE_WORKER replacement.
func ObserveWorkerSpawn() { workerRestartsTotal.Inc() }

// ObserveSCMTransfer records n listening fds handed to a worker in one
// SendListeners call.
func ObserveSCMTransfer(n int) {
	if n > 0 {
		scmTransfersTotal.Add(float64(n))
	}
}

// SetWorkersActive reports the current worker handle table size.
func SetWorkersActive(n int) { workersActive.Set(float64(n)) }

// Snapshot is the numeric content QUERY{metrics} returns over the control
// channel.
type Snapshot struct {
	Fanouts        float64 `json:"fanouts_total"`
	FanoutSuccess  float64 `json:"fanout_success_total"`
	FanoutFailure  float64 `json:"fanout_failure_total"`
	WorkerAcks     float64 `json:"worker_acks_total"`
	WorkerErrors   float64 `json:"worker_errors_total"`
	WorkerTimeouts float64 `json:"worker_timeouts_total"`
	WorkerRestarts float64 `json:"worker_restarts_total"`
	SCMTransfers   float64 `json:"scm_fd_transfers_total"`
	WorkersActive  float64 `json:"workers_active"`
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil || m.Counter == nil {
		return 0
	}
	return m.Counter.GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil || m.Gauge == nil {
		return 0
	}
	return m.Gauge.GetValue()
}

// Current reads back every counter/gauge for a QUERY{metrics} response.
func Current() Snapshot {
	return Snapshot{
		Fanouts:        counterValue(fanoutsTotal),
		FanoutSuccess:  counterValue(fanoutSuccessTotal),
		FanoutFailure:  counterValue(fanoutFailureTotal),
		WorkerAcks:     counterValue(workerAcksTotal),
		WorkerErrors:   counterValue(workerErrorsTotal),
		WorkerTimeouts: counterValue(workerTimeoutsTotal),
		WorkerRestarts: counterValue(workerRestartsTotal),
		SCMTransfers:   counterValue(scmTransfersTotal),
		WorkersActive:  gaugeValue(workersActive),
	}
}

// ListenAndServe starts a dedicated HTTP server exposing /metrics, the same
// minimal-mux-plus-timeouts shape as api.Server.ListenAndServe.
func ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	fmt.Printf("[metrics] listening on %s\n", addr)
	return server.ListenAndServe()
}

// Shutdown is a thin wrapper so callers don't need to import net/http
// directly just to stop the metrics server during graceful shutdown.
func Shutdown(ctx context.Context, server *http.Server) error {
	return server.Shutdown(ctx)
}
