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

package metrics

import "testing"

func TestCurrentReflectsObservations(t *testing.T) {
	before := Current()

	ObserveFanoutStart()
	ObserveFanoutResult(true)
	ObserveWorkerAck()
	ObserveWorkerError()
	ObserveWorkerTimeout()
	ObserveWorkerSpawn()
	ObserveSCMTransfer(3)
	SetWorkersActive(2)

	after := Current()

	if after.Fanouts != before.Fanouts+1 {
		t.Fatalf("expected fanouts_total to increase by 1, got %v -> %v", before.Fanouts, after.Fanouts)
	}
	if after.FanoutSuccess != before.FanoutSuccess+1 {
		t.Fatalf("expected fanout_success_total to increase by 1")
	}
	if after.WorkerAcks != before.WorkerAcks+1 {
		t.Fatalf("expected worker_acks_total to increase by 1")
	}
	if after.WorkerErrors != before.WorkerErrors+1 {
		t.Fatalf("expected worker_errors_total to increase by 1")
	}
	if after.WorkerTimeouts != before.WorkerTimeouts+1 {
		t.Fatalf("expected worker_timeouts_total to increase by 1")
	}
	if after.WorkerRestarts != before.WorkerRestarts+1 {
		t.Fatalf("expected worker_restarts_total to increase by 1")
	}
	if after.SCMTransfers != before.SCMTransfers+3 {
		t.Fatalf("expected scm_fd_transfers_total to increase by 3")
	}
	if after.WorkersActive != 2 {
		t.Fatalf("expected workers_active gauge to read 2, got %v", after.WorkersActive)
	}
}
