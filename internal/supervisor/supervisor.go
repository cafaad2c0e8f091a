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

// Package supervisor forks and re-execs worker processes, hands them their
// listening sockets over SCM, and drives rolling worker and main-process
// upgrades. Global process state (executable path, pid) is confined
// here and injected into the rest of the core as constructor arguments.
package supervisor

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"warden/internal/channel"
	"warden/internal/proxystate"
	"warden/internal/scmsocket"
	"warden/internal/wire"
	"warden/internal/workerhandle"
)

// Options configures spawn behavior; buffer sizes are passed through to
// every worker's Framed Channel.
type Options struct {
	ExecutablePath string
	BufInitial     int
	BufMax         int
	// SpawnTimeout bounds how long Supervisor waits for a freshly spawned
	// worker's initial Status reply.
	SpawnTimeout time.Duration
	// DrainTimeout bounds how long a SoftStop'd worker is given before
	// HardStop is sent.
	DrainTimeout time.Duration
	// KillGrace bounds how long a HardStop'd worker is given before SIGKILL.
	KillGrace time.Duration
}

// Supervisor owns worker process lifecycle. It does not own ConfigState or
// the WorkerHandle table itself — those are passed in by the Command Server,
// which is the sole owner of state.
type Supervisor struct {
	opts    Options
	nextTag int
}

func New(opts Options) *Supervisor {
	return &Supervisor{opts: opts}
}

// SpawnTimeout, DrainTimeout, and KillGrace expose the Options this
// Supervisor was built with, so callers orchestrating a multi-stage
// operation across several event-loop ticks (the rolling worker upgrade)
// can schedule their own per-stage deadlines against the same numbers.
func (s *Supervisor) SpawnTimeout() time.Duration { return s.opts.SpawnTimeout }
func (s *Supervisor) DrainTimeout() time.Duration { return s.opts.DrainTimeout }
func (s *Supervisor) KillGrace() time.Duration    { return s.opts.KillGrace }

// SpawnWorker performs the worker spawn sequence: write a ConfigState snapshot
// to a tempfile, create the channel and SCM socketpairs, fork/exec the same
// binary with the "worker" subcommand, prime the handshake with an initial
// Status write, and hand over the in-force listening fds. It does not wait
// for the worker's reply to that Status, and it does not close this
// process's copies of the listening fds.
func (s *Supervisor) SpawnWorker(id uint32, state *proxystate.ConfigState, listeners scmsocket.Listeners) (*workerhandle.Handle, error) {
	snapshot, err := state.Serialize()
	if err != nil {
		return nil, fmt.Errorf("supervisor: serialize state: %w", err)
	}
	stateFile, err := os.CreateTemp("", fmt.Sprintf("warden-state-%d-*.json", id))
	if err != nil {
		return nil, fmt.Errorf("supervisor: create state tempfile: %w", err)
	}
	defer os.Remove(stateFile.Name())
	if _, err := stateFile.Write(snapshot); err != nil {
		stateFile.Close()
		return nil, fmt.Errorf("supervisor: write state tempfile: %w", err)
	}
	if _, err := stateFile.Seek(0, 0); err != nil {
		stateFile.Close()
		return nil, fmt.Errorf("supervisor: rewind state tempfile: %w", err)
	}

	channelFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		stateFile.Close()
		return nil, fmt.Errorf("supervisor: channel socketpair: %w", err)
	}
	scmFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		stateFile.Close()
		unix.Close(channelFDs[0])
		unix.Close(channelFDs[1])
		return nil, fmt.Errorf("supervisor: scm socketpair: %w", err)
	}

	mainChannelFD, workerChannelFD := channelFDs[0], channelFDs[1]
	mainSCMFD, workerSCMFD := scmFDs[0], scmFDs[1]
	unix.CloseOnExec(mainChannelFD)
	unix.CloseOnExec(mainSCMFD)

	tag := fmt.Sprintf("worker-%d", id)
	s.nextTag++

	cmd := exec.Command(s.opts.ExecutablePath, "worker",
		fmt.Sprintf("--id=%d", id),
		fmt.Sprintf("--tag=%s", tag),
		"--channel-fd=3",
		"--scm-fd=4",
		"--state-fd=5",
		fmt.Sprintf("--buf-initial=%d", s.opts.BufInitial),
		fmt.Sprintf("--buf-max=%d", s.opts.BufMax),
	)
	// ExtraFiles are inherited starting at fd 3 in the child, in this order;
	// the main-side copies (mainChannelFD, mainSCMFD) are not listed here
	// and stay close-on-exec by default on this side.
	workerChannelFile := os.NewFile(uintptr(workerChannelFD), "worker-channel")
	workerSCMFile := os.NewFile(uintptr(workerSCMFD), "worker-scm")
	cmd.ExtraFiles = []*os.File{workerChannelFile, workerSCMFile, stateFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		unix.Close(mainChannelFD)
		unix.Close(mainSCMFD)
		workerChannelFile.Close()
		workerSCMFile.Close()
		stateFile.Close()
		return nil, fmt.Errorf("supervisor: spawn worker %d: %w", id, err)
	}

	// The child has its own copies now (via ExtraFiles' dup); this
	// process's copies of the worker-side ends are no longer needed.
	workerChannelFile.Close()
	workerSCMFile.Close()
	stateFile.Close()

	ch := channel.New[wire.CommandRequest, wire.CommandResponse](mainChannelFD, s.opts.BufInitial, s.opts.BufMax)
	if err := ch.Blocking(); err != nil {
		return nil, fmt.Errorf("supervisor: set channel blocking for handshake: %w", err)
	}

	handshake, err := wire.NewRequest(fmt.Sprintf("spawn-%d", id), wire.OrderStatus, nil)
	if err != nil {
		return nil, err
	}
	if err := ch.WriteMessage(handshake); err != nil {
		return nil, fmt.Errorf("supervisor: prime handshake for worker %d: %w", id, err)
	}

	scm := scmsocket.New(mainSCMFD)
	if err := scm.Blocking(); err != nil {
		return nil, fmt.Errorf("supervisor: set scm blocking for handshake: %w", err)
	}
	if err := scm.SendListeners(listeners); err != nil {
		return nil, fmt.Errorf("supervisor: send listeners to worker %d: %w", id, err)
	}
	// Main's own copies of the listening fds stay open: they belong to the
	// caller's listener table (Command Server), which is not closed here.

	if err := ch.Nonblocking(); err != nil {
		return nil, fmt.Errorf("supervisor: set channel nonblocking: %w", err)
	}
	if err := scm.Nonblocking(); err != nil {
		return nil, fmt.Errorf("supervisor: set scm nonblocking: %w", err)
	}

	h := workerhandle.New(id, cmd.Process.Pid, tag, ch, scm)
	log.Printf("supervisor: spawned worker %d (pid %d, tag %s)", id, cmd.Process.Pid, tag)
	return h, nil
}

// SoftStop sends a SOFT_STOP proxy order to the worker and marks it
// Stopping.
func (s *Supervisor) SoftStop(h *workerhandle.Handle, requestID string) error {
	order, err := wire.NewProxyOrder(wire.ProxySoftStop, nil)
	if err != nil {
		return err
	}
	req, err := wire.NewRequest(requestID, wire.OrderProxy, order)
	if err != nil {
		return err
	}
	if err := h.Dispatch(req); err != nil {
		return err
	}
	h.State = workerhandle.Stopping
	return nil
}

// HardStop sends a HARD_STOP proxy order; callers should still reap the pid
// with Kill/Wait if the worker does not exit promptly.
func (s *Supervisor) HardStop(h *workerhandle.Handle, requestID string) error {
	order, err := wire.NewProxyOrder(wire.ProxyHardStop, nil)
	if err != nil {
		return err
	}
	req, err := wire.NewRequest(requestID, wire.OrderProxy, order)
	if err != nil {
		return err
	}
	return h.Dispatch(req)
}

// Kill sends SIGKILL directly to the worker's pid, the last resort after
// HardStop's grace period elapses.
func (s *Supervisor) Kill(h *workerhandle.Handle) error {
	return unix.Kill(h.PID, unix.SIGKILL)
}

// Reap waits (non-blockingly) for a worker's pid to exit, returning true if
// it has.
func (s *Supervisor) Reap(h *workerhandle.Handle) (bool, error) {
	var status unix.WaitStatus
	pid, err := unix.Wait4(h.PID, &status, unix.WNOHANG, nil)
	if err != nil {
		return false, fmt.Errorf("supervisor: wait4 worker %d: %w", h.ID, err)
	}
	return pid == h.PID, nil
}

// mainSnapshot is the tempfile format for a main-process self-upgrade:
// ConfigState plus enough of the WorkerHandle table for the new main to
// reconstruct Handles without disturbing any worker.
type mainSnapshot struct {
	State   json.RawMessage    `json:"state"`
	Workers []WorkerSnapshot   `json:"workers"`
}

// WorkerSnapshot is one WorkerHandle's worth of re-exec state: enough to
// rebuild a Handle around already-open, inherited fds.
type WorkerSnapshot struct {
	ID        uint32 `json:"id"`
	PID       int    `json:"pid"`
	Tag       string `json:"tag"`
	ChannelFD int    `json:"channel_fd"`
	SCMFD     int    `json:"scm_fd"`
}

// PrepareMainUpgrade serializes ConfigState and the given worker snapshots
// into a tempfile for a re-exec, clearing close-on-exec on every fd so it
// survives into the new main image.
func (s *Supervisor) PrepareMainUpgrade(state *proxystate.ConfigState, workers []WorkerSnapshot) (*os.File, error) {
	raw, err := state.Serialize()
	if err != nil {
		return nil, fmt.Errorf("supervisor: serialize state for upgrade: %w", err)
	}
	snap := mainSnapshot{State: raw, Workers: workers}
	body, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("supervisor: encode upgrade snapshot: %w", err)
	}

	f, err := os.CreateTemp("", "warden-main-upgrade-*.json")
	if err != nil {
		return nil, fmt.Errorf("supervisor: create upgrade tempfile: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return nil, fmt.Errorf("supervisor: write upgrade tempfile: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("supervisor: rewind upgrade tempfile: %w", err)
	}

	for _, w := range workers {
		clearCloseOnExec(w.ChannelFD)
		clearCloseOnExec(w.SCMFD)
	}
	clearCloseOnExec(int(f.Fd()))

	return f, nil
}

func clearCloseOnExec(fd int) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return
	}
	unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags &^ unix.FD_CLOEXEC)
}

// ExecNewMain re-execs the running binary with the "main" subcommand plus a
// flag pointing at the upgrade snapshot fd, inheriting every currently open,
// close-on-exec-cleared fd.
func (s *Supervisor) ExecNewMain(snapshotFD int, extraArgs ...string) error {
	args := append([]string{s.opts.ExecutablePath, "main", fmt.Sprintf("--resume-fd=%d", snapshotFD)}, extraArgs...)
	return unix.Exec(s.opts.ExecutablePath, args, os.Environ())
}

// LoadMainSnapshot reconstructs the serialized state and worker fd table
// written by PrepareMainUpgrade, read by the new main process after exec.
func LoadMainSnapshot(f *os.File) (*proxystate.ConfigState, []WorkerSnapshot, error) {
	body, err := readAll(f)
	if err != nil {
		return nil, nil, err
	}
	var snap mainSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, nil, fmt.Errorf("supervisor: decode upgrade snapshot: %w", err)
	}
	state := proxystate.New()
	if err := state.Deserialize(snap.State); err != nil {
		return nil, nil, fmt.Errorf("supervisor: restore state: %w", err)
	}
	return state, snap.Workers, nil
}

func readAll(f *os.File) ([]byte, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			break
		}
	}
	return out, nil
}
