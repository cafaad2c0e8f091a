package supervisor

import (
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"warden/internal/channel"
	"warden/internal/proxystate"
	"warden/internal/scmsocket"
	"warden/internal/wire"
	"warden/internal/workerhandle"
)

func TestPrepareAndLoadMainUpgradeRoundTrip(t *testing.T) {
	s := New(Options{ExecutablePath: "/bin/true"})

	state := proxystate.New()
	order, _ := wire.NewProxyOrder(wire.ProxyAddCluster, wire.AddClusterData{ClusterID: "c1"})
	if _, err := state.Apply(order); err != nil {
		t.Fatalf("apply: %v", err)
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])
	scmFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(scmFDs[1])

	workers := []WorkerSnapshot{{ID: 0, PID: 999, Tag: "worker-0", ChannelFD: fds[0], SCMFD: scmFDs[0]}}

	f, err := s.PrepareMainUpgrade(state, workers)
	if err != nil {
		t.Fatalf("PrepareMainUpgrade: %v", err)
	}
	defer f.Close()

	restoredState, restoredWorkers, err := LoadMainSnapshot(f)
	if err != nil {
		t.Fatalf("LoadMainSnapshot: %v", err)
	}
	if !state.Equal(restoredState) {
		t.Fatalf("restored state does not match original")
	}
	if len(restoredWorkers) != 1 || restoredWorkers[0].PID != 999 {
		t.Fatalf("unexpected restored workers: %+v", restoredWorkers)
	}
}

func newFakeHandle(t *testing.T) *workerhandle.Handle {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	scmFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	ch := channel.New[wire.CommandRequest, wire.CommandResponse](fds[0], 256, 4096)
	ch.Nonblocking()
	scm := scmsocket.New(scmFDs[0])
	t.Cleanup(func() {
		ch.Close()
		scm.Close()
		unix.Close(fds[1])
		unix.Close(scmFDs[1])
	})
	return workerhandle.New(1, 0, "worker-1", ch, scm)
}

func TestSoftStopMarksStopping(t *testing.T) {
	s := New(Options{ExecutablePath: "/bin/true"})
	h := newFakeHandle(t)
	if err := s.SoftStop(h, "U"); err != nil {
		t.Fatalf("SoftStop: %v", err)
	}
	if h.State != workerhandle.Stopping {
		t.Fatalf("expected Stopping, got %s", h.State)
	}
	if !h.Pending("U") {
		t.Fatalf("expected U to be pending")
	}
}

func TestReapReportsLiveChild(t *testing.T) {
	s := New(Options{ExecutablePath: "/bin/true"})
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sleep: %v", err)
	}
	defer cmd.Process.Kill()

	h := workerhandle.New(1, cmd.Process.Pid, "worker-1", nil, nil)
	exited, err := s.Reap(h)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if exited {
		t.Fatalf("expected sleeping child to still be alive")
	}

	cmd.Process.Kill()
	time.Sleep(50 * time.Millisecond)
	if _, err := s.Reap(h); err != nil {
		t.Fatalf("Reap after kill: %v", err)
	}
}
