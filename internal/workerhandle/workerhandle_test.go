package workerhandle

import (
	"testing"

	"golang.org/x/sys/unix"

	"warden/internal/channel"
	"warden/internal/scmsocket"
	"warden/internal/wire"
)

func newTestHandle(t *testing.T) (*Handle, *channel.FramedChannel[wire.CommandResponse, wire.CommandRequest]) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	scmFds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
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

	h := New(1, 1234, "", mainSide, scmsocket.New(scmFds[0]))
	t.Cleanup(func() {
		h.Close()
		workerSide.Close()
		unix.Close(scmFds[1])
	})
	return h, workerSide
}

func TestDispatchTracksPending(t *testing.T) {
	h, _ := newTestHandle(t)
	req := wire.CommandRequest{ID: "A#1", Version: wire.ProtocolVersion, Type: wire.OrderStatus}
	if err := h.Dispatch(req); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !h.Pending("A#1") {
		t.Fatalf("expected A#1 to be pending")
	}
	h.Resolve("A#1")
	if h.Pending("A#1") {
		t.Fatalf("expected A#1 to be resolved")
	}
}

func TestResolveUnknownIDIsNotFatal(t *testing.T) {
	h, _ := newTestHandle(t)
	h.Resolve("never-dispatched")
}

func TestMarkDeadFailsAllPending(t *testing.T) {
	h, _ := newTestHandle(t)
	h.Dispatch(wire.CommandRequest{ID: "A#1", Version: wire.ProtocolVersion, Type: wire.OrderStatus})
	h.Dispatch(wire.CommandRequest{ID: "B#1", Version: wire.ProtocolVersion, Type: wire.OrderStatus})

	ids := h.MarkDead()
	if len(ids) != 2 {
		t.Fatalf("expected 2 pending ids, got %v", ids)
	}
	if h.State != Stopped {
		t.Fatalf("expected Stopped state, got %s", h.State)
	}
	if len(h.PendingIDs()) != 0 {
		t.Fatalf("expected pending table cleared after death")
	}
}
