package scmsocket

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

// tempFDs opens n temp files and returns their descriptors, tracking inode
// numbers so the test can confirm the receiver got references to the same
// underlying files rather than merely matching counts.
func tempFDs(t *testing.T, n int) ([]int, []uint64) {
	t.Helper()
	fds := make([]int, n)
	inodes := make([]uint64, n)
	for i := 0; i < n; i++ {
		f, err := os.CreateTemp(t.TempDir(), "listener-*")
		if err != nil {
			t.Fatalf("create temp: %v", err)
		}
		t.Cleanup(func() { f.Close() })
		fds[i] = int(f.Fd())
		var st unix.Stat_t
		if err := unix.Fstat(fds[i], &st); err != nil {
			t.Fatalf("fstat: %v", err)
		}
		inodes[i] = st.Ino
	}
	return fds, inodes
}

func inodeOf(t *testing.T, fd int) uint64 {
	t.Helper()
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		t.Fatalf("fstat: %v", err)
	}
	return st.Ino
}

// TestSendReceiveZipsByKind covers the SCM zip property:
// receive_listeners(send_listeners(L)) preserves the (addr, underlying file)
// association per kind, checked here via inode identity since the received
// fd is a distinct descriptor number referring to the same file.
func TestSendReceiveZipsByKind(t *testing.T) {
	a, b := socketpair(t)
	sender := New(a)
	receiver := New(b)
	defer sender.Close()
	defer receiver.Close()

	fds, inodes := tempFDs(t, 3)
	sent := Listeners{
		HTTP: []ListenerFD{{Addr: "127.0.0.1:80", FD: fds[0]}},
		TLS:  []ListenerFD{{Addr: "127.0.0.1:443", FD: fds[1]}},
		TCP:  []ListenerFD{{Addr: "127.0.0.1:9000", FD: fds[2]}},
	}

	if err := sender.SendListeners(sent); err != nil {
		t.Fatalf("SendListeners: %v", err)
	}

	got, err := receiver.ReceiveListeners()
	if err != nil {
		t.Fatalf("ReceiveListeners: %v", err)
	}
	defer got.Close()

	if len(got.HTTP) != 1 || got.HTTP[0].Addr != "127.0.0.1:80" {
		t.Fatalf("unexpected http set: %+v", got.HTTP)
	}
	if len(got.TLS) != 1 || got.TLS[0].Addr != "127.0.0.1:443" {
		t.Fatalf("unexpected tls set: %+v", got.TLS)
	}
	if len(got.TCP) != 1 || got.TCP[0].Addr != "127.0.0.1:9000" {
		t.Fatalf("unexpected tcp set: %+v", got.TCP)
	}

	if inodeOf(t, got.HTTP[0].FD) != inodes[0] {
		t.Fatalf("http fd does not reference the sent file")
	}
	if inodeOf(t, got.TLS[0].FD) != inodes[1] {
		t.Fatalf("tls fd does not reference the sent file")
	}
	if inodeOf(t, got.TCP[0].FD) != inodes[2] {
		t.Fatalf("tcp fd does not reference the sent file")
	}

	// The received fds are distinct descriptor numbers from the originals,
	// confirming the kernel duplicated rather than transferred ownership.
	if got.HTTP[0].FD == fds[0] {
		t.Fatalf("expected a distinct duplicated fd, got the same number")
	}
}

func TestSendListenersTooManyFDs(t *testing.T) {
	a, b := socketpair(t)
	sender := New(a)
	defer sender.Close()
	defer unix.Close(b)

	fds, _ := tempFDs(t, 1)
	many := make([]ListenerFD, MaxFDsOut+1)
	for i := range many {
		many[i] = ListenerFD{Addr: "x", FD: fds[0]}
	}
	if err := sender.SendListeners(Listeners{HTTP: many}); err != ErrTooManyFDs {
		t.Fatalf("expected ErrTooManyFDs, got %v", err)
	}
}

func TestGetHTTPRemovesAndReturnsFD(t *testing.T) {
	fds, _ := tempFDs(t, 2)
	l := Listeners{HTTP: []ListenerFD{
		{Addr: "a", FD: fds[0]},
		{Addr: "b", FD: fds[1]},
	}}
	fd, ok := l.GetHTTP("a")
	if !ok || fd != fds[0] {
		t.Fatalf("expected to find a, got fd=%d ok=%v", fd, ok)
	}
	if len(l.HTTP) != 1 || l.HTTP[0].Addr != "b" {
		t.Fatalf("expected only b to remain, got %+v", l.HTTP)
	}
	if _, ok := l.GetHTTP("a"); ok {
		t.Fatalf("expected a to already be removed")
	}
}

func TestReceiveListenersShortFDCount(t *testing.T) {
	a, b := socketpair(t)
	defer unix.Close(a)
	receiver := New(b)
	defer receiver.Close()

	// Send a sidecar claiming one http listener but attach no ancillary fds.
	body := []byte(`{"http":["127.0.0.1:80"],"tls":[],"tcp":[]}`)
	if err := unix.Sendmsg(a, body, nil, nil, 0); err != nil {
		t.Fatalf("sendmsg: %v", err)
	}

	if _, err := receiver.ReceiveListeners(); err != ErrShortFDCount {
		t.Fatalf("expected ErrShortFDCount, got %v", err)
	}
}
