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

// Package scmsocket wraps a local datagram-capable socket configured to
// carry file descriptors as ancillary ("rights") data, the out-of-band
// companion to a Framed Channel used to hand live listening sockets from the
// Supervisor to a worker.
package scmsocket

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// MaxFDsOut and MaxBytesOut bound a single SCM message: at most this many
// file descriptors, and at most this many bytes for the JSON sidecar body.
const (
	MaxFDsOut   = 200
	MaxBytesOut = 4096
)

// ErrTooManyFDs and ErrSidecarTooLarge guard the per-message limits before a
// send is attempted.
var (
	ErrTooManyFDs      = errors.New("scmsocket: too many file descriptors for one message")
	ErrSidecarTooLarge = errors.New("scmsocket: sidecar body exceeds max size")
	// ErrShortFDCount is returned when fewer fds arrived than the sidecar
	// claims. The protocol does not allow partial fd delivery, so this is a
	// fatal framing error.
	ErrShortFDCount = errors.New("scmsocket: short file descriptor count")
)

// ScmSocket is a thin wrapper around a connected AF_UNIX SOCK_DGRAM (or
// SOCK_STREAM, for symmetry with the paired Framed Channel) file descriptor.
type ScmSocket struct {
	fd       int
	blocking bool
}

// New wraps fd. The socket starts in blocking mode, matching the bootstrap
// handshake default shared with Framed Channel.
func New(fd int) *ScmSocket {
	return &ScmSocket{fd: fd, blocking: true}
}

func (s *ScmSocket) Fd() int { return s.fd }

func (s *ScmSocket) Blocking() error {
	if err := unix.SetNonblock(s.fd, false); err != nil {
		return fmt.Errorf("scmsocket: set blocking: %w", err)
	}
	s.blocking = true
	return nil
}

func (s *ScmSocket) Nonblocking() error {
	if err := unix.SetNonblock(s.fd, true); err != nil {
		return fmt.Errorf("scmsocket: set nonblocking: %w", err)
	}
	s.blocking = false
	return nil
}

func (s *ScmSocket) Close() error { return unix.Close(s.fd) }

// ListenerFD pairs a listener's address with its open file descriptor.
type ListenerFD struct {
	Addr string
	FD   int
}

// Listeners is the set of in-force listening sockets handed across an
// ScmSocket in one message, grouped by protocol kind.
type Listeners struct {
	HTTP []ListenerFD
	TLS  []ListenerFD
	TCP  []ListenerFD
}

// listenersCount is the wire sidecar body: just the addresses, in the same
// order as the concatenated ancillary fd vector (http, then tls, then tcp).
type listenersCount struct {
	HTTP []string `json:"http"`
	TLS  []string `json:"tls"`
	TCP  []string `json:"tcp"`
}

// SendListeners encodes the sidecar body and sends a single message whose
// ancillary data is the concatenated fd vector in (http, tls, tcp) order.
// The caller remains the owner of the fds: the OS duplicates them into the
// message, and SendListeners neither closes nor dups them. The sender's own
// copies stay open after a successful send.
func (s *ScmSocket) SendListeners(l Listeners) error {
	count := listenersCount{
		HTTP: addrsOf(l.HTTP),
		TLS:  addrsOf(l.TLS),
		TCP:  addrsOf(l.TCP),
	}
	body, err := json.Marshal(count)
	if err != nil {
		return fmt.Errorf("scmsocket: encode sidecar: %w", err)
	}
	if len(body) > MaxBytesOut {
		return ErrSidecarTooLarge
	}

	fds := make([]int, 0, len(l.HTTP)+len(l.TLS)+len(l.TCP))
	for _, lf := range l.HTTP {
		fds = append(fds, lf.FD)
	}
	for _, lf := range l.TLS {
		fds = append(fds, lf.FD)
	}
	for _, lf := range l.TCP {
		fds = append(fds, lf.FD)
	}
	if len(fds) > MaxFDsOut {
		return ErrTooManyFDs
	}

	var rights []byte
	if len(fds) > 0 {
		rights = unix.UnixRights(fds...)
	}

	flags := 0
	if !s.blocking {
		flags = unix.MSG_DONTWAIT
	}
	if err := unix.Sendmsg(s.fd, body, rights, nil, flags); err != nil {
		return fmt.Errorf("scmsocket: sendmsg: %w", err)
	}
	return nil
}

func addrsOf(fds []ListenerFD) []string {
	out := make([]string, len(fds))
	for i, lf := range fds {
		out[i] = lf.Addr
	}
	return out
}

// ReceiveListeners is the inverse of SendListeners: it reads one message,
// parses the sidecar, and zips the received fds with addresses by
// positional index per kind (http, then tls, then tcp).
func (s *ScmSocket) ReceiveListeners() (Listeners, error) {
	buf := make([]byte, MaxBytesOut)
	oob := make([]byte, unix.CmsgSpace(MaxFDsOut*4))

	flags := 0
	if !s.blocking {
		flags = unix.MSG_DONTWAIT
	}

	n, oobn, _, _, err := unix.Recvmsg(s.fd, buf, oob, flags)
	if err != nil {
		return Listeners{}, fmt.Errorf("scmsocket: recvmsg: %w", err)
	}

	var count listenersCount
	if err := json.Unmarshal(buf[:n], &count); err != nil {
		return Listeners{}, fmt.Errorf("scmsocket: decode sidecar: %w", err)
	}

	fds, err := extractRights(oob[:oobn])
	if err != nil {
		return Listeners{}, err
	}

	want := len(count.HTTP) + len(count.TLS) + len(count.TCP)
	if len(fds) < want {
		return Listeners{}, ErrShortFDCount
	}

	idx := 0
	http := zip(count.HTTP, fds[idx:idx+len(count.HTTP)])
	idx += len(count.HTTP)
	tls := zip(count.TLS, fds[idx:idx+len(count.TLS)])
	idx += len(count.TLS)
	tcp := zip(count.TCP, fds[idx:idx+len(count.TCP)])

	return Listeners{HTTP: http, TLS: tls, TCP: tcp}, nil
}

func extractRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("scmsocket: parse control message: %w", err)
	}
	var fds []int
	for _, msg := range msgs {
		rights, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func zip(addrs []string, fds []int) []ListenerFD {
	out := make([]ListenerFD, len(addrs))
	for i, a := range addrs {
		out[i] = ListenerFD{Addr: a, FD: fds[i]}
	}
	return out
}

// GetHTTP, GetHTTPS and GetTCP remove and return the fd for addr from the
// respective set, mirroring the original's per-kind lookup used while a
// worker claims its preloaded listeners.
func (l *Listeners) GetHTTP(addr string) (int, bool)  { return pop(&l.HTTP, addr) }
func (l *Listeners) GetHTTPS(addr string) (int, bool) { return pop(&l.TLS, addr) }
func (l *Listeners) GetTCP(addr string) (int, bool)   { return pop(&l.TCP, addr) }

func pop(set *[]ListenerFD, addr string) (int, bool) {
	for i, lf := range *set {
		if lf.Addr == addr {
			fd := lf.FD
			*set = append((*set)[:i], (*set)[i+1:]...)
			return fd, true
		}
	}
	return 0, false
}

// Close closes every fd still held across all three kinds. Used when a
// Listeners value was received but its fds turned out to be unneeded (e.g.
// an aborted worker spawn).
func (l *Listeners) Close() {
	for _, set := range [][]ListenerFD{l.HTTP, l.TLS, l.TCP} {
		for _, lf := range set {
			_ = unix.Close(lf.FD)
		}
	}
}
