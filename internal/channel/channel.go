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

// Package channel implements the Framed Channel: a bidirectional,
// NUL-delimited message pipe over a local stream socket, generic over the
// request type sent and the response type received. Frames are UTF-8 JSON
// objects terminated by a single NUL byte (0x00), chosen over a binary
// length header so that a tap on the socket stays human-debuggable and
// partial reads accumulate naturally.
package channel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const delimiter = 0x00

// Sentinel errors surfaced by ReadMessage/WriteMessage. These are the
// Protocol-kind errors: they close only the offending channel and
// never mutate state.
var (
	ErrWouldBlock = errors.New("channel: would block")
	ErrClosed     = errors.New("channel: closed")
	ErrMalformed  = errors.New("channel: malformed frame")
	ErrOverflow   = errors.New("channel: buffer overflow")
)

// Readiness mirrors the bitmask the owning event loop maintains over this
// channel's file descriptor.
type Readiness struct {
	Readable bool
	Writable bool
	Error    bool
	Hup      bool
}

// FramedChannel is parameterized by R, the type of message this end writes,
// and S, the type of message this end reads.
type FramedChannel[R any, S any] struct {
	fd       int
	blocking bool

	readBuf []byte // accumulated, not-yet-parsed bytes
	writeBuf []byte // encoded, not-yet-flushed bytes

	initialSize int
	maxSize     int

	ready Readiness
	// interestWrite is true when a previous flush hit EAGAIN and the owning
	// event loop should watch for writability before calling WriteMessage
	// again.
	interestWrite bool
}

// New wraps fd (already a connected, local stream socket) as a Framed
// Channel. The channel starts in blocking mode, matching the bootstrap
// handshake default; callers flip to Nonblocking() once steady
// state begins.
func New[R any, S any](fd int, initialSize, maxSize int) *FramedChannel[R, S] {
	return &FramedChannel[R, S]{
		fd:          fd,
		blocking:    true,
		readBuf:     make([]byte, 0, initialSize),
		writeBuf:    make([]byte, 0, initialSize),
		initialSize: initialSize,
		maxSize:     maxSize,
	}
}

// Fd returns the underlying file descriptor, e.g. for registration with a
// poller or for marking inheritable across exec.
func (c *FramedChannel[R, S]) Fd() int { return c.fd }

// Blocking switches the underlying socket to blocking mode. Used only during
// bootstrap handshakes.
func (c *FramedChannel[R, S]) Blocking() error {
	if err := unix.SetNonblock(c.fd, false); err != nil {
		return fmt.Errorf("channel: set blocking: %w", err)
	}
	c.blocking = true
	return nil
}

// Nonblocking switches the underlying socket to nonblocking mode, the
// steady-state default.
func (c *FramedChannel[R, S]) Nonblocking() error {
	if err := unix.SetNonblock(c.fd, true); err != nil {
		return fmt.Errorf("channel: set nonblocking: %w", err)
	}
	c.blocking = false
	return nil
}

// Readiness returns the last readiness bitmask the owning event loop set.
func (c *FramedChannel[R, S]) Readiness() Readiness { return c.ready }

// SetReadable/SetWritable/SetError/SetHup are called by the owning event
// loop after a poll cycle to record this channel's readiness.
func (c *FramedChannel[R, S]) SetReadable(v bool) { c.ready.Readable = v }
func (c *FramedChannel[R, S]) SetWritable(v bool) { c.ready.Writable = v }
func (c *FramedChannel[R, S]) SetError(v bool)    { c.ready.Error = v }
func (c *FramedChannel[R, S]) SetHup(v bool)       { c.ready.Hup = v }

// WantWrite reports whether the event loop should include this fd in its
// writable interest set, i.e. a previous flush left bytes buffered.
func (c *FramedChannel[R, S]) WantWrite() bool { return c.interestWrite || len(c.writeBuf) > 0 }

// WriteMessage encodes msg as NUL-terminated JSON, appends it to the send
// buffer, and attempts a nonblocking flush. It grows the send buffer up to
// maxSize as needed and returns ErrOverflow when the attempted message plus
// already-buffered content would exceed maxSize; in that case nothing is
// appended and the channel remains usable for smaller subsequent messages.
func (c *FramedChannel[R, S]) WriteMessage(msg R) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("channel: encode message: %w", err)
	}
	framed := make([]byte, 0, len(encoded)+1)
	framed = append(framed, encoded...)
	framed = append(framed, delimiter)

	if len(c.writeBuf)+len(framed) > c.maxSize {
		return ErrOverflow
	}
	c.writeBuf = append(c.writeBuf, framed...)
	return c.flush()
}

// flush attempts a nonblocking write of the buffered bytes, trimming
// whatever was accepted by the kernel.
func (c *FramedChannel[R, S]) flush() error {
	for len(c.writeBuf) > 0 {
		n, err := unix.Write(c.fd, c.writeBuf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				c.interestWrite = true
				return nil
			}
			c.ready.Error = true
			return fmt.Errorf("channel: write: %w", err)
		}
		if n == 0 {
			c.interestWrite = true
			return nil
		}
		c.writeBuf = c.writeBuf[n:]
	}
	c.interestWrite = false
	return nil
}

// FlushPending is called by the owning event loop when it observes
// writability on a channel that previously asked for it.
func (c *FramedChannel[R, S]) FlushPending() error {
	return c.flush()
}

// ReadMessage parses the first complete NUL-terminated frame in the read
// buffer; when none is buffered it first performs one read from the fd
// (growing the buffer up to maxSize), which waits in the kernel if the
// channel is in blocking mode. It returns ErrWouldBlock when no complete
// frame is available yet, ErrClosed
// when the peer has closed the connection, and ErrMalformed when a frame's
// bytes do not parse as the expected JSON shape.
func (c *FramedChannel[R, S]) ReadMessage() (S, error) {
	var zero S

	// A frame already buffered by an earlier read is parsed without
	// touching the fd again.
	if bytes.IndexByte(c.readBuf, delimiter) < 0 {
		if err := c.fill(); err != nil {
			return zero, err
		}
	}

	idx := bytes.IndexByte(c.readBuf, delimiter)
	if idx < 0 {
		if len(c.readBuf) >= c.maxSize {
			return zero, ErrOverflow
		}
		return zero, ErrWouldBlock
	}

	frame := c.readBuf[:idx]
	c.readBuf = append([]byte(nil), c.readBuf[idx+1:]...)

	var msg S
	if err := json.Unmarshal(frame, &msg); err != nil {
		return zero, ErrMalformed
	}
	return msg, nil
}

// fill performs one nonblocking read into the read buffer, growing its
// backing array up to maxSize.
func (c *FramedChannel[R, S]) fill() error {
	if len(c.readBuf) >= c.maxSize {
		// A full frame may already be sitting in the buffer; let the
		// caller try to parse it before declaring overflow.
		return nil
	}

	room := c.maxSize - len(c.readBuf)
	chunk := c.initialSize
	if chunk > room {
		chunk = room
	}
	tmp := make([]byte, chunk)

	n, err := unix.Read(c.fd, tmp)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return nil
		}
		c.ready.Error = true
		return fmt.Errorf("channel: read: %w", err)
	}
	if n == 0 {
		c.ready.Hup = true
		return ErrClosed
	}
	c.readBuf = append(c.readBuf, tmp[:n]...)
	return nil
}

// Close closes the underlying file descriptor.
func (c *FramedChannel[R, S]) Close() error {
	return unix.Close(c.fd)
}
