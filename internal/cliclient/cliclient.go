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

// Package cliclient implements the CLI half of the control protocol: dial
// the control socket, send one CommandRequest, and read responses until a
// terminal status arrives, printing PROCESSING updates as they come in.
package cliclient

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"warden/internal/channel"
	"warden/internal/wire"
)

// Client holds one blocking connection to the control socket. The CLI is a
// one-shot process: unlike the Command Server, it has no event loop to be
// readiness-driven by, so the channel stays in blocking mode for its whole
// lifetime.
type Client struct {
	fd      int
	channel *channel.FramedChannel[wire.CommandRequest, wire.CommandResponse]
}

// Dial connects to the control socket at path.
func Dial(path string) (*Client, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("cliclient: create socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("cliclient: connect %s: %w", path, err)
	}
	ch := channel.New[wire.CommandRequest, wire.CommandResponse](fd, 4096, 1<<20)
	return &Client{fd: fd, channel: ch}, nil
}

// Close releases the underlying socket.
func (c *Client) Close() error {
	return unix.Close(c.fd)
}

// Send writes one request and blocks until a terminal (OK or ERROR)
// response arrives, invoking onProcessing for every intermediate PROCESSING
// reply along the way. A nil onProcessing silently discards
// them.
func (c *Client) Send(req wire.CommandRequest, onProcessing func(message string)) (wire.CommandResponse, error) {
	if err := c.channel.WriteMessage(req); err != nil {
		return wire.CommandResponse{}, fmt.Errorf("cliclient: send request: %w", err)
	}
	for {
		resp, err := c.readBlocking()
		if err != nil {
			return wire.CommandResponse{}, err
		}
		if resp.Status == wire.StatusProcessing {
			if onProcessing != nil {
				onProcessing(resp.Message)
			}
			continue
		}
		return resp, nil
	}
}

// readBlocking calls the channel's ReadMessage until it yields a frame. The
// Client's fd is in blocking mode, so ReadMessage waits in the kernel read
// until bytes arrive; ErrWouldBlock only means the bytes read so far hold no
// complete frame, and the loop reads again after a short sleep. The CLI is
// fine parking like this because it is driving exactly one request at a
// time, not an event loop serving many.
func (c *Client) readBlocking() (wire.CommandResponse, error) {
	for {
		resp, err := c.channel.ReadMessage()
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, channel.ErrWouldBlock) {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		return wire.CommandResponse{}, fmt.Errorf("cliclient: read response: %w", err)
	}
}

// SubscribeEvents sends an OrderSubscribeEvents request and then hands every
// subsequent frame off to onEvent until the connection closes or ctx-less
// caller stops calling it.
func (c *Client) SubscribeEvents(onEvent func(wire.ProxyEvent)) error {
	req, err := wire.NewRequest("subscribe", wire.OrderSubscribeEvents, nil)
	if err != nil {
		return fmt.Errorf("cliclient: build subscribe request: %w", err)
	}
	if _, err := c.Send(req, nil); err != nil {
		return err
	}
	for {
		resp, err := c.readBlocking()
		if err != nil {
			return err
		}
		var ev wire.ProxyEvent
		if err := resp.DecodeContent(&ev); err != nil {
			continue
		}
		onEvent(ev)
	}
}
