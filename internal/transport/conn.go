// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package transport implements the frontend duplex socket (spec.md §6.1):
// gorilla/websocket upgrade, read/write pump goroutines generalized from
// the teacher's PTY hub client, and JSON frame routing into the Session
// Registry, Correlation Layer, and Query Engine.
package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 * 1024
	outputBuffer   = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is one upgraded frontend socket connection. It implements
// frontend.Socket so the Session Registry and Correlation Layer can send
// frames to it without importing gorilla/websocket.
type Conn struct {
	ws     *websocket.Conn
	output chan []byte
	log    *zap.Logger

	mu   sync.Mutex
	open bool
}

func newConn(ws *websocket.Conn, log *zap.Logger) *Conn {
	return &Conn{ws: ws, output: make(chan []byte, outputBuffer), log: log, open: true}
}

// Send marshals v and queues it for delivery on the write pump.
func (c *Conn) Send(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		return websocket.ErrCloseSent
	}
	select {
	case c.output <- body:
		return nil
	default:
		// Output buffer full: the connection is not draining, treat like a
		// dead socket rather than blocking the caller indefinitely.
		return websocket.ErrCloseSent
	}
}

// Close marks the connection closed and writes a close control frame with
// the given code/reason directly to the socket, bypassing the write pump's
// queue.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	c.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	return c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// IsOpen reports whether the connection is still considered live.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *Conn) markClosed() {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
}

// readPump blocks reading frames and handing each decoded frame to onFrame
// until the socket errs or closes.
func (c *Conn) readPump(onFrame func(raw []byte)) {
	defer c.markClosed()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("frontend socket read error", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		onFrame(data)
	}
}

// writePump drains the output channel to the socket and keeps it alive
// with periodic pings, mirroring the teacher's hub client write pump.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case body, ok := <-c.output:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
