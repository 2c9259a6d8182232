// Portions of this code are:
// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/olivere/jobqueue"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	// Time allowed to look up a job on behalf of the peer.
	lookupTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// hub maintains the set of active connections and fans out messages
// to them.
type hub struct {
	logger *zap.Logger

	// Registered connections.
	connections map[*connection]bool

	// Messages for all connections.
	broadcast chan []byte

	// Messages for a single connection.
	direct chan directMessage

	register   chan *connection
	unregister chan *connection

	// Set once run has started.
	running atomic.Bool

	// Closed when run returns.
	done chan struct{}
}

type directMessage struct {
	c       *connection
	payload []byte
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		logger:      logger,
		connections: make(map[*connection]bool),
		broadcast:   make(chan []byte),
		direct:      make(chan directMessage),
		register:    make(chan *connection),
		unregister:  make(chan *connection),
		done:        make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	h.running.Store(true)
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.connections[c] = true
		case c := <-h.unregister:
			h.remove(c)
		case m := <-h.direct:
			if h.connections[m.c] {
				h.send(m.c, m.payload)
			}
		case payload := <-h.broadcast:
			for c := range h.connections {
				h.send(c, payload)
			}
		case <-ctx.Done():
			for c := range h.connections {
				h.remove(c)
			}
			return
		}
	}
}

// accepting reports whether run is active and new connections are served.
func (h *hub) accepting() bool {
	if !h.running.Load() {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// send queues the payload for c and drops c if it cannot keep up.
func (h *hub) send(c *connection, payload []byte) {
	select {
	case c.send <- payload:
	default:
		h.remove(c)
	}
}

func (h *hub) remove(c *connection) {
	if h.connections[c] {
		delete(h.connections, c)
		close(c.send)
	}
}

// publish sends v to all connections. It returns immediately if the hub
// is not running any more.
func (h *hub) publish(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("unable to encode message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- payload:
	case <-h.done:
	}
}

// connection is an middleman between the websocket connection and the hub.
type connection struct {
	// The websocket connection.
	ws *websocket.Conn
	// Buffered channel of outbound messages.
	send chan []byte
	h    *hub
	m    *jobqueue.Manager
}

// lookupResponse is the answer to a JOB_LOOKUP message.
type lookupResponse struct {
	Type    string        `json:"type"`
	Message string        `json:"message,omitempty"`
	Job     *jobqueue.Job `json:"job,omitempty"`
}

// readPump pumps messages from the websocket connection to the hub.
func (c *connection) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.h.unregister <- c:
		case <-c.h.done:
		}
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		err := c.ws.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.h.logger.Warn("websocket read failed", zap.Error(err))
			}
			break
		}
		switch msg.Type {
		case "JOB_LOOKUP":
			rsp := c.lookup(ctx, msg.ID)
			payload, err := json.Marshal(rsp)
			if err != nil {
				c.h.logger.Error("unable to encode message", zap.Error(err))
				continue
			}
			select {
			case c.h.direct <- directMessage{c: c, payload: payload}:
			case <-c.h.done:
				return
			}
		}
	}
}

func (c *connection) lookup(ctx context.Context, id string) *lookupResponse {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	rsp := &lookupResponse{Type: "JOB_LOOKUP"}
	job, err := c.m.Lookup(ctx, id)
	switch {
	case errors.Is(err, jobqueue.ErrNotFound):
		rsp.Message = "Job not found"
	case err != nil:
		c.h.logger.Error("job lookup failed", zap.String("id", id), zap.Error(err))
		rsp.Message = "Job cannot be looked up"
	default:
		rsp.Job = job
	}
	return rsp
}

// write writes a message with the given message type and payload.
func (c *connection) write(mt int, payload []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

// writePump pumps messages from the hub to the websocket connection.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

// serveWS handles websocket requests from the peer.
func (srv *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if !srv.hub.accepting() {
		writeJSON(w, http.StatusServiceUnavailable, Envelope{Error: &APIError{
			Code:    "unavailable",
			Message: "state stream is not running",
		}})
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &connection{send: make(chan []byte, 256), ws: ws, h: srv.hub, m: srv.m}
	select {
	case srv.hub.register <- c:
	case <-srv.hub.done:
		ws.Close()
		return
	}
	go c.writePump()
	c.readPump(r.Context())
}
