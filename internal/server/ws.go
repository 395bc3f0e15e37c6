package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// pumpToSocket writes every value from the stream to the connection as a
// JSON frame until the client disconnects or the stream closes. cancel is
// always called before returning.
func (js *JamServer) pumpToSocket(conn *websocket.Conn, values <-chan interface{}, cancel func()) {
	// Drain after cancelling so the bridging goroutine can finish.
	defer func() {
		for range values {
		}
	}()
	defer cancel()
	defer conn.Close()

	// Read pump: we never expect client frames, but reading is required
	// to notice the close handshake.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case v, ok := <-values:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(v); err != nil {
				js.logger.WithError(err).Debug("WebSocket write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// handleWatchSession streams full session snapshots as they change.
func (js *JamServer) handleWatchSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	stream, err := js.coordinator.ObserveSession(sessionID)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		stream.Cancel()
		js.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	values := make(chan interface{})
	go func() {
		defer close(values)
		for s := range stream.C {
			values <- s
		}
	}()

	js.logger.WithField("session_id", sessionID).Debug("Session watcher connected")
	js.pumpToSocket(conn, values, stream.Cancel)
}

// handleWatchChat streams ordered chat history batches.
func (js *JamServer) handleWatchChat(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	stream, err := js.coordinator.ObserveChat(sessionID)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		stream.Cancel()
		js.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	values := make(chan interface{})
	go func() {
		defer close(values)
		for batch := range stream.C {
			values <- batch
		}
	}()

	js.logger.WithField("session_id", sessionID).Debug("Chat watcher connected")
	js.pumpToSocket(conn, values, stream.Cancel)
}

// handleWatchReactions streams recent reaction batches.
func (js *JamServer) handleWatchReactions(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	stream, err := js.coordinator.ObserveReactions(sessionID)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		stream.Cancel()
		js.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	values := make(chan interface{})
	go func() {
		defer close(values)
		for batch := range stream.C {
			values <- batch
		}
	}()

	js.logger.WithField("session_id", sessionID).Debug("Reaction watcher connected")
	js.pumpToSocket(conn, values, stream.Cancel)
}
