// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package services

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kbase/transferbox/progress"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the control panel may be served from anywhere on the LAN
	},
}

// the set of connected websocket clients
type clientSet struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newClientSet() *clientSet {
	return &clientSet{conns: make(map[*websocket.Conn]struct{})}
}

func (s *clientSet) add(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *clientSet) remove(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// closes every connection, which ends its reader and writer
func (s *clientSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	clear(s.conns)
}

// upgrades a request to a websocket on which the engine's initial state and
// then every published event are pushed. Clients only listen; anything they
// send is discarded.
func (service *transferBoxService) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn(fmt.Sprintf("Websocket upgrade failed for %s: %s", r.RemoteAddr, err))
		return
	}
	slog.Debug(fmt.Sprintf("Websocket client connected: %s", r.RemoteAddr))

	// subscribe before reading the status so no event falls between them
	bus := service.Engine.Bus()
	sub := bus.Subscribe()
	status := service.Engine.Status()
	service.clients.add(conn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		readLoop(conn)
	}()

	writeLoop(conn, sub, done, progress.InitialStateEvent(progress.InitialStateData{
		State:       string(status.State),
		Destination: status.Destination,
		Progress:    status.Progress,
	}))

	bus.Unsubscribe(sub)
	service.clients.remove(conn)
	conn.Close()
	<-done
	slog.Debug(fmt.Sprintf("Websocket client disconnected: %s", r.RemoteAddr))
}

// reads (and discards) client messages until the connection fails, keeping
// the read deadline current with each pong
func readLoop(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway,
				websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Debug(fmt.Sprintf("Websocket read error: %s", err))
			}
			return
		}
	}
}

// writes the first event and then every event from the subscription, with
// periodic pings, until the subscription or the connection ends
func writeLoop(conn *websocket.Conn, sub *progress.Subscription, done <-chan struct{},
	first progress.Event) {
	write := func(event progress.Event) bool {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(event); err != nil {
			slog.Debug(fmt.Sprintf("Websocket write error: %s", err))
			return false
		}
		return true
	}
	if !write(first) {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case event, open := <-sub.Events():
			if !open {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if !write(event) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
