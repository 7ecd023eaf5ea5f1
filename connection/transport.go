// Copyright 2021-2022 The walktrack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package connection

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/alwitt/walktrack/common"
	"github.com/gorilla/websocket"
)

// Transport a framed, bidirectional client connection
type Transport interface {
	// ReadFrame block until the next data frame arrives. Fails with ErrConnectionClosed
	// once the transport is closed.
	ReadFrame(ctxt context.Context) ([]byte, error)
	// WriteFrame send one data frame. Only one goroutine may write at a time.
	WriteFrame(ctxt context.Context, frame []byte) error
	// Ping send a heartbeat ping
	Ping(ctxt context.Context) error
	// SetPongHandler set the callback for heartbeat replies
	SetPongHandler(handler func())
	// Close close the transport. Safe to call more than once.
	Close(reason string) error
	// RemoteAddr the remote end of the transport
	RemoteAddr() string
}

// maxCloseReason longest close reason a close frame can carry
const maxCloseReason = 120

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// websocketTransport Transport on a WebSocket connection
type websocketTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration
	closeOnce sync.Once
}

// UpgradeWebSocket upgrade a HTTP request into a WebSocket Transport
func UpgradeWebSocket(
	w http.ResponseWriter, r *http.Request, maxFrameSize int64, writeWait time.Duration,
) (Transport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketTransport(conn, maxFrameSize, writeWait), nil
}

// NewWebSocketTransport wrap an established WebSocket connection
func NewWebSocketTransport(
	conn *websocket.Conn, maxFrameSize int64, writeWait time.Duration,
) Transport {
	conn.SetReadLimit(maxFrameSize)
	return &websocketTransport{conn: conn, writeWait: writeWait}
}

func (t *websocketTransport) deadline(ctxt context.Context) time.Time {
	if deadline, ok := ctxt.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(t.writeWait)
}

// ReadFrame block until the next data frame arrives
func (t *websocketTransport) ReadFrame(ctxt context.Context) ([]byte, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", common.ErrConnectionClosed, err.Error())
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteFrame send one data frame
func (t *websocketTransport) WriteFrame(ctxt context.Context, frame []byte) error {
	if err := t.conn.SetWriteDeadline(t.deadline(ctxt)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

// Ping send a heartbeat ping
func (t *websocketTransport) Ping(ctxt context.Context) error {
	return t.conn.WriteControl(websocket.PingMessage, nil, t.deadline(ctxt))
}

// SetPongHandler set the callback for heartbeat replies
func (t *websocketTransport) SetPongHandler(handler func()) {
	t.conn.SetPongHandler(func(string) error {
		handler()
		return nil
	})
}

// Close close the transport
func (t *websocketTransport) Close(reason string) error {
	var err error
	t.closeOnce.Do(func() {
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, trimCloseReason(reason)),
			time.Now().Add(t.writeWait),
		)
		err = t.conn.Close()
	})
	return err
}

// trimCloseReason cut the reason to fit a close frame, on a rune boundary
func trimCloseReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

// RemoteAddr the remote end of the transport
func (t *websocketTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
