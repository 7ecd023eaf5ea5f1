package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alwitt/walktrack/common"
	"github.com/stretchr/testify/assert"
)

// memoryTransport in-process Transport driven by a test client
type memoryTransport struct {
	inbound   chan []byte
	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	autoPong  bool
	pings     int32
	lock      sync.Mutex
	pong      func()
	reason    string
}

func newMemoryTransport(autoPong bool) *memoryTransport {
	return &memoryTransport{
		inbound:  make(chan []byte, 16),
		outbound: make(chan []byte, 256),
		closed:   make(chan struct{}),
		autoPong: autoPong,
	}
}

func (t *memoryTransport) ReadFrame(ctxt context.Context) ([]byte, error) {
	select {
	case frame := <-t.inbound:
		return frame, nil
	case <-t.closed:
		return nil, fmt.Errorf("%w: memory transport", common.ErrConnectionClosed)
	}
}

func (t *memoryTransport) WriteFrame(ctxt context.Context, frame []byte) error {
	select {
	case <-t.closed:
		return common.ErrConnectionClosed
	default:
	}
	select {
	case t.outbound <- frame:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

func (t *memoryTransport) Ping(ctxt context.Context) error {
	atomic.AddInt32(&t.pings, 1)
	if t.autoPong {
		t.lock.Lock()
		pong := t.pong
		t.lock.Unlock()
		if pong != nil {
			go pong()
		}
	}
	return nil
}

func (t *memoryTransport) SetPongHandler(handler func()) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.pong = handler
}

func (t *memoryTransport) Close(reason string) error {
	t.closeOnce.Do(func() {
		t.lock.Lock()
		t.reason = reason
		t.lock.Unlock()
		close(t.closed)
	})
	return nil
}

func (t *memoryTransport) RemoteAddr() string {
	return "memory"
}

// ---------------------------------------------------------------------------
// test client helpers

func (t *memoryTransport) sendJSON(tc *testing.T, frame string) {
	select {
	case t.inbound <- []byte(frame):
	case <-time.After(time.Second):
		assert.Fail(tc, "unable to send frame")
	}
}

// next wait for the next server frame
func (t *memoryTransport) next(tc *testing.T) map[string]interface{} {
	select {
	case frame := <-t.outbound:
		parsed := map[string]interface{}{}
		assert.Nil(tc, json.Unmarshal(frame, &parsed))
		return parsed
	case <-time.After(time.Second):
		assert.Fail(tc, "no frame received")
		return map[string]interface{}{}
	}
}

func (t *memoryTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *memoryTransport) waitClosed(tc *testing.T) {
	select {
	case <-t.closed:
	case <-time.After(time.Second * 2):
		assert.Fail(tc, "transport not closed")
	}
}
