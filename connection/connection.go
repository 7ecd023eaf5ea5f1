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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/walktrack/common"
	"github.com/alwitt/walktrack/dispatch"
	"github.com/alwitt/walktrack/protocol"
	"github.com/apex/log"
)

// State connection lifecycle state
type State int

const (
	// StateConnecting transport is up, handshake pending
	StateConnecting State = iota
	// StateAuthenticated handshake accepted
	StateAuthenticated
	// StateStreaming registered as a publisher or subscriber
	StateStreaming
	// StateClosed connection is closed
	StateClosed
)

// String toString function
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// pendingGaugeLabel connection gauge label before the handshake
const pendingGaugeLabel = "pending"

// connection one client connection. The reader goroutine processes inbound frames;
// the writer goroutine owns every write to the transport.
type connection struct {
	common.Component
	manager   *managerImpl
	transport Transport
	ctxt      context.Context
	cancel    context.CancelFunc

	lock        sync.Mutex
	param       common.ConnectionParam
	state       State
	gaugeLabel  string
	closeReason string
	finalFrame  []byte

	// samples outbound queue of a subscribed owner
	samples     *dispatch.SampleQueue
	control     chan []byte
	missedPongs int32

	// unauthorized consecutive unauthorized submissions, reader goroutine only
	unauthorized int
}

func (c *connection) getState() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

func (c *connection) getParam() common.ConnectionParam {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.param
}

// SubscriberID the owner's participant ID
func (c *connection) SubscriberID() string {
	return c.getParam().ParticipantID
}

// Enqueue queue a sample for delivery to the owner
func (c *connection) Enqueue(sample common.LocationSample) bool {
	return c.samples.Push(sample)
}

// close move to closed and stop both loops. final, if set, is the last frame sent
// to the client after the queued frames.
func (c *connection) close(reason string, final []byte) {
	c.lock.Lock()
	if c.state == StateClosed {
		c.lock.Unlock()
		return
	}
	c.state = StateClosed
	c.closeReason = reason
	c.finalFrame = final
	logTags := c.param.UpdateLogTags(c.LogTags)
	c.lock.Unlock()
	log.WithFields(logTags).Infof("Closing connection: %s", reason)
	c.cancel()
}

// closeWithReject close the connection after sending a reject
func (c *connection) closeWithReject(sessionID string, err error) {
	frame, encodeErr := protocol.Encode(protocol.NewReject(sessionID, err))
	if encodeErr != nil {
		frame = nil
	}
	c.close(err.Error(), frame)
}

// send queue a control frame for the writer
func (c *connection) send(msg interface{}) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		log.WithError(err).WithFields(c.logTags()).Error("Unable to encode outbound message")
		return
	}
	select {
	case c.control <- frame:
	default:
		c.close("outbound queue overflow", nil)
	}
}

func (c *connection) logTags() log.Fields {
	return c.getParam().UpdateLogTags(c.LogTags)
}

func (c *connection) onPong() {
	atomic.StoreInt32(&c.missedPongs, 0)
}

// =========================================================================
// Reader

func (c *connection) readLoop() {
	defer c.close("transport closed", nil)
	for {
		frame, err := c.transport.ReadFrame(c.ctxt)
		if err != nil {
			log.WithError(err).WithFields(c.logTags()).Debug("Read ended")
			return
		}
		if !c.handleFrame(frame) {
			return
		}
	}
}

// handleFrame process one inbound frame. Returns false if the connection must stop
// reading.
func (c *connection) handleFrame(frame []byte) (keepReading bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(c.logTags()).Errorf("Frame processing panic: %v", r)
			c.closeWithReject(c.getParam().SessionID, fmt.Errorf("internal error"))
			keepReading = false
		}
	}()

	msg, err := protocol.Decode(frame)
	if err != nil {
		log.WithError(err).WithFields(c.logTags()).Info("Framing violation")
		c.closeWithReject(c.getParam().SessionID, err)
		return false
	}

	state := c.getState()
	if state == StateClosed {
		return false
	}
	if state == StateConnecting {
		hello, ok := msg.(protocol.HelloMessage)
		if !ok {
			c.closeWithReject("", common.ValidationErrorf("expected hello, got %s", msg.Tag()))
			return false
		}
		return c.handleHello(hello)
	}

	switch request := msg.(type) {
	case protocol.HelloMessage:
		c.closeWithReject(
			c.getParam().SessionID, common.ValidationErrorf("connection already authenticated"),
		)
		return false
	case protocol.LocationMessage:
		return c.handleLocation(request)
	case protocol.BackfillRequest:
		return c.handleBackfill(request)
	default:
		c.closeWithReject(
			c.getParam().SessionID, common.ValidationErrorf("unsupported message %s", msg.Tag()),
		)
		return false
	}
}

func (c *connection) handleHello(hello protocol.HelloMessage) bool {
	role, err := common.ParseRole(hello.Role)
	if err != nil {
		c.closeWithReject(hello.SessionID, err)
		return false
	}
	switch role {
	case common.RoleWalker:
		_, err = c.manager.sessions.ActivateForWalker(c.ctxt, hello.SessionID, hello.ParticipantID)
	case common.RoleOwner:
		if !c.manager.sessions.Authorize(hello.SessionID, hello.ParticipantID, common.RoleOwner) {
			err = common.UnauthorizedErrorf(
				"participant %s is not the owner of active session %s",
				hello.ParticipantID, hello.SessionID,
			)
		}
	}
	if err != nil {
		log.WithError(err).WithFields(c.logTags()).Warn("Handshake refused")
		c.closeWithReject(hello.SessionID, err)
		return false
	}

	c.lock.Lock()
	if c.state != StateConnecting {
		c.lock.Unlock()
		return false
	}
	c.state = StateAuthenticated
	c.param.Role = role
	c.param.ParticipantID = hello.ParticipantID
	c.param.SessionID = hello.SessionID
	c.manager.metrics.ActiveConnections.WithLabelValues(c.gaugeLabel).Dec()
	c.gaugeLabel = string(role)
	c.manager.metrics.ActiveConnections.WithLabelValues(c.gaugeLabel).Inc()
	c.lock.Unlock()
	log.WithFields(c.logTags()).Info("Authenticated")

	if !c.manager.register(c) {
		return false
	}
	// The session may have ended while registering
	if !c.manager.sessions.Authorize(hello.SessionID, hello.ParticipantID, role) {
		c.manager.unregister(c)
		if frame, err := protocol.Encode(
			protocol.NewSessionEnded(hello.SessionID, "session is not active"),
		); err == nil {
			c.close("session not active", frame)
		} else {
			c.close("session not active", nil)
		}
		return false
	}
	return true
}

func (c *connection) recordUnauthorized(sessionID string, err error) bool {
	c.unauthorized++
	if c.unauthorized >= c.manager.cfg.MaxUnauthorized {
		log.WithFields(c.logTags()).Warnf(
			"%d consecutive unauthorized submissions", c.unauthorized,
		)
		c.closeWithReject(sessionID, err)
		return false
	}
	c.send(protocol.NewReject(sessionID, err))
	return true
}

func (c *connection) handleLocation(msg protocol.LocationMessage) bool {
	param := c.getParam()
	if param.Role != common.RoleWalker || msg.SessionID != param.SessionID {
		if param.Role == common.RoleWalker {
			c.manager.metrics.UnauthorizedAttempts.Inc()
		}
		return c.recordUnauthorized(msg.SessionID, common.UnauthorizedErrorf(
			"connection may not publish to session %s", msg.SessionID,
		))
	}

	result, err := c.manager.ingest.Submit(c.ctxt, param.ParticipantID, msg)
	if err != nil {
		if errors.Is(err, common.ErrUnauthorized) {
			return c.recordUnauthorized(msg.SessionID, err)
		}
		c.unauthorized = 0
		c.send(protocol.NewReject(msg.SessionID, err))
		return true
	}
	c.unauthorized = 0
	if result.Status == protocol.AckAccepted {
		c.send(protocol.NewAcceptedAck(msg.SessionID, result.Sample.SequenceNo, msg.CapturedAt))
	} else {
		c.send(protocol.NewIgnoredAck(msg.SessionID, msg.CapturedAt))
	}
	return true
}

func (c *connection) handleBackfill(msg protocol.BackfillRequest) bool {
	param := c.getParam()
	if param.Role != common.RoleOwner || msg.SessionID != param.SessionID {
		return c.recordUnauthorized(msg.SessionID, common.UnauthorizedErrorf(
			"connection may not read session %s", msg.SessionID,
		))
	}
	c.unauthorized = 0
	samples, err := c.manager.backfill.Backfill(c.ctxt, msg.SessionID, msg.SinceSequenceNo, 0)
	if err != nil {
		log.WithError(err).WithFields(c.logTags()).Errorf("Backfill failed")
		c.send(protocol.NewReject(msg.SessionID, err))
		return true
	}
	c.send(protocol.NewBackfillReply(msg.SessionID, samples))
	return true
}

// =========================================================================
// Writer

func (c *connection) writeLoop() {
	ticker := time.NewTicker(c.manager.cfg.HeartbeatInterval)
	defer ticker.Stop()
	defer c.shutdownTransport()

	for {
		select {
		case <-c.ctxt.Done():
			return
		case frame := <-c.control:
			if err := c.write(c.ctxt, frame); err != nil {
				c.close("write failed", nil)
				return
			}
		case <-c.samples.Ready():
			if err := c.writeSamples(c.ctxt); err != nil {
				c.close("write failed", nil)
				return
			}
		case <-ticker.C:
			missed := atomic.LoadInt32(&c.missedPongs)
			if int(missed) >= c.manager.cfg.MaxMissedPongs {
				c.close(fmt.Sprintf("%d heartbeats missed", missed), nil)
				return
			}
			atomic.AddInt32(&c.missedPongs, 1)
			pingCtxt, cancel := context.WithTimeout(c.ctxt, c.manager.cfg.WriteWait)
			err := c.transport.Ping(pingCtxt)
			cancel()
			if err != nil {
				c.close("ping failed", nil)
				return
			}
		}
	}
}

func (c *connection) write(ctxt context.Context, frame []byte) error {
	useCtxt, cancel := context.WithTimeout(ctxt, c.manager.cfg.WriteWait)
	defer cancel()
	return c.transport.WriteFrame(useCtxt, frame)
}

func (c *connection) writeSamples(ctxt context.Context) error {
	for _, sample := range c.samples.Drain() {
		frame, err := protocol.Encode(protocol.NewLocationBroadcast(sample))
		if err != nil {
			log.WithError(err).WithFields(c.logTags()).Errorf("Unable to encode %s", sample)
			continue
		}
		if err := c.write(ctxt, frame); err != nil {
			return err
		}
	}
	return nil
}

// shutdownTransport on a graceful close, deliver what is queued and the final frame,
// then close the transport
func (c *connection) shutdownTransport() {
	c.lock.Lock()
	final := c.finalFrame
	reason := c.closeReason
	c.lock.Unlock()

	if final != nil {
		flushCtxt, cancel := context.WithTimeout(context.Background(), c.manager.cfg.WriteWait)
		defer cancel()
		flushed := true
	drain:
		for {
			select {
			case frame := <-c.control:
				if err := c.write(flushCtxt, frame); err != nil {
					flushed = false
					break drain
				}
			default:
				break drain
			}
		}
		if flushed && c.writeSamples(flushCtxt) == nil {
			_ = c.write(flushCtxt, final)
		}
	}
	c.samples.Close()
	if err := c.transport.Close(reason); err != nil {
		log.WithError(err).WithFields(c.logTags()).Debug("Transport close failed")
	}
}
