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
	"sync"
	"time"

	"github.com/alwitt/walktrack/common"
	"github.com/alwitt/walktrack/dispatch"
	"github.com/alwitt/walktrack/ingestion"
	"github.com/alwitt/walktrack/protocol"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// SessionGate session checks the manager needs during the handshake
type SessionGate interface {
	Authorize(sessionID, participantID string, role common.Role) bool
	ActivateForWalker(ctxt context.Context, sessionID, walkerID string) (common.WalkSession, error)
}

// Subscription an owner connection receiving a session's samples
type Subscription struct {
	SessionID    string `json:"session_id"`
	SubscriberID string `json:"subscriber_id"`
	ConnectionID string `json:"connection_id"`
}

// Manager owns client connections, publishers and subscriptions
type Manager interface {
	dispatch.SubscriptionDirectory
	// Serve run a client connection until it closes
	Serve(ctxt context.Context, transport Transport) error
	// Subscriptions the current subscriptions of a session
	Subscriptions(sessionID string) []Subscription
	// Publisher the connection ID of the session's walker, if connected
	Publisher(sessionID string) (string, bool)
}

// Config connection manager parameters
type Config struct {
	// Shards number of session shards
	Shards int
	// AuthGracePeriod time allowed for the handshake
	AuthGracePeriod time.Duration
	// HeartbeatInterval ping period
	HeartbeatInterval time.Duration
	// MaxMissedPongs unanswered pings before closing
	MaxMissedPongs int
	// MaxUnauthorized consecutive unauthorized submissions before closing
	MaxUnauthorized int
	// SubscriberQueueLength per subscription sample queue length
	SubscriberQueueLength int
	// ControlQueueLength per connection control frame queue length
	ControlQueueLength int
	// WriteWait max duration of a single write
	WriteWait time.Duration
}

// ConfigFromTracking build manager Config from the tracking config section
func ConfigFromTracking(cfg common.TrackingConfig) Config {
	return Config{
		Shards:                cfg.Shards,
		AuthGracePeriod:       common.Seconds(cfg.AuthGracePeriod),
		HeartbeatInterval:     common.Seconds(cfg.HeartbeatInterval),
		MaxMissedPongs:        cfg.MaxMissedPongs,
		MaxUnauthorized:       cfg.MaxUnauthorized,
		SubscriberQueueLength: cfg.SubscriberQueueLength,
		ControlQueueLength:    cfg.ControlQueueLength,
		WriteWait:             time.Second * 10,
	}
}

type connectionShard struct {
	lock        sync.RWMutex
	publishers  map[string]*connection
	subscribers map[string]map[string]*connection
}

// managerImpl implements Manager
type managerImpl struct {
	common.Component
	cfg         Config
	rootContext context.Context
	sessions    SessionGate
	ingest      ingestion.Endpoint
	backfill    dispatch.BackfillSource
	metrics     *common.TrackingMetrics
	shards      []*connectionShard
}

// NewManager define a new connection manager. Every connection is closed once
// rootCtxt is done.
func NewManager(
	rootCtxt context.Context,
	cfg Config,
	sessions SessionGate,
	ingest ingestion.Endpoint,
	backfill dispatch.BackfillSource,
	metrics *common.TrackingMetrics,
) (Manager, error) {
	if sessions == nil || ingest == nil || backfill == nil || metrics == nil {
		return nil, fmt.Errorf("session gate, ingestion, backfill source and metrics are required")
	}
	if cfg.Shards < 1 {
		cfg.Shards = 1
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = time.Second * 10
	}
	instance := &managerImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "connection", "component": "connection-manager"},
		},
		cfg:         cfg,
		rootContext: rootCtxt,
		sessions:    sessions,
		ingest:      ingest,
		backfill:    backfill,
		metrics:     metrics,
		shards:      make([]*connectionShard, cfg.Shards),
	}
	for itr := 0; itr < cfg.Shards; itr++ {
		instance.shards[itr] = &connectionShard{
			publishers:  make(map[string]*connection),
			subscribers: make(map[string]map[string]*connection),
		}
	}
	return instance, nil
}

func (m *managerImpl) shardFor(sessionID string) *connectionShard {
	return m.shards[common.ShardIndex(sessionID, len(m.shards))]
}

// Serve run a client connection until it closes
func (m *managerImpl) Serve(ctxt context.Context, transport Transport) error {
	connCtxt, cancel := context.WithCancel(m.rootContext)
	defer cancel()
	conn := &connection{
		Component: common.Component{
			LogTags: log.Fields{"module": "connection", "component": "client-connection"},
		},
		manager:    m,
		transport:  transport,
		ctxt:       connCtxt,
		cancel:     cancel,
		param:      common.ConnectionParam{ID: uuid.New().String(), Remote: transport.RemoteAddr()},
		state:      StateConnecting,
		gaugeLabel: pendingGaugeLabel,
		samples:    dispatch.NewSampleQueue(m.cfg.SubscriberQueueLength),
		control:    make(chan []byte, m.cfg.ControlQueueLength),
	}
	m.metrics.ActiveConnections.WithLabelValues(pendingGaugeLabel).Inc()
	log.WithFields(conn.logTags()).Info("New connection")

	grace := time.AfterFunc(m.cfg.AuthGracePeriod, func() {
		if conn.getState() == StateConnecting {
			conn.closeWithReject("", common.UnauthorizedErrorf("handshake not completed in time"))
		}
	})
	defer grace.Stop()
	transport.SetPongHandler(conn.onPong)

	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		conn.readLoop()
	}()
	go func() {
		defer wg.Done()
		conn.writeLoop()
	}()

	select {
	case <-ctxt.Done():
		conn.close("server shutdown", nil)
	case <-connCtxt.Done():
	}
	wg.Wait()

	m.unregister(conn)
	conn.lock.Lock()
	m.metrics.ActiveConnections.WithLabelValues(conn.gaugeLabel).Dec()
	reason := conn.closeReason
	conn.lock.Unlock()
	log.WithFields(conn.logTags()).Infof("Connection closed (%s)", reason)
	return nil
}

// register add an authenticated connection as a publisher or subscriber
func (m *managerImpl) register(conn *connection) bool {
	param := conn.getParam()
	shard := m.shardFor(param.SessionID)
	var superseded *connection

	shard.lock.Lock()
	conn.lock.Lock()
	if conn.state != StateAuthenticated {
		conn.lock.Unlock()
		shard.lock.Unlock()
		return false
	}
	conn.state = StateStreaming
	conn.lock.Unlock()
	switch param.Role {
	case common.RoleWalker:
		superseded = shard.publishers[param.SessionID]
		shard.publishers[param.SessionID] = conn
	case common.RoleOwner:
		subs, ok := shard.subscribers[param.SessionID]
		if !ok {
			subs = make(map[string]*connection)
			shard.subscribers[param.SessionID] = subs
		}
		subs[param.ID] = conn
	}
	shard.lock.Unlock()

	log.WithFields(conn.logTags()).Info("Streaming")
	if superseded != nil && superseded != conn {
		frame, err := protocol.Encode(protocol.NewReject(
			param.SessionID,
			common.ConflictErrorf("superseded by connection %s", param.ID),
		))
		if err != nil {
			frame = nil
		}
		superseded.close("superseded by a newer walker connection", frame)
	}
	return true
}

// unregister remove a connection from the publishers and subscribers
func (m *managerImpl) unregister(conn *connection) {
	param := conn.getParam()
	if param.SessionID == "" {
		return
	}
	shard := m.shardFor(param.SessionID)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	if shard.publishers[param.SessionID] == conn {
		delete(shard.publishers, param.SessionID)
	}
	if subs, ok := shard.subscribers[param.SessionID]; ok {
		delete(subs, param.ID)
		if len(subs) == 0 {
			delete(shard.subscribers, param.SessionID)
		}
	}
}

// Subscribers the current subscribers of a session
func (m *managerImpl) Subscribers(sessionID string) []dispatch.Subscriber {
	shard := m.shardFor(sessionID)
	shard.lock.RLock()
	defer shard.lock.RUnlock()
	result := make([]dispatch.Subscriber, 0, len(shard.subscribers[sessionID]))
	for _, conn := range shard.subscribers[sessionID] {
		result = append(result, conn)
	}
	return result
}

// Subscriptions the current subscriptions of a session
func (m *managerImpl) Subscriptions(sessionID string) []Subscription {
	result := []Subscription{}
	for _, subscriber := range m.Subscribers(sessionID) {
		conn := subscriber.(*connection)
		param := conn.getParam()
		result = append(result, Subscription{
			SessionID:    param.SessionID,
			SubscriberID: param.ParticipantID,
			ConnectionID: param.ID,
		})
	}
	return result
}

// Publisher the connection ID of the session's walker, if connected
func (m *managerImpl) Publisher(sessionID string) (string, bool) {
	shard := m.shardFor(sessionID)
	shard.lock.RLock()
	defer shard.lock.RUnlock()
	conn, ok := shard.publishers[sessionID]
	if !ok {
		return "", false
	}
	return conn.getParam().ID, true
}

// CloseSession close the publisher and subscribers of an ended session
func (m *managerImpl) CloseSession(ctxt context.Context, sessionID, reason string) {
	shard := m.shardFor(sessionID)
	toClose := []*connection{}
	shard.lock.Lock()
	if publisher, ok := shard.publishers[sessionID]; ok {
		toClose = append(toClose, publisher)
		delete(shard.publishers, sessionID)
	}
	for _, conn := range shard.subscribers[sessionID] {
		toClose = append(toClose, conn)
	}
	delete(shard.subscribers, sessionID)
	shard.lock.Unlock()

	frame, err := protocol.Encode(protocol.NewSessionEnded(sessionID, reason))
	if err != nil {
		frame = nil
	}
	for _, conn := range toClose {
		conn.close(fmt.Sprintf("session ended (%s)", reason), frame)
	}
	if len(toClose) > 0 {
		log.WithFields(m.LogTags).Infof(
			"Closed %d connections of ended session %s", len(toClose), sessionID,
		)
	}
}
