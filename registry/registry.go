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
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/walktrack/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// EndReasonIdleTimeout end reason recorded for sessions aborted by the idle sweep
const EndReasonIdleTimeout = "idle_timeout"

// SessionEndHandler callback invoked once when a session reaches a terminal state
type SessionEndHandler func(ctxt context.Context, session common.WalkSession)

// SessionRegistry owns the walk session state machine
type SessionRegistry interface {
	// ScheduleSession register a scheduled session
	ScheduleSession(ctxt context.Context, session common.WalkSession) (common.WalkSession, error)
	// BeginSession transition a scheduled session to active
	BeginSession(
		ctxt context.Context, sessionID, walkerID, ownerID string, dogIDs []string,
	) (common.WalkSession, error)
	// ActivateForWalker begin a scheduled session on behalf of its walker
	ActivateForWalker(ctxt context.Context, sessionID, walkerID string) (common.WalkSession, error)
	// EndSession transition a session to a terminal state. Ending a terminal session is a no-op.
	EndSession(
		ctxt context.Context, sessionID string, reason common.SessionState,
	) (common.WalkSession, error)
	// Authorize whether the participant may act on the active session in the role
	Authorize(sessionID, participantID string, role common.Role) bool
	// Touch record activity on an active session
	Touch(sessionID string, at time.Time)
	// GetSession fetch a session
	GetSession(sessionID string) (common.WalkSession, error)
	// ListSessions list the sessions in a state. An empty state lists all.
	ListSessions(state common.SessionState) []common.WalkSession
	// OnSessionEnd register a session end handler
	OnSessionEnd(handler SessionEndHandler)
	// SweepIdle abort idle sessions and prune expired terminal sessions.
	// Returns the IDs of the sessions aborted.
	SweepIdle(ctxt context.Context, now time.Time) []string
	// StartIdleSweep run SweepIdle periodically until the context is done
	StartIdleSweep(ctxt context.Context, wg *sync.WaitGroup, interval time.Duration) error
}

// Config registry parameters
type Config struct {
	// Shards number of session shards
	Shards int
	// IdleThreshold max time an active session may go without activity
	IdleThreshold time.Duration
	// TerminalRetention how long a terminal session stays queryable
	TerminalRetention time.Duration
}

// ConfigFromTracking build registry Config from the tracking config section
func ConfigFromTracking(cfg common.TrackingConfig) Config {
	return Config{
		Shards:            cfg.Shards,
		IdleThreshold:     common.Seconds(cfg.IdleThreshold),
		TerminalRetention: common.Seconds(cfg.TerminalRetention),
	}
}

// sessionEntry one session record. walkerID is immutable after creation.
type sessionEntry struct {
	lock     sync.Mutex
	walkerID string
	session  common.WalkSession
}

type sessionShard struct {
	lock    sync.RWMutex
	entries map[string]*sessionEntry
}

// walkerShard walker ID to active session ID
type walkerShard struct {
	lock   sync.Mutex
	active map[string]string
}

// sessionRegistryImpl implements SessionRegistry
type sessionRegistryImpl struct {
	common.Component
	cfg         Config
	sessions    []*sessionShard
	walkers     []*walkerShard
	validate    *validator.Validate
	handlerLock sync.RWMutex
	endHandlers []SessionEndHandler
	now         func() time.Time
}

// NewSessionRegistry define a new session registry
func NewSessionRegistry(cfg Config) (SessionRegistry, error) {
	if cfg.Shards < 1 {
		cfg.Shards = 1
	}
	logTags := log.Fields{"module": "registry", "component": "session-registry"}
	instance := &sessionRegistryImpl{
		Component:   common.Component{LogTags: logTags},
		cfg:         cfg,
		sessions:    make([]*sessionShard, cfg.Shards),
		walkers:     make([]*walkerShard, cfg.Shards),
		validate:    validator.New(),
		endHandlers: []SessionEndHandler{},
		now:         time.Now,
	}
	for itr := 0; itr < cfg.Shards; itr++ {
		instance.sessions[itr] = &sessionShard{entries: make(map[string]*sessionEntry)}
		instance.walkers[itr] = &walkerShard{active: make(map[string]string)}
	}
	return instance, nil
}

func (r *sessionRegistryImpl) sessionShardFor(sessionID string) *sessionShard {
	return r.sessions[common.ShardIndex(sessionID, len(r.sessions))]
}

func (r *sessionRegistryImpl) walkerShardFor(walkerID string) *walkerShard {
	return r.walkers[common.ShardIndex(walkerID, len(r.walkers))]
}

func (r *sessionRegistryImpl) lookup(sessionID string) (*sessionEntry, bool) {
	shard := r.sessionShardFor(sessionID)
	shard.lock.RLock()
	defer shard.lock.RUnlock()
	entry, ok := shard.entries[sessionID]
	return entry, ok
}

// ScheduleSession register a scheduled session
func (r *sessionRegistryImpl) ScheduleSession(
	ctxt context.Context, session common.WalkSession,
) (common.WalkSession, error) {
	if err := r.validate.Struct(&session); err != nil {
		return common.WalkSession{}, common.ValidationErrorf("invalid session: %s", err.Error())
	}
	session.DogIDs = common.NormalizeDogIDs(session.DogIDs)
	session.State = common.SessionScheduled
	session.StartedAt = time.Time{}
	session.EndedAt = time.Time{}
	session.LastActivity = time.Time{}
	session.EndReason = ""

	shard := r.sessionShardFor(session.SessionID)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	if existing, ok := shard.entries[session.SessionID]; ok {
		existing.lock.Lock()
		defer existing.lock.Unlock()
		current := existing.session
		if current.State == common.SessionScheduled &&
			current.WalkerID == session.WalkerID &&
			current.OwnerID == session.OwnerID &&
			common.SameDogs(current.DogIDs, session.DogIDs) &&
			current.ScheduledStart.Equal(session.ScheduledStart) {
			return current, nil
		}
		return common.WalkSession{}, common.ConflictErrorf(
			"session %s already registered as %s", session.SessionID, current.State,
		)
	}
	shard.entries[session.SessionID] = &sessionEntry{walkerID: session.WalkerID, session: session}
	log.WithFields(r.LogTags).Infof("Scheduled %s", session)
	return session, nil
}

// BeginSession transition a scheduled session to active
func (r *sessionRegistryImpl) BeginSession(
	ctxt context.Context, sessionID, walkerID, ownerID string, dogIDs []string,
) (common.WalkSession, error) {
	if sessionID == "" || walkerID == "" || ownerID == "" {
		return common.WalkSession{}, common.ValidationErrorf(
			"session, walker and owner IDs are required",
		)
	}
	entry, ok := r.lookup(sessionID)
	if !ok || entry.walkerID != walkerID {
		return common.WalkSession{}, common.NotFoundErrorf(
			"no scheduled session %s for walker %s", sessionID, walkerID,
		)
	}

	walkers := r.walkerShardFor(walkerID)
	walkers.lock.Lock()
	defer walkers.lock.Unlock()
	entry.lock.Lock()
	defer entry.lock.Unlock()

	current := entry.session
	if current.OwnerID != ownerID ||
		(len(dogIDs) > 0 && !common.SameDogs(current.DogIDs, dogIDs)) {
		return common.WalkSession{}, common.NotFoundErrorf(
			"no scheduled session %s matching the participants", sessionID,
		)
	}
	if current.State == common.SessionActive {
		return current, nil
	}
	if current.State != common.SessionScheduled {
		return common.WalkSession{}, common.NotFoundErrorf(
			"session %s is %s, not scheduled", sessionID, current.State,
		)
	}
	if activeID, ok := walkers.active[walkerID]; ok && activeID != sessionID {
		return common.WalkSession{}, common.ConflictErrorf(
			"walker %s already has active session %s", walkerID, activeID,
		)
	}

	now := r.now()
	entry.session.State = common.SessionActive
	entry.session.StartedAt = now
	entry.session.LastActivity = now
	walkers.active[walkerID] = sessionID
	log.WithFields(r.LogTags).Infof("Began %s", entry.session)
	return entry.session, nil
}

// ActivateForWalker begin a scheduled session on behalf of its walker
func (r *sessionRegistryImpl) ActivateForWalker(
	ctxt context.Context, sessionID, walkerID string,
) (common.WalkSession, error) {
	session, err := r.GetSession(sessionID)
	if err != nil {
		return common.WalkSession{}, err
	}
	if session.WalkerID != walkerID {
		return common.WalkSession{}, common.NotFoundErrorf(
			"no scheduled session %s for walker %s", sessionID, walkerID,
		)
	}
	return r.BeginSession(ctxt, sessionID, walkerID, session.OwnerID, session.DogIDs)
}

// EndSession transition a session to a terminal state
func (r *sessionRegistryImpl) EndSession(
	ctxt context.Context, sessionID string, reason common.SessionState,
) (common.WalkSession, error) {
	if !reason.Terminal() {
		return common.WalkSession{}, common.ValidationErrorf(
			"unsupported session end reason '%s'", reason,
		)
	}
	ended, _, err := r.endSession(ctxt, sessionID, reason, string(reason), nil)
	return ended, err
}

// endSession terminate the session. When stillEligible is set, it is checked under the
// entry lock and the session is left untouched if it returns false.
func (r *sessionRegistryImpl) endSession(
	ctxt context.Context,
	sessionID string,
	state common.SessionState,
	reason string,
	stillEligible func(common.WalkSession) bool,
) (common.WalkSession, bool, error) {
	entry, ok := r.lookup(sessionID)
	if !ok {
		return common.WalkSession{}, false, common.NotFoundErrorf("unknown session %s", sessionID)
	}

	ended, transitioned := func() (common.WalkSession, bool) {
		walkers := r.walkerShardFor(entry.walkerID)
		walkers.lock.Lock()
		defer walkers.lock.Unlock()
		entry.lock.Lock()
		defer entry.lock.Unlock()
		if entry.session.State.Terminal() {
			return entry.session, false
		}
		if stillEligible != nil && !stillEligible(entry.session) {
			return entry.session, false
		}
		entry.session.State = state
		entry.session.EndedAt = r.now()
		entry.session.EndReason = reason
		if walkers.active[entry.walkerID] == sessionID {
			delete(walkers.active, entry.walkerID)
		}
		return entry.session, true
	}()

	if transitioned {
		log.WithFields(r.LogTags).Infof("Ended %s (%s)", ended, reason)
		r.handlerLock.RLock()
		handlers := make([]SessionEndHandler, len(r.endHandlers))
		copy(handlers, r.endHandlers)
		r.handlerLock.RUnlock()
		for _, handler := range handlers {
			handler(ctxt, ended)
		}
	}
	return ended, transitioned, nil
}

// Authorize whether the participant may act on the active session in the role
func (r *sessionRegistryImpl) Authorize(sessionID, participantID string, role common.Role) bool {
	entry, ok := r.lookup(sessionID)
	if !ok {
		return false
	}
	entry.lock.Lock()
	defer entry.lock.Unlock()
	if entry.session.State != common.SessionActive {
		return false
	}
	switch role {
	case common.RoleWalker:
		return entry.session.WalkerID == participantID
	case common.RoleOwner:
		return entry.session.OwnerID == participantID
	default:
		return false
	}
}

// Touch record activity on an active session
func (r *sessionRegistryImpl) Touch(sessionID string, at time.Time) {
	entry, ok := r.lookup(sessionID)
	if !ok {
		return
	}
	entry.lock.Lock()
	defer entry.lock.Unlock()
	if entry.session.State == common.SessionActive && at.After(entry.session.LastActivity) {
		entry.session.LastActivity = at
	}
}

// GetSession fetch a session
func (r *sessionRegistryImpl) GetSession(sessionID string) (common.WalkSession, error) {
	entry, ok := r.lookup(sessionID)
	if !ok {
		return common.WalkSession{}, common.NotFoundErrorf("unknown session %s", sessionID)
	}
	entry.lock.Lock()
	defer entry.lock.Unlock()
	return entry.session, nil
}

func (r *sessionRegistryImpl) allEntries() []*sessionEntry {
	result := []*sessionEntry{}
	for _, shard := range r.sessions {
		shard.lock.RLock()
		for _, entry := range shard.entries {
			result = append(result, entry)
		}
		shard.lock.RUnlock()
	}
	return result
}

// ListSessions list the sessions in a state
func (r *sessionRegistryImpl) ListSessions(state common.SessionState) []common.WalkSession {
	result := []common.WalkSession{}
	for _, entry := range r.allEntries() {
		entry.lock.Lock()
		if state == "" || entry.session.State == state {
			result = append(result, entry.session)
		}
		entry.lock.Unlock()
	}
	return result
}

// OnSessionEnd register a session end handler
func (r *sessionRegistryImpl) OnSessionEnd(handler SessionEndHandler) {
	r.handlerLock.Lock()
	defer r.handlerLock.Unlock()
	r.endHandlers = append(r.endHandlers, handler)
}

func (r *sessionRegistryImpl) isIdle(session common.WalkSession, now time.Time) bool {
	return session.State == common.SessionActive &&
		now.Sub(session.LastActivity) > r.cfg.IdleThreshold
}

func (r *sessionRegistryImpl) isExpired(session common.WalkSession, now time.Time) bool {
	return session.State.Terminal() && now.Sub(session.EndedAt) >= r.cfg.TerminalRetention
}

// SweepIdle abort idle sessions and prune expired terminal sessions
func (r *sessionRegistryImpl) SweepIdle(ctxt context.Context, now time.Time) []string {
	idle := []string{}
	expired := []string{}
	for _, entry := range r.allEntries() {
		entry.lock.Lock()
		if r.isIdle(entry.session, now) {
			idle = append(idle, entry.session.SessionID)
		} else if r.isExpired(entry.session, now) {
			expired = append(expired, entry.session.SessionID)
		}
		entry.lock.Unlock()
	}

	aborted := []string{}
	for _, sessionID := range idle {
		// Activity may have arrived since the scan
		_, transitioned, err := r.endSession(
			ctxt,
			sessionID,
			common.SessionAborted,
			EndReasonIdleTimeout,
			func(s common.WalkSession) bool { return r.isIdle(s, now) },
		)
		if err == nil && transitioned {
			aborted = append(aborted, sessionID)
		}
	}

	for _, sessionID := range expired {
		shard := r.sessionShardFor(sessionID)
		shard.lock.Lock()
		if entry, ok := shard.entries[sessionID]; ok {
			entry.lock.Lock()
			if r.isExpired(entry.session, now) {
				delete(shard.entries, sessionID)
				log.WithFields(r.LogTags).Debugf("Pruned %s", entry.session)
			}
			entry.lock.Unlock()
		}
		shard.lock.Unlock()
	}

	if len(aborted) > 0 {
		log.WithFields(r.LogTags).Infof("Idle sweep aborted sessions %v", aborted)
	}
	return aborted
}

// StartIdleSweep run SweepIdle periodically until the context is done
func (r *sessionRegistryImpl) StartIdleSweep(
	ctxt context.Context, wg *sync.WaitGroup, interval time.Duration,
) error {
	timer, err := common.GetIntervalTimerInstance(ctxt, wg, "idle-sweep")
	if err != nil {
		return err
	}
	return timer.Start(interval, func() error {
		r.SweepIdle(ctxt, r.now())
		return nil
	}, false)
}
