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

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/walktrack/common"
	"github.com/alwitt/walktrack/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// SessionScheduledEvent booking system notice that a walk was scheduled
type SessionScheduledEvent struct {
	SessionID      string   `json:"sessionId" validate:"required"`
	WalkerID       string   `json:"walkerId" validate:"required"`
	OwnerID        string   `json:"ownerId" validate:"required"`
	DogIDs         []string `json:"dogIds"`
	ScheduledStart string   `json:"scheduledStart,omitempty"`
}

// ToSession convert to a scheduled WalkSession
func (e SessionScheduledEvent) ToSession() (common.WalkSession, error) {
	session := common.WalkSession{
		SessionID: e.SessionID,
		WalkerID:  e.WalkerID,
		OwnerID:   e.OwnerID,
		DogIDs:    e.DogIDs,
	}
	if e.ScheduledStart != "" {
		start, err := time.Parse(time.RFC3339Nano, e.ScheduledStart)
		if err != nil {
			return common.WalkSession{}, common.ValidationErrorf(
				"scheduledStart '%s' is not RFC3339", e.ScheduledStart,
			)
		}
		session.ScheduledStart = start
	}
	return session, nil
}

// SessionEndedEvent booking system notice that a walk was finished or cancelled
type SessionEndedEvent struct {
	SessionID string `json:"sessionId" validate:"required"`
	Reason    string `json:"reason" validate:"required,oneof=completed aborted"`
}

// LifecycleHandler applies lifecycle events
type LifecycleHandler interface {
	// ScheduleSession register a scheduled session
	ScheduleSession(ctxt context.Context, session common.WalkSession) (common.WalkSession, error)
	// EndSession transition a session to a terminal state
	EndSession(
		ctxt context.Context, sessionID string, reason common.SessionState,
	) (common.WalkSession, error)
}

// ScheduledSubject subject carrying SessionScheduledEvent
func ScheduledSubject(prefix string) string {
	return core.Subject(prefix, "session", "scheduled")
}

// EndedSubject subject carrying SessionEndedEvent
func EndedSubject(prefix string) string {
	return core.Subject(prefix, "session", "ended")
}

// LifecycleReceiver consumes session lifecycle events from NATS
type LifecycleReceiver interface {
	// Subscribe start receiving lifecycle events. Subscriptions are removed once the
	// receiver's context is done.
	Subscribe(wg *sync.WaitGroup) error
}

// lifecycleReceiverImpl implements LifecycleReceiver
type lifecycleReceiverImpl struct {
	common.Component
	ctxt          context.Context
	nats          *core.NatsClient
	prefix        string
	handler       LifecycleHandler
	validate      *validator.Validate
	lock          sync.Mutex
	subscriptions []*nats.Subscription
}

// NewLifecycleReceiver define a new LifecycleReceiver
func NewLifecycleReceiver(
	ctxt context.Context, natsClient *core.NatsClient, prefix string, handler LifecycleHandler,
) (LifecycleReceiver, error) {
	if natsClient == nil || handler == nil {
		return nil, fmt.Errorf("NATS client and lifecycle handler are required")
	}
	if prefix == "" {
		return nil, fmt.Errorf("subject prefix is required")
	}
	return &lifecycleReceiverImpl{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "events", "component": "lifecycle-receiver", "prefix": prefix,
			},
		},
		ctxt:     ctxt,
		nats:     natsClient,
		prefix:   prefix,
		handler:  handler,
		validate: validator.New(),
	}, nil
}

// Subscribe start receiving lifecycle events
func (r *lifecycleReceiverImpl) Subscribe(wg *sync.WaitGroup) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if len(r.subscriptions) > 0 {
		return fmt.Errorf("already subscribed to %s lifecycle events", r.prefix)
	}

	handlers := map[string]nats.MsgHandler{
		ScheduledSubject(r.prefix): r.onScheduled,
		EndedSubject(r.prefix):     r.onEnded,
	}
	for subject, handler := range handlers {
		sub, err := r.nats.Conn().Subscribe(subject, handler)
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Failed to subscribe to %s", subject)
			r.unsubscribeAll()
			return err
		}
		log.WithFields(r.LogTags).Infof("Subscribed to %s", subject)
		r.subscriptions = append(r.subscriptions, sub)
	}
	if err := r.nats.Conn().Flush(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("NATS flush failed")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-r.ctxt.Done()
		r.lock.Lock()
		defer r.lock.Unlock()
		r.unsubscribeAll()
	}()
	return nil
}

func (r *lifecycleReceiverImpl) unsubscribeAll() {
	for _, sub := range r.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Error occurred when unsubscribing from %s", sub.Subject,
			)
		}
	}
	r.subscriptions = nil
}

func (r *lifecycleReceiverImpl) decode(msg *nats.Msg, event interface{}) bool {
	if err := json.Unmarshal(msg.Data, event); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to parse event on %s: %s", msg.Subject, msg.Data,
		)
		return false
	}
	if err := r.validate.Struct(event); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Invalid event on %s: %s", msg.Subject, msg.Data,
		)
		return false
	}
	return true
}

func (r *lifecycleReceiverImpl) onScheduled(msg *nats.Msg) {
	var event SessionScheduledEvent
	if !r.decode(msg, &event) {
		return
	}
	session, err := event.ToSession()
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Dropping event for %s", event.SessionID)
		return
	}
	if _, err := r.handler.ScheduleSession(r.ctxt, session); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to schedule %s", session)
		return
	}
	log.WithFields(r.LogTags).Debugf("Applied schedule event for %s", event.SessionID)
}

func (r *lifecycleReceiverImpl) onEnded(msg *nats.Msg) {
	var event SessionEndedEvent
	if !r.decode(msg, &event) {
		return
	}
	if _, err := r.handler.EndSession(
		r.ctxt, event.SessionID, common.SessionState(event.Reason),
	); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to end %s", event.SessionID)
		return
	}
	log.WithFields(r.LogTags).Debugf("Applied end event for %s", event.SessionID)
}
