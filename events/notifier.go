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
	"time"

	"github.com/alwitt/walktrack/common"
	"github.com/alwitt/walktrack/core"
	"github.com/alwitt/walktrack/ordering"
	"github.com/alwitt/walktrack/persistence"
	"github.com/alwitt/walktrack/registry"
	"github.com/apex/log"
)

// SessionEndedNotice published when a session reaches a terminal state
type SessionEndedNotice struct {
	SessionID string    `json:"session_id"`
	WalkerID  string    `json:"walker_id"`
	OwnerID   string    `json:"owner_id"`
	State     string    `json:"state"`
	Reason    string    `json:"reason"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at"`
}

// Notifier publishes observability events
type Notifier interface {
	// NotifyDegraded report a lost persistence batch
	NotifyDegraded(ctxt context.Context, event persistence.DegradedEvent) error
	// NotifySessionEnded report a session reaching a terminal state
	NotifySessionEnded(ctxt context.Context, session common.WalkSession) error
}

// DegradedSubject subject carrying persistence.DegradedEvent
func DegradedSubject(prefix string) string {
	return core.Subject(prefix, "tracking", "degraded")
}

// SessionEndedNoticeSubject subject carrying SessionEndedNotice
func SessionEndedNoticeSubject(prefix string) string {
	return core.Subject(prefix, "tracking", "session_ended")
}

// natsNotifierImpl implements Notifier over NATS
type natsNotifierImpl struct {
	common.Component
	nats   *core.NatsClient
	prefix string
}

// NewNATSNotifier define a Notifier which publishes onto NATS subjects under prefix
func NewNATSNotifier(natsClient *core.NatsClient, prefix string) (Notifier, error) {
	if natsClient == nil {
		return nil, fmt.Errorf("NATS client is required")
	}
	if prefix == "" {
		return nil, fmt.Errorf("subject prefix is required")
	}
	return &natsNotifierImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "events", "component": "nats-notifier", "prefix": prefix},
		},
		nats:   natsClient,
		prefix: prefix,
	}, nil
}

func (n *natsNotifierImpl) publish(subject string, payload interface{}) error {
	msg, err := json.Marshal(payload)
	if err != nil {
		log.WithError(err).WithFields(n.LogTags).Errorf("Unable to serialize event for %s", subject)
		return err
	}
	if err := n.nats.Conn().Publish(subject, msg); err != nil {
		log.WithError(err).WithFields(n.LogTags).Errorf("Failed to publish on %s", subject)
		return err
	}
	log.WithFields(n.LogTags).Debugf("Published on %s", subject)
	return nil
}

// NotifyDegraded report a lost persistence batch
func (n *natsNotifierImpl) NotifyDegraded(
	ctxt context.Context, event persistence.DegradedEvent,
) error {
	return n.publish(DegradedSubject(n.prefix), event)
}

// NotifySessionEnded report a session reaching a terminal state
func (n *natsNotifierImpl) NotifySessionEnded(
	ctxt context.Context, session common.WalkSession,
) error {
	return n.publish(SessionEndedNoticeSubject(n.prefix), NewSessionEndedNotice(session))
}

// NewSessionEndedNotice build the notice for an ended session
func NewSessionEndedNotice(session common.WalkSession) SessionEndedNotice {
	return SessionEndedNotice{
		SessionID: session.SessionID,
		WalkerID:  session.WalkerID,
		OwnerID:   session.OwnerID,
		State:     string(session.State),
		Reason:    session.EndReason,
		StartedAt: session.StartedAt,
		EndedAt:   session.EndedAt,
	}
}

// ==============================================================================

// logNotifierImpl implements Notifier by logging; used when NATS is not configured
type logNotifierImpl struct {
	common.Component
}

// NewLogNotifier define a Notifier which only logs
func NewLogNotifier() Notifier {
	return &logNotifierImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "events", "component": "log-notifier"},
		},
	}
}

// NotifyDegraded report a lost persistence batch
func (n *logNotifierImpl) NotifyDegraded(
	ctxt context.Context, event persistence.DegradedEvent,
) error {
	log.WithFields(n.LogTags).WithField("session_id", event.SessionID).Warnf(
		"Lost %d samples [%d, %d]: %s",
		event.LostSamples, event.FirstSequenceNo, event.LastSequenceNo, event.Error,
	)
	return nil
}

// NotifySessionEnded report a session reaching a terminal state
func (n *logNotifierImpl) NotifySessionEnded(
	ctxt context.Context, session common.WalkSession,
) error {
	log.WithFields(n.LogTags).WithField("session_id", session.SessionID).Infof(
		"Session %s (%s)", session.State, session.EndReason,
	)
	return nil
}

// ==============================================================================

// DegradedHandler adapt a Notifier into a persistence writer callback
func DegradedHandler(notifier Notifier) persistence.DegradedHandler {
	return func(ctxt context.Context, event persistence.DegradedEvent) {
		_ = notifier.NotifyDegraded(ctxt, event)
	}
}

// SeedFailureHandler adapt a Notifier into an ordering buffer callback. A session
// started without its stored watermark is reported as degraded with no lost samples.
func SeedFailureHandler(notifier Notifier) ordering.SeedFailureHandler {
	return func(ctxt context.Context, sessionID string, err error) {
		event := persistence.DegradedEvent{SessionID: sessionID, Timestamp: time.Now()}
		if err != nil {
			event.Error = fmt.Sprintf("watermark unavailable: %s", err.Error())
		}
		_ = notifier.NotifyDegraded(ctxt, event)
	}
}

// SessionEndHandler adapt a Notifier into a session registry callback
func SessionEndHandler(notifier Notifier) registry.SessionEndHandler {
	return func(ctxt context.Context, session common.WalkSession) {
		_ = notifier.NotifySessionEnded(ctxt, session)
	}
}
