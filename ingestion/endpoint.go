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
package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/walktrack/common"
	"github.com/alwitt/walktrack/ordering"
	"github.com/alwitt/walktrack/protocol"
	"github.com/apex/log"
)

// SessionAuthority authorizes participants and records session activity
type SessionAuthority interface {
	Authorize(sessionID, participantID string, role common.Role) bool
	Touch(sessionID string, at time.Time)
}

// Result outcome of a location submission
type Result struct {
	// Status accepted or ignored
	Status protocol.AckStatus
	// Sample the sequenced sample, when accepted
	Sample common.LocationSample
}

// Endpoint validates and authorizes walker location submissions
type Endpoint interface {
	// Submit process one location message from a walker
	Submit(ctxt context.Context, participantID string, msg protocol.LocationMessage) (Result, error)
}

// endpointImpl implements Endpoint
type endpointImpl struct {
	common.Component
	authority SessionAuthority
	buffer    ordering.Buffer
	metrics   *common.TrackingMetrics
	now       func() time.Time
}

// NewEndpoint define a new ingestion endpoint
func NewEndpoint(
	authority SessionAuthority, buffer ordering.Buffer, metrics *common.TrackingMetrics,
) (Endpoint, error) {
	if authority == nil || buffer == nil || metrics == nil {
		return nil, fmt.Errorf("session authority, ordering buffer and metrics are required")
	}
	return &endpointImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "ingestion", "component": "location-endpoint"},
		},
		authority: authority,
		buffer:    buffer,
		metrics:   metrics,
		now:       time.Now,
	}, nil
}

// Submit process one location message from a walker
func (e *endpointImpl) Submit(
	ctxt context.Context, participantID string, msg protocol.LocationMessage,
) (Result, error) {
	position, err := msg.Position(e.now().UTC())
	if err != nil {
		log.WithError(err).WithFields(e.LogTags).Infof(
			"Rejected location from %s", participantID,
		)
		return Result{}, err
	}

	if !e.authority.Authorize(position.SessionID, participantID, common.RoleWalker) {
		e.metrics.UnauthorizedAttempts.Inc()
		log.WithFields(e.LogTags).Warnf(
			"Participant %s may not publish to %s", participantID, position.SessionID,
		)
		return Result{}, common.UnauthorizedErrorf(
			"participant %s is not the active walker of %s", participantID, position.SessionID,
		)
	}

	sample, accepted, err := e.buffer.Offer(ctxt, position)
	if err != nil {
		return Result{}, err
	}
	if !accepted {
		return Result{Status: protocol.AckIgnored}, nil
	}
	e.authority.Touch(position.SessionID, position.ReceivedAt)
	return Result{Status: protocol.AckAccepted, Sample: sample}, nil
}
