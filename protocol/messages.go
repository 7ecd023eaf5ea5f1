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
package protocol

import (
	"time"

	"github.com/alwitt/walktrack/common"
)

// MessageType the tag of a wire message
type MessageType string

const (
	// TypeHello client handshake
	TypeHello MessageType = "hello"
	// TypeLocation location sample, inbound from walkers and outbound to owners
	TypeLocation MessageType = "location"
	// TypeBackfill backfill request and its reply
	TypeBackfill MessageType = "backfill"
	// TypeAck sample acknowledgement
	TypeAck MessageType = "ack"
	// TypeReject rejected client request
	TypeReject MessageType = "reject"
	// TypeSessionEnded session end notice
	TypeSessionEnded MessageType = "session_ended"
)

// AckStatus outcome of an accepted location submission
type AckStatus string

const (
	// AckAccepted sample was sequenced
	AckAccepted AckStatus = "accepted"
	// AckIgnored sample was stale or a duplicate
	AckIgnored AckStatus = "ignored"
)

// Stable reject codes
const (
	RejectInvalid      = "invalid"
	RejectUnauthorized = "unauthorized"
	RejectConflict     = "conflict"
	RejectNotFound     = "not_found"
	RejectInternal     = "internal"
)

// ===============================================================================
// Inbound

// Inbound a decoded client to server message
type Inbound interface {
	// Tag the message type
	Tag() MessageType
}

// HelloMessage client handshake
type HelloMessage struct {
	SessionID     string `json:"sessionId" validate:"required"`
	ParticipantID string `json:"participantId" validate:"required"`
	Role          string `json:"role" validate:"required,oneof=walker owner"`
}

// Tag the message type
func (m HelloMessage) Tag() MessageType {
	return TypeHello
}

// LocationMessage walker location submission
type LocationMessage struct {
	SessionID      string   `json:"sessionId" validate:"required"`
	Latitude       *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude      *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
	CapturedAt     string   `json:"capturedAt" validate:"required"`
	AccuracyMeters *float64 `json:"accuracyMeters,omitempty" validate:"omitempty,gte=0"`
}

// Tag the message type
func (m LocationMessage) Tag() MessageType {
	return TypeLocation
}

// BackfillRequest owner request for samples after a sequence number
type BackfillRequest struct {
	SessionID       string `json:"sessionId" validate:"required"`
	SinceSequenceNo uint64 `json:"sinceSequenceNo"`
}

// Tag the message type
func (m BackfillRequest) Tag() MessageType {
	return TypeBackfill
}

// ===============================================================================
// Outbound

// LocationBroadcast a sequenced sample sent to owners
type LocationBroadcast struct {
	Type           MessageType `json:"type"`
	SessionID      string      `json:"sessionId"`
	SequenceNo     uint64      `json:"sequenceNo"`
	Latitude       float64     `json:"latitude"`
	Longitude      float64     `json:"longitude"`
	CapturedAt     time.Time   `json:"capturedAt"`
	AccuracyMeters *float64    `json:"accuracyMeters,omitempty"`
}

// NewLocationBroadcast convert an accepted sample into its wire form
func NewLocationBroadcast(sample common.LocationSample) LocationBroadcast {
	return LocationBroadcast{
		Type:           TypeLocation,
		SessionID:      sample.SessionID,
		SequenceNo:     sample.SequenceNo,
		Latitude:       sample.Latitude,
		Longitude:      sample.Longitude,
		CapturedAt:     sample.CapturedAt,
		AccuracyMeters: sample.AccuracyMeters,
	}
}

// BackfillReply reply to a BackfillRequest
type BackfillReply struct {
	Type      MessageType         `json:"type"`
	SessionID string              `json:"sessionId"`
	Samples   []LocationBroadcast `json:"samples"`
}

// NewBackfillReply build the reply to a backfill request
func NewBackfillReply(sessionID string, samples []common.LocationSample) BackfillReply {
	converted := make([]LocationBroadcast, 0, len(samples))
	for _, sample := range samples {
		converted = append(converted, NewLocationBroadcast(sample))
	}
	return BackfillReply{Type: TypeBackfill, SessionID: sessionID, Samples: converted}
}

// AckMessage acknowledgement of a location submission
type AckMessage struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"sessionId"`
	Status     AckStatus   `json:"status"`
	SequenceNo *uint64     `json:"sequenceNo,omitempty"`
	CapturedAt string      `json:"capturedAt"`
}

// NewAcceptedAck ack of a sequenced sample
func NewAcceptedAck(sessionID string, sequenceNo uint64, capturedAt string) AckMessage {
	return AckMessage{
		Type:       TypeAck,
		SessionID:  sessionID,
		Status:     AckAccepted,
		SequenceNo: &sequenceNo,
		CapturedAt: capturedAt,
	}
}

// NewIgnoredAck ack of a stale or duplicate sample
func NewIgnoredAck(sessionID string, capturedAt string) AckMessage {
	return AckMessage{
		Type: TypeAck, SessionID: sessionID, Status: AckIgnored, CapturedAt: capturedAt,
	}
}

// RejectMessage a rejected client request
type RejectMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Code      string      `json:"code"`
	Reason    string      `json:"reason"`
}

// NewReject build a reject from an error
func NewReject(sessionID string, err error) RejectMessage {
	return RejectMessage{
		Type:      TypeReject,
		SessionID: sessionID,
		Code:      RejectCodeForError(err),
		Reason:    err.Error(),
	}
}

// SessionEndedMessage notice that a session has ended
type SessionEndedMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Reason    string      `json:"reason"`
}

// NewSessionEnded build a session end notice
func NewSessionEnded(sessionID, reason string) SessionEndedMessage {
	return SessionEndedMessage{Type: TypeSessionEnded, SessionID: sessionID, Reason: reason}
}
