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
	"encoding/json"
	"errors"
	"time"

	"github.com/alwitt/walktrack/common"
	"github.com/go-playground/validator/v10"
)

type envelope struct {
	Type MessageType `json:"type"`
}

var validate = validator.New()

// Decode parse a client frame into its tagged variant. Unknown tags and malformed
// frames are validation errors. Only the handshake is field checked here; location
// and backfill fields are checked per request so a bad sample does not end the
// connection.
func Decode(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, common.ValidationErrorf("undecodable frame: %s", err.Error())
	}
	switch env.Type {
	case TypeHello:
		var msg HelloMessage
		return decodeInto(raw, &msg, true, func() Inbound { return msg })
	case TypeLocation:
		var msg LocationMessage
		return decodeInto(raw, &msg, false, func() Inbound { return msg })
	case TypeBackfill:
		var msg BackfillRequest
		return decodeInto(raw, &msg, false, func() Inbound { return msg })
	case "":
		return nil, common.ValidationErrorf("frame is missing 'type'")
	default:
		return nil, common.ValidationErrorf("unknown message type '%s'", env.Type)
	}
}

func decodeInto(
	raw []byte, target interface{}, strict bool, result func() Inbound,
) (Inbound, error) {
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, common.ValidationErrorf("undecodable frame: %s", err.Error())
	}
	if !strict {
		return result(), nil
	}
	if err := validate.Struct(target); err != nil {
		return nil, common.ValidationErrorf("invalid frame: %s", err.Error())
	}
	return result(), nil
}

// Validate check the message fields, for messages not obtained through Decode
func Validate(msg Inbound) error {
	if err := validate.Struct(msg); err != nil {
		return common.ValidationErrorf("invalid %s message: %s", msg.Tag(), err.Error())
	}
	return nil
}

// Encode serialize an outbound message
func Encode(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}

// ParseCapturedAt parse the client capture timestamp (RFC3339 / ISO8601)
func ParseCapturedAt(value string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, common.ValidationErrorf("capturedAt '%s' is not ISO8601", value)
	}
	return ts, nil
}

// Position convert a validated location message into a SamplePosition
func (m LocationMessage) Position(receivedAt time.Time) (common.SamplePosition, error) {
	if err := Validate(m); err != nil {
		return common.SamplePosition{}, err
	}
	capturedAt, err := ParseCapturedAt(m.CapturedAt)
	if err != nil {
		return common.SamplePosition{}, err
	}
	return common.SamplePosition{
		SessionID:      m.SessionID,
		Latitude:       *m.Latitude,
		Longitude:      *m.Longitude,
		CapturedAt:     capturedAt,
		ReceivedAt:     receivedAt,
		AccuracyMeters: m.AccuracyMeters,
	}, nil
}

// RejectCodeForError map an error onto its stable reject code
func RejectCodeForError(err error) string {
	switch {
	case errors.Is(err, common.ErrValidation):
		return RejectInvalid
	case errors.Is(err, common.ErrUnauthorized):
		return RejectUnauthorized
	case errors.Is(err, common.ErrConflict):
		return RejectConflict
	case errors.Is(err, common.ErrNotFound):
		return RejectNotFound
	default:
		return RejectInternal
	}
}
