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

package common

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SamplePosition validated client supplied position, before a sequence number is assigned
type SamplePosition struct {
	// SessionID is the session the sample belongs to
	SessionID string
	// Latitude in degrees
	Latitude float64
	// Longitude in degrees
	Longitude float64
	// CapturedAt client side capture timestamp
	CapturedAt time.Time
	// ReceivedAt server side receive timestamp
	ReceivedAt time.Time
	// AccuracyMeters optional horizontal accuracy
	AccuracyMeters *float64
}

// LocationSample one accepted GPS sample
type LocationSample struct {
	// SessionID is the session the sample belongs to
	SessionID string `json:"session_id"`
	// SequenceNo is the server assigned per-session sequence number, starting at 1
	SequenceNo uint64 `json:"sequence_no"`
	// Latitude in degrees
	Latitude float64 `json:"latitude"`
	// Longitude in degrees
	Longitude float64 `json:"longitude"`
	// CapturedAt client side capture timestamp
	CapturedAt time.Time `json:"captured_at"`
	// ReceivedAt server side receive timestamp
	ReceivedAt time.Time `json:"received_at"`
	// AccuracyMeters optional horizontal accuracy
	AccuracyMeters *float64 `json:"accuracy_meters,omitempty"`
}

// String toString function
func (s LocationSample) String() string {
	return fmt.Sprintf(
		"%s:SAMPLE[%d @ %s]", s.SessionID, s.SequenceNo, s.CapturedAt.Format(time.RFC3339Nano),
	)
}

// Scan implements the sql.Scanner interface
func (s *LocationSample) Scan(src interface{}) error {
	bytes, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("src is not []byte")
	}
	return json.Unmarshal(bytes, s)
}

// Value implements the sql/driver.Valuer interface
func (s LocationSample) Value() (driver.Value, error) {
	return json.Marshal(&s)
}
