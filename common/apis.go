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
	"github.com/apex/log"
)

// ConnectionParam is a helper object for logging a client connection's parameters
type ConnectionParam struct {
	// ID is the connection ID
	ID string `json:"id"`
	// Remote is the remote address of the connection
	Remote string `json:"remote"`
	// Role is the participant role, once authenticated
	Role Role `json:"role,omitempty"`
	// ParticipantID is the authenticated participant, once authenticated
	ParticipantID string `json:"participant_id,omitempty"`
	// SessionID is the session the connection is bound to, once authenticated
	SessionID string `json:"session_id,omitempty"`
}

// UpdateLogTags updates Apex log.Fields map with values of the connection's parameters
func (i ConnectionParam) UpdateLogTags(tags log.Fields) log.Fields {
	result := log.Fields{}
	for k, v := range tags {
		result[k] = v
	}
	result["connection_id"] = i.ID
	result["remote"] = i.Remote
	if i.Role != "" {
		result["role"] = i.Role
	}
	if i.ParticipantID != "" {
		result["participant_id"] = i.ParticipantID
	}
	if i.SessionID != "" {
		result["session_id"] = i.SessionID
	}
	return result
}
