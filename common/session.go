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
	"fmt"
	"sort"
	"time"
)

// SessionState lifecycle state of a walk session
type SessionState string

const (
	// SessionScheduled session is known but the walker has not started
	SessionScheduled SessionState = "scheduled"
	// SessionActive session is accepting location samples
	SessionActive SessionState = "active"
	// SessionCompleted session ended normally
	SessionCompleted SessionState = "completed"
	// SessionAborted session ended by abort signal or idle timeout
	SessionAborted SessionState = "aborted"
)

// Terminal whether the state is a terminal state
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionAborted
}

// ParseEndReason convert a string into a terminal SessionState
func ParseEndReason(reason string) (SessionState, error) {
	switch SessionState(reason) {
	case SessionCompleted, SessionAborted:
		return SessionState(reason), nil
	default:
		return "", ValidationErrorf("unsupported session end reason '%s'", reason)
	}
}

// Role participant role on a session connection
type Role string

const (
	// RoleWalker publishes location samples
	RoleWalker Role = "walker"
	// RoleOwner views location samples
	RoleOwner Role = "owner"
)

// ParseRole convert a string into a Role
func ParseRole(role string) (Role, error) {
	switch Role(role) {
	case RoleWalker, RoleOwner:
		return Role(role), nil
	default:
		return "", ValidationErrorf("unsupported role '%s'", role)
	}
}

// WalkSession one walker-owner pairing's walk
type WalkSession struct {
	// SessionID is the unique session identifier
	SessionID string `json:"session_id" validate:"required"`
	// WalkerID is the walker bound to the session
	WalkerID string `json:"walker_id" validate:"required"`
	// OwnerID is the owner bound to the session
	OwnerID string `json:"owner_id" validate:"required"`
	// DogIDs is the set of dogs on the walk
	DogIDs []string `json:"dog_ids"`
	// State is the session lifecycle state
	State SessionState `json:"state"`
	// ScheduledStart is the booking's scheduled start, if known
	ScheduledStart time.Time `json:"scheduled_start,omitempty"`
	// StartedAt is when the session became active
	StartedAt time.Time `json:"started_at,omitempty"`
	// EndedAt is when the session reached a terminal state
	EndedAt time.Time `json:"ended_at,omitempty"`
	// LastActivity is the timestamp of the last accepted sample
	LastActivity time.Time `json:"last_activity,omitempty"`
	// EndReason is why the session ended, once terminal
	EndReason string `json:"end_reason,omitempty"`
}

// String toString function
func (s WalkSession) String() string {
	return fmt.Sprintf("SESSION[%s W:%s O:%s %s]", s.SessionID, s.WalkerID, s.OwnerID, s.State)
}

// NormalizeDogIDs de-duplicate and sort a set of dog IDs
func NormalizeDogIDs(dogIDs []string) []string {
	seen := map[string]bool{}
	result := []string{}
	for _, dogID := range dogIDs {
		if dogID == "" || seen[dogID] {
			continue
		}
		seen[dogID] = true
		result = append(result, dogID)
	}
	sort.Strings(result)
	return result
}

// SameDogs whether two dog ID sets are equal, ignoring order and duplicates
func SameDogs(a, b []string) bool {
	na := NormalizeDogIDs(a)
	nb := NormalizeDogIDs(b)
	if len(na) != len(nb) {
		return false
	}
	for idx := range na {
		if na[idx] != nb[idx] {
			return false
		}
	}
	return true
}
