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
	"errors"
	"fmt"
)

var (
	// ErrValidation malformed input which the client can fix
	ErrValidation = errors.New("validation error")
	// ErrUnauthorized participant is not bound to the session
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConflict duplicate active session or conflicting session record
	ErrConflict = errors.New("conflict")
	// ErrNotFound unknown session
	ErrNotFound = errors.New("not found")
	// ErrPersistenceDegraded non-fatal storage failure
	ErrPersistenceDegraded = errors.New("persistence degraded")
	// ErrConnectionClosed transport level closure
	ErrConnectionClosed = errors.New("connection closed")
	// ErrTaskBufferFull event loop task buffer has no room
	ErrTaskBufferFull = errors.New("task buffer full")
)

// ValidationErrorf wraps ErrValidation with context
func ValidationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// UnauthorizedErrorf wraps ErrUnauthorized with context
func UnauthorizedErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, fmt.Sprintf(format, args...))
}

// ConflictErrorf wraps ErrConflict with context
func ConflictErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// NotFoundErrorf wraps ErrNotFound with context
func NotFoundErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
