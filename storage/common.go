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
package storage

import (
	"context"
	"fmt"
	"math"

	"github.com/alwitt/walktrack/common"
)

// RouteStore append-only store of each session's route, ordered by sequence number
type RouteStore interface {
	// AppendSamples record a batch of samples. Re-appending an already stored
	// sequence number is a no-op, so retried batches are safe.
	AppendSamples(ctxt context.Context, samples []common.LocationSample) error
	// ReadSamples fetch the samples of a session with a sequence number greater than
	// since, in sequence order. A non-positive limit returns all of them.
	ReadSamples(
		ctxt context.Context, sessionID string, since uint64, limit int,
	) ([]common.LocationSample, error)
	// LastSample fetch the sample with the highest sequence number of a session.
	// Returns ErrNotFound when the session has no stored samples.
	LastSample(ctxt context.Context, sessionID string) (common.LocationSample, error)
	// Close release the store
	Close() error
}

// MaxSequenceNo highest sequence number a route store can hold
const MaxSequenceNo = uint64(math.MaxInt64)

// OpenRouteStore open the route store selected by the config
func OpenRouteStore(cfg common.StorageConfig) (RouteStore, error) {
	switch cfg.Driver {
	case "sqlite":
		return NewSQLiteRouteStore(cfg.Path)
	case "bolt":
		return NewBoltRouteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported route store driver '%s'", cfg.Driver)
	}
}
