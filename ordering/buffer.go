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
package ordering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/walktrack/common"
	"github.com/apex/log"
)

// SampleSink consumer of accepted samples. Consume is called in sequence order per session.
type SampleSink interface {
	Consume(ctxt context.Context, sample common.LocationSample) error
}

// WatermarkSource provides the last stored sample of a session
type WatermarkSource interface {
	LastSample(ctxt context.Context, sessionID string) (common.LocationSample, error)
}

// SeedFailureHandler callback when a session starts without its stored watermark
type SeedFailureHandler func(ctxt context.Context, sessionID string, err error)

const (
	seedAttempts       = 3
	seedInitialBackoff = time.Millisecond * 50
	seedTimeout        = time.Second * 2
)

// Buffer assigns sequence numbers and drops stale samples
type Buffer interface {
	// Offer submit a position. Returns the sequenced sample and true if accepted, or
	// false if the sample was stale or a duplicate.
	Offer(ctxt context.Context, position common.SamplePosition) (common.LocationSample, bool, error)
	// AddSink register a consumer of accepted samples
	AddSink(sink SampleSink)
	// OnSeedFailure register a handler for sessions started without a stored watermark
	OnSeedFailure(handler SeedFailureHandler)
	// Watermark the last accepted capture time and sequence number of a session
	Watermark(sessionID string) (time.Time, uint64, bool)
	// Release forget the state of a session
	Release(sessionID string)
}

type sessionWatermark struct {
	lock           sync.Mutex
	seeded         bool
	lastCapturedAt time.Time
	lastSequenceNo uint64
}

type watermarkShard struct {
	lock     sync.Mutex
	sessions map[string]*sessionWatermark
}

// bufferImpl implements Buffer
type bufferImpl struct {
	common.Component
	shards   []*watermarkShard
	source   WatermarkSource
	metrics  *common.TrackingMetrics
	sinkLock sync.RWMutex
	sinks    []SampleSink
	seedFail []SeedFailureHandler
}

// NewBuffer define a new ordering buffer. source may be nil, in which case every
// session starts from sequence number 1.
func NewBuffer(
	shards int, source WatermarkSource, metrics *common.TrackingMetrics,
) (Buffer, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics not provided")
	}
	if shards < 1 {
		shards = 1
	}
	instance := &bufferImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "ordering", "component": "ordering-buffer"},
		},
		shards:  make([]*watermarkShard, shards),
		source:  source,
		metrics: metrics,
		sinks:    []SampleSink{},
		seedFail: []SeedFailureHandler{},
	}
	for itr := 0; itr < shards; itr++ {
		instance.shards[itr] = &watermarkShard{sessions: make(map[string]*sessionWatermark)}
	}
	return instance, nil
}

func (b *bufferImpl) shardFor(sessionID string) *watermarkShard {
	return b.shards[common.ShardIndex(sessionID, len(b.shards))]
}

func (b *bufferImpl) entry(sessionID string, create bool) *sessionWatermark {
	shard := b.shardFor(sessionID)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	entry, ok := shard.sessions[sessionID]
	if !ok && create {
		entry = &sessionWatermark{}
		shard.sessions[sessionID] = entry
	}
	return entry
}

// AddSink register a consumer of accepted samples
func (b *bufferImpl) AddSink(sink SampleSink) {
	b.sinkLock.Lock()
	defer b.sinkLock.Unlock()
	b.sinks = append(b.sinks, sink)
}

// OnSeedFailure register a handler for sessions started without a stored watermark
func (b *bufferImpl) OnSeedFailure(handler SeedFailureHandler) {
	b.sinkLock.Lock()
	defer b.sinkLock.Unlock()
	b.seedFail = append(b.seedFail, handler)
}

// seed load the watermark of a session from storage. Caller holds the entry lock.
//
// A store which stays unavailable after seedAttempts does not block the session: it
// starts from an empty watermark and the seed failure handlers are notified.
func (b *bufferImpl) seed(ctxt context.Context, sessionID string, entry *sessionWatermark) error {
	if b.source == nil {
		entry.seeded = true
		return nil
	}
	backoff := seedInitialBackoff
	var err error
	for attempt := 1; ; attempt++ {
		var last common.LocationSample
		useCtxt, cancel := context.WithTimeout(ctxt, seedTimeout)
		last, err = b.source.LastSample(useCtxt, sessionID)
		cancel()
		if err == nil {
			entry.lastCapturedAt = last.CapturedAt
			entry.lastSequenceNo = last.SequenceNo
			entry.seeded = true
			log.WithFields(b.LogTags).Infof("Resuming %s after stored %s", sessionID, last)
			return nil
		}
		if errors.Is(err, common.ErrNotFound) {
			entry.seeded = true
			return nil
		}
		log.WithError(err).WithFields(b.LogTags).Warnf(
			"Attempt %d/%d to load watermark of %s failed", attempt, seedAttempts, sessionID,
		)
		if attempt >= seedAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctxt.Done():
			return fmt.Errorf("unable to load watermark of %s: %w", sessionID, ctxt.Err())
		}
		backoff *= 2
	}

	log.WithError(err).WithFields(b.LogTags).Errorf(
		"Starting %s without its stored watermark", sessionID,
	)
	entry.seeded = true
	b.sinkLock.RLock()
	handlers := b.seedFail
	b.sinkLock.RUnlock()
	for _, handler := range handlers {
		handler(ctxt, sessionID, err)
	}
	return nil
}

// Offer submit a position
func (b *bufferImpl) Offer(
	ctxt context.Context, position common.SamplePosition,
) (common.LocationSample, bool, error) {
	entry := b.entry(position.SessionID, true)
	entry.lock.Lock()
	defer entry.lock.Unlock()

	if !entry.seeded {
		if err := b.seed(ctxt, position.SessionID, entry); err != nil {
			return common.LocationSample{}, false, err
		}
	}

	if !position.CapturedAt.After(entry.lastCapturedAt) {
		b.metrics.SamplesDropped.WithLabelValues(common.DropReasonStale).Inc()
		log.WithFields(b.LogTags).Debugf(
			"Dropped stale sample of %s captured %s", position.SessionID, position.CapturedAt,
		)
		return common.LocationSample{}, false, nil
	}

	entry.lastSequenceNo++
	entry.lastCapturedAt = position.CapturedAt
	sample := common.LocationSample{
		SessionID:      position.SessionID,
		SequenceNo:     entry.lastSequenceNo,
		Latitude:       position.Latitude,
		Longitude:      position.Longitude,
		CapturedAt:     position.CapturedAt,
		ReceivedAt:     position.ReceivedAt,
		AccuracyMeters: position.AccuracyMeters,
	}
	b.metrics.SamplesAccepted.Inc()

	b.sinkLock.RLock()
	sinks := b.sinks
	b.sinkLock.RUnlock()
	for _, sink := range sinks {
		if err := sink.Consume(ctxt, sample); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf("Sink failed to consume %s", sample)
		}
	}
	return sample, true, nil
}

// Watermark the last accepted capture time and sequence number of a session
func (b *bufferImpl) Watermark(sessionID string) (time.Time, uint64, bool) {
	entry := b.entry(sessionID, false)
	if entry == nil {
		return time.Time{}, 0, false
	}
	entry.lock.Lock()
	defer entry.lock.Unlock()
	return entry.lastCapturedAt, entry.lastSequenceNo, entry.seeded
}

// Release forget the state of a session
func (b *bufferImpl) Release(sessionID string) {
	shard := b.shardFor(sessionID)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	delete(shard.sessions, sessionID)
}
