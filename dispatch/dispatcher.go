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
package dispatch

import (
	"context"
	"sync"

	"github.com/alwitt/walktrack/common"
	"github.com/apex/log"
)

// Subscriber an owner's live view of a session
type Subscriber interface {
	// SubscriberID the owner's participant ID
	SubscriberID() string
	// Enqueue queue a sample for delivery without blocking. Returns true if an
	// older queued sample was evicted to make room.
	Enqueue(sample common.LocationSample) bool
}

// SubscriptionDirectory source of a session's current subscribers
type SubscriptionDirectory interface {
	// Subscribers the current subscribers of a session
	Subscribers(sessionID string) []Subscriber
	// CloseSession close every connection of an ended session
	CloseSession(ctxt context.Context, sessionID, reason string)
}

// BackfillSource source of stored samples
type BackfillSource interface {
	Backfill(
		ctxt context.Context, sessionID string, since uint64, limit int,
	) ([]common.LocationSample, error)
}

// Dispatcher fans accepted samples out to the session's subscribers
type Dispatcher interface {
	// Consume alias of Publish, so the dispatcher can be an ordering sink
	Consume(ctxt context.Context, sample common.LocationSample) error
	// Publish deliver a sample to every current subscriber of its session
	Publish(ctxt context.Context, sample common.LocationSample) error
	// Backfill stored samples of a session after since
	Backfill(
		ctxt context.Context, sessionID string, since uint64, limit int,
	) ([]common.LocationSample, error)
	// CloseSession close all subscriptions of an ended session
	CloseSession(ctxt context.Context, sessionID, reason string)
	// AttachDirectory set the subscription directory
	AttachDirectory(directory SubscriptionDirectory)
}

// dispatcherImpl implements Dispatcher
type dispatcherImpl struct {
	common.Component
	lock      sync.RWMutex
	directory SubscriptionDirectory
	source    BackfillSource
	metrics   *common.TrackingMetrics
}

// NewDispatcher define a new dispatcher
func NewDispatcher(source BackfillSource, metrics *common.TrackingMetrics) Dispatcher {
	return &dispatcherImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "dispatch", "component": "fan-out-dispatcher"},
		},
		source:  source,
		metrics: metrics,
	}
}

// AttachDirectory set the subscription directory
func (d *dispatcherImpl) AttachDirectory(directory SubscriptionDirectory) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.directory = directory
}

func (d *dispatcherImpl) getDirectory() SubscriptionDirectory {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.directory
}

// Consume alias of Publish
func (d *dispatcherImpl) Consume(ctxt context.Context, sample common.LocationSample) error {
	return d.Publish(ctxt, sample)
}

// Publish deliver a sample to every current subscriber of its session
func (d *dispatcherImpl) Publish(ctxt context.Context, sample common.LocationSample) error {
	directory := d.getDirectory()
	if directory == nil {
		return nil
	}
	for _, subscriber := range directory.Subscribers(sample.SessionID) {
		if subscriber.Enqueue(sample) {
			d.metrics.SamplesDropped.WithLabelValues(common.DropReasonSlowSubscriber).Inc()
			log.WithFields(d.LogTags).Debugf(
				"Subscriber %s of %s is slow, evicted oldest queued sample",
				subscriber.SubscriberID(), sample.SessionID,
			)
		}
	}
	return nil
}

// Backfill stored samples of a session after since
func (d *dispatcherImpl) Backfill(
	ctxt context.Context, sessionID string, since uint64, limit int,
) ([]common.LocationSample, error) {
	return d.source.Backfill(ctxt, sessionID, since, limit)
}

// CloseSession close all subscriptions of an ended session
func (d *dispatcherImpl) CloseSession(ctxt context.Context, sessionID, reason string) {
	if directory := d.getDirectory(); directory != nil {
		log.WithFields(d.LogTags).Infof("Closing subscriptions of %s (%s)", sessionID, reason)
		directory.CloseSession(ctxt, sessionID, reason)
	}
}
