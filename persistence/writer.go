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
package persistence

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/walktrack/common"
	"github.com/alwitt/walktrack/storage"
	"github.com/apex/log"
)

// DegradedEvent a batch of samples lost after exhausting storage retries
type DegradedEvent struct {
	SessionID       string    `json:"session_id"`
	LostSamples     int       `json:"lost_samples"`
	FirstSequenceNo uint64    `json:"first_sequence_no"`
	LastSequenceNo  uint64    `json:"last_sequence_no"`
	Error           string    `json:"error"`
	Timestamp       time.Time `json:"timestamp"`
}

// DegradedHandler callback on lost batches
type DegradedHandler func(ctxt context.Context, event DegradedEvent)

// Writer batches accepted samples into the route store
type Writer interface {
	// Consume queue an accepted sample for writing
	Consume(ctxt context.Context, sample common.LocationSample) error
	// Flush write out the pending samples of a session
	Flush(ctxt context.Context, sessionID string) error
	// FlushAll write out every pending sample
	FlushAll(ctxt context.Context) error
	// Backfill flush the session, then read its stored samples after since
	Backfill(
		ctxt context.Context, sessionID string, since uint64, limit int,
	) ([]common.LocationSample, error)
	// OnDegraded register a handler for lost batches
	OnDegraded(handler DegradedHandler)
	// Start start the shard workers and the flush timer
	Start(wg *sync.WaitGroup) error
	// Stop flush everything and stop the workers
	Stop(ctxt context.Context) error
}

// Config writer parameters
type Config struct {
	// Workers number of writer shards
	Workers int
	// QueueLength task queue length per shard
	QueueLength int
	// BatchSize pending samples of a session which trigger a flush
	BatchSize int
	// FlushInterval max age of the oldest pending sample of a session
	FlushInterval time.Duration
	// TickInterval how often pending batches are checked for age
	TickInterval time.Duration
	// MaxAttempts storage write attempts per batch
	MaxAttempts int
	// InitialBackoff delay before the first retry, doubled for each retry
	InitialBackoff time.Duration
	// StoreTimeout max duration of one storage call
	StoreTimeout time.Duration
}

// ConfigFromPersistence build writer Config from the persistence config section
func ConfigFromPersistence(cfg common.PersistenceConfig) Config {
	flushInterval := common.Seconds(cfg.FlushInterval)
	tick := flushInterval / 5
	if tick < time.Millisecond*100 {
		tick = time.Millisecond * 100
	}
	return Config{
		Workers:        cfg.Workers,
		QueueLength:    cfg.QueueLength,
		BatchSize:      cfg.BatchSize,
		FlushInterval:  flushInterval,
		TickInterval:   tick,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: time.Millisecond * time.Duration(cfg.InitialBackoff),
		StoreTimeout:   common.Seconds(cfg.StoreTimeout),
	}
}

// pendingBatch samples of one session awaiting write
type pendingBatch struct {
	samples []common.LocationSample
	oldest  time.Time
}

// writerShard one writer event loop and the batches it owns
type writerShard struct {
	common.Component
	parent  *writerImpl
	tp      common.TaskProcessor
	pending map[string]*pendingBatch
}

// writerImpl implements Writer
type writerImpl struct {
	common.Component
	cfg              Config
	store            storage.RouteStore
	metrics          *common.TrackingMetrics
	operationContext context.Context
	contextCancel    context.CancelFunc
	shards           []*writerShard
	timer            common.IntervalTimer
	handlerLock      sync.RWMutex
	degradedHandlers []DegradedHandler
	now              func() time.Time
}

// NewWriter define a new persistence writer
func NewWriter(
	ctxt context.Context,
	cfg Config,
	store storage.RouteStore,
	metrics *common.TrackingMetrics,
	wg *sync.WaitGroup,
) (Writer, error) {
	if store == nil || metrics == nil {
		return nil, fmt.Errorf("route store and metrics are required")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	logTags := log.Fields{"module": "persistence", "component": "route-writer"}
	optCtxt, cancel := context.WithCancel(ctxt)
	instance := &writerImpl{
		Component:        common.Component{LogTags: logTags},
		cfg:              cfg,
		store:            store,
		metrics:          metrics,
		operationContext: optCtxt,
		contextCancel:    cancel,
		shards:           make([]*writerShard, cfg.Workers),
		degradedHandlers: []DegradedHandler{},
		now:              time.Now,
	}
	for itr := 0; itr < cfg.Workers; itr++ {
		name := fmt.Sprintf("route-writer-%d", itr)
		tp, err := common.GetNewTaskProcessorInstance(optCtxt, name, cfg.QueueLength)
		if err != nil {
			cancel()
			return nil, err
		}
		shard := &writerShard{
			Component: common.Component{LogTags: log.Fields{
				"module": "persistence", "component": "route-writer", "instance": name,
			}},
			parent:  instance,
			tp:      tp,
			pending: make(map[string]*pendingBatch),
		}
		if err := tp.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
			reflect.TypeOf(writerAppendRequest{}): shard.processAppend,
			reflect.TypeOf(writerFlushRequest{}):  shard.processFlush,
			reflect.TypeOf(writerTickRequest{}):   shard.processTick,
		}); err != nil {
			cancel()
			return nil, err
		}
		instance.shards[itr] = shard
	}
	timer, err := common.GetIntervalTimerInstance(optCtxt, wg, "route-writer-flush")
	if err != nil {
		cancel()
		return nil, err
	}
	instance.timer = timer
	return instance, nil
}

func (w *writerImpl) shardFor(sessionID string) *writerShard {
	return w.shards[common.ShardIndex(sessionID, len(w.shards))]
}

// OnDegraded register a handler for lost batches
func (w *writerImpl) OnDegraded(handler DegradedHandler) {
	w.handlerLock.Lock()
	defer w.handlerLock.Unlock()
	w.degradedHandlers = append(w.degradedHandlers, handler)
}

// Start start the shard workers and the flush timer
func (w *writerImpl) Start(wg *sync.WaitGroup) error {
	for _, shard := range w.shards {
		if err := shard.tp.StartEventLoop(wg); err != nil {
			return err
		}
	}
	return w.timer.Start(w.cfg.TickInterval, w.tick, false)
}

// Stop flush everything and stop the workers
func (w *writerImpl) Stop(ctxt context.Context) error {
	err := w.FlushAll(ctxt)
	if err != nil {
		log.WithError(err).WithFields(w.LogTags).Error("Final flush incomplete")
	}
	_ = w.timer.Stop()
	for _, shard := range w.shards {
		_ = shard.tp.StopEventLoop()
	}
	w.contextCancel()
	return err
}

// =========================================================================

type writerAppendRequest struct {
	sample common.LocationSample
}

// Consume queue an accepted sample for writing. Never waits on the shard: when its
// queue is full the sample is reported lost. The caller's context does not cancel
// the write of an accepted sample.
func (w *writerImpl) Consume(_ context.Context, sample common.LocationSample) error {
	if err := w.shardFor(sample.SessionID).tp.TrySubmit(
		writerAppendRequest{sample: sample},
	); err != nil {
		log.WithError(err).WithFields(w.LogTags).Errorf("Unable to queue %s", sample)
		w.reportLost(w.operationContext, []common.LocationSample{sample}, err)
		return fmt.Errorf("%w: %s", common.ErrPersistenceDegraded, err.Error())
	}
	return nil
}

// processAppend support TaskProcessor, handle writerAppendRequest
func (s *writerShard) processAppend(param interface{}) error {
	request, ok := param.(writerAppendRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for append", reflect.TypeOf(param))
	}
	sessionID := request.sample.SessionID
	batch, ok := s.pending[sessionID]
	if !ok {
		batch = &pendingBatch{samples: []common.LocationSample{}, oldest: s.parent.now()}
		s.pending[sessionID] = batch
	}
	batch.samples = append(batch.samples, request.sample)
	if len(batch.samples) >= s.parent.cfg.BatchSize {
		return s.flushSession(sessionID)
	}
	return nil
}

// =========================================================================

type writerFlushRequest struct {
	// sessionID session to flush; empty flushes all
	sessionID string
	resultCB  func(err error)
}

// Flush write out the pending samples of a session
func (w *writerImpl) Flush(ctxt context.Context, sessionID string) error {
	return w.submitFlush(ctxt, w.shardFor(sessionID), sessionID)
}

// FlushAll write out every pending sample
func (w *writerImpl) FlushAll(ctxt context.Context) error {
	var firstErr error
	for _, shard := range w.shards {
		if err := w.submitFlush(ctxt, shard, ""); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *writerImpl) submitFlush(ctxt context.Context, shard *writerShard, sessionID string) error {
	resultChan := make(chan error, 1)
	request := writerFlushRequest{
		sessionID: sessionID,
		resultCB: func(err error) {
			resultChan <- err
		},
	}
	if err := shard.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(w.LogTags).Errorf("Failed to submit flush of '%s'", sessionID)
		return err
	}
	select {
	case err := <-resultChan:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// processFlush support TaskProcessor, handle writerFlushRequest
func (s *writerShard) processFlush(param interface{}) error {
	request, ok := param.(writerFlushRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for flush", reflect.TypeOf(param))
	}
	var err error
	if request.sessionID != "" {
		err = s.flushSession(request.sessionID)
	} else {
		for sessionID := range s.pending {
			if flushErr := s.flushSession(sessionID); flushErr != nil && err == nil {
				err = flushErr
			}
		}
	}
	request.resultCB(err)
	return err
}

// =========================================================================

type writerTickRequest struct {
	timestamp time.Time
}

func (w *writerImpl) tick() error {
	now := w.now()
	for _, shard := range w.shards {
		useCtxt, cancel := context.WithTimeout(w.operationContext, w.cfg.TickInterval)
		err := shard.tp.Submit(useCtxt, writerTickRequest{timestamp: now})
		cancel()
		if err != nil {
			log.WithError(err).WithFields(shard.LogTags).Warn("Skipped flush tick")
		}
	}
	return nil
}

// processTick support TaskProcessor, handle writerTickRequest
func (s *writerShard) processTick(param interface{}) error {
	request, ok := param.(writerTickRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for tick", reflect.TypeOf(param))
	}
	var err error
	for sessionID, batch := range s.pending {
		if request.timestamp.Sub(batch.oldest) >= s.parent.cfg.FlushInterval {
			if flushErr := s.flushSession(sessionID); flushErr != nil && err == nil {
				err = flushErr
			}
		}
	}
	return err
}

// =========================================================================

// flushSession write the pending batch of a session with retries. The batch is
// released whether or not the write succeeds.
func (s *writerShard) flushSession(sessionID string) error {
	batch, ok := s.pending[sessionID]
	if !ok || len(batch.samples) == 0 {
		delete(s.pending, sessionID)
		return nil
	}
	delete(s.pending, sessionID)

	w := s.parent
	backoff := w.cfg.InitialBackoff
	var err error
retry:
	for attempt := 1; ; attempt++ {
		useCtxt, cancel := context.WithTimeout(w.operationContext, w.cfg.StoreTimeout)
		err = w.store.AppendSamples(useCtxt, batch.samples)
		cancel()
		if err == nil {
			w.metrics.BatchesWritten.Inc()
			log.WithFields(s.LogTags).Debugf(
				"Stored %d samples of %s", len(batch.samples), sessionID,
			)
			return nil
		}
		log.WithError(err).WithFields(s.LogTags).Warnf(
			"Attempt %d/%d to store %d samples of %s failed",
			attempt, w.cfg.MaxAttempts, len(batch.samples), sessionID,
		)
		if attempt >= w.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-w.operationContext.Done():
			err = w.operationContext.Err()
			break retry
		}
		backoff *= 2
	}

	w.reportLost(w.operationContext, batch.samples, err)
	return fmt.Errorf("%w: %s", common.ErrPersistenceDegraded, err.Error())
}

// reportLost log, count, and publish a lost batch
func (w *writerImpl) reportLost(
	ctxt context.Context, samples []common.LocationSample, cause error,
) {
	if len(samples) == 0 {
		return
	}
	event := DegradedEvent{
		SessionID:       samples[0].SessionID,
		LostSamples:     len(samples),
		FirstSequenceNo: samples[0].SequenceNo,
		LastSequenceNo:  samples[len(samples)-1].SequenceNo,
		Timestamp:       w.now(),
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	w.metrics.BatchesLost.Inc()
	log.WithFields(w.LogTags).Errorf(
		"Lost %d samples of %s [%d..%d]: %s",
		event.LostSamples, event.SessionID, event.FirstSequenceNo, event.LastSequenceNo, event.Error,
	)
	w.handlerLock.RLock()
	handlers := make([]DegradedHandler, len(w.degradedHandlers))
	copy(handlers, w.degradedHandlers)
	w.handlerLock.RUnlock()
	for _, handler := range handlers {
		handler(ctxt, event)
	}
}

// =========================================================================

// Backfill flush the session, then read its stored samples after since
func (w *writerImpl) Backfill(
	ctxt context.Context, sessionID string, since uint64, limit int,
) ([]common.LocationSample, error) {
	if err := w.Flush(ctxt, sessionID); err != nil {
		if ctxt.Err() != nil {
			return nil, err
		}
		log.WithError(err).WithFields(w.LogTags).Warnf(
			"Serving backfill of %s without the pending samples", sessionID,
		)
	}
	useCtxt, cancel := context.WithTimeout(ctxt, w.cfg.StoreTimeout)
	defer cancel()
	return w.store.ReadSamples(useCtxt, sessionID, since, limit)
}
