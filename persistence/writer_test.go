package persistence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/walktrack/common"
	"github.com/alwitt/walktrack/dispatch"
	"github.com/alwitt/walktrack/ordering"
	"github.com/alwitt/walktrack/storage"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// flakyStore in-memory RouteStore which fails the first failures writes
type flakyStore struct {
	lock     sync.Mutex
	failures int
	calls    int
	batches  [][]common.LocationSample
	stored   map[string][]common.LocationSample
}

func newFlakyStore(failures int) *flakyStore {
	return &flakyStore{failures: failures, stored: map[string][]common.LocationSample{}}
}

func (s *flakyStore) AppendSamples(_ context.Context, samples []common.LocationSample) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.calls++
	if s.failures < 0 || s.calls <= s.failures {
		return fmt.Errorf("disk unavailable")
	}
	s.batches = append(s.batches, samples)
	for _, sample := range samples {
		s.stored[sample.SessionID] = append(s.stored[sample.SessionID], sample)
	}
	return nil
}

func (s *flakyStore) ReadSamples(
	_ context.Context, sessionID string, since uint64, limit int,
) ([]common.LocationSample, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := []common.LocationSample{}
	for _, sample := range s.stored[sessionID] {
		if sample.SequenceNo > since && (limit <= 0 || len(result) < limit) {
			result = append(result, sample)
		}
	}
	return result, nil
}

func (s *flakyStore) LastSample(_ context.Context, sessionID string) (common.LocationSample, error) {
	return common.LocationSample{}, common.NotFoundErrorf("unsupported")
}

func (s *flakyStore) Close() error {
	return nil
}

func (s *flakyStore) storedCount(sessionID string) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.stored[sessionID])
}

func (s *flakyStore) stats() (int, int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.calls, len(s.batches)
}

func testConfig() Config {
	return Config{
		Workers:        2,
		QueueLength:    16,
		BatchSize:      3,
		FlushInterval:  time.Hour,
		TickInterval:   time.Millisecond * 20,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond * 10,
		StoreTimeout:   time.Second,
	}
}

func sample(sessionID string, seq int) common.LocationSample {
	base := time.Date(2022, 8, 1, 10, 0, 0, 0, time.UTC)
	return common.LocationSample{
		SessionID:  sessionID,
		SequenceNo: uint64(seq),
		Latitude:   10,
		Longitude:  20,
		CapturedAt: base.Add(time.Second * time.Duration(seq)),
		ReceivedAt: base.Add(time.Second * time.Duration(seq)),
	}
}

func startWriter(
	t *testing.T, cfg Config, store storage.RouteStore,
) (Writer, *common.TrackingMetrics, func()) {
	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	metrics, err := common.NewTrackingMetrics(nil)
	assert.Nil(t, err)
	uut, err := NewWriter(ctxt, cfg, store, metrics, &wg)
	assert.Nil(t, err)
	assert.Nil(t, uut.Start(&wg))
	return uut, metrics, func() {
		stopCtxt, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		_ = uut.Stop(stopCtxt)
		cancel()
		wg.Wait()
	}
}

func TestFlushOnBatchSize(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	ctxt := context.Background()

	store := newFlakyStore(0)
	uut, metrics, stop := startWriter(t, testConfig(), store)
	defer stop()

	for itr := 1; itr <= 7; itr++ {
		assert.Nil(uut.Consume(ctxt, sample("s1", itr)))
	}
	assert.Eventually(func() bool {
		return store.storedCount("s1") == 6
	}, time.Second, time.Millisecond*10)

	assert.Nil(uut.Flush(ctxt, "s1"))
	assert.Equal(7, store.storedCount("s1"))
	_, batches := store.stats()
	assert.Equal(3, batches)
	assert.Equal(3.0, testutil.ToFloat64(metrics.BatchesWritten))

	// Nothing pending is a no-op
	assert.Nil(uut.Flush(ctxt, "s1"))
	assert.Nil(uut.Flush(ctxt, "unknown"))
}

func TestFlushOnAge(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	cfg := testConfig()
	cfg.BatchSize = 100
	cfg.FlushInterval = time.Millisecond * 100

	store := newFlakyStore(0)
	uut, _, stop := startWriter(t, cfg, store)
	defer stop()

	assert.Nil(uut.Consume(ctxt, sample("s1", 1)))
	assert.Nil(uut.Consume(ctxt, sample("s2", 1)))
	time.Sleep(time.Millisecond * 30)
	assert.Equal(0, store.storedCount("s1"))
	assert.Eventually(func() bool {
		return store.storedCount("s1") == 1 && store.storedCount("s2") == 1
	}, time.Second, time.Millisecond*10)
}

func TestRetryThenSucceed(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	store := newFlakyStore(2)
	uut, metrics, stop := startWriter(t, testConfig(), store)
	defer stop()

	degraded := 0
	uut.OnDegraded(func(_ context.Context, _ DegradedEvent) { degraded++ })

	assert.Nil(uut.Consume(ctxt, sample("s1", 1)))
	assert.Nil(uut.Flush(ctxt, "s1"))
	calls, batches := store.stats()
	assert.Equal(3, calls)
	assert.Equal(1, batches)
	assert.Equal(0.0, testutil.ToFloat64(metrics.BatchesLost))
	assert.Equal(0, degraded)
}

func TestBatchLostAfterRetries(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	store := newFlakyStore(-1)
	uut, metrics, stop := startWriter(t, testConfig(), store)
	defer stop()

	events := make(chan DegradedEvent, 4)
	uut.OnDegraded(func(_ context.Context, event DegradedEvent) { events <- event })

	assert.Nil(uut.Consume(ctxt, sample("s1", 4)))
	assert.Nil(uut.Consume(ctxt, sample("s1", 5)))
	start := time.Now()
	err := uut.Flush(ctxt, "s1")
	assert.True(errors.Is(err, common.ErrPersistenceDegraded))
	// 10ms then 20ms between the three attempts
	assert.GreaterOrEqual(time.Since(start), time.Millisecond*30)

	calls, _ := store.stats()
	assert.Equal(3, calls)
	assert.Equal(1.0, testutil.ToFloat64(metrics.BatchesLost))
	select {
	case event := <-events:
		assert.Equal("s1", event.SessionID)
		assert.Equal(2, event.LostSamples)
		assert.Equal(uint64(4), event.FirstSequenceNo)
		assert.Equal(uint64(5), event.LastSequenceNo)
		assert.NotEmpty(event.Error)
	default:
		assert.Fail("no degraded event")
	}

	// The lost batch is not retried again
	assert.Nil(uut.Flush(ctxt, "s1"))
	calls, _ = store.stats()
	assert.Equal(3, calls)
}

func TestBackfillAfterThreeSamples(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	store, err := storage.NewSQLiteRouteStore(filepath.Join(t.TempDir(), "route.db"))
	assert.Nil(err)
	defer func() {
		assert.Nil(store.Close())
	}()

	cfg := testConfig()
	cfg.BatchSize = 20
	uut, _, stop := startWriter(t, cfg, store)
	defer stop()

	for itr := 1; itr <= 3; itr++ {
		assert.Nil(uut.Consume(ctxt, sample("s1", itr)))
	}

	// Case 0: all samples, pending ones included
	{
		samples, err := uut.Backfill(ctxt, "s1", 0, 0)
		assert.Nil(err)
		assert.Len(samples, 3)
		for idx, s := range samples {
			assert.Equal(uint64(idx+1), s.SequenceNo)
		}
	}

	// Case 1: since a sequence number
	{
		samples, err := uut.Backfill(ctxt, "s1", 1, 0)
		assert.Nil(err)
		assert.Len(samples, 2)
		assert.Equal(uint64(2), samples[0].SequenceNo)
	}

	// Case 2: unknown session
	{
		samples, err := uut.Backfill(ctxt, "s2", 0, 0)
		assert.Nil(err)
		assert.Empty(samples)
	}
}

func TestStopFlushesPending(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	store := newFlakyStore(0)
	uut, _, stop := startWriter(t, testConfig(), store)

	assert.Nil(uut.Consume(ctxt, sample("s1", 1)))
	assert.Nil(uut.Consume(ctxt, sample("s2", 1)))
	stop()
	assert.Equal(1, store.storedCount("s1"))
	assert.Equal(1, store.storedCount("s2"))
}

// hungStore RouteStore whose writes never complete before their deadline
type hungStore struct {
	*flakyStore
}

func (s *hungStore) AppendSamples(ctxt context.Context, _ []common.LocationSample) error {
	<-ctxt.Done()
	return ctxt.Err()
}

// liveSubscriber records every sample fanned out to it
type liveSubscriber struct {
	lock    sync.Mutex
	samples []common.LocationSample
}

func (s *liveSubscriber) SubscriberID() string {
	return "o1"
}

func (s *liveSubscriber) Enqueue(sample common.LocationSample) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.samples = append(s.samples, sample)
	return false
}

func (s *liveSubscriber) count() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.samples)
}

type liveDirectory struct {
	subscriber *liveSubscriber
}

func (d liveDirectory) Subscribers(_ string) []dispatch.Subscriber {
	return []dispatch.Subscriber{d.subscriber}
}

func (d liveDirectory) CloseSession(_ context.Context, _, _ string) {}

func TestStalledStoreDoesNotBlockIngestion(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueLength = 1
	cfg.BatchSize = 1
	cfg.MaxAttempts = 1
	cfg.StoreTimeout = time.Second
	store := &hungStore{flakyStore: newFlakyStore(0)}
	writer, metrics, stop := startWriter(t, cfg, store)
	defer stop()

	subscriber := &liveSubscriber{}
	dispatcher := dispatch.NewDispatcher(writer, metrics)
	dispatcher.AttachDirectory(liveDirectory{subscriber: subscriber})
	buffer, err := ordering.NewBuffer(1, nil, metrics)
	assert.Nil(err)
	buffer.AddSink(dispatcher)
	buffer.AddSink(writer)

	base := time.Date(2022, 8, 1, 10, 0, 0, 0, time.UTC)
	for itr := 1; itr <= 8; itr++ {
		start := time.Now()
		sample, accepted, err := buffer.Offer(ctxt, common.SamplePosition{
			SessionID:  "s1",
			Latitude:   10,
			Longitude:  20,
			CapturedAt: base.Add(time.Second * time.Duration(itr)),
			ReceivedAt: time.Now(),
		})
		assert.Nil(err)
		assert.True(accepted)
		assert.Equal(uint64(itr), sample.SequenceNo)
		assert.Lessf(time.Since(start), time.Millisecond*200, "offer %d", itr)
	}

	// Every sample reached the owner, the ones the writer could not hold are lost
	assert.Equal(8, subscriber.count())
	assert.GreaterOrEqual(testutil.ToFloat64(metrics.BatchesLost), 1.0)
}
