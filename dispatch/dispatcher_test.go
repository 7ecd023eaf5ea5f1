package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/walktrack/common"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type queueSubscriber struct {
	id    string
	queue *SampleQueue
}

func (s *queueSubscriber) SubscriberID() string {
	return s.id
}

func (s *queueSubscriber) Enqueue(sample common.LocationSample) bool {
	return s.queue.Push(sample)
}

type fakeDirectory struct {
	lock        sync.Mutex
	subscribers map[string][]Subscriber
	closed      map[string]string
}

func (d *fakeDirectory) Subscribers(sessionID string) []Subscriber {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.subscribers[sessionID]
}

func (d *fakeDirectory) CloseSession(_ context.Context, sessionID, reason string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.closed[sessionID] = reason
	delete(d.subscribers, sessionID)
}

type fakeSource struct {
	samples []common.LocationSample
}

func (s fakeSource) Backfill(
	_ context.Context, sessionID string, since uint64, limit int,
) ([]common.LocationSample, error) {
	result := []common.LocationSample{}
	for _, sample := range s.samples {
		if sample.SessionID == sessionID && sample.SequenceNo > since {
			result = append(result, sample)
		}
	}
	return result, nil
}

func seqSample(sessionID string, seq uint64) common.LocationSample {
	return common.LocationSample{
		SessionID:  sessionID,
		SequenceNo: seq,
		CapturedAt: time.Unix(int64(seq), 0).UTC(),
	}
}

func TestSampleQueueDropOldest(t *testing.T) {
	assert := assert.New(t)

	uut := NewSampleQueue(3)
	for seq := uint64(1); seq <= 3; seq++ {
		assert.False(uut.Push(seqSample("s1", seq)))
	}
	select {
	case <-uut.Ready():
	default:
		assert.Fail("queue not signalled")
	}
	assert.True(uut.Push(seqSample("s1", 4)))
	assert.True(uut.Push(seqSample("s1", 5)))
	assert.Equal(3, uut.Len())

	drained := uut.Drain()
	assert.Len(drained, 3)
	for idx, sample := range drained {
		assert.Equal(uint64(idx+3), sample.SequenceNo)
	}
	assert.Nil(uut.Drain())

	uut.Close()
	assert.False(uut.Push(seqSample("s1", 6)))
	assert.Equal(0, uut.Len())
}

func TestPublishFanOut(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	ctxt := context.Background()

	metrics, err := common.NewTrackingMetrics(nil)
	assert.Nil(err)
	uut := NewDispatcher(fakeSource{}, metrics)

	// No directory yet
	assert.Nil(uut.Publish(ctxt, seqSample("s1", 1)))

	fast1 := &queueSubscriber{id: "o1", queue: NewSampleQueue(50)}
	fast2 := &queueSubscriber{id: "o1", queue: NewSampleQueue(50)}
	other := &queueSubscriber{id: "o2", queue: NewSampleQueue(50)}
	directory := &fakeDirectory{
		subscribers: map[string][]Subscriber{
			"s1": {fast1, fast2},
			"s2": {other},
		},
		closed: map[string]string{},
	}
	uut.AttachDirectory(directory)

	for seq := uint64(1); seq <= 5; seq++ {
		assert.Nil(uut.Consume(ctxt, seqSample("s1", seq)))
	}
	for _, sub := range []*queueSubscriber{fast1, fast2} {
		drained := sub.queue.Drain()
		assert.Len(drained, 5)
		for idx, sample := range drained {
			assert.Equal(uint64(idx+1), sample.SequenceNo)
		}
	}
	assert.Equal(0, other.queue.Len())

	uut.CloseSession(ctxt, "s1", "completed")
	assert.Equal("completed", directory.closed["s1"])
	assert.Nil(uut.Publish(ctxt, seqSample("s1", 6)))
	assert.Equal(0, fast1.queue.Len())
}

func TestSlowSubscriber(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	metrics, err := common.NewTrackingMetrics(nil)
	assert.Nil(err)
	uut := NewDispatcher(fakeSource{}, metrics)

	slow := &queueSubscriber{id: "o1", queue: NewSampleQueue(50)}
	fast := &queueSubscriber{id: "o1", queue: NewSampleQueue(50)}
	uut.AttachDirectory(&fakeDirectory{
		subscribers: map[string][]Subscriber{"s1": {slow, fast}},
		closed:      map[string]string{},
	})

	// The fast subscriber keeps up, the slow one never drains
	received := []common.LocationSample{}
	for seq := uint64(1); seq <= 60; seq++ {
		assert.Nil(uut.Publish(ctxt, seqSample("s1", seq)))
		received = append(received, fast.queue.Drain()...)
	}
	assert.Len(received, 60)

	queued := slow.queue.Drain()
	assert.Len(queued, 50)
	assert.Equal(uint64(11), queued[0].SequenceNo)
	assert.Equal(uint64(60), queued[49].SequenceNo)
	assert.Equal(
		10.0,
		testutil.ToFloat64(metrics.SamplesDropped.WithLabelValues(common.DropReasonSlowSubscriber)),
	)
}

func TestDispatcherBackfill(t *testing.T) {
	assert := assert.New(t)

	metrics, err := common.NewTrackingMetrics(nil)
	assert.Nil(err)
	uut := NewDispatcher(fakeSource{samples: []common.LocationSample{
		seqSample("s1", 1), seqSample("s1", 2), seqSample("s1", 3), seqSample("s2", 1),
	}}, metrics)

	samples, err := uut.Backfill(context.Background(), "s1", 1, 0)
	assert.Nil(err)
	assert.Len(samples, 2)
	assert.Equal(uint64(2), samples[0].SequenceNo)
}
