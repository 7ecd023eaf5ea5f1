package connection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alwitt/walktrack/common"
	"github.com/alwitt/walktrack/dispatch"
	"github.com/alwitt/walktrack/ingestion"
	"github.com/alwitt/walktrack/ordering"
	"github.com/alwitt/walktrack/registry"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// sampleLog ordering sink which doubles as the backfill source
type sampleLog struct {
	lock    sync.Mutex
	samples []common.LocationSample
}

func (l *sampleLog) Consume(_ context.Context, sample common.LocationSample) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.samples = append(l.samples, sample)
	return nil
}

func (l *sampleLog) Backfill(
	_ context.Context, sessionID string, since uint64, limit int,
) ([]common.LocationSample, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	result := []common.LocationSample{}
	for _, sample := range l.samples {
		if sample.SessionID == sessionID && sample.SequenceNo > since {
			result = append(result, sample)
		}
	}
	return result, nil
}

type panickingSource struct{}

func (panickingSource) Backfill(
	_ context.Context, _ string, _ uint64, _ int,
) ([]common.LocationSample, error) {
	panic("backfill exploded")
}

type harness struct {
	registry   registry.SessionRegistry
	dispatcher dispatch.Dispatcher
	manager    Manager
	samples    *sampleLog
	ctxt       context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func testConfig() Config {
	return Config{
		Shards:                4,
		AuthGracePeriod:       time.Second,
		HeartbeatInterval:     time.Hour,
		MaxMissedPongs:        2,
		MaxUnauthorized:       3,
		SubscriberQueueLength: 50,
		ControlQueueLength:    32,
		WriteWait:             time.Second,
	}
}

func newHarness(t *testing.T, cfg Config, source dispatch.BackfillSource) *harness {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	h := &harness{samples: &sampleLog{}}
	h.ctxt, h.cancel = context.WithCancel(context.Background())

	metrics, err := common.NewTrackingMetrics(nil)
	assert.Nil(err)
	h.registry, err = registry.NewSessionRegistry(registry.Config{
		Shards: 4, IdleThreshold: time.Hour, TerminalRetention: time.Hour,
	})
	assert.Nil(err)
	buffer, err := ordering.NewBuffer(4, nil, metrics)
	assert.Nil(err)
	endpoint, err := ingestion.NewEndpoint(h.registry, buffer, metrics)
	assert.Nil(err)
	if source == nil {
		source = h.samples
	}
	h.dispatcher = dispatch.NewDispatcher(source, metrics)
	buffer.AddSink(h.samples)
	buffer.AddSink(h.dispatcher)
	h.manager, err = NewManager(h.ctxt, cfg, h.registry, endpoint, h.dispatcher, metrics)
	assert.Nil(err)
	h.dispatcher.AttachDirectory(h.manager)
	h.registry.OnSessionEnd(func(ctxt context.Context, s common.WalkSession) {
		h.dispatcher.CloseSession(ctxt, s.SessionID, s.EndReason)
	})

	_, err = h.registry.ScheduleSession(h.ctxt, common.WalkSession{
		SessionID: "s1", WalkerID: "w1", OwnerID: "o1", DogIDs: []string{"rex"},
	})
	assert.Nil(err)
	return h
}

func (h *harness) stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *harness) connect(autoPong bool) *memoryTransport {
	transport := newMemoryTransport(autoPong)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		_ = h.manager.Serve(h.ctxt, transport)
	}()
	return transport
}

func helloFrame(sessionID, participantID, role string) string {
	return fmt.Sprintf(
		`{"type":"hello","sessionId":"%s","participantId":"%s","role":"%s"}`,
		sessionID, participantID, role,
	)
}

func locationFrame(sessionID string, second int) string {
	return fmt.Sprintf(
		`{"type":"location","sessionId":"%s","latitude":45.1,"longitude":-122.2,"capturedAt":"2022-08-01T10:00:%02dZ"}`,
		sessionID, second,
	)
}

func TestWalkerOwnerStreaming(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, testConfig(), nil)
	defer h.stop()

	walker := h.connect(true)
	walker.sendJSON(t, helloFrame("s1", "w1", "walker"))
	walker.sendJSON(t, locationFrame("s1", 1))
	ack := walker.next(t)
	assert.Equal("ack", ack["type"])
	assert.Equal("accepted", ack["status"])
	assert.Equal(1.0, ack["sequenceNo"])
	assert.Equal("2022-08-01T10:00:01Z", ack["capturedAt"])

	session, err := h.registry.GetSession("s1")
	assert.Nil(err)
	assert.Equal(common.SessionActive, session.State)
	_, ok := h.manager.Publisher("s1")
	assert.True(ok)

	owner := h.connect(true)
	owner.sendJSON(t, helloFrame("s1", "o1", "owner"))
	assert.Eventually(func() bool {
		return len(h.manager.Subscriptions("s1")) == 1
	}, time.Second, time.Millisecond*5)
	assert.Equal("o1", h.manager.Subscriptions("s1")[0].SubscriberID)

	// Live fan-out
	walker.sendJSON(t, locationFrame("s1", 2))
	ack = walker.next(t)
	assert.Equal(2.0, ack["sequenceNo"])
	live := owner.next(t)
	assert.Equal("location", live["type"])
	assert.Equal(2.0, live["sequenceNo"])
	assert.Equal("s1", live["sessionId"])

	// Duplicates are acknowledged but not fanned out
	walker.sendJSON(t, locationFrame("s1", 2))
	ack = walker.next(t)
	assert.Equal("ignored", ack["status"])
	_, present := ack["sequenceNo"]
	assert.False(present)
	walker.sendJSON(t, locationFrame("s1", 3))
	ack = walker.next(t)
	assert.Equal(3.0, ack["sequenceNo"])
	live = owner.next(t)
	assert.Equal(3.0, live["sequenceNo"])

	// Backfill for the sample the owner missed
	owner.sendJSON(t, `{"type":"backfill","sessionId":"s1","sinceSequenceNo":0}`)
	reply := owner.next(t)
	assert.Equal("backfill", reply["type"])
	samples, ok := reply["samples"].([]interface{})
	assert.True(ok)
	assert.Len(samples, 3)
	for idx, entry := range samples {
		assert.Equal(float64(idx+1), entry.(map[string]interface{})["sequenceNo"])
	}

	// Owners may not publish, walkers may not backfill
	owner.sendJSON(t, locationFrame("s1", 9))
	reject := owner.next(t)
	assert.Equal("reject", reject["type"])
	assert.Equal("unauthorized", reject["code"])
	walker.sendJSON(t, `{"type":"backfill","sessionId":"s1","sinceSequenceNo":0}`)
	reject = walker.next(t)
	assert.Equal("unauthorized", reject["code"])
}

func TestHandshakeTimeout(t *testing.T) {
	assert := assert.New(t)
	cfg := testConfig()
	cfg.AuthGracePeriod = time.Millisecond * 50
	h := newHarness(t, cfg, nil)
	defer h.stop()

	client := h.connect(true)
	client.waitClosed(t)
	reject := client.next(t)
	assert.Equal("reject", reject["type"])
	assert.Equal("unauthorized", reject["code"])
}

func TestFramingViolations(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, testConfig(), nil)
	defer h.stop()

	// Case 0: location before hello
	{
		client := h.connect(true)
		client.sendJSON(t, locationFrame("s1", 1))
		client.waitClosed(t)
		reject := client.next(t)
		assert.Equal("invalid", reject["code"])
	}

	// Case 1: undecodable frame
	{
		client := h.connect(true)
		client.sendJSON(t, `{"type":`)
		client.waitClosed(t)
	}

	// Case 2: unknown tag
	{
		client := h.connect(true)
		client.sendJSON(t, `{"type":"teleport"}`)
		client.waitClosed(t)
		reject := client.next(t)
		assert.Equal("invalid", reject["code"])
	}

	// Case 3: second hello
	{
		client := h.connect(true)
		client.sendJSON(t, helloFrame("s1", "w1", "walker"))
		client.sendJSON(t, helloFrame("s1", "w1", "walker"))
		client.waitClosed(t)
		reject := client.next(t)
		assert.Equal("reject", reject["type"])
	}

	// Case 4: an out of range sample is rejected without closing the walker
	{
		walker := h.connect(true)
		walker.sendJSON(t, helloFrame("s1", "w1", "walker"))
		walker.sendJSON(t, locationFrame("s1", 1))
		ack := walker.next(t)
		assert.Equal("accepted", ack["status"])
		walker.sendJSON(t,
			`{"type":"location","sessionId":"s1","latitude":95,"longitude":1,"capturedAt":"2022-08-01T10:00:02Z"}`,
		)
		reject := walker.next(t)
		assert.Equal("reject", reject["type"])
		assert.Equal("invalid", reject["code"])
		assert.False(walker.isClosed())
		walker.sendJSON(t, locationFrame("s1", 3))
		ack = walker.next(t)
		assert.Equal("accepted", ack["status"])
		assert.Equal(2.0, ack["sequenceNo"])
		assert.False(walker.isClosed())
	}
}

func TestHandshakeRefused(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, testConfig(), nil)
	defer h.stop()

	// Case 0: owner before the walk started
	{
		client := h.connect(true)
		client.sendJSON(t, helloFrame("s1", "o1", "owner"))
		client.waitClosed(t)
		assert.Equal("unauthorized", client.next(t)["code"])
	}

	// Case 1: walker not bound to the session
	{
		client := h.connect(true)
		client.sendJSON(t, helloFrame("s1", "w2", "walker"))
		client.waitClosed(t)
		assert.Equal("not_found", client.next(t)["code"])
	}

	// Case 2: wrong owner of an active session
	{
		_, err := h.registry.ActivateForWalker(h.ctxt, "s1", "w1")
		assert.Nil(err)
		client := h.connect(true)
		client.sendJSON(t, helloFrame("s1", "o2", "owner"))
		client.waitClosed(t)
		assert.Equal("unauthorized", client.next(t)["code"])
	}
}

func TestUnauthorizedLimit(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, testConfig(), nil)
	defer h.stop()

	walker := h.connect(true)
	walker.sendJSON(t, helloFrame("s1", "w1", "walker"))

	// Consecutive count resets on an authorized submission
	walker.sendJSON(t, locationFrame("s2", 1))
	assert.Equal("unauthorized", walker.next(t)["code"])
	walker.sendJSON(t, locationFrame("s2", 2))
	assert.Equal("unauthorized", walker.next(t)["code"])
	walker.sendJSON(t, locationFrame("s1", 3))
	assert.Equal("accepted", walker.next(t)["status"])
	walker.sendJSON(t, locationFrame("s2", 4))
	assert.Equal("unauthorized", walker.next(t)["code"])
	walker.sendJSON(t, locationFrame("s2", 5))
	assert.Equal("unauthorized", walker.next(t)["code"])
	assert.False(walker.isClosed())

	walker.sendJSON(t, locationFrame("s2", 6))
	walker.waitClosed(t)
	assert.Equal("unauthorized", walker.next(t)["code"])
}

func TestWalkerSuperseded(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, testConfig(), nil)
	defer h.stop()

	first := h.connect(true)
	first.sendJSON(t, helloFrame("s1", "w1", "walker"))
	first.sendJSON(t, locationFrame("s1", 1))
	assert.Equal("accepted", first.next(t)["status"])
	firstID, ok := h.manager.Publisher("s1")
	assert.True(ok)

	second := h.connect(true)
	second.sendJSON(t, helloFrame("s1", "w1", "walker"))
	first.waitClosed(t)
	assert.Equal("conflict", first.next(t)["code"])

	secondID, ok := h.manager.Publisher("s1")
	assert.True(ok)
	assert.NotEqual(firstID, secondID)

	second.sendJSON(t, locationFrame("s1", 2))
	ack := second.next(t)
	assert.Equal("accepted", ack["status"])
	assert.Equal(2.0, ack["sequenceNo"])

	// Walker disconnects never end the session
	session, err := h.registry.GetSession("s1")
	assert.Nil(err)
	assert.Equal(common.SessionActive, session.State)
}

func TestHeartbeat(t *testing.T) {
	assert := assert.New(t)
	cfg := testConfig()
	cfg.HeartbeatInterval = time.Millisecond * 20
	h := newHarness(t, cfg, nil)
	defer h.stop()

	silent := h.connect(false)
	responsive := h.connect(true)
	silent.sendJSON(t, helloFrame("s1", "w1", "walker"))

	silent.waitClosed(t)
	assert.GreaterOrEqual(atomic.LoadInt32(&silent.pings), int32(2))

	time.Sleep(time.Millisecond * 150)
	assert.False(responsive.isClosed())
	assert.GreaterOrEqual(atomic.LoadInt32(&responsive.pings), int32(3))
}

func TestSessionEndClosesConnections(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, testConfig(), nil)
	defer h.stop()

	walker := h.connect(true)
	walker.sendJSON(t, helloFrame("s1", "w1", "walker"))
	walker.sendJSON(t, locationFrame("s1", 1))
	assert.Equal("accepted", walker.next(t)["status"])

	owners := []*memoryTransport{h.connect(true), h.connect(true)}
	for _, owner := range owners {
		owner.sendJSON(t, helloFrame("s1", "o1", "owner"))
	}
	assert.Eventually(func() bool {
		return len(h.manager.Subscriptions("s1")) == 2
	}, time.Second, time.Millisecond*5)

	_, err := h.registry.EndSession(h.ctxt, "s1", common.SessionCompleted)
	assert.Nil(err)

	for _, client := range append(owners, walker) {
		client.waitClosed(t)
		notice := client.next(t)
		assert.Equal("session_ended", notice["type"])
		assert.Equal("completed", notice["reason"])
	}
	assert.Empty(h.manager.Subscriptions("s1"))
	_, ok := h.manager.Publisher("s1")
	assert.False(ok)

	// Ended sessions refuse new connections
	late := h.connect(true)
	late.sendJSON(t, helloFrame("s1", "w1", "walker"))
	late.waitClosed(t)
}

func TestPanicIsolatedToConnection(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, testConfig(), panickingSource{})
	defer h.stop()

	walker := h.connect(true)
	walker.sendJSON(t, helloFrame("s1", "w1", "walker"))
	walker.sendJSON(t, locationFrame("s1", 1))
	assert.Equal("accepted", walker.next(t)["status"])

	owner := h.connect(true)
	owner.sendJSON(t, helloFrame("s1", "o1", "owner"))
	owner.sendJSON(t, `{"type":"backfill","sessionId":"s1","sinceSequenceNo":0}`)
	owner.waitClosed(t)
	assert.Equal("internal", owner.next(t)["code"])

	walker.sendJSON(t, locationFrame("s1", 2))
	assert.Equal("accepted", walker.next(t)["status"])
}
