package ingestion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/walktrack/common"
	"github.com/alwitt/walktrack/ordering"
	"github.com/alwitt/walktrack/protocol"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeAuthority struct {
	lock    sync.Mutex
	walkers map[string]string
	touched map[string]time.Time
}

func (a *fakeAuthority) Authorize(sessionID, participantID string, role common.Role) bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return role == common.RoleWalker && a.walkers[sessionID] == participantID
}

func (a *fakeAuthority) Touch(sessionID string, at time.Time) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.touched[sessionID] = at
}

func locationMsg(sessionID string, lat, lon float64, capturedAt string) protocol.LocationMessage {
	return protocol.LocationMessage{
		SessionID: sessionID, Latitude: &lat, Longitude: &lon, CapturedAt: capturedAt,
	}
}

func TestSubmitLocation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	ctxt := context.Background()

	metrics, err := common.NewTrackingMetrics(nil)
	assert.Nil(err)
	buffer, err := ordering.NewBuffer(2, nil, metrics)
	assert.Nil(err)
	authority := &fakeAuthority{
		walkers: map[string]string{"s1": "w1"},
		touched: map[string]time.Time{},
	}
	uut, err := NewEndpoint(authority, buffer, metrics)
	assert.Nil(err)

	// Case 0: validation precedes authorization
	{
		_, err := uut.Submit(ctxt, "w9", locationMsg("s1", 95, 0, "2022-08-01T10:00:00Z"))
		assert.ErrorIs(err, common.ErrValidation)
		_, err = uut.Submit(ctxt, "w9", locationMsg("s1", 45, 0, "noon"))
		assert.ErrorIs(err, common.ErrValidation)
		assert.Equal(0.0, testutil.ToFloat64(metrics.UnauthorizedAttempts))
	}

	// Case 1: unauthorized
	{
		_, err := uut.Submit(ctxt, "w9", locationMsg("s1", 45, 0, "2022-08-01T10:00:00Z"))
		assert.ErrorIs(err, common.ErrUnauthorized)
		_, err = uut.Submit(ctxt, "w1", locationMsg("s2", 45, 0, "2022-08-01T10:00:00Z"))
		assert.ErrorIs(err, common.ErrUnauthorized)
		assert.Equal(2.0, testutil.ToFloat64(metrics.UnauthorizedAttempts))
	}

	// Case 2: accepted, then the same sample is ignored
	{
		result, err := uut.Submit(ctxt, "w1", locationMsg("s1", 45, -122, "2022-08-01T10:00:00Z"))
		assert.Nil(err)
		assert.Equal(protocol.AckAccepted, result.Status)
		assert.Equal(uint64(1), result.Sample.SequenceNo)
		assert.Equal(-122.0, result.Sample.Longitude)
		assert.Contains(authority.touched, "s1")
		touchedAt := authority.touched["s1"]

		result, err = uut.Submit(ctxt, "w1", locationMsg("s1", 45, -122, "2022-08-01T10:00:00Z"))
		assert.Nil(err)
		assert.Equal(protocol.AckIgnored, result.Status)
		assert.Equal(touchedAt, authority.touched["s1"])

		result, err = uut.Submit(ctxt, "w1", locationMsg("s1", 45, -122, "2022-08-01T10:00:01Z"))
		assert.Nil(err)
		assert.Equal(protocol.AckAccepted, result.Status)
		assert.Equal(uint64(2), result.Sample.SequenceNo)
	}
}
