package protocol

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/walktrack/common"
	"github.com/stretchr/testify/assert"
)

func TestDecodeInbound(t *testing.T) {
	assert := assert.New(t)

	// Case 0: not JSON
	{
		_, err := Decode([]byte("hello"))
		assert.ErrorIs(err, common.ErrValidation)
	}

	// Case 1: missing and unknown tags
	{
		_, err := Decode([]byte(`{"sessionId":"s1"}`))
		assert.ErrorIs(err, common.ErrValidation)
		_, err = Decode([]byte(`{"type":"teleport","sessionId":"s1"}`))
		assert.ErrorIs(err, common.ErrValidation)
	}

	// Case 2: hello
	{
		msg, err := Decode([]byte(`{"type":"hello","sessionId":"s1","participantId":"w1","role":"walker"}`))
		assert.Nil(err)
		hello, ok := msg.(HelloMessage)
		assert.True(ok)
		assert.Equal("s1", hello.SessionID)
		assert.Equal("w1", hello.ParticipantID)
		_, err = Decode([]byte(`{"type":"hello","sessionId":"s1","participantId":"w1","role":"admin"}`))
		assert.ErrorIs(err, common.ErrValidation)
	}

	// Case 3: location, zero coordinates are valid
	{
		msg, err := Decode([]byte(
			`{"type":"location","sessionId":"s1","latitude":0,"longitude":0,"capturedAt":"2022-08-01T10:00:00Z"}`,
		))
		assert.Nil(err)
		loc, ok := msg.(LocationMessage)
		assert.True(ok)
		assert.Equal(0.0, *loc.Latitude)
	}

	// Case 4: location field violations decode, but fail validation
	{
		frames := []string{
			`{"type":"location","sessionId":"s1","longitude":0,"capturedAt":"2022-08-01T10:00:00Z"}`,
			`{"type":"location","sessionId":"s1","latitude":91,"longitude":0,"capturedAt":"2022-08-01T10:00:00Z"}`,
			`{"type":"location","sessionId":"s1","latitude":1,"longitude":-181,"capturedAt":"2022-08-01T10:00:00Z"}`,
			`{"type":"location","sessionId":"s1","latitude":1,"longitude":1,"capturedAt":"2022-08-01T10:00:00Z","accuracyMeters":-1}`,
			`{"type":"location","latitude":1,"longitude":1,"capturedAt":"2022-08-01T10:00:00Z"}`,
		}
		for idx, frame := range frames {
			msg, err := Decode([]byte(frame))
			assert.Nilf(err, "frame %d", idx)
			assert.ErrorIsf(Validate(msg), common.ErrValidation, "frame %d", idx)
		}
	}

	// Case 5: wrongly typed fields are undecodable
	{
		_, err := Decode([]byte(
			`{"type":"location","sessionId":"s1","latitude":"north","longitude":1,"capturedAt":"2022-08-01T10:00:00Z"}`,
		))
		assert.ErrorIs(err, common.ErrValidation)
	}

	// Case 6: backfill
	{
		msg, err := Decode([]byte(`{"type":"backfill","sessionId":"s1","sinceSequenceNo":4}`))
		assert.Nil(err)
		req, ok := msg.(BackfillRequest)
		assert.True(ok)
		assert.Equal(uint64(4), req.SinceSequenceNo)
	}
}

func TestLocationPosition(t *testing.T) {
	assert := assert.New(t)

	lat := 45.5
	lon := -122.6
	now := time.Now().UTC()

	msg := LocationMessage{
		SessionID: "s1", Latitude: &lat, Longitude: &lon, CapturedAt: "2022-08-01T10:00:00.250-07:00",
	}
	pos, err := msg.Position(now)
	assert.Nil(err)
	assert.Equal("s1", pos.SessionID)
	assert.Equal(now, pos.ReceivedAt)
	expected := time.Date(2022, 8, 1, 17, 0, 0, 250000000, time.UTC)
	assert.True(expected.Equal(pos.CapturedAt))

	msg.CapturedAt = "yesterday"
	_, err = msg.Position(now)
	assert.ErrorIs(err, common.ErrValidation)
}

func TestEncodeOutbound(t *testing.T) {
	assert := assert.New(t)

	captured := time.Date(2022, 8, 1, 10, 0, 0, 0, time.UTC)
	sample := common.LocationSample{
		SessionID: "s1", SequenceNo: 3, Latitude: 1.5, Longitude: 2.5, CapturedAt: captured,
	}

	// Case 0: fan-out location
	{
		raw, err := Encode(NewLocationBroadcast(sample))
		assert.Nil(err)
		parsed := map[string]interface{}{}
		assert.Nil(json.Unmarshal(raw, &parsed))
		assert.Equal("location", parsed["type"])
		assert.Equal("s1", parsed["sessionId"])
		assert.Equal(3.0, parsed["sequenceNo"])
		assert.Equal("2022-08-01T10:00:00Z", parsed["capturedAt"])
		_, present := parsed["accuracyMeters"]
		assert.False(present)
	}

	// Case 1: acks
	{
		raw, err := Encode(NewAcceptedAck("s1", 7, "2022-08-01T10:00:00Z"))
		assert.Nil(err)
		assert.JSONEq(
			`{"type":"ack","sessionId":"s1","status":"accepted","sequenceNo":7,"capturedAt":"2022-08-01T10:00:00Z"}`,
			string(raw),
		)
		raw, err = Encode(NewIgnoredAck("s1", "2022-08-01T10:00:00Z"))
		assert.Nil(err)
		assert.JSONEq(
			`{"type":"ack","sessionId":"s1","status":"ignored","capturedAt":"2022-08-01T10:00:00Z"}`,
			string(raw),
		)
	}

	// Case 2: backfill reply keeps order
	{
		second := sample
		second.SequenceNo = 4
		reply := NewBackfillReply("s1", []common.LocationSample{sample, second})
		assert.Equal(TypeBackfill, reply.Type)
		assert.Len(reply.Samples, 2)
		assert.Equal(uint64(3), reply.Samples[0].SequenceNo)
		assert.Equal(uint64(4), reply.Samples[1].SequenceNo)
		raw, err := Encode(NewBackfillReply("s2", nil))
		assert.Nil(err)
		assert.JSONEq(`{"type":"backfill","sessionId":"s2","samples":[]}`, string(raw))
	}
}

func TestRejectCodeForError(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(RejectInvalid, RejectCodeForError(common.ValidationErrorf("bad")))
	assert.Equal(RejectUnauthorized, RejectCodeForError(common.UnauthorizedErrorf("no")))
	assert.Equal(RejectConflict, RejectCodeForError(common.ConflictErrorf("dup")))
	assert.Equal(RejectNotFound, RejectCodeForError(common.NotFoundErrorf("gone")))
	assert.Equal(RejectInternal, RejectCodeForError(fmt.Errorf("boom")))

	reject := NewReject("s1", common.UnauthorizedErrorf("participant w2"))
	assert.Equal(TypeReject, reject.Type)
	assert.Equal(RejectUnauthorized, reject.Code)
}
