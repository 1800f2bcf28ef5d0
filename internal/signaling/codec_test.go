package signaling

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_OfferEnvelope(t *testing.T) {
	from, target := uuid.New(), uuid.New()

	frame, err := Encode(Offer{
		FromUserID:   from,
		TargetUserID: target,
		Description:  SessionDescription{Type: "offer", SDP: "v=0"},
	})
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(frame, &raw))
	assert.Equal(t, "offer", raw["event"])
	assert.Equal(t, from.String(), raw["fromUserId"])
	assert.Equal(t, target.String(), raw["targetUserId"])
	assert.Equal(t, map[string]interface{}{"type": "offer", "sdp": "v=0"}, raw["payload"])
}

func TestEncode_UserJoinedHasNoAddressing(t *testing.T) {
	user := uuid.New()

	frame, err := Encode(UserJoined{UserID: user})
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(frame, &raw))
	assert.Equal(t, "user-joined", raw["event"])
	assert.Equal(t, map[string]interface{}{"userId": user.String()}, raw["payload"])
	assert.NotContains(t, raw, "fromUserId")
	assert.NotContains(t, raw, "targetUserId")
}

func TestDecode_RoundTripsEveryVariant(t *testing.T) {
	from, target := uuid.New(), uuid.New()
	mid := "0"
	idx := uint16(0)

	msgs := []Message{
		Offer{FromUserID: from, TargetUserID: target, Description: SessionDescription{Type: "offer", SDP: "o"}},
		Answer{FromUserID: from, TargetUserID: target, Description: SessionDescription{Type: "answer", SDP: "a"}},
		ICECandidate{FromUserID: from, TargetUserID: target, Candidate: ICECandidateInit{
			Candidate: "candidate:1 1 UDP 2122252543 192.0.2.1 54400 typ host", SDPMid: &mid, SDPMLineIndex: &idx,
		}},
		UserJoined{UserID: from},
	}

	for _, msg := range msgs {
		t.Run(string(msg.Event()), func(t *testing.T) {
			frame, err := Encode(msg)
			require.NoError(t, err)

			got, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, msg, got)
		})
	}
}

func TestDecode_ClientFrame(t *testing.T) {
	frame := []byte(`{
		"event": "ice-candidate",
		"payload": {"candidate": "candidate:0 1 UDP 1 10.0.0.1 9 typ host", "sdpMid": "audio", "sdpMLineIndex": 1},
		"fromUserId": "6f9619ff-8b86-d011-b42d-00c04fc964ff",
		"targetUserId": "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	}`)

	msg, err := Decode(frame)
	require.NoError(t, err)

	cand, ok := msg.(ICECandidate)
	require.True(t, ok)
	assert.Equal(t, "audio", *cand.Candidate.SDPMid)
	assert.Equal(t, uint16(1), *cand.Candidate.SDPMLineIndex)
	assert.Nil(t, cand.Candidate.UsernameFragment)
	assert.Equal(t, uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7"), cand.Target())
}

func TestDecode_UnknownEvent(t *testing.T) {
	_, err := Decode([]byte(`{"event":"renegotiate","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `{{`},
		{"bad sender", `{"event":"offer","payload":{"type":"offer","sdp":""},"fromUserId":"x","targetUserId":"6f9619ff-8b86-d011-b42d-00c04fc964ff"}`},
		{"missing target", `{"event":"answer","payload":{"type":"answer","sdp":""},"fromUserId":"6f9619ff-8b86-d011-b42d-00c04fc964ff"}`},
		{"bad joined user", `{"event":"user-joined","payload":{"userId":"nope"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestTopicFor(t *testing.T) {
	callID := uuid.MustParse("6f9619ff-8b86-d011-b42d-00c04fc964ff")

	assert.Equal(t, "call:6f9619ff-8b86-d011-b42d-00c04fc964ff", TopicFor(callID, "call_1700000000000_deadbeef", false))
	assert.Equal(t, "call:group_1700000000000", TopicFor(callID, "group_1700000000000", true))
}
