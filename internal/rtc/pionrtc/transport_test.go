package pionrtc

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storylab-backend/internal/rtc"
)

func TestGetUserMedia_VideoCall(t *testing.T) {
	transport, err := New()
	require.NoError(t, err)

	stream, err := transport.GetUserMedia(context.Background(), rtc.Constraints{Audio: true, Video: true})
	require.NoError(t, err)

	assert.Len(t, stream.AudioTracks(), 1)
	assert.Len(t, stream.VideoTracks(), 1)
	for _, track := range stream.Tracks() {
		assert.True(t, track.Enabled())
	}
}

func TestGetUserMedia_NothingRequested(t *testing.T) {
	transport, err := New()
	require.NoError(t, err)

	_, err = transport.GetUserMedia(context.Background(), rtc.Constraints{})
	assert.ErrorIs(t, err, rtc.ErrMediaUnavailable)
}

func TestLocalTrack_WriteSampleWhileDisabled(t *testing.T) {
	transport, err := New()
	require.NoError(t, err)

	stream, err := transport.GetUserMedia(context.Background(), rtc.Constraints{Audio: true})
	require.NoError(t, err)

	track := stream.AudioTracks()[0].(*LocalTrack)
	track.SetEnabled(false)
	assert.NoError(t, track.WriteSample(media.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond}))

	track.Stop()
	assert.True(t, track.Stopped())
	assert.False(t, track.Enabled())
}

func TestPeerConnection_OfferAnswer(t *testing.T) {
	transport, err := New()
	require.NoError(t, err)

	offerer, err := transport.NewPeerConnection(rtc.ICEConfig{})
	require.NoError(t, err)
	defer offerer.Close()
	answerer, err := transport.NewPeerConnection(rtc.ICEConfig{})
	require.NoError(t, err)
	defer answerer.Close()

	stream, err := transport.GetUserMedia(context.Background(), rtc.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	for _, track := range stream.Tracks() {
		require.NoError(t, offerer.AddTrack(track))
	}

	offer, err := offerer.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, offer.SDP, "m=video")

	require.NoError(t, offerer.SetLocalDescription(offer))
	require.NoError(t, answerer.SetRemoteDescription(offer))

	answer, err := answerer.CreateAnswer()
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)

	require.NoError(t, answerer.SetLocalDescription(answer))
	require.NoError(t, offerer.SetRemoteDescription(answer))
}

func TestPeerConnection_RejectsForeignTrack(t *testing.T) {
	transport, err := New()
	require.NoError(t, err)

	pc, err := transport.NewPeerConnection(rtc.DefaultICEConfig(""))
	require.NoError(t, err)
	defer pc.Close()

	err = pc.AddTrack(rtc.NewBaseTrack("x", rtc.TrackKindAudio, nil))
	assert.ErrorIs(t, err, ErrForeignTrack)
}
