package rtc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storylab-backend/internal/signaling"
)

// recordingSignaler captures published messages so tests can deliver them
// to the other side in a chosen order.
type recordingSignaler struct {
	mu   sync.Mutex
	msgs []signaling.Message
	err  error
}

func (s *recordingSignaler) Publish(_ context.Context, msg signaling.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSignaler) take() []signaling.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.msgs
	s.msgs = nil
	return out
}

type peer struct {
	id        uuid.UUID
	transport *NoopTransport
	signaler  *recordingSignaler
	stream    *Stream
	manager   *Manager
}

func newPeer(t *testing.T, buffer bool) *peer {
	t.Helper()
	p := &peer{
		id:        uuid.New(),
		transport: NewNoopTransport(),
		signaler:  &recordingSignaler{},
	}
	stream, err := p.transport.GetUserMedia(context.Background(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	p.stream = stream
	p.manager = NewManager(p.transport, p.signaler, stream, Config{
		LocalUserID:        p.id,
		ICE:                DefaultICEConfig("stun:stun.l.google.com:19302"),
		BufferEarlySignals: buffer,
	})
	t.Cleanup(func() { p.manager.CloseAll() })
	return p
}

func deliver(t *testing.T, m *Manager, msgs ...signaling.Message) {
	t.Helper()
	ctx := context.Background()
	for _, msg := range msgs {
		switch s := msg.(type) {
		case signaling.Offer:
			require.NoError(t, m.HandleInboundOffer(ctx, s))
		case signaling.Answer:
			require.NoError(t, m.HandleInboundAnswer(ctx, s))
		case signaling.ICECandidate:
			require.NoError(t, m.HandleInboundICECandidate(ctx, s))
		default:
			t.Fatalf("unexpected message %T", msg)
		}
	}
}

func stateOf(t *testing.T, m *Manager, id uuid.UUID) State {
	t.Helper()
	s, ok := m.State(id)
	require.True(t, ok, "no connection for %s", id)
	return s
}

func TestManager_OfferAnswerCandidatesReachConnected(t *testing.T) {
	alice, bob := newPeer(t, false), newPeer(t, false)
	ctx := context.Background()

	require.NoError(t, alice.manager.CreateOutboundConnection(ctx, bob.id))
	assert.Equal(t, StateNegotiating, stateOf(t, alice.manager, bob.id))

	fromAlice := alice.signaler.take()
	require.Len(t, fromAlice, 2)
	offer, ok := fromAlice[0].(signaling.Offer)
	require.True(t, ok, "offer must be sent before candidates")
	assert.Equal(t, alice.id, offer.FromUserID)
	assert.Equal(t, bob.id, offer.TargetUserID)
	assert.IsType(t, signaling.ICECandidate{}, fromAlice[1])

	deliver(t, bob.manager, fromAlice...)
	assert.Equal(t, StateConnected, stateOf(t, bob.manager, alice.id))

	fromBob := bob.signaler.take()
	require.Len(t, fromBob, 2)
	answer, ok := fromBob[0].(signaling.Answer)
	require.True(t, ok)
	assert.Equal(t, alice.id, answer.TargetUserID)

	deliver(t, alice.manager, fromBob...)
	assert.Equal(t, StateConnected, stateOf(t, alice.manager, bob.id))
}

func TestManager_StateSequence(t *testing.T) {
	alice, bob := newPeer(t, false), newPeer(t, false)
	ctx := context.Background()

	var mu sync.Mutex
	var offerer, answerer []State
	alice.manager.OnStateChange(func(_ uuid.UUID, s State) {
		mu.Lock()
		offerer = append(offerer, s)
		mu.Unlock()
	})
	bob.manager.OnStateChange(func(_ uuid.UUID, s State) {
		mu.Lock()
		answerer = append(answerer, s)
		mu.Unlock()
	})

	require.NoError(t, alice.manager.CreateOutboundConnection(ctx, bob.id))
	deliver(t, bob.manager, alice.signaler.take()...)
	deliver(t, alice.manager, bob.signaler.take()...)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOffering, StateNegotiating, StateConnected}, offerer)
	assert.Equal(t, []State{StateAnswering, StateNegotiating, StateConnected}, answerer)
}

func TestManager_AttachesLocalTracks(t *testing.T) {
	alice, bob := newPeer(t, false), newPeer(t, false)

	require.NoError(t, alice.manager.CreateOutboundConnection(context.Background(), bob.id))

	conns := alice.transport.Connections()
	require.Len(t, conns, 1)
	assert.Len(t, conns[0].Tracks(), 2)
}

func TestManager_RemoteTracks(t *testing.T) {
	alice, bob := newPeer(t, false), newPeer(t, false)

	require.NoError(t, alice.manager.CreateOutboundConnection(context.Background(), bob.id))
	deliver(t, bob.manager, alice.signaler.take()...)

	tracks := bob.manager.RemoteTracks(alice.id)
	require.Len(t, tracks, 2)
	kinds := []TrackKind{tracks[0].Kind, tracks[1].Kind}
	assert.ElementsMatch(t, []TrackKind{TrackKindAudio, TrackKindVideo}, kinds)
}

func TestManager_DuplicateOutboundIsNoop(t *testing.T) {
	alice, bob := newPeer(t, false), newPeer(t, false)
	ctx := context.Background()

	require.NoError(t, alice.manager.CreateOutboundConnection(ctx, bob.id))
	require.NoError(t, alice.manager.CreateOutboundConnection(ctx, bob.id))

	assert.Len(t, alice.transport.Connections(), 1)
	assert.Len(t, alice.signaler.take(), 2)
}

func TestManager_SelfConnection(t *testing.T) {
	alice := newPeer(t, false)

	err := alice.manager.CreateOutboundConnection(context.Background(), alice.id)
	assert.ErrorIs(t, err, ErrSelfConnection)
	assert.Empty(t, alice.manager.Participants())
}

// Without buffering an ICE candidate that arrives before the offer is lost:
// the connection created by the offer never sees it.
func TestManager_CandidateBeforeOfferIsDropped(t *testing.T) {
	alice, bob := newPeer(t, false), newPeer(t, false)

	require.NoError(t, alice.manager.CreateOutboundConnection(context.Background(), bob.id))
	msgs := alice.signaler.take()
	require.Len(t, msgs, 2)

	deliver(t, bob.manager, msgs[1])
	assert.False(t, bob.manager.Has(alice.id))
	assert.Equal(t, 0, bob.manager.Pending(alice.id))

	deliver(t, bob.manager, msgs[0])

	conns := bob.transport.Connections()
	require.Len(t, conns, 1)
	assert.Empty(t, conns[0].RemoteCandidates())
	assert.Equal(t, StateNegotiating, stateOf(t, bob.manager, alice.id))
}

func TestManager_AnswerWithoutConnectionIsIgnored(t *testing.T) {
	alice := newPeer(t, false)
	stranger := uuid.New()

	deliver(t, alice.manager, signaling.Answer{
		FromUserID:   stranger,
		TargetUserID: alice.id,
		Description:  signaling.SessionDescription{Type: "answer", SDP: "v=0"},
	})

	assert.False(t, alice.manager.Has(stranger))
	assert.Empty(t, alice.transport.Connections())
}

func TestManager_BufferEarlySignals_ReplaysCandidateAfterOffer(t *testing.T) {
	alice, bob := newPeer(t, false), newPeer(t, true)

	require.NoError(t, alice.manager.CreateOutboundConnection(context.Background(), bob.id))
	msgs := alice.signaler.take()
	require.Len(t, msgs, 2)

	deliver(t, bob.manager, msgs[1])
	assert.Equal(t, 1, bob.manager.Pending(alice.id))

	deliver(t, bob.manager, msgs[0])

	conns := bob.transport.Connections()
	require.Len(t, conns, 1)
	assert.Len(t, conns[0].RemoteCandidates(), 1)
	assert.Equal(t, 0, bob.manager.Pending(alice.id))
	assert.Equal(t, StateConnected, stateOf(t, bob.manager, alice.id))
}

func TestManager_BufferEarlySignals_HoldsCandidateUntilAnswer(t *testing.T) {
	alice, bob := newPeer(t, true), newPeer(t, false)

	require.NoError(t, alice.manager.CreateOutboundConnection(context.Background(), bob.id))
	deliver(t, bob.manager, alice.signaler.take()...)
	fromBob := bob.signaler.take()
	require.Len(t, fromBob, 2)

	// candidate overtakes the answer
	deliver(t, alice.manager, fromBob[1])
	assert.Equal(t, 1, alice.manager.Pending(bob.id))
	assert.Equal(t, StateNegotiating, stateOf(t, alice.manager, bob.id))

	deliver(t, alice.manager, fromBob[0])
	assert.Equal(t, 0, alice.manager.Pending(bob.id))
	assert.Equal(t, StateConnected, stateOf(t, alice.manager, bob.id))
	assert.Len(t, alice.transport.Connections()[0].RemoteCandidates(), 1)
}

func TestManager_BufferEarlySignals_ReplaysAnswerOnOutbound(t *testing.T) {
	alice := newPeer(t, true)
	bob := uuid.New()

	deliver(t, alice.manager, signaling.Answer{
		FromUserID:   bob,
		TargetUserID: alice.id,
		Description:  signaling.SessionDescription{Type: "answer", SDP: "v=0"},
	})
	assert.Equal(t, 1, alice.manager.Pending(bob))

	require.NoError(t, alice.manager.CreateOutboundConnection(context.Background(), bob))
	assert.Equal(t, StateConnected, stateOf(t, alice.manager, bob))
}

func TestManager_NegotiationErrorLeavesEntry(t *testing.T) {
	alice := newPeer(t, false)
	alice.signaler.err = errors.New("bus down")
	bob := uuid.New()

	err := alice.manager.CreateOutboundConnection(context.Background(), bob)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus down")
	assert.Equal(t, StateOffering, stateOf(t, alice.manager, bob))
}

func TestManager_CloseAllIsIdempotent(t *testing.T) {
	alice := newPeer(t, false)
	ctx := context.Background()
	bob, carol := uuid.New(), uuid.New()

	require.NoError(t, alice.manager.CreateOutboundConnection(ctx, bob))
	require.NoError(t, alice.manager.CreateOutboundConnection(ctx, carol))
	require.Len(t, alice.manager.Participants(), 2)

	require.NoError(t, alice.manager.CloseAll())
	require.NoError(t, alice.manager.CloseAll())

	assert.Empty(t, alice.manager.Participants())
	for _, pc := range alice.transport.Connections() {
		assert.True(t, pc.Closed())
	}
	for _, track := range alice.stream.Tracks() {
		assert.True(t, track.Stopped())
	}

	err := alice.manager.CreateOutboundConnection(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrManagerClosed)
	err = alice.manager.HandleInboundICECandidate(ctx, signaling.ICECandidate{FromUserID: bob, TargetUserID: alice.id})
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManager_ReceiveOnly(t *testing.T) {
	transport := NewNoopTransport()
	m := NewManager(transport, &recordingSignaler{}, nil, Config{LocalUserID: uuid.New()})

	require.NoError(t, m.CreateOutboundConnection(context.Background(), uuid.New()))
	assert.Empty(t, transport.Connections()[0].Tracks())
	require.NoError(t, m.CloseAll())
}
