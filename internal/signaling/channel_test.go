package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func openPair(t *testing.T, bus Bus, topic string) (*Channel, *Channel, uuid.UUID, uuid.UUID) {
	t.Helper()
	alice, bob := uuid.New(), uuid.New()

	a, err := Open(context.Background(), bus, topic, alice)
	require.NoError(t, err)
	b, err := Open(context.Background(), bus, topic, bob)
	require.NoError(t, err)

	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b, alice, bob
}

func TestChannel_DeliversTargetedMessageOnlyToTarget(t *testing.T) {
	bus := NewMemoryBus()
	a, b, alice, bob := openPair(t, bus, "call:x")

	gotBob := make(chan Message, 1)
	gotAlice := make(chan Message, 1)
	b.Subscribe(EventOffer, func(_ context.Context, m Message) { gotBob <- m })
	a.Subscribe(EventOffer, func(_ context.Context, m Message) { gotAlice <- m })

	offer := Offer{FromUserID: alice, TargetUserID: bob, Description: SessionDescription{Type: "offer", SDP: "sdp"}}
	require.NoError(t, a.Publish(context.Background(), offer))

	select {
	case m := <-gotBob:
		assert.Equal(t, offer, m)
	case <-time.After(waitFor):
		t.Fatal("offer not delivered to target")
	}

	select {
	case m := <-gotAlice:
		t.Fatalf("sender received its own targeted message: %v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannel_FiltersByEvent(t *testing.T) {
	bus := NewMemoryBus()
	a, b, alice, bob := openPair(t, bus, "call:x")

	answers := make(chan Message, 1)
	candidates := make(chan Message, 1)
	b.Subscribe(EventAnswer, func(_ context.Context, m Message) { answers <- m })
	b.Subscribe(EventICECandidate, func(_ context.Context, m Message) { candidates <- m })

	cand := ICECandidate{FromUserID: alice, TargetUserID: bob, Candidate: ICECandidateInit{Candidate: "c"}}
	require.NoError(t, a.Publish(context.Background(), cand))

	select {
	case m := <-candidates:
		assert.Equal(t, cand, m)
	case <-time.After(waitFor):
		t.Fatal("candidate not delivered")
	}
	assert.Empty(t, answers)
}

func TestChannel_UserJoinedReachesEveryoneButSender(t *testing.T) {
	bus := NewMemoryBus()
	a, b, alice, _ := openPair(t, bus, "call:room")
	carol, err := Open(context.Background(), bus, "call:room", uuid.New())
	require.NoError(t, err)
	defer carol.Close()

	joinedB := make(chan Message, 1)
	joinedC := make(chan Message, 1)
	joinedA := make(chan Message, 1)
	a.Subscribe(EventUserJoined, func(_ context.Context, m Message) { joinedA <- m })
	b.Subscribe(EventUserJoined, func(_ context.Context, m Message) { joinedB <- m })
	carol.Subscribe(EventUserJoined, func(_ context.Context, m Message) { joinedC <- m })

	require.NoError(t, a.Publish(context.Background(), UserJoined{UserID: alice}))

	for _, ch := range []chan Message{joinedB, joinedC} {
		select {
		case m := <-ch:
			assert.Equal(t, alice, m.From())
		case <-time.After(waitFor):
			t.Fatal("user-joined not delivered")
		}
	}

	select {
	case <-joinedA:
		t.Fatal("sender received its own user-joined")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannel_TopicsAreIsolated(t *testing.T) {
	bus := NewMemoryBus()
	alice, bob := uuid.New(), uuid.New()

	a, err := Open(context.Background(), bus, "call:one", alice)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(context.Background(), bus, "call:two", bob)
	require.NoError(t, err)
	defer b.Close()

	got := make(chan Message, 1)
	b.Subscribe(EventOffer, func(_ context.Context, m Message) { got <- m })

	require.NoError(t, a.Publish(context.Background(), Offer{FromUserID: alice, TargetUserID: bob}))

	select {
	case <-got:
		t.Fatal("message crossed topics")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannel_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	a, b, alice, bob := openPair(t, bus, "call:x")

	first := make(chan Message, 2)
	second := make(chan Message, 2)
	unsubscribe := b.Subscribe(EventOffer, func(_ context.Context, m Message) { first <- m })
	b.Subscribe(EventOffer, func(_ context.Context, m Message) { second <- m })

	unsubscribe()
	require.NoError(t, a.Publish(context.Background(), Offer{FromUserID: alice, TargetUserID: bob}))

	select {
	case <-second:
	case <-time.After(waitFor):
		t.Fatal("remaining handler not invoked")
	}
	assert.Empty(t, first)
}

func TestChannel_LateSubscriberGetsNoReplay(t *testing.T) {
	bus := NewMemoryBus()
	alice, bob := uuid.New(), uuid.New()

	a, err := Open(context.Background(), bus, "call:x", alice)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Publish(context.Background(), Offer{FromUserID: alice, TargetUserID: bob}))

	b, err := Open(context.Background(), bus, "call:x", bob)
	require.NoError(t, err)
	defer b.Close()

	got := make(chan Message, 1)
	b.Subscribe(EventOffer, func(_ context.Context, m Message) { got <- m })

	select {
	case <-got:
		t.Fatal("late subscriber received a replayed message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannel_Close(t *testing.T) {
	bus := NewMemoryBus()
	alice := uuid.New()

	c, err := Open(context.Background(), bus, "call:x", alice)
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Subscribers("call:x"))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("dispatch loop did not exit")
	}

	assert.Equal(t, 0, bus.Subscribers("call:x"))
	assert.ErrorIs(t, c.Publish(context.Background(), UserJoined{UserID: alice}), ErrChannelClosed)
}

func TestChannel_SkipsInvalidFrames(t *testing.T) {
	bus := NewMemoryBus()
	alice, bob := uuid.New(), uuid.New()

	b, err := Open(context.Background(), bus, "call:x", bob)
	require.NoError(t, err)
	defer b.Close()

	got := make(chan Message, 1)
	b.Subscribe(EventAnswer, func(_ context.Context, m Message) { got <- m })

	require.NoError(t, bus.Publish(context.Background(), "call:x", []byte("garbage")))
	frame, err := Encode(Answer{FromUserID: alice, TargetUserID: bob})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), "call:x", frame))

	select {
	case m := <-got:
		assert.Equal(t, alice, m.From())
	case <-time.After(waitFor):
		t.Fatal("valid frame after garbage not delivered")
	}
}
