package rtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"storylab-backend/internal/signaling"
)

// ErrConnectionClosed is returned by a closed peer connection
var ErrConnectionClosed = errors.New("peer connection closed")

// NoopTransport negotiates with placeholder SDP and moves no media. It
// backs headless agents and tests. A connection reports connected once it
// has both descriptions and at least one remote candidate.
type NoopTransport struct {
	// MediaErr, when set, is returned by GetUserMedia
	MediaErr error

	mu    sync.Mutex
	conns []*NoopPeerConnection
}

// NewNoopTransport creates a transport with working fake media
func NewNoopTransport() *NoopTransport {
	return &NoopTransport{}
}

// NewPeerConnection returns a fresh in-memory connection
func (t *NoopTransport) NewPeerConnection(_ ICEConfig) (PeerConnection, error) {
	pc := &NoopPeerConnection{id: uuid.NewString()[:8], state: ConnectionStateNew}

	t.mu.Lock()
	t.conns = append(t.conns, pc)
	t.mu.Unlock()

	return pc, nil
}

// GetUserMedia returns placeholder tracks for the requested kinds
func (t *NoopTransport) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.MediaErr != nil {
		return nil, t.MediaErr
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no media kind requested", ErrMediaUnavailable)
	}

	streamID := uuid.NewString()
	var tracks []LocalTrack
	if c.Audio {
		tracks = append(tracks, NewBaseTrack("audio-"+streamID[:8], TrackKindAudio, nil))
	}
	if c.Video {
		tracks = append(tracks, NewBaseTrack("video-"+streamID[:8], TrackKindVideo, nil))
	}
	return NewStream(streamID, tracks...), nil
}

// Connections returns every connection created so far
func (t *NoopTransport) Connections() []*NoopPeerConnection {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*NoopPeerConnection, len(t.conns))
	copy(out, t.conns)
	return out
}

// NoopPeerConnection is the connection type of NoopTransport
type NoopPeerConnection struct {
	id string

	mu               sync.Mutex
	tracks           []LocalTrack
	local            *signaling.SessionDescription
	remote           *signaling.SessionDescription
	remoteCandidates []signaling.ICECandidateInit
	state            ConnectionState
	closed           bool

	onCandidate func(signaling.ICECandidateInit)
	onTrack     func(RemoteTrack)
	onState     func(ConnectionState)
}

func (pc *NoopPeerConnection) AddTrack(track LocalTrack) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return ErrConnectionClosed
	}
	pc.tracks = append(pc.tracks, track)
	return nil
}

func (pc *NoopPeerConnection) CreateOffer() (signaling.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return signaling.SessionDescription{}, ErrConnectionClosed
	}
	return signaling.SessionDescription{Type: "offer", SDP: pc.sdpLocked()}, nil
}

func (pc *NoopPeerConnection) CreateAnswer() (signaling.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return signaling.SessionDescription{}, ErrConnectionClosed
	}
	if pc.remote == nil || pc.remote.Type != "offer" {
		return signaling.SessionDescription{}, errors.New("create answer: no remote offer")
	}
	return signaling.SessionDescription{Type: "answer", SDP: pc.sdpLocked()}, nil
}

func (pc *NoopPeerConnection) SetLocalDescription(desc signaling.SessionDescription) error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return ErrConnectionClosed
	}
	pc.local = &desc
	onCandidate := pc.onCandidate
	candidate := signaling.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:%s 1 udp 2130706431 127.0.0.1 9 typ host", pc.id),
	}
	pc.mu.Unlock()

	if onCandidate != nil {
		onCandidate(candidate)
	}
	pc.setState(ConnectionStateConnecting)
	return nil
}

func (pc *NoopPeerConnection) SetRemoteDescription(desc signaling.SessionDescription) error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return ErrConnectionClosed
	}
	if desc.Type != "offer" && desc.Type != "answer" {
		pc.mu.Unlock()
		return fmt.Errorf("set remote description: invalid type %q", desc.Type)
	}
	pc.remote = &desc
	onTrack := pc.onTrack
	var remoteTracks []RemoteTrack
	for _, line := range strings.Split(desc.SDP, "\n") {
		if kind, id, ok := parseNoopTrackLine(line); ok {
			remoteTracks = append(remoteTracks, RemoteTrack{ID: id, StreamID: "noop", Kind: kind})
		}
	}
	pc.mu.Unlock()

	if onTrack != nil {
		for _, rt := range remoteTracks {
			onTrack(rt)
		}
	}
	return nil
}

func (pc *NoopPeerConnection) AddICECandidate(candidate signaling.ICECandidateInit) error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return ErrConnectionClosed
	}
	if pc.remote == nil {
		pc.mu.Unlock()
		return errors.New("add ice candidate: remote description not set")
	}
	pc.remoteCandidates = append(pc.remoteCandidates, candidate)
	ready := pc.local != nil
	pc.mu.Unlock()

	if ready {
		pc.setState(ConnectionStateConnected)
	}
	return nil
}

func (pc *NoopPeerConnection) OnICECandidate(fn func(signaling.ICECandidateInit)) {
	pc.mu.Lock()
	pc.onCandidate = fn
	pc.mu.Unlock()
}

func (pc *NoopPeerConnection) OnTrack(fn func(RemoteTrack)) {
	pc.mu.Lock()
	pc.onTrack = fn
	pc.mu.Unlock()
}

func (pc *NoopPeerConnection) OnConnectionStateChange(fn func(ConnectionState)) {
	pc.mu.Lock()
	pc.onState = fn
	pc.mu.Unlock()
}

func (pc *NoopPeerConnection) Close() error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil
	}
	pc.closed = true
	pc.mu.Unlock()

	pc.setState(ConnectionStateClosed)
	return nil
}

// State returns the last reported connection state
func (pc *NoopPeerConnection) State() ConnectionState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// RemoteCandidates returns the candidates accepted so far
func (pc *NoopPeerConnection) RemoteCandidates() []signaling.ICECandidateInit {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]signaling.ICECandidateInit, len(pc.remoteCandidates))
	copy(out, pc.remoteCandidates)
	return out
}

// Tracks returns the local tracks attached to the connection
func (pc *NoopPeerConnection) Tracks() []LocalTrack {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]LocalTrack, len(pc.tracks))
	copy(out, pc.tracks)
	return out
}

// Closed reports whether Close was called
func (pc *NoopPeerConnection) Closed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

func (pc *NoopPeerConnection) setState(state ConnectionState) {
	pc.mu.Lock()
	if pc.state == state || (pc.state == ConnectionStateClosed) {
		pc.mu.Unlock()
		return
	}
	pc.state = state
	fn := pc.onState
	pc.mu.Unlock()

	if fn != nil {
		fn(state)
	}
}

func (pc *NoopPeerConnection) sdpLocked() string {
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\no=- %s 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n", pc.id)
	for _, t := range pc.tracks {
		fmt.Fprintf(&b, "m=%s 9 UDP/TLS/RTP/SAVPF 0\r\na=msid:noop %s\r\n", t.Kind(), t.ID())
	}
	return b.String()
}

func parseNoopTrackLine(line string) (TrackKind, string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "a=msid:noop ") {
		return "", "", false
	}
	id := strings.TrimPrefix(line, "a=msid:noop ")
	switch {
	case strings.HasPrefix(id, "audio-"):
		return TrackKindAudio, id, true
	case strings.HasPrefix(id, "video-"):
		return TrackKindVideo, id, true
	}
	return "", "", false
}
