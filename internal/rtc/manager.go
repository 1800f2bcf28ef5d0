package rtc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"storylab-backend/internal/signaling"
	"storylab-backend/pkg/constants"
	"storylab-backend/pkg/logger"
	"storylab-backend/pkg/metrics"
)

var (
	// ErrManagerClosed is returned by every operation after CloseAll
	ErrManagerClosed = errors.New("peer connection manager closed")

	// ErrSelfConnection is returned when asked to connect to the local user
	ErrSelfConnection = errors.New("cannot connect to self")
)

// State is the negotiation state of one participant's connection
type State string

const (
	StateNew         State = "new"
	StateOffering    State = "offering"
	StateAnswering   State = "answering"
	StateNegotiating State = "negotiating"
	StateConnected   State = "connected"
	StateClosed      State = "closed"
)

// rank orders states; a connection only ever moves to a higher rank.
// offering and answering share a rank since an entry takes one or the other.
func (s State) rank() int {
	switch s {
	case StateNew:
		return 0
	case StateOffering, StateAnswering:
		return 1
	case StateNegotiating:
		return 2
	case StateConnected:
		return 3
	case StateClosed:
		return 4
	}
	return -1
}

// Signaler sends a message on the call's signaling channel.
// *signaling.Channel satisfies it.
type Signaler interface {
	Publish(ctx context.Context, msg signaling.Message) error
}

// Config configures a Manager
type Config struct {
	LocalUserID uuid.UUID
	ICE         ICEConfig

	// BufferEarlySignals queues answers and candidates that arrive before
	// their connection exists (or before it has a remote description) and
	// replays them once it does. When false they are dropped.
	BufferEarlySignals bool

	Metrics *metrics.Metrics
}

type entry struct {
	participantID uuid.UUID
	pc            PeerConnection
	state         State
	answerer      bool
	remoteSet     bool
	remoteTracks  []RemoteTrack

	// local candidates gathered before our offer/answer went out
	descSent bool
	outbox   []signaling.ICECandidateInit
}

// Manager keeps one peer connection per remote participant. It is safe for
// concurrent use: signaling handlers and transport callbacks may call in
// from different goroutines. The registry lock is never held across a
// PeerConnection call.
type Manager struct {
	cfg       Config
	transport MediaTransport
	signaler  Signaler
	stream    *Stream

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	entries       map[uuid.UUID]*entry
	early         map[uuid.UUID][]signaling.Message
	closed        bool
	onStateChange func(participantID uuid.UUID, state State)
	onRemoteTrack func(participantID uuid.UUID, track RemoteTrack)
}

// NewManager creates a manager that attaches the tracks of stream (may be
// nil for receive-only) to every connection it builds.
func NewManager(transport MediaTransport, signaler Signaler, stream *Stream, cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		transport: transport,
		signaler:  signaler,
		stream:    stream,
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[uuid.UUID]*entry),
		early:     make(map[uuid.UUID][]signaling.Message),
	}
}

// OnStateChange registers fn to run after every state transition
func (m *Manager) OnStateChange(fn func(participantID uuid.UUID, state State)) {
	m.mu.Lock()
	m.onStateChange = fn
	m.mu.Unlock()
}

// OnRemoteTrack registers fn to run for every track a participant sends
func (m *Manager) OnRemoteTrack(fn func(participantID uuid.UUID, track RemoteTrack)) {
	m.mu.Lock()
	m.onRemoteTrack = fn
	m.mu.Unlock()
}

// CreateOutboundConnection builds a connection to participantID, sends it an
// offer and leaves the entry negotiating until the answer arrives. It is a
// no-op if the participant already has a connection.
func (m *Manager) CreateOutboundConnection(ctx context.Context, participantID uuid.UUID) error {
	if participantID == m.cfg.LocalUserID {
		return ErrSelfConnection
	}

	e, created, err := m.ensureEntry(participantID, false)
	if err != nil {
		return err
	}
	if !created {
		logger.Debug("Connection already exists",
			zap.String("participant_id", participantID.String()))
		return nil
	}

	m.advance(participantID, StateOffering)

	offer, err := e.pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("failed to create offer for %s: %w", participantID, err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local offer for %s: %w", participantID, err)
	}

	if err := m.signaler.Publish(ctx, signaling.Offer{
		FromUserID:   m.cfg.LocalUserID,
		TargetUserID: participantID,
		Description:  offer,
	}); err != nil {
		return fmt.Errorf("failed to send offer to %s: %w", participantID, err)
	}

	m.flushOutbox(ctx, e)
	m.advance(participantID, StateNegotiating)
	m.replayEarly(ctx, participantID)
	return nil
}

// HandleInboundOffer answers an offer, creating the connection if needed.
// An offer for a connection that already took a remote description starts
// over on a fresh connection, since offerers never renegotiate in place.
func (m *Manager) HandleInboundOffer(ctx context.Context, offer signaling.Offer) error {
	from := offer.FromUserID

	m.mu.Lock()
	stale := false
	if existing, ok := m.entries[from]; ok && existing.remoteSet {
		stale = true
	}
	m.mu.Unlock()
	if stale {
		m.Reset(from)
	}

	e, _, err := m.ensureEntry(from, true)
	if err != nil {
		return err
	}

	m.advance(from, StateAnswering)

	if err := e.pc.SetRemoteDescription(offer.Description); err != nil {
		return fmt.Errorf("failed to set remote offer from %s: %w", from, err)
	}
	m.markRemoteSet(e)

	answer, err := e.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("failed to create answer for %s: %w", from, err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local answer for %s: %w", from, err)
	}

	if err := m.signaler.Publish(ctx, signaling.Answer{
		FromUserID:   m.cfg.LocalUserID,
		TargetUserID: from,
		Description:  answer,
	}); err != nil {
		return fmt.Errorf("failed to send answer to %s: %w", from, err)
	}

	m.flushOutbox(ctx, e)
	m.advance(from, StateNegotiating)
	m.replayEarly(ctx, from)
	return nil
}

// HandleInboundAnswer applies an answer to the connection we offered on.
// Without a connection the answer is dropped, or queued when buffering is on.
func (m *Manager) HandleInboundAnswer(ctx context.Context, answer signaling.Answer) error {
	from := answer.FromUserID

	e, err := m.lookup(from)
	if err != nil {
		return err
	}
	if e == nil {
		m.holdEarly(from, answer)
		return nil
	}

	if err := e.pc.SetRemoteDescription(answer.Description); err != nil {
		return fmt.Errorf("failed to set remote answer from %s: %w", from, err)
	}
	m.markRemoteSet(e)

	m.advance(from, StateConnected)
	m.replayEarly(ctx, from)
	return nil
}

// HandleInboundICECandidate adds a remote candidate. Without a connection
// the candidate is dropped, or queued when buffering is on. The answering
// side counts its first accepted candidate as connected.
func (m *Manager) HandleInboundICECandidate(_ context.Context, candidate signaling.ICECandidate) error {
	from := candidate.FromUserID

	e, err := m.lookup(from)
	if err != nil {
		return err
	}
	if e == nil {
		m.holdEarly(from, candidate)
		return nil
	}

	m.mu.Lock()
	waiting := !e.remoteSet && m.cfg.BufferEarlySignals
	answerer := e.answerer
	m.mu.Unlock()

	if waiting {
		m.holdEarly(from, candidate)
		return nil
	}

	if err := e.pc.AddICECandidate(candidate.Candidate); err != nil {
		return fmt.Errorf("failed to add candidate from %s: %w", from, err)
	}

	if answerer {
		m.advance(from, StateConnected)
	}
	return nil
}

// CloseAll closes every connection and stops the local tracks. Calling it
// again is a no-op.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := m.entries
	m.entries = make(map[uuid.UUID]*entry)
	m.early = make(map[uuid.UUID][]signaling.Message)
	fn := m.onStateChange
	m.mu.Unlock()

	m.cancel()

	var errs error
	for id, e := range entries {
		errs = multierr.Append(errs, e.pc.Close())
		if fn != nil {
			fn(id, StateClosed)
		}
	}
	if m.cfg.Metrics != nil && len(entries) > 0 {
		m.cfg.Metrics.AddPeerConnections(-len(entries))
	}

	m.stream.Stop()

	logger.Debug("Closed all peer connections", zap.Int("count", len(entries)))
	return errs
}

// Reset closes and forgets participantID's connection so a new one can be
// negotiated. Queued early signals for the participant are kept.
func (m *Manager) Reset(participantID uuid.UUID) {
	m.mu.Lock()
	e, ok := m.entries[participantID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.entries, participantID)
	m.mu.Unlock()

	if err := e.pc.Close(); err != nil {
		logger.Warn("Failed to close replaced peer connection",
			zap.String("participant_id", participantID.String()),
			zap.Error(err))
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.AddPeerConnections(-1)
	}
	logger.Debug("Reset peer connection", zap.String("participant_id", participantID.String()))
}

// State returns the state of participantID's connection
func (m *Manager) State(participantID uuid.UUID) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[participantID]
	if !ok {
		return "", false
	}
	return e.state, true
}

// Has reports whether participantID has a connection
func (m *Manager) Has(participantID uuid.UUID) bool {
	_, ok := m.State(participantID)
	return ok
}

// Participants returns the ids with a tracked connection, sorted
func (m *Manager) Participants() []uuid.UUID {
	m.mu.Lock()
	ids := make([]uuid.UUID, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// RemoteTracks returns the tracks received from participantID
func (m *Manager) RemoteTracks(participantID uuid.UUID) []RemoteTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[participantID]
	if !ok {
		return nil
	}
	out := make([]RemoteTrack, len(e.remoteTracks))
	copy(out, e.remoteTracks)
	return out
}

// Pending returns the number of early signals queued for participantID
func (m *Manager) Pending(participantID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.early[participantID])
}

func (m *Manager) ensureEntry(participantID uuid.UUID, answerer bool) (*entry, bool, error) {
	existing, err := m.lookup(participantID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	pc, err := m.transport.NewPeerConnection(m.cfg.ICE)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create peer connection for %s: %w", participantID, err)
	}

	pc.OnICECandidate(func(c signaling.ICECandidateInit) {
		m.handleLocalCandidate(participantID, pc, c)
	})
	pc.OnTrack(func(t RemoteTrack) {
		m.handleRemoteTrack(participantID, pc, t)
	})
	pc.OnConnectionStateChange(func(s ConnectionState) {
		m.handleConnectionState(participantID, pc, s)
	})

	for _, track := range m.stream.Tracks() {
		if err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, false, fmt.Errorf("failed to add %s track for %s: %w", track.Kind(), participantID, err)
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		pc.Close()
		return nil, false, ErrManagerClosed
	}
	if raced, ok := m.entries[participantID]; ok {
		m.mu.Unlock()
		pc.Close()
		return raced, false, nil
	}
	e := &entry{
		participantID: participantID,
		pc:            pc,
		state:         StateNew,
		answerer:      answerer,
	}
	m.entries[participantID] = e
	m.mu.Unlock()

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.AddPeerConnections(1)
	}
	logger.Debug("Created peer connection",
		zap.String("participant_id", participantID.String()),
		zap.Bool("answerer", answerer))

	return e, true, nil
}

func (m *Manager) lookup(participantID uuid.UUID) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	return m.entries[participantID], nil
}

func (m *Manager) advance(participantID uuid.UUID, to State) {
	m.mu.Lock()
	e, ok := m.entries[participantID]
	if !ok || to.rank() <= e.state.rank() {
		m.mu.Unlock()
		return
	}
	from := e.state
	e.state = to
	fn := m.onStateChange
	m.mu.Unlock()

	logger.Debug("Peer connection state changed",
		zap.String("participant_id", participantID.String()),
		zap.String("from", string(from)),
		zap.String("state", string(to)))

	if fn != nil {
		fn(participantID, to)
	}
}

func (m *Manager) markRemoteSet(e *entry) {
	m.mu.Lock()
	e.remoteSet = true
	m.mu.Unlock()
}

func (m *Manager) holdEarly(from uuid.UUID, msg signaling.Message) {
	if !m.cfg.BufferEarlySignals {
		logger.Warn("Dropping signal for unknown connection",
			zap.String("participant_id", from.String()),
			zap.String("event", string(msg.Event())))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.early[from]) >= constants.SubscriptionBuffer {
		logger.Warn("Early signal queue full, dropping",
			zap.String("participant_id", from.String()),
			zap.String("event", string(msg.Event())))
		return
	}
	m.early[from] = append(m.early[from], msg)
}

func (m *Manager) replayEarly(ctx context.Context, participantID uuid.UUID) {
	m.mu.Lock()
	queued := m.early[participantID]
	delete(m.early, participantID)
	m.mu.Unlock()

	for _, msg := range queued {
		var err error
		switch s := msg.(type) {
		case signaling.Answer:
			err = m.HandleInboundAnswer(ctx, s)
		case signaling.ICECandidate:
			err = m.HandleInboundICECandidate(ctx, s)
		}
		if err != nil {
			logger.Warn("Failed to replay early signal",
				zap.String("participant_id", participantID.String()),
				zap.String("event", string(msg.Event())),
				zap.Error(err))
		}
	}
}

func (m *Manager) handleLocalCandidate(participantID uuid.UUID, pc PeerConnection, c signaling.ICECandidateInit) {
	m.mu.Lock()
	e, ok := m.entries[participantID]
	if !ok || e.pc != pc || m.closed {
		m.mu.Unlock()
		return
	}
	if !e.descSent {
		e.outbox = append(e.outbox, c)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.sendCandidate(m.ctx, participantID, c)
}

func (m *Manager) flushOutbox(ctx context.Context, e *entry) {
	m.mu.Lock()
	e.descSent = true
	out := e.outbox
	e.outbox = nil
	m.mu.Unlock()

	for _, c := range out {
		m.sendCandidate(ctx, e.participantID, c)
	}
}

func (m *Manager) sendCandidate(ctx context.Context, participantID uuid.UUID, c signaling.ICECandidateInit) {
	err := m.signaler.Publish(ctx, signaling.ICECandidate{
		FromUserID:   m.cfg.LocalUserID,
		TargetUserID: participantID,
		Candidate:    c,
	})
	if err != nil {
		logger.Warn("Failed to send ICE candidate",
			zap.String("participant_id", participantID.String()),
			zap.Error(err))
	}
}

func (m *Manager) handleRemoteTrack(participantID uuid.UUID, pc PeerConnection, t RemoteTrack) {
	m.mu.Lock()
	e, ok := m.entries[participantID]
	if !ok || e.pc != pc {
		m.mu.Unlock()
		return
	}
	e.remoteTracks = append(e.remoteTracks, t)
	fn := m.onRemoteTrack
	m.mu.Unlock()

	logger.Debug("Remote track received",
		zap.String("participant_id", participantID.String()),
		zap.String("kind", string(t.Kind)))

	if fn != nil {
		fn(participantID, t)
	}
}

func (m *Manager) handleConnectionState(participantID uuid.UUID, pc PeerConnection, s ConnectionState) {
	m.mu.Lock()
	e, ok := m.entries[participantID]
	current := ok && e.pc == pc
	m.mu.Unlock()
	if !current {
		return
	}

	switch s {
	case ConnectionStateConnected:
		m.advance(participantID, StateConnected)
	case ConnectionStateFailed, ConnectionStateDisconnected:
		logger.Warn("Peer connection degraded",
			zap.String("participant_id", participantID.String()),
			zap.String("state", string(s)))
	}
}
