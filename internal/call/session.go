// Package call drives one participant through a call: load the records,
// acquire media, join the signaling channel, negotiate with every other
// participant and tear it all down on hangup.
package call

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storylab-backend/internal/domain"
	"storylab-backend/internal/rtc"
	"storylab-backend/internal/signaling"
	apperrors "storylab-backend/pkg/errors"
	"storylab-backend/pkg/logger"
	"storylab-backend/pkg/metrics"
)

// ErrSessionClosed is returned by Start after Hangup
var ErrSessionClosed = errors.New("call session closed")

// State is the lifecycle state of a Session
type State string

const (
	StateIdle            State = "idle"
	StateLoading         State = "loading"
	StateRequestingMedia State = "requesting-media"
	StateSignaling       State = "signaling"
	StateOffering        State = "offering"
	StateAnswering       State = "answering"
	StateInCall          State = "in-call"
	StateEnding          State = "ending"
	StateEnded           State = "ended"
)

// Store is the slice of the call record service a session needs
type Store interface {
	Get(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error)
	ListRoom(ctx context.Context, roomID string) ([]*domain.CallRecord, error)
	EndAs(ctx context.Context, actorID, callID uuid.UUID, roomID string) ([]*domain.CallRecord, error)
}

// Config identifies the call and the local participant
type Config struct {
	CallID             uuid.UUID
	LocalUserID        uuid.UUID
	ICE                rtc.ICEConfig
	BufferEarlySignals bool
	Metrics            *metrics.Metrics
}

// Session is one participant's side of a call. Create it with NewSession,
// call Start once, and Hangup when done.
type Session struct {
	cfg       Config
	store     Store
	bus       signaling.Bus
	transport rtc.MediaTransport
	log       *zap.Logger

	mu            sync.Mutex
	state         State
	record        *domain.CallRecord
	participants  []uuid.UUID
	isCaller      bool
	stream        *rtc.Stream
	channel       *signaling.Channel
	manager       *rtc.Manager
	unsubscribe   []func()
	muted         bool
	videoOff      bool
	speakerOn     bool
	reachedInCall bool
	hungUp        bool
	onStateChange func(State)
}

// NewSession wires a session to its collaborators; nothing happens until Start
func NewSession(store Store, bus signaling.Bus, transport rtc.MediaTransport, cfg Config) *Session {
	return &Session{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		transport: transport,
		state:     StateIdle,
		log: logger.With(
			zap.String("call_id", cfg.CallID.String()),
			zap.String("user_id", cfg.LocalUserID.String())),
	}
}

// OnStateChange registers fn to run after every session state change
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.onStateChange = fn
	s.mu.Unlock()
}

// Start joins the call. Record, media and signaling failures abort setup,
// release whatever was acquired, leave the session ended and are returned.
// Negotiation failures with individual participants are only logged.
// A Hangup that lands while Start is running wins: Start releases what it
// acquired since and returns ErrSessionClosed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.hungUp {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	s.setState(StateLoading)

	record, err := s.store.Get(ctx, s.cfg.CallID)
	if err != nil {
		return s.abort("load", err)
	}

	records := []*domain.CallRecord{record}
	if record.IsGroup {
		if records, err = s.store.ListRoom(ctx, record.RoomID); err != nil {
			return s.abort("load", err)
		}
	}

	participants, member := participantsOf(records, s.cfg.LocalUserID)
	if !member {
		return s.abort("load", apperrors.ForbiddenError("not a participant of this call"))
	}

	s.mu.Lock()
	if s.hungUp {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.record = record
	s.participants = participants
	s.isCaller = record.CallerID == s.cfg.LocalUserID
	s.mu.Unlock()

	s.setState(StateRequestingMedia)

	constraints, err := rtc.KindFor(string(record.CallType))
	if err != nil {
		return s.abort("media", apperrors.InvalidInputError(err.Error()))
	}
	stream, err := s.transport.GetUserMedia(ctx, constraints)
	if err != nil {
		return s.abort("media", apperrors.MediaError(err))
	}
	s.mu.Lock()
	if s.hungUp {
		s.mu.Unlock()
		stream.Stop()
		return ErrSessionClosed
	}
	s.stream = stream
	s.mu.Unlock()

	s.setState(StateSignaling)

	topic := signaling.TopicFor(record.ID, record.RoomID, record.IsGroup)
	channel, err := signaling.Open(ctx, s.bus, topic, s.cfg.LocalUserID, signaling.WithMetrics(s.cfg.Metrics))
	if err != nil {
		return s.abort("signaling", apperrors.SignalingError(err))
	}

	manager := rtc.NewManager(s.transport, channel, stream, rtc.Config{
		LocalUserID:        s.cfg.LocalUserID,
		ICE:                s.cfg.ICE,
		BufferEarlySignals: s.cfg.BufferEarlySignals,
		Metrics:            s.cfg.Metrics,
	})
	manager.OnStateChange(s.handlePeerState)

	s.mu.Lock()
	if s.hungUp {
		s.mu.Unlock()
		_ = manager.CloseAll()
		channel.Close()
		return ErrSessionClosed
	}
	s.channel = channel
	s.manager = manager
	s.unsubscribe = []func(){
		channel.Subscribe(signaling.EventOffer, s.handleOffer),
		channel.Subscribe(signaling.EventAnswer, s.handleAnswer),
		channel.Subscribe(signaling.EventICECandidate, s.handleCandidate),
		channel.Subscribe(signaling.EventUserJoined, s.handleUserJoined),
	}
	isCaller := s.isCaller
	s.mu.Unlock()

	if err := channel.Publish(ctx, signaling.UserJoined{UserID: s.cfg.LocalUserID}); err != nil {
		return s.abort("signaling", apperrors.SignalingError(err))
	}

	s.log.Info("Joined call",
		zap.String("room_id", record.RoomID),
		zap.String("topic", topic),
		zap.Bool("caller", isCaller),
		zap.Int("participants", len(participants)))

	if !isCaller {
		s.setState(StateAnswering)
		return nil
	}

	s.setState(StateOffering)
	for _, p := range participants {
		if err := manager.CreateOutboundConnection(ctx, p); err != nil {
			s.log.Warn("Failed to offer to participant",
				zap.String("participant_id", p.String()),
				zap.Error(err))
		}
	}
	return nil
}

// Hangup closes every connection, stops local media, leaves the channel and
// ends the call record (every record of the room for a group call). Only
// the first call does anything.
func (s *Session) Hangup(ctx context.Context) error {
	s.mu.Lock()
	if s.hungUp {
		s.mu.Unlock()
		return nil
	}
	s.hungUp = true
	record := s.record
	reachedInCall := s.reachedInCall
	s.mu.Unlock()

	s.setState(StateEnding)
	s.release()

	var err error
	if record != nil {
		roomID := ""
		if record.IsGroup {
			roomID = record.RoomID
		}
		if _, err = s.store.EndAs(ctx, s.cfg.LocalUserID, record.ID, roomID); err != nil {
			s.log.Error("Failed to end call record", zap.Error(err))
		}
	}

	if reachedInCall && s.cfg.Metrics != nil {
		s.cfg.Metrics.CallFinished()
	}

	s.setState(StateEnded)
	s.log.Info("Left call")
	return err
}

// Close hangs up with a background context
func (s *Session) Close() error {
	return s.Hangup(context.Background())
}

// ToggleMute flips the enabled flag of the local audio tracks and returns
// whether audio is now muted.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = !s.muted
	for _, t := range s.stream.AudioTracks() {
		t.SetEnabled(!s.muted)
	}
	return s.muted
}

// ToggleVideo flips the enabled flag of the local video tracks and returns
// whether video is now off.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoOff = !s.videoOff
	for _, t := range s.stream.VideoTracks() {
		t.SetEnabled(!s.videoOff)
	}
	return s.videoOff
}

// ToggleSpeaker flips the speaker flag. It has no device-level effect.
func (s *Session) ToggleSpeaker() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speakerOn = !s.speakerOn
	return s.speakerOn
}

// State returns the current session state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Record returns the loaded call record, nil before loading
func (s *Session) Record() *domain.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// Participants returns the other participants derived from the records
func (s *Session) Participants() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, len(s.participants))
	copy(out, s.participants)
	return out
}

// IsCaller reports whether the local user placed the call
func (s *Session) IsCaller() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isCaller
}

// PeerState returns the connection state with one participant
func (s *Session) PeerState(participantID uuid.UUID) (rtc.State, bool) {
	s.mu.Lock()
	manager := s.manager
	s.mu.Unlock()
	if manager == nil {
		return "", false
	}
	return manager.State(participantID)
}

// LocalStream returns the acquired local media, nil before acquisition
func (s *Session) LocalStream() *rtc.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// SpeakerOn reports the speaker flag
func (s *Session) SpeakerOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speakerOn
}

func (s *Session) handleOffer(ctx context.Context, msg signaling.Message) {
	offer, ok := msg.(signaling.Offer)
	if !ok {
		return
	}
	if err := s.currentManager().HandleInboundOffer(ctx, offer); err != nil {
		s.logNegotiation(msg, err)
	}
}

func (s *Session) handleAnswer(ctx context.Context, msg signaling.Message) {
	answer, ok := msg.(signaling.Answer)
	if !ok {
		return
	}
	if err := s.currentManager().HandleInboundAnswer(ctx, answer); err != nil {
		s.logNegotiation(msg, err)
	}
}

func (s *Session) handleCandidate(ctx context.Context, msg signaling.Message) {
	candidate, ok := msg.(signaling.ICECandidate)
	if !ok {
		return
	}
	if err := s.currentManager().HandleInboundICECandidate(ctx, candidate); err != nil {
		s.logNegotiation(msg, err)
	}
}

// handleUserJoined offers to a participant who joined after us. An earlier
// offer to them that never connected was published before they subscribed,
// so it is replaced.
func (s *Session) handleUserJoined(ctx context.Context, msg signaling.Message) {
	s.mu.Lock()
	isCaller := s.isCaller
	manager := s.manager
	s.mu.Unlock()

	joined := msg.From()
	s.log.Debug("Participant joined", zap.String("participant_id", joined.String()))

	if !isCaller || manager == nil {
		return
	}
	if !s.isParticipant(joined) {
		s.log.Warn("Ignoring join from non-participant", zap.String("participant_id", joined.String()))
		return
	}

	if state, ok := manager.State(joined); ok {
		if state == rtc.StateConnected {
			return
		}
		manager.Reset(joined)
	}

	if err := manager.CreateOutboundConnection(ctx, joined); err != nil {
		s.logNegotiation(msg, err)
	}
}

func (s *Session) handlePeerState(participantID uuid.UUID, state rtc.State) {
	if state != rtc.StateConnected {
		return
	}

	s.mu.Lock()
	current := s.state
	first := !s.reachedInCall
	if current == StateOffering || current == StateAnswering {
		s.reachedInCall = true
	}
	s.mu.Unlock()

	if current != StateOffering && current != StateAnswering {
		return
	}

	s.setState(StateInCall)
	if first && s.cfg.Metrics != nil {
		s.cfg.Metrics.CallStarted()
	}
	s.log.Info("Call connected", zap.String("participant_id", participantID.String()))
}

func (s *Session) isParticipant(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants {
		if p == id {
			return true
		}
	}
	return false
}

func (s *Session) currentManager() *rtc.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager
}

func (s *Session) logNegotiation(msg signaling.Message, err error) {
	if errors.Is(err, rtc.ErrManagerClosed) {
		return
	}
	s.log.Warn("Negotiation failed",
		zap.String("participant_id", msg.From().String()),
		zap.String("event", string(msg.Event())),
		zap.Error(err))
}

// abort releases what Start acquired and returns err. The call record is left
// untouched and a later Hangup is a no-op.
func (s *Session) abort(stage string, err error) error {
	s.log.Error("Call setup failed", zap.String("stage", stage), zap.Error(err))

	if s.cfg.Metrics != nil {
		callType := ""
		if r := s.Record(); r != nil {
			callType = string(r.CallType)
		}
		s.cfg.Metrics.RecordCallFailure(callType, stage)
	}

	s.mu.Lock()
	s.hungUp = true
	s.mu.Unlock()

	s.release()
	s.setState(StateEnded)
	return err
}

func (s *Session) release() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	manager := s.manager
	channel := s.channel
	stream := s.stream
	s.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	if manager != nil {
		if err := manager.CloseAll(); err != nil {
			s.log.Warn("Failed to close peer connections", zap.Error(err))
		}
	}
	stream.Stop()
	if channel != nil {
		channel.Close()
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state || s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = state
	fn := s.onStateChange
	s.mu.Unlock()

	s.log.Debug("Call session state changed", zap.String("state", string(state)))
	if fn != nil {
		fn(state)
	}
}

// participantsOf returns every distinct caller and receiver across records
// other than self, and whether self appears at all.
func participantsOf(records []*domain.CallRecord, self uuid.UUID) ([]uuid.UUID, bool) {
	seen := make(map[uuid.UUID]bool)
	member := false
	for _, r := range records {
		for _, id := range []uuid.UUID{r.CallerID, r.ReceiverID} {
			if id == self {
				member = true
				continue
			}
			seen[id] = true
		}
	}

	out := make([]uuid.UUID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, member
}
