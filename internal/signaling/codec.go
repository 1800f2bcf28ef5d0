package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrUnknownEvent is returned by Decode for an event tag outside the known set
	ErrUnknownEvent = errors.New("unknown signaling event")

	// ErrMalformedMessage is returned by Decode when the envelope cannot be parsed
	ErrMalformedMessage = errors.New("malformed signaling message")
)

// envelope is the wire form shared with mobile clients:
//
//	{"event": "offer", "payload": {...}, "fromUserId": "...", "targetUserId": "..."}
//	{"event": "user-joined", "payload": {"userId": "..."}}
type envelope struct {
	Event        Event           `json:"event"`
	Payload      json.RawMessage `json:"payload"`
	FromUserID   string          `json:"fromUserId,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
}

type userJoinedPayload struct {
	UserID string `json:"userId"`
}

// Encode renders msg in its wire form
func Encode(msg Message) ([]byte, error) {
	var (
		payload interface{}
		env     envelope
	)

	switch m := msg.(type) {
	case Offer:
		payload = m.Description
	case *Offer:
		return Encode(*m)
	case Answer:
		payload = m.Description
	case *Answer:
		return Encode(*m)
	case ICECandidate:
		payload = m.Candidate
	case *ICECandidate:
		return Encode(*m)
	case UserJoined:
		payload = userJoinedPayload{UserID: m.UserID.String()}
	case *UserJoined:
		return Encode(*m)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, msg)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", msg.Event(), err)
	}

	env.Event = msg.Event()
	env.Payload = raw
	if msg.Event() != EventUserJoined {
		env.FromUserID = msg.From().String()
		env.TargetUserID = msg.Target().String()
	}

	return json.Marshal(env)
}

// Decode parses a wire frame into one of the Message variants
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if !env.Event.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	if env.Event == EventUserJoined {
		var p userJoinedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: user-joined payload: %v", ErrMalformedMessage, err)
		}
		userID, err := uuid.Parse(p.UserID)
		if err != nil {
			return nil, fmt.Errorf("%w: userId: %v", ErrMalformedMessage, err)
		}
		return UserJoined{UserID: userID}, nil
	}

	from, err := uuid.Parse(env.FromUserID)
	if err != nil {
		return nil, fmt.Errorf("%w: fromUserId: %v", ErrMalformedMessage, err)
	}
	target, err := uuid.Parse(env.TargetUserID)
	if err != nil {
		return nil, fmt.Errorf("%w: targetUserId: %v", ErrMalformedMessage, err)
	}

	switch env.Event {
	case EventOffer, EventAnswer:
		var desc SessionDescription
		if err := json.Unmarshal(env.Payload, &desc); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, env.Event, err)
		}
		if env.Event == EventOffer {
			return Offer{FromUserID: from, TargetUserID: target, Description: desc}, nil
		}
		return Answer{FromUserID: from, TargetUserID: target, Description: desc}, nil
	default:
		var cand ICECandidateInit
		if err := json.Unmarshal(env.Payload, &cand); err != nil {
			return nil, fmt.Errorf("%w: ice-candidate payload: %v", ErrMalformedMessage, err)
		}
		return ICECandidate{FromUserID: from, TargetUserID: target, Candidate: cand}, nil
	}
}
