// Package signaling carries offer/answer/ICE exchange between call
// participants over a topic-scoped publish/subscribe bus.
package signaling

import (
	"fmt"

	"github.com/google/uuid"

	"storylab-backend/pkg/constants"
)

// Event tags a signaling message
type Event string

const (
	EventOffer        Event = "offer"
	EventAnswer       Event = "answer"
	EventICECandidate Event = "ice-candidate"
	EventUserJoined   Event = "user-joined"
)

// Valid reports whether e is one of the four known events
func (e Event) Valid() bool {
	switch e {
	case EventOffer, EventAnswer, EventICECandidate, EventUserJoined:
		return true
	}
	return false
}

// SessionDescription is an SDP blob together with its type (offer, answer)
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidateInit describes one trickled ICE candidate
type ICECandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Message is one of Offer, Answer, ICECandidate or UserJoined.
// Switch on the concrete type to handle each kind.
type Message interface {
	Event() Event
	// From is the sending user
	From() uuid.UUID
	// Target is the addressed user, uuid.Nil for broadcast messages
	Target() uuid.UUID

	isMessage()
}

// Offer starts negotiation with TargetUserID
type Offer struct {
	FromUserID   uuid.UUID
	TargetUserID uuid.UUID
	Description  SessionDescription
}

// Answer replies to an Offer
type Answer struct {
	FromUserID   uuid.UUID
	TargetUserID uuid.UUID
	Description  SessionDescription
}

// ICECandidate trickles a candidate to TargetUserID
type ICECandidate struct {
	FromUserID   uuid.UUID
	TargetUserID uuid.UUID
	Candidate    ICECandidateInit
}

// UserJoined announces presence on the topic to every subscriber
type UserJoined struct {
	UserID uuid.UUID
}

func (Offer) Event() Event        { return EventOffer }
func (m Offer) From() uuid.UUID   { return m.FromUserID }
func (m Offer) Target() uuid.UUID { return m.TargetUserID }
func (Offer) isMessage()          {}

func (Answer) Event() Event        { return EventAnswer }
func (m Answer) From() uuid.UUID   { return m.FromUserID }
func (m Answer) Target() uuid.UUID { return m.TargetUserID }
func (Answer) isMessage()          {}

func (ICECandidate) Event() Event        { return EventICECandidate }
func (m ICECandidate) From() uuid.UUID   { return m.FromUserID }
func (m ICECandidate) Target() uuid.UUID { return m.TargetUserID }
func (ICECandidate) isMessage()          {}

func (UserJoined) Event() Event      { return EventUserJoined }
func (m UserJoined) From() uuid.UUID { return m.UserID }
func (UserJoined) Target() uuid.UUID { return uuid.Nil }
func (UserJoined) isMessage()        {}

// TopicFor returns the signaling topic of a call: the call id for a
// private call, the shared room id for a group call.
func TopicFor(callID uuid.UUID, roomID string, isGroup bool) string {
	if isGroup && roomID != "" {
		return constants.SignalingTopicPrefix + roomID
	}
	return fmt.Sprintf("%s%s", constants.SignalingTopicPrefix, callID)
}
