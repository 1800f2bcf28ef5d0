package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrCallNotFound is returned by call repositories when no row matches
var ErrCallNotFound = errors.New("call not found")

// ErrCallNotPending is returned when accepting or rejecting a call that has
// already been answered, missed or ended
var ErrCallNotPending = errors.New("call is not pending")

// CallType is audio or video
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus is the lifecycle status of a call record
type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusOngoing   CallStatus = "ongoing"
	CallStatusEnded     CallStatus = "ended"
	CallStatusMissed    CallStatus = "missed"
)

// CallRecord is one row of the calls table. A private call has exactly one
// record; a group call has one record per (caller, receiver) pair, all
// sharing RoomID.
type CallRecord struct {
	ID         uuid.UUID  `json:"id"`
	CallerID   uuid.UUID  `json:"caller_id"`
	ReceiverID uuid.UUID  `json:"receiver_id"`
	CallType   CallType   `json:"call_type"`
	Status     CallStatus `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	RoomID     string     `json:"room_id"`
	IsGroup    bool       `json:"is_group"`
}

// Involves reports whether userID is the caller or the receiver of the record
func (c *CallRecord) Involves(userID uuid.UUID) bool {
	return c.CallerID == userID || c.ReceiverID == userID
}

// OtherParty returns the participant on the other side of the record from userID
func (c *CallRecord) OtherParty(userID uuid.UUID) uuid.UUID {
	if c.CallerID == userID {
		return c.ReceiverID
	}
	return c.CallerID
}

// CallChangeType names a call record mutation
type CallChangeType string

const (
	CallChangeCreated  CallChangeType = "created"
	CallChangeAccepted CallChangeType = "accepted"
	CallChangeMissed   CallChangeType = "missed"
	CallChangeEnded    CallChangeType = "ended"
)

// CallChange is published on the call change stream after a record mutation.
// ActorID is the user who caused it, uuid.Nil when unknown.
type CallChange struct {
	Type       CallChangeType `json:"type"`
	Record     CallRecord     `json:"record"`
	ActorID    uuid.UUID      `json:"actor_id"`
	OccurredAt time.Time      `json:"occurred_at"`
}
