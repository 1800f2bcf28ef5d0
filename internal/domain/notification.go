package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotificationNotFound is returned by repositories when no row matches
var ErrNotificationNotFound = errors.New("notification not found")

// Notification types produced from call changes
const (
	NotificationIncomingCall = "incoming_call"
	NotificationMissedCall   = "missed_call"
	NotificationCallEnded    = "call_ended"
)

// Notification represents a user notification
// Maps to CockroachDB notifications table
type Notification struct {
	NotificationID uuid.UUID              `json:"notification_id" db:"notification_id"`
	UserID         uuid.UUID              `json:"user_id" db:"user_id"`
	Type           string                 `json:"type" db:"type"`
	Title          string                 `json:"title" db:"title"`
	Body           string                 `json:"body" db:"body"`
	CallID         *uuid.UUID             `json:"call_id,omitempty" db:"call_id"`
	Data           map[string]interface{} `json:"data,omitempty" db:"data"`
	IsRead         bool                   `json:"is_read" db:"is_read"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
	ReadAt         *time.Time             `json:"read_at,omitempty" db:"read_at"`
}

// NotificationCreate represents data needed to create a notification
type NotificationCreate struct {
	UserID uuid.UUID
	Type   string
	Title  string
	Body   string
	CallID *uuid.UUID
	Data   map[string]interface{}
}

// NotificationListResponse represents paginated notification list
type NotificationListResponse struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unread_count"`
	TotalCount    int            `json:"total_count"`
	HasMore       bool           `json:"has_more"`
}

// DeliveryStatus tracks a locally held notification against its remote insert
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryConfirmed DeliveryStatus = "confirmed"
	DeliveryFailed    DeliveryStatus = "failed"
)

// LocalNotification is a notification held in memory before and after the
// insert that persists it resolves.
type LocalNotification struct {
	Notification
	Status DeliveryStatus `json:"status"`
}
