package domain

import (
	"time"

	"github.com/google/uuid"
)

// User is a row of the users table as seen by the call subsystem.
// Only the fields needed to label call participants are read.
type User struct {
	UserID      uuid.UUID `json:"user_id" db:"user_id"`
	Username    string    `json:"username" db:"username"`
	DisplayName string    `json:"display_name" db:"display_name"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Label returns the display name, falling back to the username
func (u *User) Label() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}
