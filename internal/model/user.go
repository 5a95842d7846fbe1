package model

import (
	"fmt"
	"time"
)

// User represents a registered board member.
type User struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Email              string     `json:"email"`
	PasswordHash       string     `json:"-"`
	Role               string     `json:"role"`
	Strikes            int        `json:"strikes"`
	BlockedUntil       *time.Time `json:"blocked_until,omitempty"`
	PermanentlyBlocked bool       `json:"permanently_blocked"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 8

var roleLevels = map[string]int{
	RoleUser:  1,
	RoleAdmin: 2,
}

// RoleAtLeast reports whether role is at or above minimum. Unknown roles on
// either side never match.
func RoleAtLeast(role, minimum string) bool {
	have, want := roleLevels[role], roleLevels[minimum]
	return have > 0 && want > 0 && have >= want
}

// ValidatePassword checks the password policy.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	return nil
}

// IsBlocked reports whether the user may not log in or post at the given time.
func (u *User) IsBlocked(now time.Time) bool {
	if u.PermanentlyBlocked {
		return true
	}
	return u.BlockedUntil != nil && now.Before(*u.BlockedUntil)
}

// BlockReason describes the active block for error messages.
func (u *User) BlockReason(now time.Time) string {
	if u.PermanentlyBlocked {
		return "account permanently blocked"
	}
	if u.BlockedUntil != nil && now.Before(*u.BlockedUntil) {
		return "account blocked until " + u.BlockedUntil.UTC().Format(time.RFC3339)
	}
	return ""
}
