// Package moderation implements the strike counter that leads from warnings
// to temporary and permanent account blocks.
package moderation

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/erazemk/lostfound/internal/model"
)

// Policy holds the moderation thresholds.
type Policy struct {
	DefaultStatus         string
	TempBlockStrikes      int
	PermanentBlockStrikes int
	TempBlockDuration     time.Duration
}

// DefaultPolicy returns the thresholds used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		DefaultStatus:         model.ItemStatusPending,
		TempBlockStrikes:      3,
		PermanentBlockStrikes: 5,
		TempBlockDuration:     7 * 24 * time.Hour,
	}
}

// Validate checks that the thresholds are usable.
func (p Policy) Validate() error {
	if !model.ValidItemStatus(p.DefaultStatus) {
		return fmt.Errorf("invalid default status %q", p.DefaultStatus)
	}
	if p.TempBlockStrikes < 1 {
		return fmt.Errorf("temp block strikes must be positive")
	}
	if p.PermanentBlockStrikes < p.TempBlockStrikes {
		return fmt.Errorf("permanent block strikes (%d) below temp block strikes (%d)",
			p.PermanentBlockStrikes, p.TempBlockStrikes)
	}
	if p.TempBlockDuration <= 0 {
		return fmt.Errorf("temp block duration must be positive")
	}
	return nil
}

// Outcome is the result of adding a strike.
type Outcome string

// Strike outcomes.
const (
	OutcomeWarned             Outcome = "warned"
	OutcomeTemporarilyBlocked Outcome = "temporarily_blocked"
	OutcomePermanentlyBlocked Outcome = "permanently_blocked"
)

// AddStrike increments the user's strike counter and applies any block the
// new count triggers.
func (p Policy) AddStrike(u *model.User, now time.Time) Outcome {
	u.Strikes++
	return p.Escalate(u, now)
}

// Escalate applies the block that the user's current strike count calls for.
func (p Policy) Escalate(u *model.User, now time.Time) Outcome {
	switch {
	case u.Strikes >= p.PermanentBlockStrikes:
		u.PermanentlyBlocked = true
		u.BlockedUntil = nil
		return OutcomePermanentlyBlocked
	case u.Strikes >= p.TempBlockStrikes:
		until := now.Add(p.TempBlockDuration)
		u.BlockedUntil = &until
		return OutcomeTemporarilyBlocked
	default:
		return OutcomeWarned
	}
}

// Unblock lifts all blocks and optionally resets the strike counter.
func Unblock(u *model.User, resetStrikes bool) {
	u.PermanentlyBlocked = false
	u.BlockedUntil = nil
	if resetStrikes {
		u.Strikes = 0
	}
}

// Notice returns the notification title and body for a strike outcome.
func Notice(o Outcome, u *model.User, reason string) (string, string) {
	body := reason
	switch o {
	case OutcomePermanentlyBlocked:
		return "Account permanently blocked", body
	case OutcomeTemporarilyBlocked:
		return "Account temporarily blocked",
			fmt.Sprintf("%s (blocked until %s)", body, u.BlockedUntil.UTC().Format(time.RFC3339))
	default:
		return fmt.Sprintf("Strike %d received", u.Strikes), body
	}
}

// Live holds the current policy and allows swapping it on config reload.
type Live struct {
	p atomic.Pointer[Policy]
}

// NewLive returns a holder initialized with p.
func NewLive(p Policy) *Live {
	l := &Live{}
	l.Store(p)
	return l
}

// Load returns the current policy.
func (l *Live) Load() Policy {
	return *l.p.Load()
}

// Store replaces the current policy.
func (l *Live) Store(p Policy) {
	l.p.Store(&p)
}
