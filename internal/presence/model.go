package presence

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

func (s Status) Valid() bool { return s == StatusOnline || s == StatusOffline }

// Record is one user's presence row. There is at most one per user.
type Record struct {
	UserID    uuid.UUID  `json:"user_id"`
	Status    Status     `json:"status"`
	TypingIn  *uuid.UUID `json:"typing_in,omitempty"`
	LastSeen  time.Time  `json:"last_seen"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Effective reports r as offline once it has gone staleAfter without a heartbeat.
func Effective(r Record, now time.Time, staleAfter time.Duration) Record {
	if r.Status == StatusOnline && staleAfter > 0 && now.Sub(r.LastSeen) > staleAfter {
		r.Status = StatusOffline
		r.TypingIn = nil
	}
	return r
}
