package protocol

import "time"

// Ticket is a single user inquiry awaiting exactly one final reply.
type Ticket struct {
	ID        int64      `json:"id"`
	Content   string     `json:"content"`
	CreatedBy string     `json:"created_by"`
	ChatID    string     `json:"chat_id,omitempty"`
	Channel   string     `json:"channel,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	RepliedBy string     `json:"replied_by,omitempty"`
	RepliedAt *time.Time `json:"replied_at,omitempty"`
	ReplyText string     `json:"reply_text,omitempty"`
	Lock      *LockState `json:"lock,omitempty"`
}

// Replied reports whether ownership of the ticket is final.
func (t *Ticket) Replied() bool {
	return t.RepliedBy != ""
}

// Clone returns a deep copy that shares no pointers with t.
func (t *Ticket) Clone() Ticket {
	c := *t
	if t.RepliedAt != nil {
		at := *t.RepliedAt
		c.RepliedAt = &at
	}
	if t.Lock != nil {
		l := *t.Lock
		c.Lock = &l
	}
	return c
}

// LockState is a temporary claim by one agent on an unreplied ticket.
// It is ignored once the ticket has been replied to.
type LockState struct {
	HolderID   string    `json:"holder_id"`
	HolderName string    `json:"holder_name"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Expired reports whether the lock has outlived ttl at now.
// A lock is still valid at exactly AcquiredAt+ttl.
func (l *LockState) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.AcquiredAt) > ttl
}
