package protocol

import "time"

// Agent identifies a human support agent. Identity is supplied by the
// messaging platform; deskline does not authenticate it.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DisplayName returns Name, falling back to ID.
func (a Agent) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// Grant is returned when an agent is allowed to work a ticket.
type Grant struct {
	TicketID int64 `json:"ticket_id"`
	// Enforced is false when the ticket was already replied to and the
	// lock no longer applies.
	Enforced   bool      `json:"enforced"`
	HolderID   string    `json:"holder_id,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitempty"`
	// Renewed is true when the holder already owned the lock.
	Renewed bool `json:"renewed,omitempty"`
}
