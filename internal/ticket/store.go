package ticket

import (
	"fmt"
	"sync"

	"github.com/h1v3-io/deskline/internal/clock"
	"github.com/h1v3-io/deskline/pkg/protocol"
)

// Origin describes who opened a ticket and where replies go.
type Origin struct {
	Channel  string // connector name, e.g. "telegram"
	SenderID string
	ChatID   string
}

// Store is the in-memory table of ticket records. Lock state is embedded
// in each record. Store is safe for concurrent use; every method returns
// copies, never references to the records it holds.
type Store struct {
	mu      sync.Mutex
	tickets map[int64]*protocol.Ticket
	pending map[int64]struct{} // reserved, not yet persisted; hidden from readers
	order   []int64
	lastID  int64
	clock   clock.Clock
}

// NewStore creates an empty store. A nil clock means clock.Real().
func NewStore(c clock.Clock) *Store {
	if c == nil {
		c = clock.Real()
	}
	return &Store{
		tickets: make(map[int64]*protocol.Ticket),
		pending: make(map[int64]struct{}),
		clock:   c,
	}
}

// Create records a new ticket under the next free identifier.
func (s *Store) Create(origin Origin, content string) protocol.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(origin, content)
}

// reserve is Create for a ticket that is not yet persisted. The ticket
// stays invisible to Get, All, Open and every update until commit.
func (s *Store) reserve(origin Origin, content string) protocol.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.insert(origin, content)
	s.pending[t.ID] = struct{}{}
	return t
}

// commit publishes a reserved ticket.
func (s *Store) commit(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

func (s *Store) insert(origin Origin, content string) protocol.Ticket {
	s.lastID++
	t := &protocol.Ticket{
		ID:        s.lastID,
		Content:   content,
		CreatedBy: origin.SenderID,
		ChatID:    origin.ChatID,
		Channel:   origin.Channel,
		CreatedAt: s.clock.Now(),
	}
	s.tickets[t.ID] = t
	s.order = append(s.order, t.ID)
	return t.Clone()
}

// Restore seeds the store with previously persisted tickets. New
// identifiers continue after the highest restored one.
func (s *Store) Restore(tickets []protocol.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range tickets {
		t := tickets[i].Clone()
		if t.ID <= 0 {
			return fmt.Errorf("ticket store: restore: invalid id %d", t.ID)
		}
		if _, exists := s.tickets[t.ID]; exists {
			return fmt.Errorf("ticket store: restore: duplicate id %d", t.ID)
		}
		s.tickets[t.ID] = &t
		s.order = append(s.order, t.ID)
		if t.ID > s.lastID {
			s.lastID = t.ID
		}
	}
	return nil
}

// Get returns a snapshot of the ticket.
func (s *Store) Get(id int64) (protocol.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.visible(id)
	if !ok {
		return protocol.Ticket{}, notFound(id)
	}
	return t.Clone(), nil
}

// MarkReplied records agentID as the final owner of the ticket. The first
// call wins; later calls fail with ErrAlreadyReplied whatever the lock
// state. The lock is cleared.
func (s *Store) MarkReplied(id int64, agentID, text string) (protocol.Ticket, error) {
	return s.update(id, func(t *protocol.Ticket) error {
		if t.Replied() {
			return fmt.Errorf("%w: ticket %d by %s", ErrAlreadyReplied, id, t.RepliedBy)
		}
		now := s.clock.Now()
		t.RepliedBy = agentID
		t.RepliedAt = &now
		t.ReplyText = text
		t.Lock = nil
		return nil
	})
}

// All returns every ticket in creation order.
func (s *Store) All() []protocol.Ticket {
	return s.filter(func(*protocol.Ticket) bool { return true })
}

// Open returns the unreplied tickets in creation order.
func (s *Store) Open() []protocol.Ticket {
	return s.filter(func(t *protocol.Ticket) bool { return !t.Replied() })
}

// Len returns the number of visible tickets.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order) - len(s.pending)
}

// visible looks up id, hiding reserved tickets. Callers hold s.mu.
func (s *Store) visible(id int64) (*protocol.Ticket, bool) {
	if _, ok := s.pending[id]; ok {
		return nil, false
	}
	t, ok := s.tickets[id]
	return t, ok
}

func (s *Store) filter(keep func(*protocol.Ticket) bool) []protocol.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]protocol.Ticket, 0, len(s.order))
	for _, id := range s.order {
		if _, ok := s.pending[id]; ok {
			continue
		}
		if t := s.tickets[id]; keep(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// update applies fn to the record under the store lock. fn's changes are
// kept only if it returns nil.
func (s *Store) update(id int64, fn func(t *protocol.Ticket) error) (protocol.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.visible(id)
	if !ok {
		return protocol.Ticket{}, notFound(id)
	}
	draft := t.Clone()
	if err := fn(&draft); err != nil {
		return protocol.Ticket{}, err
	}
	*t = draft
	return draft.Clone(), nil
}

// remove drops a ticket that was never persisted.
func (s *Store) remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tickets[id]; !ok {
		return
	}
	delete(s.tickets, id)
	delete(s.pending, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
