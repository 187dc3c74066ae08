package ticket

import (
	"fmt"
	"time"

	"github.com/h1v3-io/deskline/internal/clock"
	"github.com/h1v3-io/deskline/pkg/protocol"
)

// DefaultLockTTL is how long an unrenewed lock stays valid.
const DefaultLockTTL = 10 * time.Minute

// Locks implements the per-ticket lock state machine over the records in
// a Store. Expiry is evaluated lazily on each acquire; nothing sweeps
// stale locks.
type Locks struct {
	store *Store
	ttl   time.Duration
	clock clock.Clock
}

// NewLocks creates a lock registry. ttl <= 0 means DefaultLockTTL.
func NewLocks(store *Store, ttl time.Duration, c clock.Clock) *Locks {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if c == nil {
		c = clock.Real()
	}
	return &Locks{store: store, ttl: ttl, clock: c}
}

// TTL returns the lock lifetime.
func (l *Locks) TTL() time.Duration {
	return l.ttl
}

// TryAcquire grants agent the lock on ticket id, or renews it if agent
// already holds it. It fails with *LockDeniedError while a different
// agent holds an unexpired lock. Replied tickets are always granted
// without taking a lock. The check and the update happen in one step.
func (l *Locks) TryAcquire(id int64, agent protocol.Agent) (protocol.Grant, error) {
	if agent.ID == "" {
		return protocol.Grant{}, fmt.Errorf("ticket lock: agent id is required")
	}

	var grant protocol.Grant
	_, err := l.store.update(id, func(t *protocol.Ticket) error {
		if t.Replied() {
			grant = protocol.Grant{TicketID: id, Enforced: false}
			return nil
		}

		now := l.clock.Now()
		renewed := false
		if cur := t.Lock; cur != nil && !cur.Expired(now, l.ttl) {
			if cur.HolderID != agent.ID {
				return &LockDeniedError{
					TicketID:   id,
					HolderID:   cur.HolderID,
					HolderName: cur.HolderName,
					Since:      cur.AcquiredAt,
				}
			}
			renewed = true
		}

		t.Lock = &protocol.LockState{
			HolderID:   agent.ID,
			HolderName: agent.DisplayName(),
			AcquiredAt: now,
		}
		grant = protocol.Grant{
			TicketID:   id,
			Enforced:   true,
			HolderID:   agent.ID,
			AcquiredAt: now,
			Renewed:    renewed,
		}
		return nil
	})
	if err != nil {
		return protocol.Grant{}, err
	}
	return grant, nil
}

// Release clears the lock on ticket id. Releasing an unlocked ticket is a
// no-op.
func (l *Locks) Release(id int64) error {
	_, err := l.store.update(id, func(t *protocol.Ticket) error {
		t.Lock = nil
		return nil
	})
	return err
}

// Holder returns the agent holding a valid lock on ticket id. ok is false
// when the ticket is unlocked, its lock expired, or it was replied to.
func (l *Locks) Holder(id int64) (lock protocol.LockState, ok bool, err error) {
	t, err := l.store.Get(id)
	if err != nil {
		return protocol.LockState{}, false, err
	}
	if t.Replied() || t.Lock == nil || t.Lock.Expired(l.clock.Now(), l.ttl) {
		return protocol.LockState{}, false, nil
	}
	return *t.Lock, true, nil
}
