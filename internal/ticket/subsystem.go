package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/h1v3-io/deskline/internal/clock"
	"github.com/h1v3-io/deskline/pkg/protocol"
)

// Recorder mirrors ticket changes into the persisted dataset.
type Recorder interface {
	RecordCreated(ctx context.Context, t protocol.Ticket) error
	RecordReplied(ctx context.Context, t protocol.Ticket) error
}

// Config configures a Subsystem.
type Config struct {
	LockTTL  time.Duration // 0 means DefaultLockTTL
	Clock    clock.Clock   // nil means clock.Real()
	Recorder Recorder      // nil disables persistence
	// RecordTimeout bounds the dataset write of a reply, which runs
	// detached from the caller's context. 0 means DefaultRecordTimeout.
	RecordTimeout time.Duration
	Logger        *slog.Logger
}

// DefaultRecordTimeout is the default bound on persisting a reply.
const DefaultRecordTimeout = 30 * time.Second

// Subsystem is the process-wide ticket handling state: the record store,
// the lock registry and the dataset recorder. Build one at startup and
// pass it to every component that handles tickets.
type Subsystem struct {
	store         *Store
	locks         *Locks
	recorder      Recorder
	recordTimeout time.Duration
	logger        *slog.Logger
}

// NewSubsystem creates an empty subsystem.
func NewSubsystem(cfg Config) *Subsystem {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = DefaultRecordTimeout
	}
	store := NewStore(cfg.Clock)
	return &Subsystem{
		store:         store,
		locks:         NewLocks(store, cfg.LockTTL, cfg.Clock),
		recorder:      cfg.Recorder,
		recordTimeout: cfg.RecordTimeout,
		logger:        cfg.Logger,
	}
}

// Restore loads previously persisted tickets into memory.
func (s *Subsystem) Restore(tickets []protocol.Ticket) error {
	if err := s.store.Restore(tickets); err != nil {
		return err
	}
	s.logger.Info("tickets restored", "count", len(tickets))
	return nil
}

// LockTTL returns the configured lock lifetime.
func (s *Subsystem) LockTTL() time.Duration {
	return s.locks.TTL()
}

// Open creates a ticket and records it in the dataset. The ticket is
// not visible to Get, List, Take or Reply until it is recorded. If
// recording fails the ticket is discarded and the error returned.
func (s *Subsystem) Open(ctx context.Context, origin Origin, content string) (protocol.Ticket, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return protocol.Ticket{}, errors.New("ticket: content is required")
	}

	t := s.store.reserve(origin, content)
	if s.recorder != nil {
		if err := s.recorder.RecordCreated(ctx, t); err != nil {
			s.store.remove(t.ID)
			return protocol.Ticket{}, fmt.Errorf("ticket: record created: %w", err)
		}
	}
	s.store.commit(t.ID)
	s.logger.Info("ticket opened", "ticket_id", t.ID, "channel", origin.Channel, "sender", origin.SenderID)
	return t, nil
}

// Take acquires or renews agent's lock on the ticket.
func (s *Subsystem) Take(id int64, agent protocol.Agent) (protocol.Grant, error) {
	g, err := s.locks.TryAcquire(id, agent)
	if err != nil {
		var denied *LockDeniedError
		if errors.As(err, &denied) {
			s.logger.Info("ticket lock denied", "ticket_id", id, "agent_id", agent.ID, "holder_id", denied.HolderID)
		}
		return protocol.Grant{}, err
	}
	if g.Enforced && !g.Renewed {
		s.logger.Info("ticket locked", "ticket_id", id, "agent_id", agent.ID)
	}
	return g, nil
}

// Release drops any lock on the ticket.
func (s *Subsystem) Release(id int64) error {
	if err := s.locks.Release(id); err != nil {
		return err
	}
	s.logger.Info("ticket released", "ticket_id", id)
	return nil
}

// Reply finalizes the ticket with agent's answer. The agent must be able
// to acquire (or already hold) the lock; the first successful reply wins
// even if the agent's own lock had lapsed.
//
// Once the in-memory reply succeeds it is final. It is recorded in the
// dataset even if ctx is cancelled meanwhile, within RecordTimeout; a
// failure to record it is logged, not returned.
func (s *Subsystem) Reply(ctx context.Context, id int64, agent protocol.Agent, text string) (protocol.Ticket, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return protocol.Ticket{}, errors.New("ticket: reply text is required")
	}
	if _, err := s.Take(id, agent); err != nil {
		return protocol.Ticket{}, err
	}

	t, err := s.store.MarkReplied(id, agent.ID, text)
	if err != nil {
		return protocol.Ticket{}, err
	}
	s.logger.Info("ticket replied", "ticket_id", id, "agent_id", agent.ID)

	if s.recorder != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.recordTimeout)
		defer cancel()
		if err := s.recorder.RecordReplied(rctx, t); err != nil {
			s.logger.Error("failed to record reply", "ticket_id", id, "error", err)
		}
	}
	return t, nil
}

// Get returns a ticket snapshot.
func (s *Subsystem) Get(id int64) (protocol.Ticket, error) {
	return s.store.Get(id)
}

// Holder returns the agent holding a valid lock on the ticket, if any.
func (s *Subsystem) Holder(id int64) (protocol.LockState, bool, error) {
	return s.locks.Holder(id)
}

// List returns tickets in creation order, optionally only unreplied ones.
func (s *Subsystem) List(openOnly bool) []protocol.Ticket {
	if openOnly {
		return s.store.Open()
	}
	return s.store.All()
}
