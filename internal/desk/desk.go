// Package desk routes chat traffic: customer messages become tickets and
// messages in the admin chat are agent commands.
package desk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/h1v3-io/deskline/internal/backup"
	"github.com/h1v3-io/deskline/internal/connector"
	"github.com/h1v3-io/deskline/internal/ticket"
	"github.com/h1v3-io/deskline/pkg/protocol"
)

// Tickets is the part of ticket.Subsystem the router drives.
type Tickets interface {
	Open(ctx context.Context, origin ticket.Origin, content string) (protocol.Ticket, error)
	Take(id int64, agent protocol.Agent) (protocol.Grant, error)
	Release(id int64) error
	Reply(ctx context.Context, id int64, agent protocol.Agent, text string) (protocol.Ticket, error)
	Get(id int64) (protocol.Ticket, error)
	Holder(id int64) (protocol.LockState, bool, error)
	List(openOnly bool) []protocol.Ticket
	LockTTL() time.Duration
}

// Backups is the part of backup.Manager the router drives.
type Backups interface {
	BackupNow(ctx context.Context, reason string) (backup.Artifact, error)
	List() ([]backup.Artifact, error)
}

// Config configures a Router.
type Config struct {
	AdminChannel string // connector carrying the admin chat, e.g. "telegram"
	AdminChatID  string
	// Location is used when showing times to agents. Nil means UTC+3.
	Location *time.Location
	// BackupEcho makes /backup answer with the outcome in the admin chat.
	// Leave it off when the backup manager already notifies that chat.
	BackupEcho bool
	Logger     *slog.Logger
}

// Router dispatches inbound messages. Register an outbound Sender per
// channel with Route so replies reach the customer's chat.
type Router struct {
	tickets Tickets
	backups Backups
	cfg     Config
	logger  *slog.Logger

	mu      sync.RWMutex
	senders map[string]connector.Sender
}

// New creates a router. backups may be nil, which disables /backup and /backups.
func New(tickets Tickets, backups Backups, cfg Config) *Router {
	if cfg.Location == nil {
		cfg.Location = backup.FixedZone(backup.DefaultUTCOffsetHours)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		tickets: tickets,
		backups: backups,
		cfg:     cfg,
		logger:  logger,
		senders: make(map[string]connector.Sender),
	}
}

// Route registers the sender used for messages to channel.
func (r *Router) Route(channel string, s connector.Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[channel] = s
}

func (r *Router) sender(channel string) (connector.Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[channel]
	return s, ok
}

// Handle implements connector.InboundHandler.
func (r *Router) Handle(ctx context.Context, msg connector.InboundMessage) error {
	if r.isAdmin(msg) {
		if !strings.HasPrefix(msg.Content, "/") {
			// Agents talking among themselves.
			return nil
		}
		return r.command(ctx, msg)
	}

	switch cmd, _ := splitFirst(msg.Content); cmd {
	case "/start", "/help":
		return r.send(ctx, msg.Channel, msg.ChatID, welcomeText)
	}

	t, err := r.OpenTicket(ctx, msg)
	if err != nil {
		r.logger.Error("open ticket failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		return r.send(ctx, msg.Channel, msg.ChatID, openFailedText)
	}
	return r.send(ctx, msg.Channel, msg.ChatID, fmt.Sprintf(openedText, t.ID))
}

// OpenTicket opens a ticket for msg and announces it in the admin chat.
// An announcement failure is logged; the ticket stays open.
func (r *Router) OpenTicket(ctx context.Context, msg connector.InboundMessage) (protocol.Ticket, error) {
	origin := ticket.Origin{
		Channel:  msg.Channel,
		SenderID: msg.SenderID,
		ChatID:   msg.ChatID,
	}
	t, err := r.tickets.Open(ctx, origin, msg.Content)
	if err != nil {
		return protocol.Ticket{}, err
	}

	from := msg.SenderName
	if from == "" {
		from = msg.SenderID
	}
	if err := r.toAdmin(ctx, announceTicket(t, from)); err != nil {
		r.logger.Warn("ticket announcement failed", "ticket_id", t.ID, "error", err)
	}
	return t, nil
}

func (r *Router) isAdmin(msg connector.InboundMessage) bool {
	return r.cfg.AdminChatID != "" &&
		msg.Channel == r.cfg.AdminChannel &&
		msg.ChatID == r.cfg.AdminChatID
}

func (r *Router) toAdmin(ctx context.Context, text string) error {
	if r.cfg.AdminChatID == "" {
		return nil
	}
	return r.send(ctx, r.cfg.AdminChannel, r.cfg.AdminChatID, text)
}

// ErrNoRoute is returned when no sender is registered for a channel.
var ErrNoRoute = errors.New("desk: no outbound route")

// Deliver sends a replied ticket's answer to the chat it came from.
func (r *Router) Deliver(ctx context.Context, t protocol.Ticket) error {
	if !t.Replied() {
		return fmt.Errorf("desk: ticket %d has no reply to deliver", t.ID)
	}
	return r.send(ctx, t.Channel, t.ChatID, fmt.Sprintf(replyToCustomerText, t.ID, t.ReplyText))
}

func (r *Router) send(ctx context.Context, channel, chatID, text string) error {
	s, ok := r.sender(channel)
	if !ok {
		return fmt.Errorf("%w for channel %q", ErrNoRoute, channel)
	}
	if err := s.Send(ctx, connector.OutboundMessage{ChatID: chatID, Content: text}); err != nil {
		return fmt.Errorf("desk: send to %s: %w", channel, err)
	}
	return nil
}

// splitFirst splits s into its first whitespace-separated word and the
// trimmed remainder.
func splitFirst(s string) (head, tail string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t\n")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}
