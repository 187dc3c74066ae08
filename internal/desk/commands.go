package desk

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/h1v3-io/deskline/internal/backup"
	"github.com/h1v3-io/deskline/internal/connector"
	"github.com/h1v3-io/deskline/internal/ticket"
	"github.com/h1v3-io/deskline/pkg/protocol"
)

const maxBackupsListed = 10

func (r *Router) command(ctx context.Context, msg connector.InboundMessage) error {
	cmd, args := splitFirst(msg.Content)
	agent := protocol.Agent{ID: msg.SenderID, Name: msg.SenderName}

	r.logger.Debug("agent command", "command", cmd, "agent_id", agent.ID)

	var reply string
	switch cmd {
	case "/tickets":
		reply = r.listTickets()
	case "/show":
		reply = r.withID(args, r.show)
	case "/take":
		reply = r.withID(args, func(id int64) string { return r.take(id, agent) })
	case "/release":
		reply = r.withID(args, r.release)
	case "/reply":
		idArg, text := splitFirst(args)
		reply = r.withID(idArg, func(id int64) string { return r.reply(ctx, id, agent, text) })
	case "/backup":
		reply = r.backup(ctx, args)
	case "/backups":
		reply = r.listBackups()
	case "/help", "/start":
		reply = helpText
	default:
		reply = fmt.Sprintf("Unknown command %s. /help lists commands.", cmd)
	}

	if reply == "" {
		return nil
	}
	return r.toAdmin(ctx, reply)
}

func (r *Router) withID(arg string, fn func(id int64) string) string {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return "Expected a ticket number, e.g. `/take 12`."
	}
	return fn(id)
}

func (r *Router) listTickets() string {
	open := r.tickets.List(true)
	return formatOpenTickets(open, r.holders(open), r.cfg.Location)
}

// holders snapshots valid locks for the given tickets.
func (r *Router) holders(tickets []protocol.Ticket) map[int64]protocol.LockState {
	out := make(map[int64]protocol.LockState)
	for _, t := range tickets {
		if h, ok, err := r.tickets.Holder(t.ID); err == nil && ok {
			out[t.ID] = h
		}
	}
	return out
}

func (r *Router) show(id int64) string {
	t, err := r.tickets.Get(id)
	if err != nil {
		return r.describeError(id, err)
	}
	h, locked, _ := r.tickets.Holder(id)
	return formatTicket(t, h, locked, r.cfg.Location)
}

func (r *Router) take(id int64, agent protocol.Agent) string {
	g, err := r.tickets.Take(id, agent)
	if err != nil {
		return r.describeError(id, err)
	}
	switch {
	case !g.Enforced:
		t, err := r.tickets.Get(id)
		if err != nil {
			return r.describeError(id, err)
		}
		return fmt.Sprintf("Ticket #%d was already answered by %s.", id, t.RepliedBy)
	case g.Renewed:
		return fmt.Sprintf("Lock on ticket #%d renewed for %s.", id, formatDuration(r.tickets.LockTTL()))
	default:
		return fmt.Sprintf("You are handling ticket #%d for the next %s.", id, formatDuration(r.tickets.LockTTL()))
	}
}

func (r *Router) release(id int64) string {
	if err := r.tickets.Release(id); err != nil {
		return r.describeError(id, err)
	}
	return fmt.Sprintf("Ticket #%d released.", id)
}

func (r *Router) reply(ctx context.Context, id int64, agent protocol.Agent, text string) string {
	if text == "" {
		return "Usage: `/reply <id> <text>`"
	}
	t, err := r.tickets.Reply(ctx, id, agent, text)
	if err != nil {
		return r.describeError(id, err)
	}

	err = r.Deliver(ctx, t)
	switch {
	case errors.Is(err, ErrNoRoute):
		return fmt.Sprintf("Reply to #%d recorded. Channel %s has no outbound route, deliver it manually.", id, t.Channel)
	case err != nil:
		r.logger.Error("reply delivery failed", "ticket_id", id, "channel", t.Channel, "error", err)
		return fmt.Sprintf("Reply to #%d recorded, but delivery failed: %v", id, err)
	}
	return fmt.Sprintf("Reply to #%d sent.", id)
}

func (r *Router) backup(ctx context.Context, reason string) string {
	if r.backups == nil {
		return "Backups are not configured."
	}
	if reason == "" {
		reason = "manual"
	}
	art, err := r.backups.BackupNow(ctx, reason)
	if !r.cfg.BackupEcho {
		// The backup manager reports success and data errors itself.
		if err != nil && !errors.Is(err, backup.ErrSourceMissing) && !errors.Is(err, backup.ErrBackupIO) {
			return fmt.Sprintf("Backup did not run: %v", err)
		}
		return ""
	}
	switch {
	case err == nil:
		return fmt.Sprintf("Backup saved: `%s` (%s).", baseName(art.Path), formatSize(art.Size))
	case errors.Is(err, backup.ErrSourceMissing):
		return "Backup skipped: there is no dataset yet."
	default:
		return fmt.Sprintf("Backup failed: %v", err)
	}
}

func (r *Router) listBackups() string {
	if r.backups == nil {
		return "Backups are not configured."
	}
	arts, err := r.backups.List()
	if err != nil {
		return fmt.Sprintf("Could not list backups: %v", err)
	}
	return formatBackups(arts, maxBackupsListed, r.cfg.Location)
}

// describeError maps ticket errors to agent-facing text.
func (r *Router) describeError(id int64, err error) string {
	var denied *ticket.LockDeniedError
	switch {
	case errors.As(err, &denied):
		return fmt.Sprintf("Ticket #%d is being handled by %s since %s.",
			id, denied.HolderName, denied.Since.In(r.cfg.Location).Format("15:04"))
	case errors.Is(err, ticket.ErrNotFound):
		return fmt.Sprintf("Ticket #%d not found.", id)
	case errors.Is(err, ticket.ErrAlreadyReplied):
		if t, gerr := r.tickets.Get(id); gerr == nil {
			return fmt.Sprintf("Ticket #%d already has a reply from %s.", id, t.RepliedBy)
		}
		return fmt.Sprintf("Ticket #%d already has a reply.", id)
	default:
		r.logger.Error("ticket command failed", "ticket_id", id, "error", err)
		return fmt.Sprintf("Ticket #%d: %v", id, err)
	}
}
