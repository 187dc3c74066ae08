package desk

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/h1v3-io/deskline/internal/backup"
	"github.com/h1v3-io/deskline/pkg/protocol"
)

const (
	welcomeText = "Hello! Describe your problem in one message and a support agent will answer here."

	openedText     = "Thanks, your request is registered as ticket #%d. An agent will reply here."
	openFailedText = "Sorry, we could not register your request right now. Please try again in a minute."

	replyToCustomerText = "**Ticket #%d**\n%s"

	helpText = "Agent commands:\n" +
		"`/tickets` open tickets\n" +
		"`/show <id>` ticket details\n" +
		"`/take <id>` start handling a ticket\n" +
		"`/release <id>` stop handling a ticket\n" +
		"`/reply <id> <text>` answer the customer\n" +
		"`/backup [reason]` back up the dataset now\n" +
		"`/backups` recent backups"
)

const previewLen = 60

func announceTicket(t protocol.Ticket, from string) string {
	return fmt.Sprintf("New ticket **#%d** from %s (%s):\n%s\n\nTake it with `/take %d`",
		t.ID, from, t.Channel, t.Content, t.ID)
}

func formatOpenTickets(open []protocol.Ticket, holders map[int64]protocol.LockState, loc *time.Location) string {
	if len(open) == 0 {
		return "No open tickets."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Open tickets (%d):", len(open))
	for _, t := range open {
		state := "free"
		if h, ok := holders[t.ID]; ok {
			state = "with " + h.HolderName
		}
		fmt.Fprintf(&b, "\n**#%d** %s, %s: %s", t.ID, t.CreatedAt.In(loc).Format("02.01 15:04"), state, preview(t.Content))
	}
	return b.String()
}

func formatTicket(t protocol.Ticket, h protocol.LockState, locked bool, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Ticket #%d**\n", t.ID)
	fmt.Fprintf(&b, "From: %s via %s\n", t.CreatedBy, t.Channel)
	fmt.Fprintf(&b, "Opened: %s\n", t.CreatedAt.In(loc).Format("2006-01-02 15:04"))
	switch {
	case t.Replied():
		at := ""
		if t.RepliedAt != nil {
			at = " at " + t.RepliedAt.In(loc).Format("2006-01-02 15:04")
		}
		fmt.Fprintf(&b, "Answered by %s%s\n", t.RepliedBy, at)
	case locked:
		fmt.Fprintf(&b, "Handled by %s since %s\n", h.HolderName, h.AcquiredAt.In(loc).Format("15:04"))
	default:
		b.WriteString("Not taken\n")
	}
	b.WriteString("\n" + t.Content)
	if t.Replied() {
		b.WriteString("\n\nReply:\n" + t.ReplyText)
	}
	return b.String()
}

func formatBackups(arts []backup.Artifact, max int, loc *time.Location) string {
	if len(arts) == 0 {
		return "No backups yet."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Backups (%d):", len(arts))
	if len(arts) > max {
		arts = arts[:max]
	}
	for _, a := range arts {
		fmt.Fprintf(&b, "\n`%s` %s, %s", baseName(a.Path), a.CreatedAt.In(loc).Format("2006-01-02 15:04"), formatSize(a.Size))
	}
	return b.String()
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= previewLen {
		return s
	}
	return string(r[:previewLen-1]) + "…"
}

func formatDuration(d time.Duration) string {
	if d%time.Minute == 0 {
		return fmt.Sprintf("%d min", int(d/time.Minute))
	}
	return d.String()
}

func formatSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func baseName(p string) string {
	return filepath.Base(p)
}
