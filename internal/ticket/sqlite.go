package ticket

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/h1v3-io/deskline/internal/dataset"
	"github.com/h1v3-io/deskline/pkg/protocol"
)

// SQLiteSheet keeps the ticket table in the dataset file as a SQLite
// database. The database is opened inside each exclusive-access call and
// closed before the gate is released, so the file is complete and
// quiescent whenever another caller (such as a backup) gets the gate.
type SQLiteSheet struct {
	w *dataset.Writer
}

// NewSQLiteSheet creates a sheet stored in w's dataset file.
func NewSQLiteSheet(w *dataset.Writer) *SQLiteSheet {
	return &SQLiteSheet{w: w}
}

// Init creates the dataset file and its schema if missing.
func (s *SQLiteSheet) Init(ctx context.Context) error {
	return s.withTx(ctx, func(*sql.Tx) error { return nil })
}

// Load returns every ticket in the sheet ordered by id.
func (s *SQLiteSheet) Load(ctx context.Context) ([]protocol.Ticket, error) {
	var tickets []protocol.Ticket
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, content, created_by, chat_id, channel, created_at, replied_by, replied_at, reply_text FROM tickets ORDER BY id`)
		if err != nil {
			return fmt.Errorf("ticket sheet: load: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTicket(rows)
			if err != nil {
				return fmt.Errorf("ticket sheet: load scan: %w", err)
			}
			tickets = append(tickets, *t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return tickets, nil
}

// RecordCreated appends a ticket row.
func (s *SQLiteSheet) RecordCreated(ctx context.Context, t protocol.Ticket) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tickets (id, content, created_by, chat_id, channel, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, t.ID, t.Content, t.CreatedBy, t.ChatID, t.Channel, t.CreatedAt.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("ticket sheet: insert %d: %w", t.ID, err)
		}
		return nil
	})
}

// RecordReplied stores the final reply on an existing row.
func (s *SQLiteSheet) RecordReplied(ctx context.Context, t protocol.Ticket) error {
	if t.RepliedAt == nil {
		return fmt.Errorf("ticket sheet: ticket %d has no reply", t.ID)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE tickets SET replied_by = ?, replied_at = ?, reply_text = ?
			WHERE id = ? AND replied_by = ''
		`, t.RepliedBy, t.RepliedAt.Format(time.RFC3339Nano), t.ReplyText, t.ID)
		if err != nil {
			return fmt.Errorf("ticket sheet: update %d: %w", t.ID, err)
		}
		n, _ := result.RowsAffected()
		if n == 0 {
			return fmt.Errorf("ticket sheet: ticket %d missing or already replied", t.ID)
		}
		return nil
	})
}

// withTx opens the dataset, ensures the schema, runs fn in a transaction
// and closes the database, all under the dataset gate.
func (s *SQLiteSheet) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.w.WithExclusiveAccess(ctx, func(h *dataset.Handle) error {
		// Rollback journal keeps the database in a single file Backup can copy.
		db, err := sql.Open("sqlite", "file:"+h.Path()+"?_pragma=journal_mode(DELETE)&_pragma=busy_timeout(5000)")
		if err != nil {
			return fmt.Errorf("ticket sheet: open: %w", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(1)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("ticket sheet: begin: %w", err)
		}
		defer tx.Rollback()

		if err := migrate(ctx, tx); err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("ticket sheet: commit: %w", err)
		}
		return nil
	})
}

func migrate(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tickets (
			id         INTEGER PRIMARY KEY,
			content    TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			chat_id    TEXT NOT NULL DEFAULT '',
			channel    TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			replied_by TEXT NOT NULL DEFAULT '',
			replied_at TEXT,
			reply_text TEXT NOT NULL DEFAULT ''
		);
	`)
	if err != nil {
		return fmt.Errorf("ticket sheet: migrate: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTicket(s scannable) (*protocol.Ticket, error) {
	var t protocol.Ticket
	var createdAt string
	var repliedAt *string

	err := s.Scan(&t.ID, &t.Content, &t.CreatedBy, &t.ChatID, &t.Channel, &createdAt,
		&t.RepliedBy, &repliedAt, &t.ReplyText)
	if err != nil {
		return nil, err
	}

	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if repliedAt != nil {
		rt, _ := time.Parse(time.RFC3339Nano, *repliedAt)
		t.RepliedAt = &rt
	}
	return &t, nil
}
