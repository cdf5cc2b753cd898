package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/roach88/ticketrelay/internal/ticket"
)

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nullableNanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return nanos(t)
}

// WriteUser inserts or updates a user record. first_seen is kept from the
// existing row.
func (d *DB) WriteUser(ctx context.Context, u ticket.User) error {
	return writeUser(ctx, d.db, u)
}

func writeUser(ctx context.Context, x execer, u ticket.User) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO users (user_id, latest_handle, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			latest_handle = excluded.latest_handle,
			last_seen     = excluded.last_seen
	`,
		int64(u.ID),
		u.Handle,
		nanos(u.FirstSeen),
		nanos(u.LastSeen),
	)
	if err != nil {
		return fmt.Errorf("write user: %w", err)
	}
	return nil
}

// writeTicket inserts a ticket row. Messages are written separately.
func writeTicket(ctx context.Context, x execer, t ticket.Ticket) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO tickets
		(ticket_id, owner_user_id, status, handle_at_creation, created_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		string(t.ID),
		int64(t.Owner),
		string(t.Status),
		t.HandleAtCreation,
		nanos(t.CreatedAt),
		nullableNanos(t.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("write ticket: %w", err)
	}
	return nil
}

func writeMessage(ctx context.Context, x execer, id ticket.ID, m ticket.Message) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO ticket_messages
		(seq, ticket_id, sender_role, kind, body, media_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		m.Seq,
		string(id),
		string(m.Role),
		string(m.Content.Kind),
		m.Content.Text,
		m.Content.MediaRef,
		nanos(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func writeClosed(ctx context.Context, x execer, id ticket.ID, closedAt time.Time) error {
	_, err := x.ExecContext(ctx, `
		UPDATE tickets SET status = 'closed', closed_at = ?
		WHERE ticket_id = ? AND status = 'open'
	`, nanos(closedAt), string(id))
	if err != nil {
		return fmt.Errorf("write close: %w", err)
	}
	return nil
}

// writeRoute inserts a route link. Uses ON CONFLICT DO NOTHING: links are
// immutable and the store rejects retargeting before it gets here.
func writeRoute(ctx context.Context, x execer, r ticket.RouteLink) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO route_links (staff_message_id, ticket_id, user_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(staff_message_id) DO NOTHING
	`,
		int64(r.StaffMessageID),
		string(r.TicketID),
		int64(r.UserID),
		nanos(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("write route: %w", err)
	}
	return nil
}

// ReplaceAll swaps the entire database contents for img in one transaction.
// On any error the transaction rolls back and the previous contents remain.
func (d *DB) ReplaceAll(ctx context.Context, img Image) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace all: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, table := range []string{"route_links", "ticket_messages", "tickets", "users"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("replace all: clear %s: %w", table, err)
		}
	}

	for _, u := range img.Users {
		if err := writeUser(ctx, tx, u); err != nil {
			return fmt.Errorf("replace all: %w", err)
		}
	}
	for _, t := range img.Tickets {
		if err := writeTicket(ctx, tx, t); err != nil {
			return fmt.Errorf("replace all: ticket %s: %w", t.ID, err)
		}
		for _, m := range t.Messages {
			if err := writeMessage(ctx, tx, t.ID, m); err != nil {
				return fmt.Errorf("replace all: ticket %s: %w", t.ID, err)
			}
		}
	}
	for _, r := range img.Routes {
		if err := writeRoute(ctx, tx, r); err != nil {
			return fmt.Errorf("replace all: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace all: commit: %w", err)
	}
	return nil
}

// Backup writes a consistent copy of the live database to path using
// VACUUM INTO. path must not exist.
func (d *DB) Backup(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("backup: %s already exists", path)
	}
	if _, err := d.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	return nil
}

// WriteDatabase creates a standalone database file at path holding img.
// The file uses a rollback journal so that it is a single self-contained
// file once this returns.
func WriteDatabase(ctx context.Context, path string, img Image) error {
	db, err := OpenDB(path)
	if err != nil {
		return fmt.Errorf("write database: %w", err)
	}
	if err := db.ReplaceAll(ctx, img); err != nil {
		db.Close()
		return fmt.Errorf("write database: %w", err)
	}
	if _, err := db.db.ExecContext(ctx, "PRAGMA journal_mode = DELETE"); err != nil {
		db.Close()
		return fmt.Errorf("write database: leave WAL mode: %w", err)
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("write database: close: %w", err)
	}
	return nil
}
