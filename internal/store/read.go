package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/ticketrelay/internal/ticket"
)

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// LoadImage reads the whole database into an Image in canonical order.
// All reads share one transaction so the image is consistent even while
// another connection writes.
func (d *DB) LoadImage(ctx context.Context) (Image, error) {
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Image{}, fmt.Errorf("load image: begin tx: %w", err)
	}
	defer tx.Rollback()

	var img Image

	if img.Users, err = readUsers(ctx, tx); err != nil {
		return Image{}, err
	}
	if img.Tickets, err = readTickets(ctx, tx); err != nil {
		return Image{}, err
	}
	if img.Routes, err = readRoutes(ctx, tx); err != nil {
		return Image{}, err
	}

	img.normalize()
	return img, nil
}

// ReadDatabase opens the database file at path and returns its contents.
func ReadDatabase(ctx context.Context, path string) (Image, error) {
	db, err := OpenDB(path)
	if err != nil {
		return Image{}, fmt.Errorf("read database: %w", err)
	}
	defer db.Close()
	return db.LoadImage(ctx)
}

func readUsers(ctx context.Context, tx *sql.Tx) ([]ticket.User, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT user_id, latest_handle, first_seen, last_seen
		FROM users
		ORDER BY user_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	users := []ticket.User{}
	for rows.Next() {
		var (
			u               ticket.User
			id              int64
			first, lastSeen int64
		)
		if err := rows.Scan(&id, &u.Handle, &first, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.ID = ticket.UserID(id)
		u.FirstSeen = fromNanos(first)
		u.LastSeen = fromNanos(lastSeen)
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func readTickets(ctx context.Context, tx *sql.Tx) ([]ticket.Ticket, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT ticket_id, owner_user_id, status, handle_at_creation, created_at, closed_at
		FROM tickets
		ORDER BY created_at ASC, ticket_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query tickets: %w", err)
	}
	defer rows.Close()

	tickets := []ticket.Ticket{}
	index := make(map[ticket.ID]int)
	for rows.Next() {
		var (
			t        ticket.Ticket
			id       string
			owner    int64
			status   string
			created  int64
			closedAt sql.NullInt64
		)
		if err := rows.Scan(&id, &owner, &status, &t.HandleAtCreation, &created, &closedAt); err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		t.ID = ticket.ID(id)
		t.Owner = ticket.UserID(owner)
		t.Status = ticket.Status(status)
		t.CreatedAt = fromNanos(created)
		if closedAt.Valid {
			t.ClosedAt = fromNanos(closedAt.Int64)
		}
		t.Messages = []ticket.Message{}
		index[t.ID] = len(tickets)
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tickets: %w", err)
	}
	rows.Close()

	msgRows, err := tx.QueryContext(ctx, `
		SELECT seq, ticket_id, sender_role, kind, body, media_ref, created_at
		FROM ticket_messages
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer msgRows.Close()

	for msgRows.Next() {
		var (
			m       ticket.Message
			id      string
			role    string
			kind    string
			created int64
		)
		if err := msgRows.Scan(&m.Seq, &id, &role, &kind, &m.Content.Text, &m.Content.MediaRef, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = ticket.Role(role)
		m.Content.Kind = ticket.Kind(kind)
		m.CreatedAt = fromNanos(created)

		i, ok := index[ticket.ID(id)]
		if !ok {
			return nil, fmt.Errorf("message %d references unknown ticket %s", m.Seq, id)
		}
		tickets[i].Messages = append(tickets[i].Messages, m)
	}
	if err := msgRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return tickets, nil
}

func readRoutes(ctx context.Context, tx *sql.Tx) ([]ticket.RouteLink, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT staff_message_id, ticket_id, user_id, created_at
		FROM route_links
		ORDER BY staff_message_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()

	routes := []ticket.RouteLink{}
	for rows.Next() {
		var (
			msgID, user, created int64
			id                   string
		)
		if err := rows.Scan(&msgID, &id, &user, &created); err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		routes = append(routes, ticket.RouteLink{
			StaffMessageID: ticket.StaffMessageID(msgID),
			TicketID:       ticket.ID(id),
			UserID:         ticket.UserID(user),
			CreatedAt:      fromNanos(created),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate routes: %w", err)
	}
	return routes, nil
}
