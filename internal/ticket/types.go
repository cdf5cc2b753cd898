package ticket

import (
	"strings"
	"time"
)

// UserID identifies an end user on the chat platform.
type UserID int64

// ID identifies a ticket. Tickets are addressed by staff with this token.
type ID string

// StaffMessageID identifies a message the relay posted into the staff channel.
type StaffMessageID int64

// Status is the lifecycle state of a ticket.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusOpen || s == StatusClosed
}

// Role identifies who sent a message in a ticket log.
type Role string

const (
	RoleUser  Role = "user"
	RoleStaff Role = "staff"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleStaff
}

// Kind is the payload type of a message.
type Kind string

const (
	KindText      Kind = "text"
	KindPhoto     Kind = "photo"
	KindDocument  Kind = "document"
	KindAudio     Kind = "audio"
	KindVoice     Kind = "voice"
	KindVideo     Kind = "video"
	KindAnimation Kind = "animation"
	KindSticker   Kind = "sticker"
)

var validKinds = map[Kind]bool{
	KindText: true, KindPhoto: true, KindDocument: true, KindAudio: true,
	KindVoice: true, KindVideo: true, KindAnimation: true, KindSticker: true,
}

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	return validKinds[k]
}

// Content is a message payload: text, or a media reference with an optional
// caption held in Text.
type Content struct {
	Kind     Kind   `json:"kind"`
	Text     string `json:"text,omitempty"`
	MediaRef string `json:"media_ref,omitempty"`
}

// Text returns a plain text content value.
func Text(s string) Content {
	return Content{Kind: KindText, Text: s}
}

// Media returns a media content value. The reference is opaque to the relay
// and passed through to the transport unchanged.
func Media(kind Kind, ref, caption string) Content {
	return Content{Kind: kind, Text: caption, MediaRef: ref}
}

// IsMedia reports whether the content carries a media reference.
func (c Content) IsMedia() bool {
	return c.Kind != "" && c.Kind != KindText
}

// Empty reports whether the content carries nothing worth relaying.
func (c Content) Empty() bool {
	if c.IsMedia() {
		return c.MediaRef == ""
	}
	return strings.TrimSpace(c.Text) == ""
}

// Summary renders the content as a single line for transcripts.
func (c Content) Summary() string {
	if !c.IsMedia() {
		return c.Text
	}
	if c.Text == "" {
		return "[" + string(c.Kind) + "]"
	}
	return "[" + string(c.Kind) + "] " + c.Text
}

// Message is one entry in a ticket's append-only log.
type Message struct {
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Content   Content   `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Ticket is a support conversation between one user and the staff channel.
//
// HandleAtCreation is captured once and never rewritten; the user's current
// handle lives in the identity registry.
type Ticket struct {
	ID               ID        `json:"id"`
	Owner            UserID    `json:"owner"`
	Status           Status    `json:"status"`
	HandleAtCreation string    `json:"handle_at_creation"`
	CreatedAt        time.Time `json:"created_at"`
	ClosedAt         time.Time `json:"closed_at,omitzero"`
	Messages         []Message `json:"messages"`
}

// Open reports whether the ticket accepts user messages.
func (t Ticket) Open() bool {
	return t.Status == StatusOpen
}

// Clone returns a deep copy of t.
func (t Ticket) Clone() Ticket {
	c := t
	c.Messages = make([]Message, len(t.Messages))
	copy(c.Messages, t.Messages)
	return c
}

// RouteLink maps a relayed staff-channel message back to its ticket.
// Links are immutable once created.
type RouteLink struct {
	StaffMessageID StaffMessageID `json:"staff_message_id"`
	TicketID       ID             `json:"ticket_id"`
	UserID         UserID         `json:"user_id"`
	CreatedAt      time.Time      `json:"created_at"`
}

// User is an identity registry record.
type User struct {
	ID        UserID    `json:"user_id"`
	Handle    string    `json:"handle"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// DisplayHandle renders a handle for staff-facing text.
func DisplayHandle(handle string) string {
	if handle == "" {
		return "(no username)"
	}
	return "@" + handle
}
