package archive

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/ticketrelay/internal/store"
	"github.com/roach88/ticketrelay/internal/ticket"
)

// SchemaVersion is the metadata document version this build writes and the
// only one it reads.
const SchemaVersion = 1

// Document is the metadata.json entry: the complete relay state in a form
// an operator can read with any JSON tool.
type Document struct {
	SchemaVersion  int                         `json:"schema_version"`
	BackupKind     Kind                        `json:"backup_kind"`
	CreatedAt      time.Time                   `json:"created_at"`
	IncludesRoutes bool                        `json:"includes_routes"`
	ActiveTickets  map[ticket.UserID]ticket.ID `json:"active_tickets"`
	Tickets        []ticket.Ticket             `json:"tickets"`
	Routes         []ticket.RouteLink          `json:"routes"`
	Users          []ticket.User               `json:"users"`
}

// NewDocument builds the metadata document for img.
func NewDocument(kind Kind, createdAt time.Time, img store.Image, includeRoutes bool) Document {
	doc := Document{
		SchemaVersion:  SchemaVersion,
		BackupKind:     kind,
		CreatedAt:      createdAt.UTC(),
		IncludesRoutes: includeRoutes,
		ActiveTickets:  img.ActiveTickets(),
		Tickets:        img.Tickets,
		Routes:         img.Routes,
		Users:          img.Users,
	}
	if !includeRoutes {
		doc.Routes = []ticket.RouteLink{}
	}
	return doc
}

// Image converts the document back into a store image with canonical empty
// slices, so it compares equal to one loaded from a database.
func (d Document) Image() store.Image {
	img := store.Image{
		Tickets: d.Tickets,
		Routes:  d.Routes,
		Users:   d.Users,
	}
	if img.Tickets == nil {
		img.Tickets = []ticket.Ticket{}
	}
	if img.Routes == nil {
		img.Routes = []ticket.RouteLink{}
	}
	if img.Users == nil {
		img.Users = []ticket.User{}
	}
	for i := range img.Tickets {
		if img.Tickets[i].Messages == nil {
			img.Tickets[i].Messages = []ticket.Message{}
		}
	}
	return img
}

// Validate checks the version and that the redundant active pointer map
// agrees with ticket statuses.
func (d Document) Validate() error {
	if d.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: unsupported schema version %d", ErrCorrupt, d.SchemaVersion)
	}
	if !d.BackupKind.Valid() {
		return fmt.Errorf("%w: unknown backup kind %q", ErrCorrupt, d.BackupKind)
	}
	img := d.Image()
	if err := img.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	derived := img.ActiveTickets()
	if len(derived) != len(d.ActiveTickets) {
		return fmt.Errorf("%w: active ticket map lists %d users, tickets say %d", ErrCorrupt, len(d.ActiveTickets), len(derived))
	}
	for user, id := range d.ActiveTickets {
		if derived[user] != id {
			return fmt.Errorf("%w: active ticket for user %d is %s, tickets say %s", ErrCorrupt, user, id, derived[user])
		}
	}
	return nil
}

func encodeDocument(d Document) ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

func decodeDocument(data []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return Document{}, fmt.Errorf("%w: decode metadata: %v", ErrCorrupt, err)
	}
	if err := d.Validate(); err != nil {
		return Document{}, err
	}
	return d, nil
}
