// Package operator implements the operator channel: backup notifications
// and the backup, restore and password commands.
//
// Only commands from the configured operator chat are acted on; everything
// else is dropped without a reply. A restore is two steps: "restore" with an
// attached archive selects it, "password <passphrase>" fetches and restores
// it. The selection is kept per operator until it succeeds, fails for a
// reason other than the passphrase, or is replaced.
package operator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/roach88/ticketrelay/internal/archive"
	"github.com/roach88/ticketrelay/internal/clock"
	"github.com/roach88/ticketrelay/internal/snapshot"
	"github.com/roach88/ticketrelay/internal/ticket"
)

// ErrForeignChat is returned for commands that did not come from the
// operator chat.
var ErrForeignChat = errors.New("operator: command from foreign chat")

// Command names.
const (
	CommandBackup   = "backup"
	CommandRestore  = "restore"
	CommandPassword = "password"
)

// Attachment references a file the gateway holds.
type Attachment struct {
	Ref      string `json:"ref"`
	FileName string `json:"file_name"`
}

// Command is one message from the operator chat, already split into a
// command name and arguments by the gateway.
type Command struct {
	ChatID     int64         `json:"chat_id"`
	UserID     ticket.UserID `json:"user_id"`
	Handle     string        `json:"handle,omitempty"`
	Name       string        `json:"name"`
	Args       []string      `json:"args,omitempty"`
	Attachment *Attachment   `json:"attachment,omitempty"`
}

// Message is sent to the operator chat. Attachment, when set, is a local
// file sent as a document with Text as its caption.
type Message struct {
	Text       string `json:"text"`
	Attachment string `json:"attachment,omitempty"`
}

// Transport talks to the operator chat.
type Transport interface {
	SendToOperator(ctx context.Context, msg Message) error

	// FetchFile copies the file behind ref into w.
	FetchFile(ctx context.Context, ref string, w io.Writer) error
}

// Backups is the part of *snapshot.Manager the console drives.
type Backups interface {
	Create(ctx context.Context, kind archive.Kind) (snapshot.Handle, error)
	Restore(ctx context.Context, path, passphrase string) (snapshot.Result, error)
}

// Console handles operator commands and reports scheduled backups.
//
// Thread-safety: Console is safe for concurrent use.
type Console struct {
	chatID    int64
	backups   Backups
	transport Transport
	location  *time.Location
	hint      string
	workDir   string
	clock     clock.Clock

	mu      sync.Mutex
	pending map[ticket.UserID]Attachment
}

// Option configures a Console.
type Option func(*Console)

// WithLocation sets the time zone captions are written in.
func WithLocation(loc *time.Location) Option {
	return func(c *Console) { c.location = loc }
}

// WithPassphraseHint sets the hint printed under each backup.
func WithPassphraseHint(hint string) Option {
	return func(c *Console) { c.hint = hint }
}

// WithWorkDir sets where fetched archives are staged. Defaults to the
// system temp dir.
func WithWorkDir(dir string) Option {
	return func(c *Console) { c.workDir = dir }
}

// WithClock overrides the clock used in failure notices.
func WithClock(cl clock.Clock) Option {
	return func(c *Console) { c.clock = cl }
}

// New creates a Console for the operator chat chatID.
func New(chatID int64, backups Backups, tr Transport, opts ...Option) *Console {
	c := &Console{
		chatID:    chatID,
		backups:   backups,
		transport: tr,
		location:  time.UTC,
		hint:      DefaultPassphraseHint,
		clock:     clock.Real(),
		pending:   make(map[ticket.UserID]Attachment),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle runs one command. Replies go to the operator chat; the returned
// error is for logging and the HTTP status, not for the operator.
func (c *Console) Handle(ctx context.Context, cmd Command) error {
	if cmd.ChatID != c.chatID {
		slog.Debug("ignoring operator command from foreign chat", "chat", cmd.ChatID, "command", cmd.Name)
		return ErrForeignChat
	}

	switch strings.ToLower(strings.TrimPrefix(cmd.Name, "/")) {
	case CommandBackup:
		return c.backup(ctx, cmd)
	case CommandRestore:
		return c.selectArchive(ctx, cmd)
	case CommandPassword:
		return c.restore(ctx, cmd)
	}
	return c.reply(ctx, Message{Text: usageText})
}

func (c *Console) backup(ctx context.Context, cmd Command) error {
	h, err := c.backups.Create(ctx, archive.KindManual)
	if err != nil {
		slog.Error("manual backup failed", "error", err)
		if rerr := c.reply(ctx, Message{Text: manualFailedText(err)}); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	slog.Info("manual backup created", "name", h.Name, "by", cmd.UserID)
	return c.reply(ctx, Message{Text: backupCaption(h, c.location, c.hint, cmd.Handle), Attachment: h.Path})
}

func (c *Console) selectArchive(ctx context.Context, cmd Command) error {
	if cmd.Attachment == nil || cmd.Attachment.Ref == "" {
		return c.reply(ctx, Message{Text: restoreUsageText})
	}
	if !strings.HasSuffix(cmd.Attachment.FileName, snapshot.Suffix) {
		return c.reply(ctx, Message{Text: wrongSuffixText})
	}

	c.mu.Lock()
	c.pending[cmd.UserID] = *cmd.Attachment
	c.mu.Unlock()

	return c.reply(ctx, Message{Text: selectedText(cmd.Attachment.FileName)})
}

func (c *Console) restore(ctx context.Context, cmd Command) error {
	if len(cmd.Args) == 0 || cmd.Args[0] == "" {
		return c.reply(ctx, Message{Text: passwordUsageText})
	}
	pass := strings.Join(cmd.Args, " ")

	c.mu.Lock()
	att, ok := c.pending[cmd.UserID]
	c.mu.Unlock()
	if !ok {
		return c.reply(ctx, Message{Text: noSelectionText})
	}

	res, err := c.fetchAndRestore(ctx, att, pass)
	if err != nil {
		if !snapshot.IsAuth(err) {
			c.clearPending(cmd.UserID, att)
		}
		slog.Error("restore failed", "file", att.FileName, "error", err)
		if rerr := c.reply(ctx, Message{Text: restoreFailedText(err)}); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}

	c.clearPending(cmd.UserID, att)
	slog.Info("restore complete", "file", att.FileName, "tickets", res.Tickets, "users", res.Users, "by", cmd.UserID)
	return c.reply(ctx, Message{Text: restoredText(res)})
}

// fetchAndRestore stages the attachment in a temp file that is removed on
// every path.
func (c *Console) fetchAndRestore(ctx context.Context, att Attachment, pass string) (snapshot.Result, error) {
	f, err := os.CreateTemp(c.workDir, "restore-*"+snapshot.Suffix)
	if err != nil {
		return snapshot.Result{}, fmt.Errorf("stage archive: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if err := c.transport.FetchFile(ctx, att.Ref, f); err != nil {
		f.Close()
		return snapshot.Result{}, fmt.Errorf("fetch %s: %w", att.FileName, err)
	}
	if err := f.Close(); err != nil {
		return snapshot.Result{}, fmt.Errorf("stage archive: %w", err)
	}
	return c.backups.Restore(ctx, path, pass)
}

// clearPending drops the selection unless it was replaced meanwhile.
func (c *Console) clearPending(user ticket.UserID, att Attachment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.pending[user]; ok && cur == att {
		delete(c.pending, user)
	}
}

// BackupCreated posts a scheduled archive to the operator chat.
func (c *Console) BackupCreated(ctx context.Context, h snapshot.Handle) error {
	return c.reply(ctx, Message{Text: backupCaption(h, c.location, c.hint, ""), Attachment: h.Path})
}

// BackupFailed reports a failed scheduled backup.
func (c *Console) BackupFailed(ctx context.Context, err error) error {
	return c.reply(ctx, Message{Text: autoFailedText(c.clock.Now(), c.location, err)})
}

func (c *Console) reply(ctx context.Context, msg Message) error {
	if err := c.transport.SendToOperator(ctx, msg); err != nil {
		return fmt.Errorf("reply to operator: %w", err)
	}
	return nil
}
