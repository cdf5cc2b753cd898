package operator

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/ticketrelay/internal/archive"
	"github.com/roach88/ticketrelay/internal/snapshot"
	"github.com/roach88/ticketrelay/internal/ticket"
)

// DefaultPassphraseHint is printed when no hint is configured. The
// passphrase itself is never sent to the chat.
const DefaultPassphraseHint = "the configured backup passphrase"

const captionTimeFormat = "2006-01-02 15:04:05"

const (
	usageText = "Unknown command. Available commands:\n" +
		"backup - create a backup now\n" +
		"restore - reply to a backup archive to select it\n" +
		"password <passphrase> - restore the selected archive"
	restoreUsageText  = "Attach a backup archive (or reply to one) with the restore command."
	wrongSuffixText   = "Only " + snapshot.Suffix + " archives can be restored."
	passwordUsageText = "Provide the passphrase: password <passphrase>"
	noSelectionText   = "No archive selected. Use restore on a backup archive first."
)

func stamp(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(captionTimeFormat) + " (" + loc.String() + ")"
}

func backupCaption(h snapshot.Handle, loc *time.Location, hint, admin string) string {
	var b strings.Builder
	if h.Kind == archive.KindManual {
		b.WriteString("Manual backup\n")
	} else {
		b.WriteString("Automatic backup\n")
	}
	fmt.Fprintf(&b, "Time: %s\n", stamp(h.CreatedAt, loc))
	if h.Kind == archive.KindManual {
		fmt.Fprintf(&b, "Admin: %s\n", ticket.DisplayHandle(strings.TrimPrefix(admin, "@")))
	}
	fmt.Fprintf(&b, "File: %s\n", h.Name)
	fmt.Fprintf(&b, "Tickets: %d, users: %d\n", h.Tickets, h.Users)
	fmt.Fprintf(&b, "Passphrase: %s", hint)
	return b.String()
}

func selectedText(name string) string {
	return fmt.Sprintf("Archive %s selected.\nSend: password <passphrase>", name)
}

func restoredText(r snapshot.Result) string {
	return fmt.Sprintf("Restore complete.\nTickets: %d (%d open)\nMessages: %d\nUsers: %d\nSafety copy: %s",
		r.Tickets, r.Open, r.Messages, r.Users, r.SafetyCopy)
}

func restoreFailedText(err error) string {
	if snapshot.IsAuth(err) {
		return "Restore failed: wrong passphrase. Live data is unchanged."
	}
	return fmt.Sprintf("Restore failed: %v\nLive data is unchanged.", err)
}

func manualFailedText(err error) string {
	return fmt.Sprintf("Backup failed: %v", err)
}

func autoFailedText(now time.Time, loc *time.Location, err error) string {
	return fmt.Sprintf("Automatic backup failed at %s: %v", stamp(now, loc), err)
}
