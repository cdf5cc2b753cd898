package snapshot

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/roach88/ticketrelay/internal/archive"
)

// Suffix is the file extension of encrypted archives.
const Suffix = ".trz.age"

// Archive names embed a UTC timestamp with millisecond precision, so
// lexical order is chronological order.
var namePattern = regexp.MustCompile(`^backup_(\d{8}_\d{6})_(\d{3})_(manual|auto)\.trz\.age$`)

// FileName returns the archive name for a snapshot taken at t.
func FileName(t time.Time, kind archive.Kind) string {
	t = t.UTC()
	return fmt.Sprintf("backup_%s_%03d_%s%s",
		t.Format("20060102_150405"), t.Nanosecond()/int(time.Millisecond), kind, Suffix)
}

// ParseFileName extracts the timestamp and kind from an archive name.
func ParseFileName(name string) (time.Time, archive.Kind, bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, "", false
	}
	t, err := time.Parse("20060102_150405", m[1])
	if err != nil {
		return time.Time{}, "", false
	}
	ms, _ := strconv.Atoi(m[2])
	return t.Add(time.Duration(ms) * time.Millisecond), archive.Kind(m[3]), true
}

func safetyCopyName(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("store_before_restore_%s_%03d.db",
		t.Format("20060102_150405"), t.Nanosecond()/int(time.Millisecond))
}
