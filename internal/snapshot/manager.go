// Package snapshot creates, lists, prunes and restores encrypted archives of
// the relay state.
//
// Create copies the store and registry under the exclusive side of the
// gate and does everything else (encoding, compression, encryption, disk
// I/O) after releasing it. Restore does all of its decoding and validation
// first and only takes the exclusive side for the safety copy, the durable
// replace and the in-memory swap. Any failure before the swap leaves the
// live state untouched.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/roach88/ticketrelay/internal/archive"
	"github.com/roach88/ticketrelay/internal/clock"
	"github.com/roach88/ticketrelay/internal/gate"
	"github.com/roach88/ticketrelay/internal/identity"
	"github.com/roach88/ticketrelay/internal/sealed"
	"github.com/roach88/ticketrelay/internal/store"
)

const (
	// DefaultMaxBackups is the retention count when Config leaves it zero.
	DefaultMaxBackups = 24

	// DefaultTimeout bounds one Create or Restore.
	DefaultTimeout = 2 * time.Minute

	// DefaultMaxArchiveSize caps archives read by Restore.
	DefaultMaxArchiveSize = 256 << 20

	// maxNameAttempts bounds rebuilds after losing a name to another writer.
	maxNameAttempts = 3
)

// Config holds snapshot settings.
type Config struct {
	// Dir holds the archives. Created if missing.
	Dir string

	// Passphrase encrypts new archives.
	Passphrase string

	// MaxBackups is how many archives Prune keeps.
	MaxBackups int

	// IncludeRoutes stores route links in archives. Without them, replies
	// to messages relayed before a restore cannot be resolved.
	IncludeRoutes bool

	// Timeout bounds one Create or Restore.
	Timeout time.Duration

	// MaxArchiveSize caps the archive size Restore accepts.
	MaxArchiveSize int64
}

// Handle describes a created archive.
type Handle struct {
	Path      string       `json:"path"`
	Name      string       `json:"name"`
	Kind      archive.Kind `json:"kind"`
	CreatedAt time.Time    `json:"created_at"`
	Size      int64        `json:"size"`
	Tickets   int          `json:"tickets"`
	Users     int          `json:"users"`
}

// Info describes an archive found on disk.
type Info struct {
	Path      string       `json:"path"`
	Name      string       `json:"name"`
	Kind      archive.Kind `json:"kind"`
	CreatedAt time.Time    `json:"created_at"`
	Size      int64        `json:"size"`
}

// Result summarizes a completed restore.
type Result struct {
	Path       string       `json:"path"`
	Kind       archive.Kind `json:"kind"`
	CreatedAt  time.Time    `json:"created_at"`
	Tickets    int          `json:"tickets"`
	Open       int          `json:"open"`
	Messages   int          `json:"messages"`
	Routes     int          `json:"routes"`
	Users      int          `json:"users"`
	SafetyCopy string       `json:"safety_copy"`
}

// Manager owns the archive directory.
//
// Thread-safety: all methods are safe for concurrent use. Creates are
// serialized so archive names stay unique and strictly increasing.
type Manager struct {
	store    *store.Store
	registry *identity.Registry
	gate     *gate.Gate
	cfg      Config
	sealer   sealed.Sealer
	clock    clock.Clock

	mu       sync.Mutex
	lastName time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock used for archive timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithSealer overrides the encryption parameters.
func WithSealer(s sealed.Sealer) Option {
	return func(m *Manager) { m.sealer = s }
}

// New creates a Manager. g must be the same gate the routing engine uses.
func New(st *store.Store, reg *identity.Registry, g *gate.Gate, cfg Config, opts ...Option) (*Manager, error) {
	if st == nil || reg == nil || g == nil {
		return nil, fmt.Errorf("new snapshot manager: store, registry and gate are required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("new snapshot manager: empty backup directory")
	}
	if cfg.Passphrase == "" {
		return nil, fmt.Errorf("new snapshot manager: %w", sealed.ErrEmptyPassphrase)
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = DefaultMaxBackups
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxArchiveSize <= 0 {
		cfg.MaxArchiveSize = DefaultMaxArchiveSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("new snapshot manager: %w", err)
	}

	m := &Manager{
		store:    st,
		registry: reg,
		gate:     g,
		cfg:      cfg,
		clock:    clock.Real(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Dir returns the archive directory.
func (m *Manager) Dir() string {
	return m.cfg.Dir
}

// Create writes a new archive of the current state and prunes old ones.
func (m *Manager) Create(ctx context.Context, kind archive.Kind) (Handle, error) {
	h, err := m.create(ctx, kind)
	if err != nil {
		slog.Error("snapshot failed", "kind", kind, "error", err)
		return Handle{}, err
	}
	slog.Info("snapshot created",
		"name", h.Name,
		"kind", h.Kind,
		"tickets", h.Tickets,
		"users", h.Users,
		"bytes", h.Size,
	)

	if _, err := m.Prune(); err != nil {
		slog.Warn("prune after snapshot failed", "error", err)
	}
	return h, nil
}

func (m *Manager) create(ctx context.Context, kind archive.Kind) (Handle, error) {
	if !kind.Valid() {
		return Handle{}, newError(ErrCodeSerialization, "create", fmt.Errorf("unknown kind %q", kind))
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	img, err := m.capture(ctx)
	if err != nil {
		return Handle{}, newError(ErrCodeIO, "create", err)
	}
	// Another process sharing the directory may hold a name; archives are
	// linked into place and never replace an existing file.
	for attempt := 1; ; attempt++ {
		createdAt := m.nextTimestamp()
		name := FileName(createdAt, kind)
		path := filepath.Join(m.cfg.Dir, name)
		if _, err := os.Lstat(path); err == nil {
			continue
		}

		ciphertext, err := m.seal(ctx, kind, createdAt, img)
		if err != nil {
			return Handle{}, err
		}
		err = writeFileExclusive(path, ciphertext)
		if errors.Is(err, fs.ErrExist) && attempt < maxNameAttempts {
			continue
		}
		if err != nil {
			return Handle{}, newError(ErrCodeIO, "create", err)
		}

		return Handle{
			Path:      path,
			Name:      name,
			Kind:      kind,
			CreatedAt: createdAt,
			Size:      int64(len(ciphertext)),
			Tickets:   len(img.Tickets),
			Users:     len(img.Users),
		}, nil
	}
}

// seal builds and encrypts one archive of img.
func (m *Manager) seal(ctx context.Context, kind archive.Kind, createdAt time.Time, img store.Image) ([]byte, error) {
	workDir, err := os.MkdirTemp("", "ticketrelay-snapshot-*")
	if err != nil {
		return nil, newError(ErrCodeIO, "create", err)
	}
	defer os.RemoveAll(workDir)

	data, err := archive.Build(ctx, archive.Spec{
		Kind:          kind,
		CreatedAt:     createdAt,
		Image:         img,
		IncludeRoutes: m.cfg.IncludeRoutes,
	}, workDir)
	if err != nil {
		return nil, newError(ErrCodeSerialization, "create", err)
	}

	ciphertext, err := m.sealer.Encrypt(data, m.cfg.Passphrase)
	if err != nil {
		return nil, newError(ErrCodeSerialization, "create", err)
	}
	return ciphertext, nil
}

// capture copies store and registry state while no routing event is in
// flight, so the two are mutually consistent.
func (m *Manager) capture(ctx context.Context) (store.Image, error) {
	release, err := m.gate.Exclusive(ctx)
	if err != nil {
		return store.Image{}, err
	}
	defer release()

	img := m.store.Export()
	img.Users = m.registry.Export()
	return img, nil
}

// nextTimestamp returns the current time truncated to milliseconds, bumped
// past the previous archive's when the clock has not moved. Caller holds mu.
func (m *Manager) nextTimestamp() time.Time {
	t := m.clock.Now().UTC().Truncate(time.Millisecond)
	if !t.After(m.lastName) {
		t = m.lastName.Add(time.Millisecond)
	}
	m.lastName = t
	return t
}

// writeFileExclusive writes data to a temp file and hard-links it to path.
// It fails with fs.ErrExist instead of replacing an existing file.
func writeFileExclusive(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".backup-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmpName, path)
}

// List returns the archives in the backup directory, newest first. Files
// that do not follow the archive naming scheme are ignored.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return nil, newError(ErrCodeIO, "list", err)
	}

	var out []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		createdAt, kind, ok := ParseFileName(e.Name())
		if !ok {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{
			Path:      filepath.Join(m.cfg.Dir, e.Name()),
			Name:      e.Name(),
			Kind:      kind,
			CreatedAt: createdAt,
			Size:      fi.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name > out[j].Name })
	return out, nil
}

// Prune deletes all but the MaxBackups newest archives and returns the
// names it removed. Individual deletion failures are logged and skipped.
func (m *Manager) Prune() ([]string, error) {
	infos, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(infos) <= m.cfg.MaxBackups {
		return nil, nil
	}

	var removed []string
	for _, info := range infos[m.cfg.MaxBackups:] {
		if err := os.Remove(info.Path); err != nil {
			slog.Warn("failed to remove old archive", "name", info.Name, "error", err)
			continue
		}
		slog.Debug("removed old archive", "name", info.Name)
		removed = append(removed, info.Name)
	}
	return removed, nil
}

// Restore replaces the live state with the archive at path.
//
// The archive is fully decrypted, decoded and validated before anything
// live is touched. A wrong passphrase yields an AUTH error; a malformed
// archive a SERIALIZATION error. Before replacing the database a copy of
// the current one is written next to it.
func (m *Manager) Restore(ctx context.Context, path, passphrase string) (Result, error) {
	res, err := m.restore(ctx, path, passphrase)
	if err != nil {
		slog.Error("restore failed", "path", path, "error", err)
		return Result{}, err
	}
	slog.Info("restore completed",
		"path", path,
		"archive_created_at", res.CreatedAt,
		"tickets", res.Tickets,
		"users", res.Users,
		"safety_copy", res.SafetyCopy,
	)
	return res, nil
}

func (m *Manager) restore(ctx context.Context, path, passphrase string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	data, err := m.readArchive(path)
	if err != nil {
		return Result{}, err
	}

	plaintext, err := m.sealer.Decrypt(data, passphrase)
	if err != nil {
		if errors.Is(err, sealed.ErrIncorrectPassphrase) || errors.Is(err, sealed.ErrEmptyPassphrase) {
			return Result{}, newError(ErrCodeAuth, "restore", err)
		}
		return Result{}, newError(ErrCodeSerialization, "restore", err)
	}

	workDir, err := os.MkdirTemp("", "ticketrelay-restore-*")
	if err != nil {
		return Result{}, newError(ErrCodeIO, "restore", err)
	}
	defer os.RemoveAll(workDir)

	contents, err := archive.Open(ctx, plaintext, workDir)
	if err != nil {
		if errors.Is(err, archive.ErrCorrupt) {
			return Result{}, newError(ErrCodeSerialization, "restore", err)
		}
		return Result{}, newError(ErrCodeIO, "restore", err)
	}

	safety, err := m.swap(ctx, contents.Image)
	if err != nil {
		return Result{}, err
	}

	img := contents.Image
	return Result{
		Path:       path,
		Kind:       contents.Kind,
		CreatedAt:  contents.CreatedAt,
		Tickets:    len(img.Tickets),
		Open:       len(img.ActiveTickets()),
		Messages:   img.MessageCount(),
		Routes:     len(img.Routes),
		Users:      len(img.Users),
		SafetyCopy: safety,
	}, nil
}

func (m *Manager) readArchive(path string) ([]byte, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, newError(ErrCodeIO, "restore", err)
	}
	if fi.Size() > m.cfg.MaxArchiveSize {
		return nil, newError(ErrCodeSerialization, "restore",
			fmt.Errorf("archive is %d bytes, limit is %d", fi.Size(), m.cfg.MaxArchiveSize))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(ErrCodeIO, "restore", err)
	}
	return data, nil
}

// swap installs img as the live state under the exclusive gate and returns
// the safety copy path.
func (m *Manager) swap(ctx context.Context, img store.Image) (string, error) {
	release, err := m.gate.Exclusive(ctx)
	if err != nil {
		return "", newError(ErrCodeIO, "restore", err)
	}
	defer release()

	db := m.store.DB()
	safety := filepath.Join(filepath.Dir(db.Path()), safetyCopyName(m.clock.Now()))
	if err := db.Backup(ctx, safety); err != nil {
		return "", newError(ErrCodeIO, "restore", fmt.Errorf("safety copy: %w", err))
	}

	previous := m.store.Export()
	previous.Users = m.registry.Export()

	if err := db.ReplaceAll(ctx, img); err != nil {
		return "", newError(ErrCodeIO, "restore", err)
	}
	if err := m.store.Load(img); err != nil {
		// The image was validated during decoding, so this only happens
		// on a bug. Put the durable state back so memory and disk agree.
		if rbErr := db.ReplaceAll(context.WithoutCancel(ctx), previous); rbErr != nil {
			slog.Error("restore rollback failed", "error", rbErr, "safety_copy", safety)
		}
		return "", newError(ErrCodeSerialization, "restore", err)
	}
	m.registry.Load(img.Users)
	return safety, nil
}
