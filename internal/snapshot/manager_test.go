package snapshot

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ticketrelay/internal/archive"
	"github.com/roach88/ticketrelay/internal/gate"
	"github.com/roach88/ticketrelay/internal/sealed"
	"github.com/roach88/ticketrelay/internal/store"
	"github.com/roach88/ticketrelay/internal/testutil"
	"github.com/roach88/ticketrelay/internal/ticket"
)

const passphrase = "orange-staple-42"

func newManager(t *testing.T, st *testutil.State, mutate ...func(*Config)) (*Manager, *gate.Gate) {
	t.Helper()
	g := gate.New()
	cfg := Config{
		Dir:           filepath.Join(t.TempDir(), "backups"),
		Passphrase:    passphrase,
		MaxBackups:    5,
		IncludeRoutes: true,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := New(st.Store, st.Registry, g, cfg,
		WithClock(st.Clock),
		WithSealer(sealed.Sealer{WorkFactor: 10}),
	)
	require.NoError(t, err)
	return m, g
}

func seedState(t *testing.T, st *testutil.State) {
	t.Helper()
	ctx := context.Background()

	a := st.Seed(t, 1, "alice", "my order is late")
	require.NoError(t, st.Store.LinkRoute(ctx, 500, a, 1))
	_, err := st.Store.AppendMessage(ctx, a, ticket.RoleStaff, ticket.Text("checking"))
	require.NoError(t, err)
	_, err = st.Store.CloseTicket(ctx, a)
	require.NoError(t, err)

	b := st.Seed(t, 2, "bob", "password reset")
	require.NoError(t, st.Store.LinkRoute(ctx, 501, b, 2))
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	src := testutil.NewState(t, "T-A", "T-B")
	seedState(t, src)
	m, _ := newManager(t, src)

	h, err := m.Create(context.Background(), archive.KindManual)
	require.NoError(t, err)
	assert.Equal(t, "backup_20261016_120000_000_manual.trz.age", h.Name)
	assert.Equal(t, 2, h.Tickets)
	assert.Equal(t, 2, h.Users)
	assert.FileExists(t, h.Path)

	dst := testutil.NewState(t)
	dstManager, _ := newManager(t, dst)
	res, err := dstManager.Restore(context.Background(), h.Path, passphrase)
	require.NoError(t, err)

	assert.Equal(t, src.Image(), dst.Image())
	assert.Equal(t, 2, res.Tickets)
	assert.Equal(t, 1, res.Open)
	assert.Equal(t, 2, res.Routes)
	assert.Equal(t, archive.KindManual, res.Kind)

	id, ok := dst.Store.ActiveTicket(2)
	require.True(t, ok)
	assert.EqualValues(t, "T-B", id)
	_, ok = dst.Store.ActiveTicket(1)
	assert.False(t, ok)

	link, ok := dst.Store.ResolveRoute(501)
	require.True(t, ok)
	assert.EqualValues(t, "T-B", link.TicketID)

	// The durable side was replaced too.
	onDisk, err := store.ReadDatabase(context.Background(), dst.Path)
	require.NoError(t, err)
	assert.Equal(t, src.Image(), onDisk)
}

func TestRoundTripWithInvalidUTF8(t *testing.T) {
	src := testutil.NewState(t, "T-A")
	id := src.Seed(t, 1, "al\xffice", "bad \xff byte")
	_, err := src.Store.AppendMessage(context.Background(), id, ticket.RoleUser,
		ticket.Media(ticket.KindPhoto, "ref-\xfe", "cap\xc3"))
	require.NoError(t, err)
	m, _ := newManager(t, src)

	h, err := m.Create(context.Background(), archive.KindManual)
	require.NoError(t, err)

	dst := testutil.NewState(t)
	dstManager, _ := newManager(t, dst)
	_, err = dstManager.Restore(context.Background(), h.Path, passphrase)
	require.NoError(t, err)

	assert.Equal(t, src.Image(), dst.Image())
	got, err := dst.Store.Ticket(id)
	require.NoError(t, err)
	assert.Equal(t, "bad \uFFFD byte", got.Messages[0].Content.Text)
	assert.Equal(t, "cap\uFFFD", got.Messages[1].Content.Text)
	assert.Equal(t, "al\uFFFDice", got.HandleAtCreation)
	handle, _ := dst.Registry.Handle(1)
	assert.Equal(t, "al\uFFFDice", handle)
}

func TestRestoredStoreContinuesSequence(t *testing.T) {
	src := testutil.NewState(t, "T-A", "T-B")
	seedState(t, src)
	m, _ := newManager(t, src)
	h, err := m.Create(context.Background(), archive.KindAuto)
	require.NoError(t, err)

	dst := testutil.NewState(t)
	dstManager, _ := newManager(t, dst)
	_, err = dstManager.Restore(context.Background(), h.Path, passphrase)
	require.NoError(t, err)

	msg, err := dst.Store.AppendMessage(context.Background(), "T-B", ticket.RoleUser, ticket.Text("after restore"))
	require.NoError(t, err)
	assert.Equal(t, src.Image().MaxSeq()+1, msg.Seq)
}

func TestRestoreWithoutRoutes(t *testing.T) {
	src := testutil.NewState(t, "T-A", "T-B")
	seedState(t, src)
	m, _ := newManager(t, src, func(c *Config) { c.IncludeRoutes = false })
	h, err := m.Create(context.Background(), archive.KindManual)
	require.NoError(t, err)

	dst := testutil.NewState(t)
	dstManager, _ := newManager(t, dst)
	_, err = dstManager.Restore(context.Background(), h.Path, passphrase)
	require.NoError(t, err)

	_, ok := dst.Store.ResolveRoute(501)
	assert.False(t, ok)
	assert.Len(t, dst.Image().Tickets, 2)
}

func TestRestoreWrongPassphraseLeavesStateUntouched(t *testing.T) {
	src := testutil.NewState(t, "T-A", "T-B")
	seedState(t, src)
	m, _ := newManager(t, src)
	h, err := m.Create(context.Background(), archive.KindManual)
	require.NoError(t, err)

	dst := testutil.NewState(t, "T-X")
	dst.Seed(t, 9, "zed", "unrelated")
	before := dst.Image()

	dstManager, _ := newManager(t, dst)
	_, err = dstManager.Restore(context.Background(), h.Path, "not-the-passphrase")
	require.Error(t, err)
	assert.True(t, IsAuth(err))

	assert.Equal(t, before, dst.Image())
	onDisk, err := store.ReadDatabase(context.Background(), dst.Path)
	require.NoError(t, err)
	assert.Equal(t, before, onDisk)

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(dst.Path), "store_before_restore_*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestRestoreRejectsForeignFile(t *testing.T) {
	st := testutil.NewState(t)
	m, _ := newManager(t, st)

	ciphertext, err := sealed.Sealer{WorkFactor: 10}.Encrypt([]byte("just some text"), passphrase)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "bogus.trz.age")
	require.NoError(t, os.WriteFile(path, ciphertext, 0o600))

	_, err = m.Restore(context.Background(), path, passphrase)
	require.Error(t, err)
	assert.True(t, IsSerialization(err))
}

func TestRestoreMissingFile(t *testing.T) {
	st := testutil.NewState(t)
	m, _ := newManager(t, st)

	_, err := m.Restore(context.Background(), filepath.Join(t.TempDir(), "nope.trz.age"), passphrase)
	assert.True(t, IsIO(err))
}

func TestRestoreRejectsOversizedArchive(t *testing.T) {
	st := testutil.NewState(t)
	m, _ := newManager(t, st, func(c *Config) { c.MaxArchiveSize = 8 })

	path := filepath.Join(t.TempDir(), "big.trz.age")
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o600))

	_, err := m.Restore(context.Background(), path, passphrase)
	assert.True(t, IsSerialization(err))
}

func TestRestoreWritesSafetyCopy(t *testing.T) {
	src := testutil.NewState(t, "T-A", "T-B")
	seedState(t, src)
	m, _ := newManager(t, src)
	h, err := m.Create(context.Background(), archive.KindManual)
	require.NoError(t, err)

	dst := testutil.NewState(t, "T-X")
	dst.Seed(t, 9, "zed", "unrelated")
	before := dst.Image()

	dstManager, _ := newManager(t, dst)
	res, err := dstManager.Restore(context.Background(), h.Path, passphrase)
	require.NoError(t, err)
	assert.Equal(t, "store_before_restore_20261016_120000_000.db", filepath.Base(res.SafetyCopy))

	saved, err := store.ReadDatabase(context.Background(), res.SafetyCopy)
	require.NoError(t, err)
	assert.Equal(t, before, saved)
}

func TestRetentionKeepsNewest(t *testing.T) {
	st := testutil.NewState(t, "T-A", "T-B")
	seedState(t, st)
	m, _ := newManager(t, st, func(c *Config) { c.MaxBackups = 3 })

	var names []string
	for i := 0; i < 5; i++ {
		h, err := m.Create(context.Background(), archive.KindAuto)
		require.NoError(t, err)
		names = append(names, h.Name)
		st.Clock.Advance(time.Hour)
	}

	infos, err := m.List()
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, names[4], infos[0].Name)
	assert.Equal(t, names[3], infos[1].Name)
	assert.Equal(t, names[2], infos[2].Name)
}

func TestPruneIgnoresForeignFiles(t *testing.T) {
	st := testutil.NewState(t)
	m, _ := newManager(t, st, func(c *Config) { c.MaxBackups = 1 })

	foreign := filepath.Join(m.Dir(), "notes.txt")
	require.NoError(t, os.WriteFile(foreign, []byte("keep me"), 0o600))

	for i := 0; i < 3; i++ {
		_, err := m.Create(context.Background(), archive.KindManual)
		require.NoError(t, err)
		st.Clock.Advance(time.Minute)
	}

	infos, err := m.List()
	require.NoError(t, err)
	assert.Len(t, infos, 1)
	assert.FileExists(t, foreign)
}

func TestCreateNamesAreUniqueWithinOneMillisecond(t *testing.T) {
	st := testutil.NewState(t)
	m, _ := newManager(t, st)

	a, err := m.Create(context.Background(), archive.KindAuto)
	require.NoError(t, err)
	b, err := m.Create(context.Background(), archive.KindAuto)
	require.NoError(t, err)

	assert.NotEqual(t, a.Name, b.Name)
	assert.Less(t, a.Name, b.Name)
}

func TestCreateSharesDirectoryWithAnotherManager(t *testing.T) {
	first, _ := newManager(t, testutil.NewState(t))
	dir := first.Dir()
	second, _ := newManager(t, testutil.NewState(t), func(c *Config) { c.Dir = dir })

	a, err := first.Create(context.Background(), archive.KindAuto)
	require.NoError(t, err)
	before, err := os.ReadFile(a.Path)
	require.NoError(t, err)

	// Both clocks read the same millisecond.
	b, err := second.Create(context.Background(), archive.KindManual)
	require.NoError(t, err)
	assert.NotEqual(t, a.Name, b.Name)

	after, err := os.ReadFile(a.Path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	infos, err := first.List()
	require.NoError(t, err)
	assert.Len(t, infos, 2)
}

func TestWriteFileExclusiveKeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.trz.age")
	require.NoError(t, writeFileExclusive(path, []byte("first")))

	err := writeFileExclusive(path, []byte("second"))
	require.ErrorIs(t, err, fs.ErrExist)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".backup-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestCreateWaitsForRoutingToDrain(t *testing.T) {
	st := testutil.NewState(t)
	m, g := newManager(t, st)

	release, err := g.Shared(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.Create(context.Background(), archive.KindManual)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("create finished while a routing event held the gate")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("create did not finish after the gate was released")
	}
}

func TestCreateRejectsUnknownKind(t *testing.T) {
	st := testutil.NewState(t)
	m, _ := newManager(t, st)

	_, err := m.Create(context.Background(), "hourly")
	assert.True(t, IsSerialization(err))

	infos, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestNewRequiresPassphrase(t *testing.T) {
	st := testutil.NewState(t)
	_, err := New(st.Store, st.Registry, gate.New(), Config{Dir: t.TempDir()})
	assert.ErrorIs(t, err, sealed.ErrEmptyPassphrase)
}

func TestFileNames(t *testing.T) {
	ts := time.Date(2026, 10, 16, 12, 0, 0, 345*int(time.Millisecond), time.UTC)
	name := FileName(ts, archive.KindAuto)
	assert.Equal(t, "backup_20261016_120000_345_auto.trz.age", name)

	got, kind, ok := ParseFileName(name)
	require.True(t, ok)
	assert.True(t, got.Equal(ts))
	assert.Equal(t, archive.KindAuto, kind)

	for _, bad := range []string{"backup.trz.age", "backup_20261016_120000_345_weekly.trz.age", "store.db"} {
		_, _, ok := ParseFileName(bad)
		assert.False(t, ok, bad)
	}
}

func TestErrorFormatting(t *testing.T) {
	err := newError(ErrCodeAuth, "restore", sealed.ErrIncorrectPassphrase)
	assert.Equal(t, "snapshot restore: AUTH: sealed: incorrect passphrase", err.Error())
	assert.ErrorIs(t, err, sealed.ErrIncorrectPassphrase)
	assert.Equal(t, ErrCodeAuth, CodeOf(err))
	assert.Equal(t, ErrorCode(""), CodeOf(os.ErrNotExist))
}
