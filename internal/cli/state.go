package cli

import (
	"context"
	"log/slog"

	"github.com/roach88/ticketrelay/internal/config"
	"github.com/roach88/ticketrelay/internal/gate"
	"github.com/roach88/ticketrelay/internal/identity"
	"github.com/roach88/ticketrelay/internal/sealed"
	"github.com/roach88/ticketrelay/internal/snapshot"
	"github.com/roach88/ticketrelay/internal/store"
)

// relayState is the live store, registry and snapshot manager sharing one
// gate.
type relayState struct {
	store    *store.Store
	registry *identity.Registry
	gate     *gate.Gate
	backups  *snapshot.Manager
}

func openState(ctx context.Context, cfg config.Config) (*relayState, error) {
	slog.Info("opening database", "path", cfg.DatabasePath)
	st, img, err := store.Open(ctx, cfg.DatabasePath,
		store.WithStaffNotesOnClosed(cfg.Tickets.StaffNotesOnClosed),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	reg := identity.New(img.Users, identity.WithWriter(st.DB()))
	g := gate.New()

	mgr, err := snapshot.New(st, reg, g, cfg.Snapshot(),
		snapshot.WithSealer(sealed.Sealer{WorkFactor: cfg.Backup.WorkFactor}),
	)
	if err != nil {
		st.DB().Close()
		return nil, WrapExitError(ExitCommandError, "failed to set up backups", err)
	}

	slog.Info("database ready",
		"tickets", len(img.Tickets),
		"users", len(img.Users),
		"routes", len(img.Routes),
	)
	return &relayState{store: st, registry: reg, gate: g, backups: mgr}, nil
}

func (s *relayState) close() {
	if err := s.store.DB().Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
