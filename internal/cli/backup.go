package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ticketrelay/internal/archive"
	"github.com/roach88/ticketrelay/internal/snapshot"
)

const listTimeFormat = "2006-01-02 15:04:05 MST"

// NewBackupCommand creates the backup command.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Create a manual backup archive",
		Long: `Create an encrypted manual backup of the relay database in the backup
directory, then prune archives beyond the retention count.

Example:
  ticketrelay backup --config relay.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(rootOpts, cmd)
		},
	}
}

func runBackup(opts *RootOptions, cmd *cobra.Command) error {
	setupLogging(opts)
	out := opts.formatter(cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		out.Error(CodeConfig, err.Error(), nil)
		return err
	}
	state, err := openState(cmd.Context(), cfg)
	if err != nil {
		out.Error(CodeDatabase, err.Error(), nil)
		return err
	}
	defer state.close()

	h, err := state.backups.Create(cmd.Context(), archive.KindManual)
	if err != nil {
		out.Error(CodeBackup, err.Error(), nil)
		return snapshotExit("backup failed", err)
	}
	return out.Success(backupReport(h))
}

type backupReport snapshot.Handle

func (r backupReport) String() string {
	return fmt.Sprintf("Created %s (%d tickets, %d users, %d bytes)", r.Path, r.Tickets, r.Users, r.Size)
}

// RestoreOptions holds flags for the restore command.
type RestoreOptions struct {
	*RootOptions
	Passphrase string
}

// NewRestoreCommand creates the restore command.
func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RestoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "restore <archive>",
		Short: "Restore the database from a backup archive",
		Long: `Replace the relay database with the contents of a backup archive. The
current database is first copied next to it as
store_before_restore_<timestamp>.db.

Run this only while the relay is stopped; a running relay restores through
the operator chat instead.

Example:
  ticketrelay restore backups/backup_20261016_120000_000_auto.trz.age --passphrase "$BACKUP_PASSPHRASE"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Passphrase, "passphrase", "p", "", "archive passphrase (defaults to backup.passphrase)")

	return cmd
}

func runRestore(opts *RestoreOptions, path string, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions)
	out := opts.formatter(cmd)

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		out.Error(CodeConfig, err.Error(), nil)
		return err
	}
	pass := opts.Passphrase
	if pass == "" {
		pass = cfg.Backup.Passphrase
	}

	state, err := openState(cmd.Context(), cfg)
	if err != nil {
		out.Error(CodeDatabase, err.Error(), nil)
		return err
	}
	defer state.close()

	res, err := state.backups.Restore(cmd.Context(), path, pass)
	if err != nil {
		code := CodeRestore
		if snapshot.IsAuth(err) {
			code = CodeAuth
		}
		out.Error(code, err.Error(), nil)
		return snapshotExit("restore failed", err)
	}
	return out.Success(restoreReport(res))
}

type restoreReport snapshot.Result

func (r restoreReport) String() string {
	return fmt.Sprintf("Restored %s: %d tickets (%d open), %d messages, %d users\nPrevious database saved to %s",
		r.Path, r.Tickets, r.Open, r.Messages, r.Users, r.SafetyCopy)
}

// NewBackupsCommand creates the backups command.
func NewBackupsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List backup archives, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackups(rootOpts, cmd)
		},
	}
}

func runBackups(opts *RootOptions, cmd *cobra.Command) error {
	setupLogging(opts)
	out := opts.formatter(cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		out.Error(CodeConfig, err.Error(), nil)
		return err
	}
	state, err := openState(cmd.Context(), cfg)
	if err != nil {
		out.Error(CodeDatabase, err.Error(), nil)
		return err
	}
	defer state.close()

	infos, err := state.backups.List()
	if err != nil {
		out.Error(CodeBackup, err.Error(), nil)
		return WrapExitError(ExitFailure, "list backups", err)
	}
	return out.Success(backupList{infos: infos, loc: cfg.Location()})
}

type backupList struct {
	infos []snapshot.Info
	loc   *time.Location
}

func (l backupList) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.infos)
}

func (l backupList) String() string {
	if len(l.infos) == 0 {
		return "No backups."
	}
	var b strings.Builder
	for i, info := range l.infos {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s  %-6s  %s  %d bytes",
			info.CreatedAt.In(l.loc).Format(listTimeFormat), info.Kind, info.Name, info.Size)
	}
	return b.String()
}
