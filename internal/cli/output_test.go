package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ticketrelay/internal/snapshot"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	data := map[string]string{"result": "success"}
	err := formatter.Success(data)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error(CodeBackup, "backup failed", nil)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	assert.NotNil(t, resp.Error)
	assert.Equal(t, CodeBackup, resp.Error.Code)
	assert.Equal(t, "backup failed", resp.Error.Message)
}

func TestOutputFormatter_JSONErrorWithDetails(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	details := map[string]string{"archive": "backup_20261016_120000_000_auto.trz.age"}
	err := formatter.Error(CodeRestore, "archive is corrupt", details)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	assert.NotNil(t, resp.Error)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Success("No backups.")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "No backups.")
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: false,
	}

	err := formatter.Error(CodeBackup, "backup failed", nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [BACKUP]")
	assert.Contains(t, buf.String(), "backup failed")
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	details := map[string]string{"archive": "x.trz.age"}
	err := formatter.Error(CodeBackup, "backup failed", details)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [BACKUP]")
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:  "text",
				Writer:  buf,
				Verbose: tt.verbose,
			}

			formatter.VerboseLog("Pruned %s", "old.trz.age")

			if tt.wantLog {
				assert.Contains(t, buf.String(), "Pruned old.trz.age")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestCLIResponse_JSON(t *testing.T) {
	resp := CLIResponse{
		Status: "ok",
		Data:   map[string]int{"count": 42},
	}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded CLIResponse
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)
	assert.Equal(t, "ok", decoded.Status)
}

func TestCLIError_JSON(t *testing.T) {
	cliErr := CLIError{
		Code:    CodeConfig,
		Message: "invalid configuration",
		Details: []string{"backup.passphrase is required"},
	}

	data, err := json.Marshal(cliErr)
	require.NoError(t, err)

	var decoded CLIError
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)
	assert.Equal(t, CodeConfig, decoded.Code)
	assert.Equal(t, "invalid configuration", decoded.Message)
}

type greeting string

func (g greeting) String() string { return "hello " + string(g) }

func TestOutputFormatter_TextStringer(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success(greeting("operator")))
	assert.Equal(t, "hello operator\n", buf.String())
}

func TestOutputFormatter_VerboseLogUsesErrWriter(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut, Verbose: true}

	formatter.VerboseLog("opening %s", "relay.db")
	assert.Empty(t, out.String())
	assert.Equal(t, "opening relay.db\n", errOut.String())
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain", errors.New("boom"), ExitFailure},
		{"exit_error", NewExitError(ExitCommandError, "bad config"), ExitCommandError},
		{"wrapped", fmt.Errorf("outer: %w", WrapExitError(ExitAuthError, "restore", errors.New("x"))), ExitAuthError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestSnapshotExit(t *testing.T) {
	auth := &snapshot.Error{Code: snapshot.ErrCodeAuth, Op: "restore", Err: errors.New("no identity matched")}
	corrupt := &snapshot.Error{Code: snapshot.ErrCodeSerialization, Op: "restore", Err: errors.New("bad header")}

	assert.Equal(t, ExitAuthError, snapshotExit("restore failed", auth).Code)
	assert.Equal(t, ExitFailure, snapshotExit("restore failed", corrupt).Code)
	assert.ErrorIs(t, snapshotExit("restore failed", auth), auth)
}
