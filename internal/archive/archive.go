// Package archive defines the snapshot container format.
//
// An archive (before encryption) is a zstd-compressed CBOR envelope:
//
//	envelope {
//	    format:     "ticketrelay-archive"
//	    version:    1
//	    kind:       "manual" | "auto"
//	    created_at: RFC 3339 timestamp
//	    entries:    [{name, digest, data}, ...]
//	}
//
// Two entries are always present: metadata.json (the Document, which is
// what restore loads) and store.db (a standalone SQLite file built from the
// same image, usable directly as a database for manual recovery). Each entry
// carries its BLAKE3-256 digest. Encryption is layered on top by the
// snapshot manager.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/roach88/ticketrelay/internal/store"
)

const (
	// Format identifies ticketrelay archives.
	Format = "ticketrelay-archive"

	// Version is the envelope version.
	Version = 1

	// MetadataEntry and DatabaseEntry are the entry names.
	MetadataEntry = "metadata.json"
	DatabaseEntry = "store.db"

	// maxDecodedSize bounds decompression of untrusted input.
	maxDecodedSize = 1 << 30

	// maxEntries bounds the envelope's entry list and field count. It is
	// the smallest limit the CBOR decoder accepts.
	maxEntries = 16
)

// ErrCorrupt marks archives that decrypted fine but are not a valid
// snapshot: bad compression, bad envelope, digest mismatch, invalid state.
var ErrCorrupt = errors.New("archive: corrupt")

// Kind records what triggered a snapshot.
type Kind string

const (
	KindManual Kind = "manual"
	KindAuto   Kind = "auto"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindManual || k == KindAuto
}

// Envelope is the CBOR container.
type Envelope struct {
	Format    string  `cbor:"format"`
	Version   int     `cbor:"version"`
	Kind      Kind    `cbor:"kind"`
	CreatedAt string  `cbor:"created_at"`
	Entries   []Entry `cbor:"entries"`
}

// Entry is one named file inside the envelope.
type Entry struct {
	Name   string `cbor:"name"`
	Digest []byte `cbor:"digest"`
	Data   []byte `cbor:"data"`
}

func newEntry(name string, data []byte) Entry {
	sum := blake3.Sum256(data)
	return Entry{Name: name, Digest: sum[:], Data: data}
}

func (e Entry) verify() error {
	sum := blake3.Sum256(e.Data)
	if !bytes.Equal(sum[:], e.Digest) {
		return fmt.Errorf("%w: digest mismatch for %s", ErrCorrupt, e.Name)
	}
	return nil
}

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("archive: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: maxEntries,
		MaxMapPairs:      maxEntries,
	}.DecMode()
	if err != nil {
		panic("archive: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

// Spec describes the archive to build.
type Spec struct {
	Kind          Kind
	CreatedAt     time.Time
	Image         store.Image
	IncludeRoutes bool
}

// Build encodes spec into archive bytes. workDir is a scratch directory
// for the embedded database file; the caller owns its cleanup.
func Build(ctx context.Context, spec Spec, workDir string) ([]byte, error) {
	if !spec.Kind.Valid() {
		return nil, fmt.Errorf("build archive: unknown kind %q", spec.Kind)
	}

	doc := NewDocument(spec.Kind, spec.CreatedAt, spec.Image, spec.IncludeRoutes)
	meta, err := encodeDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("build archive: %w", err)
	}

	dbPath := filepath.Join(workDir, DatabaseEntry)
	if err := store.WriteDatabase(ctx, dbPath, doc.Image()); err != nil {
		return nil, fmt.Errorf("build archive: %w", err)
	}
	dbBytes, err := os.ReadFile(dbPath)
	if err != nil {
		return nil, fmt.Errorf("build archive: %w", err)
	}

	env := Envelope{
		Format:    Format,
		Version:   Version,
		Kind:      spec.Kind,
		CreatedAt: doc.CreatedAt.Format(time.RFC3339Nano),
		Entries: []Entry{
			newEntry(MetadataEntry, meta),
			newEntry(DatabaseEntry, dbBytes),
		},
	}
	raw, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("build archive: encode envelope: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// Contents is a decoded, verified archive.
type Contents struct {
	Kind      Kind
	CreatedAt time.Time
	Document  Document
	Image     store.Image
}

// Open decodes archive bytes, verifies every digest, extracts the entries
// into workDir and cross-checks the embedded database against the metadata
// document. The caller owns workDir's cleanup.
func Open(ctx context.Context, data []byte, workDir string) (Contents, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return Contents{}, fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
	}

	var env Envelope
	if err := decMode.Unmarshal(raw, &env); err != nil {
		return Contents{}, fmt.Errorf("%w: decode envelope: %v", ErrCorrupt, err)
	}
	if env.Format != Format {
		return Contents{}, fmt.Errorf("%w: unexpected format %q", ErrCorrupt, env.Format)
	}
	if env.Version != Version {
		return Contents{}, fmt.Errorf("%w: unsupported archive version %d", ErrCorrupt, env.Version)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, env.CreatedAt)
	if err != nil {
		return Contents{}, fmt.Errorf("%w: created_at: %v", ErrCorrupt, err)
	}

	entries := make(map[string]Entry, len(env.Entries))
	for _, e := range env.Entries {
		if err := e.verify(); err != nil {
			return Contents{}, err
		}
		if e.Name != filepath.Base(e.Name) {
			return Contents{}, fmt.Errorf("%w: entry name %q escapes the archive", ErrCorrupt, e.Name)
		}
		entries[e.Name] = e
	}
	for _, name := range []string{MetadataEntry, DatabaseEntry} {
		e, ok := entries[name]
		if !ok {
			return Contents{}, fmt.Errorf("%w: missing entry %s", ErrCorrupt, name)
		}
		if err := os.WriteFile(filepath.Join(workDir, name), e.Data, 0o600); err != nil {
			return Contents{}, fmt.Errorf("extract %s: %w", name, err)
		}
	}

	doc, err := decodeDocument(entries[MetadataEntry].Data)
	if err != nil {
		return Contents{}, err
	}
	if doc.BackupKind != env.Kind {
		return Contents{}, fmt.Errorf("%w: envelope kind %q disagrees with metadata %q", ErrCorrupt, env.Kind, doc.BackupKind)
	}
	img := doc.Image()

	dbImg, err := store.ReadDatabase(ctx, filepath.Join(workDir, DatabaseEntry))
	if err != nil {
		return Contents{}, fmt.Errorf("%w: embedded database: %v", ErrCorrupt, err)
	}
	if !reflect.DeepEqual(dbImg, img) {
		return Contents{}, fmt.Errorf("%w: embedded database disagrees with metadata", ErrCorrupt)
	}

	return Contents{
		Kind:      env.Kind,
		CreatedAt: createdAt.UTC(),
		Document:  doc,
		Image:     img,
	}, nil
}
