// Package cache persists compiled code units in a SQLite database so a
// process can skip recompiling templates whose sources have not changed.
//
// Units are stored in their MarshalBinary form. Each row also carries CBOR
// metadata listing the sources that went into the unit and their digests;
// callers decide freshness by comparing those digests with current text.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/chazu/tmplvm/vm"
)

// ErrMiss is returned by Get when no entry matches.
var ErrMiss = errors.New("cache miss")

// Memory is the path of a private in-memory database.
const Memory = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS units (
	name     TEXT    NOT NULL,
	key      TEXT    NOT NULL,
	meta     BLOB    NOT NULL,
	unit     BLOB    NOT NULL,
	created  INTEGER NOT NULL,
	PRIMARY KEY (name, key)
)`

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cache: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Dependency is one source text a unit was compiled from.
type Dependency struct {
	Name   string `cbor:"1,keyasint"`
	Digest string `cbor:"2,keyasint"`
}

// Meta describes a stored unit.
type Meta struct {
	Name         string       `cbor:"1,keyasint"`
	Key          string       `cbor:"2,keyasint"` // digest of the compile settings
	Deps         []Dependency `cbor:"3,keyasint"`
	UnitVersion  uint16       `cbor:"4,keyasint"`
	Instructions int          `cbor:"5,keyasint"`
	CompiledAt   int64        `cbor:"6,keyasint"` // unix nanoseconds
}

// Digest returns the hex SHA-256 of text.
func Digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Store is a unit cache backed by SQLite. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. Missing parent directories
// are created. Memory opens a database private to this Store.
func Open(path string) (*Store, error) {
	if path != Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrapf(err, "create cache directory for %s", path)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open cache %s", path)
	}
	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "initialize cache %s", path)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Put stores u under meta.Name and meta.Key, replacing any previous entry.
// UnitVersion, Instructions and a zero CompiledAt are filled in.
func (s *Store) Put(ctx context.Context, u *vm.CodeUnit, meta Meta) error {
	blob, err := u.MarshalBinary()
	if err != nil {
		return errors.Wrapf(err, "encode unit %s", meta.Name)
	}
	meta.UnitVersion = vm.UnitVersion
	meta.Instructions = u.Len()
	if meta.CompiledAt == 0 {
		meta.CompiledAt = time.Now().UnixNano()
	}
	mb, err := cborEncMode.Marshal(meta)
	if err != nil {
		return errors.Wrapf(err, "encode metadata for %s", meta.Name)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO units (name, key, meta, unit, created) VALUES (?, ?, ?, ?, ?)`,
		meta.Name, meta.Key, mb, blob, meta.CompiledAt)
	return errors.Wrapf(err, "store unit %s", meta.Name)
}

// Get returns the unit stored under name and key. Entries written by a
// different unit format version are treated as misses.
func (s *Store) Get(ctx context.Context, name, key string) (*vm.CodeUnit, *Meta, error) {
	var mb, blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT meta, unit FROM units WHERE name = ? AND key = ?`, name, key).Scan(&mb, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrMiss
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read unit %s", name)
	}
	meta, err := decodeMeta(mb)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "unit %s", name)
	}
	if meta.UnitVersion != vm.UnitVersion {
		return nil, nil, ErrMiss
	}
	u := new(vm.CodeUnit)
	if err := u.UnmarshalBinary(blob); err != nil {
		return nil, nil, errors.Wrapf(err, "decode unit %s", name)
	}
	return u, meta, nil
}

// List returns the metadata of every entry ordered by name.
func (s *Store) List(ctx context.Context) ([]Meta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT meta FROM units ORDER BY name, key`)
	if err != nil {
		return nil, errors.Wrap(err, "list units")
	}
	defer rows.Close()
	var out []Meta
	for rows.Next() {
		var mb []byte
		if err := rows.Scan(&mb); err != nil {
			return nil, errors.Wrap(err, "list units")
		}
		meta, err := decodeMeta(mb)
		if err != nil {
			return nil, err
		}
		out = append(out, *meta)
	}
	return out, errors.Wrap(rows.Err(), "list units")
}

// Delete removes every entry for name and reports how many were removed.
func (s *Store) Delete(ctx context.Context, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM units WHERE name = ?`, name)
	if err != nil {
		return 0, errors.Wrapf(err, "delete unit %s", name)
	}
	return res.RowsAffected()
}

// Purge removes every entry.
func (s *Store) Purge(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM units`)
	return errors.Wrap(err, "purge cache")
}

func decodeMeta(data []byte) (*Meta, error) {
	var m Meta
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshal metadata")
	}
	return &m, nil
}
