// Package image provides a content-addressed snapshot store for object
// graphs, backed by SQLite.
package image

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chazu/vesper/vm"
	"github.com/chazu/vesper/vm/stream"
)

// ErrSnapshotNotFound indicates the requested snapshot doesn't exist.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Store persists encoded object graphs keyed by the hash of their bytes.
// Saving the same graph twice yields the same hash and a single row.
type Store struct {
	db     *sql.DB
	dbPath string
}

// SnapshotInfo describes one stored snapshot.
type SnapshotInfo struct {
	Hash    string
	Size    int
	Created time.Time
}

// Open opens (creating if needed) a snapshot store at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		hash TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		created INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save encodes the graph rooted at root and stores it under the hex sha256
// of the encoded bytes, which it returns. Encoding is deterministic, so
// identical graphs dedup to one row.
func (s *Store) Save(rt *vm.Runtime, root vm.Ref) (string, error) {
	data, err := stream.EncodeGraph(rt, root)
	if err != nil {
		return "", fmt.Errorf("encoding graph: %w", err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO snapshots (hash, data, created) VALUES (?, ?, ?)",
		hash, data, time.Now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("storing snapshot: %w", err)
	}
	return hash, nil
}

// Load reconstructs the snapshot with the given hash into rt and returns
// the new graph's root. The root is retained in the caller's pool.
func (s *Store) Load(rt *vm.Runtime, hash string) (vm.Ref, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM snapshots WHERE hash = ?", hash).Scan(&data)
	if err == sql.ErrNoRows {
		return vm.NilRef, ErrSnapshotNotFound
	}
	if err != nil {
		return vm.NilRef, fmt.Errorf("loading snapshot: %w", err)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != hash {
		return vm.NilRef, fmt.Errorf("snapshot %s: stored bytes do not match hash", hash)
	}

	root, err := stream.DecodeGraph(rt, data)
	if err != nil {
		return vm.NilRef, fmt.Errorf("decoding snapshot %s: %w", hash, err)
	}
	return root, nil
}

// List returns metadata for every stored snapshot, newest first.
func (s *Store) List() ([]SnapshotInfo, error) {
	rows, err := s.db.Query("SELECT hash, length(data), created FROM snapshots ORDER BY created DESC, hash")
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var infos []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var created int64
		if err := rows.Scan(&info.Hash, &info.Size, &created); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		info.Created = time.Unix(created, 0)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Delete removes a snapshot. Deleting an unknown hash is an error, so a
// double delete is detectable.
func (s *Store) Delete(hash string) error {
	res, err := s.db.Exec("DELETE FROM snapshots WHERE hash = ?", hash)
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSnapshotNotFound
	}
	return nil
}
