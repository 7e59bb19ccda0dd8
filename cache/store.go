// Package cache stores compiled images content-addressed by the SHA-256
// of their source text, backed by SQLite. Recompiling an unchanged file
// becomes a single indexed lookup.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"fmt"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("karst.cache")

const schema = `
CREATE TABLE IF NOT EXISTS images (
	hash        BLOB PRIMARY KEY,
	source_name TEXT NOT NULL,
	data        BLOB NOT NULL,
	created_at  INTEGER NOT NULL
);
`

// Store is a content-addressed image cache.
type Store struct {
	db *sql.DB
}

// SourceHash computes the cache key for source text.
func SourceHash(source []byte) [32]byte {
	return sha256.Sum256(source)
}

// Open opens (and creates if needed) a cache at the given path. Use
// ":memory:" for an ephemeral cache.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: init schema: %w", err)
	}
	log.Debugf("opened image cache at %s", path)
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores an encoded image under its source hash, replacing any
// previous entry.
func (s *Store) Put(hash [32]byte, sourceName string, data []byte) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO images (hash, source_name, data, created_at) VALUES (?, ?, ?, ?)`,
		hash[:], sourceName, data, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", sourceName, err)
	}
	log.Debugf("cached image for %s (%d bytes)", sourceName, len(data))
	return nil
}

// Get fetches the image for a source hash. The second result reports
// whether an entry existed.
func (s *Store) Get(hash [32]byte) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM images WHERE hash = ?`, hash[:]).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get: %w", err)
	}
	return data, true, nil
}

// Has reports whether an image exists for a source hash.
func (s *Store) Has(hash [32]byte) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM images WHERE hash = ?`, hash[:]).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: has: %w", err)
	}
	return true, nil
}

// Prune removes entries older than the given age and returns how many
// were deleted.
func (s *Store) Prune(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := s.db.Exec(`DELETE FROM images WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cache: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Infof("pruned %d stale cache entries", n)
	}
	return n, nil
}
