// Package store persists the last-known snapshot per tracked source.
//
// Each source gets one JSON file under the state directory, keyed by a
// hash of the normalized source URL. Writes go through a temp file and
// an atomic rename so a crash mid-write can never leave a truncated
// snapshot readable.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"calwatch/internal/domain"
)

// schemaVersion tags persisted snapshots. A record with a different
// version is rejected on load instead of being misread.
const schemaVersion = 1

// ErrCorrupt marks persisted data that could not be decoded or carries
// an incompatible schema version. Callers treat it as "no prior state":
// losing history must never stop future tracking.
var ErrCorrupt = errors.New("store: corrupt or incompatible snapshot data")

type envelope struct {
	Version  int            `json:"version"`
	SourceID string         `json:"source_id"`
	SavedAt  time.Time      `json:"saved_at"`
	Events   []domain.Event `json:"events"`
}

// Store is the sole owner and writer of the on-disk snapshot state.
// Access is serialized per source; different sources never contend.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Load returns the last persisted snapshot for the source, or (nil, nil)
// when the source has never been polled. Undecodable data returns an
// error wrapping ErrCorrupt.
func (s *Store) Load(sourceID string) (*domain.Snapshot, error) {
	lock := s.lockFor(sourceID)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(s.pathFor(sourceID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Version != schemaVersion {
		return nil, fmt.Errorf("%w: schema version %d, want %d", ErrCorrupt, env.Version, schemaVersion)
	}

	return &domain.Snapshot{
		SourceID:  env.SourceID,
		FetchedAt: env.SavedAt,
		Events:    env.Events,
	}, nil
}

// Save atomically replaces the persisted snapshot for the source.
func (s *Store) Save(sourceID string, snap *domain.Snapshot) error {
	lock := s.lockFor(sourceID)
	lock.Lock()
	defer lock.Unlock()

	env := envelope{
		Version:  schemaVersion,
		SourceID: sourceID,
		SavedAt:  snap.FetchedAt,
		Events:   snap.Events,
	}

	data, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	// Temp file in the same directory so the final rename stays on one
	// filesystem and is atomic.
	tmp, err := os.CreateTemp(s.dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpName, s.pathFor(sourceID)); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (s *Store) pathFor(sourceID string) string {
	sum := sha256.Sum256([]byte(sourceID))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:8])+".json")
}

func (s *Store) lockFor(sourceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sourceID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sourceID] = lock
	}
	return lock
}
