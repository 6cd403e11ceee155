package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/psinet-ops/psinet/pkg/log"
	"github.com/psinet-ops/psinet/pkg/metrics"
	"github.com/psinet-ops/psinet/pkg/psinet"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketMeta    = []byte("meta")
	bucketNetwork = []byte("network")
	bucketHistory = []byte("history")

	keySchemaVersion = []byte("schema_version")
	keySavedAt       = []byte("saved_at")
	keyState         = []byte("state")
)

// DefaultHistoryLimit is how many earlier saves are retained
const DefaultHistoryLimit = 20

const openTimeout = 5 * time.Second

// historyRecord is the value stored in the history bucket
type historyRecord struct {
	SchemaVersion string          `json:"schema_version"`
	Network       json.RawMessage `json:"network"`
}

// BoltStore implements Store on a single bbolt file guarded by a lock file
type BoltStore struct {
	path         string
	lock         *flock.Flock
	session      *psinet.Network
	historyLimit int
	logger       zerolog.Logger
}

// NewBoltStore returns a store for the database at path. The session lock
// lives next to it at <path>.lock.
func NewBoltStore(path string) *BoltStore {
	return &BoltStore{
		path:         path,
		lock:         flock.New(path + ".lock"),
		historyLimit: DefaultHistoryLimit,
		logger:       log.WithComponent("storage"),
	}
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.path
}

// SetHistoryLimit changes how many earlier saves are retained
func (s *BoltStore) SetHistoryLimit(limit int) {
	s.historyLimit = limit
}

func (s *BoltStore) open(readOnly bool) (*bolt.DB, error) {
	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: openTimeout, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func (s *BoltStore) acquire() error {
	if s.session != nil {
		return ErrLockHeld
	}
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return ErrLockHeld
	}
	return nil
}

func (s *BoltStore) unlock() error {
	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Init creates the database with an empty network and returns it locked
func (s *BoltStore) Init() (*psinet.Network, error) {
	if _, err := os.Stat(s.path); err == nil {
		return nil, fmt.Errorf("database already exists at %s", s.path)
	}
	if err := s.acquire(); err != nil {
		return nil, err
	}

	n := psinet.New()
	n.MarkLocked()
	s.session = n
	if err := s.write(n); err != nil {
		s.session = nil
		n.MarkUnlocked()
		_ = s.unlock()
		return nil, err
	}
	s.logger.Info().Str("path", s.path).Msg("Initialized network database")
	return n, nil
}

// Load reads and migrates the stored network
func (s *BoltStore) Load(lock bool) (*psinet.Network, error) {
	if lock {
		if err := s.acquire(); err != nil {
			return nil, err
		}
	}

	n, err := s.read()
	if err != nil {
		if lock {
			_ = s.unlock()
		}
		return nil, err
	}

	if lock {
		n.MarkLocked()
		s.session = n
	}
	return n, nil
}

func (s *BoltStore) read() (*psinet.Network, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOperationDuration, "load")

	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w at %s", ErrNotFound, s.path)
	}

	db, err := s.open(true)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var version string
	var state []byte
	err = db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		network := tx.Bucket(bucketNetwork)
		if meta == nil || network == nil {
			return fmt.Errorf("%w: missing buckets", ErrDataCorruption)
		}
		version = string(meta.Get(keySchemaVersion))
		// bbolt values are only valid inside the transaction
		state = append([]byte(nil), network.Get(keyState)...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(state) == 0 {
		return nil, fmt.Errorf("%w: no network state", ErrDataCorruption)
	}

	return decode(version, state, s.logger)
}

// decode migrates a stored document to the current schema and parses it
func decode(version string, state []byte, logger zerolog.Logger) (*psinet.Network, error) {
	var doc map[string]any
	if err := json.Unmarshal(state, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataCorruption, err)
	}

	migrated, to, err := Migrate(doc, version)
	if err != nil {
		return nil, err
	}
	if to != version {
		logger.Info().
			Str("from", version).
			Str("to", to).
			Msg("Migrated network schema")
		if state, err = json.Marshal(migrated); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemaMigrationFailed, err)
		}
	}

	var n psinet.Network
	if err := json.Unmarshal(state, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataCorruption, err)
	}
	return &n, nil
}

func (s *BoltStore) checkSession(n *psinet.Network) error {
	if s.session == nil || s.session != n || !n.IsLocked() {
		return ErrNotSessionOwner
	}
	return nil
}

// Checkpoint writes the network and keeps the session open
func (s *BoltStore) Checkpoint(n *psinet.Network) error {
	if err := s.checkSession(n); err != nil {
		return err
	}
	return s.write(n)
}

// Save writes the network and releases the session lock
func (s *BoltStore) Save(n *psinet.Network) error {
	if err := s.checkSession(n); err != nil {
		return err
	}
	if err := s.write(n); err != nil {
		return err
	}
	return s.Release(n)
}

// Release ends the session without writing
func (s *BoltStore) Release(n *psinet.Network) error {
	if err := s.checkSession(n); err != nil {
		return err
	}
	n.MarkUnlocked()
	s.session = nil
	return s.unlock()
}

// write replaces the stored state in one bbolt transaction, so readers see
// either the previous or the new network
func (s *BoltStore) write(n *psinet.Network) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOperationDuration, "save")

	state, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal network: %w", err)
	}

	db, err := s.open(false)
	if err != nil {
		return err
	}
	defer db.Close()

	now := time.Now().UTC()
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketNetwork, bucketHistory} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(keySchemaVersion, []byte(CurrentSchemaVersion)); err != nil {
			return err
		}
		if err := meta.Put(keySavedAt, []byte(now.Format(time.RFC3339Nano))); err != nil {
			return err
		}
		if err := tx.Bucket(bucketNetwork).Put(keyState, state); err != nil {
			return err
		}
		return s.appendHistory(tx.Bucket(bucketHistory), now, state)
	})
	if err != nil {
		return fmt.Errorf("failed to save network: %w", err)
	}

	s.logger.Debug().Int("bytes", len(state)).Msg("Saved network")
	return nil
}

func (s *BoltStore) appendHistory(b *bolt.Bucket, now time.Time, state []byte) error {
	if s.historyLimit <= 0 {
		return nil
	}
	record, err := json.Marshal(&historyRecord{SchemaVersion: CurrentSchemaVersion, Network: state})
	if err != nil {
		return err
	}
	// fixed-width UTC timestamps sort chronologically
	if err := b.Put([]byte(now.Format("2006-01-02T15:04:05.000000000Z")), record); err != nil {
		return err
	}

	var keys [][]byte
	if err := b.ForEach(func(k, _ []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		return nil
	}); err != nil {
		return err
	}
	for i := 0; i < len(keys)-s.historyLimit; i++ {
		if err := b.Delete(keys[i]); err != nil {
			return err
		}
	}
	return nil
}

// History lists retained saves, newest first
func (s *BoltStore) History() ([]HistoryEntry, error) {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w at %s", ErrNotFound, s.path)
	}
	db, err := s.open(true)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var entries []HistoryEntry
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var record historyRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("%w: history entry %s: %v", ErrDataCorruption, k, err)
			}
			savedAt, err := time.Parse(time.RFC3339Nano, string(k))
			if err != nil {
				return fmt.Errorf("%w: history key %s: %v", ErrDataCorruption, k, err)
			}
			entries = append(entries, HistoryEntry{
				SavedAt:       savedAt,
				SchemaVersion: record.SchemaVersion,
				Size:          len(record.Network),
			})
		}
		return nil
	})
	return entries, err
}

// Backup copies the database file to dst using a consistent read transaction
func (s *BoltStore) Backup(dst string) error {
	db, err := s.open(true)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(func(tx *bolt.Tx) error {
		if err := tx.CopyFile(dst, 0600); err != nil {
			return fmt.Errorf("failed to back up database: %w", err)
		}
		return nil
	})
}

// SchemaVersion returns the schema version recorded in the database
func (s *BoltStore) SchemaVersion() (string, error) {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w at %s", ErrNotFound, s.path)
	}
	db, err := s.open(true)
	if err != nil {
		return "", err
	}
	defer db.Close()

	var version string
	err = db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			return fmt.Errorf("%w: missing meta bucket", ErrDataCorruption)
		}
		version = string(meta.Get(keySchemaVersion))
		return nil
	})
	return version, err
}

// ImportDocument writes a raw network document at the given schema version,
// used to seed a database from an exported or legacy file
func (s *BoltStore) ImportDocument(version string, state []byte) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer func() { _ = s.unlock() }()

	if _, err := decode(version, state, s.logger); err != nil {
		return err
	}

	db, err := s.open(false)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		network, err := tx.CreateBucketIfNotExists(bucketNetwork)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketHistory); err != nil {
			return err
		}
		if err := meta.Put(keySchemaVersion, []byte(version)); err != nil {
			return err
		}
		return network.Put(keyState, state)
	})
}
