package storage

import (
	"errors"
	"time"

	"github.com/psinet-ops/psinet/pkg/psinet"
)

var (
	// ErrLockHeld is returned when another session holds the database lock
	ErrLockHeld = errors.New("database is locked by another session")

	// ErrSchemaMigrationFailed is returned when a migration step fails; nothing is persisted
	ErrSchemaMigrationFailed = errors.New("schema migration failed")

	// ErrDataCorruption is returned when the stored state cannot be parsed
	ErrDataCorruption = errors.New("stored network is corrupt")

	// ErrNotFound is returned when the database has not been initialized
	ErrNotFound = errors.New("network database not found")

	// ErrNotSessionOwner is returned when saving a network this store did not lock
	ErrNotSessionOwner = errors.New("network is not held by this session")
)

// Store persists the Network aggregate
type Store interface {
	// Init creates an empty network and returns it locked
	Init() (*psinet.Network, error)

	// Load reads the network, migrating it if needed. With lock set the
	// session lock is taken first and the returned network is mutable.
	Load(lock bool) (*psinet.Network, error)

	// Checkpoint writes a locked network without ending the session
	Checkpoint(n *psinet.Network) error

	// Save writes a locked network and releases the session lock
	Save(n *psinet.Network) error

	// Release ends the session without writing
	Release(n *psinet.Network) error

	// History lists earlier saves, newest first
	History() ([]HistoryEntry, error)
}

// HistoryEntry describes one retained save
type HistoryEntry struct {
	SavedAt       time.Time
	SchemaVersion string
	Size          int
}
