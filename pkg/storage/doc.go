/*
Package storage persists the psinet Network aggregate in a bbolt database.

The whole network is one JSON document. It is read in full when a session
starts and written in full when the session checkpoints or ends; there is no
per-entity storage.

# Layout

	<path>        bbolt file
	├── meta      schema_version, saved_at
	├── network   state = network JSON
	└── history   <timestamp> = {schema_version, network}, newest DefaultHistoryLimit kept
	<path>.lock   session lock (flock)

# Sessions

A locked session takes an exclusive flock on <path>.lock before reading:

	Load(true) ──► TryLock ──fail──► ErrLockHeld
	                  │
	                  ▼
	           read + migrate ──► Network (locked)
	                                  │
	           Checkpoint(n) ◄────────┤  write, keep lock
	           Save(n)       ◄────────┤  write, unlock
	           Release(n)    ◄────────┘  unlock, discard changes

Load(false) skips the lock and returns a network that refuses mutation.

The bbolt file itself is only opened for the duration of a read or write.
Each write replaces the state inside a single bbolt transaction, so a crash
leaves either the previous or the new network on disk.

# Migrations

The schema version is stored beside the state. On load an older document is
brought forward by the migration ladder in migrate.go, one step at a time:

	1.0 ──► 1.1 ──► 1.2 ──► 1.3 ──► 1.4 (CurrentSchemaVersion)

Steps operate on the decoded JSON document, never on Go types, and only
initialize or reshape fields. Migration happens in memory; the upgraded form
reaches disk on the next save. A failing step returns
ErrSchemaMigrationFailed and a document that does not parse returns
ErrDataCorruption.

# Snapshots

Handshake servers read a compartmentalized network from a plain file.
WriteFileAtomic writes it through a temporary file and a rename; ReadSnapshot
loads it back.

# Usage

	store := storage.NewBoltStore("/var/lib/psinet/psinet.db")
	n, err := store.Load(true)
	if err != nil {
		return err
	}
	defer store.Release(n)

	if _, err := n.AddSponsor("example"); err != nil {
		return err
	}
	return store.Save(n)

Release after a successful Save returns ErrNotSessionOwner, which the deferred
call ignores.
*/
package storage
