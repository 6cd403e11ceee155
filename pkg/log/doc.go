/*
Package log provides structured logging for psinet using zerolog.

The package wraps a single global zerolog.Logger that every component derives a
child logger from. Operational logging (what the tool is doing right now) is
kept strictly apart from the audit log carried on every entity in the network
database: audit entries are data and are persisted, operational log lines go to
stderr or a collector and are never read back.

# Architecture

	┌──────────────────── LOGGING ─────────────────────────┐
	│                                                        │
	│   log.Init(Config)  ──►  global zerolog.Logger         │
	│                              │                         │
	│                              ▼                         │
	│                   WithComponent("deploy")              │
	│                              │                         │
	│                              ▼                         │
	│  {"level":"info","component":"deploy",                 │
	│   "phase":"data","host_id":"...","message":"..."}      │
	└────────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("rotation")
	logger.Info().
		Str("channel_id", channel.ID).
		Int("servers", len(servers)).
		Msg("Added servers")

Entity ids are attached per event (host_id, server_id, channel_id, phase)
rather than through further child loggers.

# Levels

The accepted levels are debug, info, warn and error. Unknown strings map to
info (see ParseLevel). Console output is used unless JSONOutput is set, which
is what the handshake server uses in production.
*/
package log
