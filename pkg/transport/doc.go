// Package transport reaches hosts over SSH. It uploads server code and
// compartmentalized snapshots, installs freshly launched machines, pushes the
// stats server's snapshot and counts connected users.
//
// Any failure to connect or authenticate wraps ErrHostUnreachable so the
// deploy driver can tell an unreachable host from a failing command.
package transport
