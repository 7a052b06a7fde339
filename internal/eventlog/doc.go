// Package eventlog is the append-only ledger of movement, obstacle and demo
// events.
//
// The dispatcher writes through Gateway before it pushes anything to a
// device, so the log stays the source of truth even when no vehicle is
// connected. Events are never updated; only PruneEvents removes them, and
// only on operator request.
//
// SQLiteGateway implements both Gateway and Store on the shared database
// handle.
package eventlog
