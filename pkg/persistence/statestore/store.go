package statestore

import "context"

// Well-known keys owned by the supervisor components.
const (
	KeyPendingTurns   = "pending_turns"
	KeyCrashLog       = "crash_log"
	KeyErrorLog       = "error_log"
	KeyTurnLog        = "turn_log"
	KeyParamsDefaults = "params_defaults"
)

// Store persists small opaque blobs under string keys.
//
// Writes are synchronous: once Save returns nil the blob survives a process
// crash (for the durable backends). Load reports ok=false for missing keys.
// Delete on a missing key is a no-op.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
