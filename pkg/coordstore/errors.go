package coordstore

import "errors"

// Failure taxonomy from spec §4.1: the first four sentinels classify
// store failures (checked with errors.Is) instead of a bespoke error
// type that callers would need to type-switch on; ErrNotLeader is
// returned by the membership calls (AddVoter/AddNonvoter) on a
// non-leader. Errors relayed from the leader over pkg/coordstore/rpc
// arrive as plain text errors and do not match these sentinels.
var (
	ErrNotFound       = errors.New("coordstore: not found")
	ErrVersionConflict = errors.New("coordstore: version conflict")
	ErrDisconnected   = errors.New("coordstore: disconnected")
	ErrSessionExpired = errors.New("coordstore: session expired")
	ErrNotLeader      = errors.New("coordstore: not leader")
)
