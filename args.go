// Package duraq is the public API of a durable transactional job queue: a
// Client that inserts and fetches jobs stored in a relational database,
// cooperating with a cluster of other Client instances through the
// database and the internal notifier. The top-level package shape follows
// a typed Worker/Job pair, a Config validated at NewClient time, and a
// Client that owns one Producer per configured queue plus the leader-only
// maintenance tasks.
package duraq

import "encoding/json"

// encodeArgs JSON-marshals args. This is the only place a caller's Go value
// becomes the bytes stored in the database.
func encodeArgs(args any) ([]byte, error) {
	return json.Marshal(args)
}

// decodeArgs JSON-unmarshals raw into dst. Even in the inline testing mode,
// jobs round-trip through JSON before a handler sees them, so a handler can
// never observe a difference between inline and normal execution just by
// inspecting its args' key types.
func decodeArgs(raw []byte, dst any) error {
	if len(raw) == 0 {
		raw = []byte(`{}`)
	}
	return json.Unmarshal(raw, dst)
}
