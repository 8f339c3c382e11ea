// Package uniqueness implements the fingerprinting half of uniqueness
// enforcement: a deterministic key derived from a job's {fields, keys,
// state set} used to detect duplicate insertions within a configured
// period. The locking half (advisory lock acquire, match query, optional
// replace) lives in the public duraq package's Client.Insert, since it
// needs the driver.Executor and transaction the client already holds.
package uniqueness

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tidwall/gjson"

	"github.com/duraq/duraq/jobtype"
)

// Field names a JSON document fingerprinting can pull into the key.
type Field string

const (
	FieldWorker Field = "worker"
	FieldQueue  Field = "queue"
	FieldArgs   Field = "args"
	FieldMeta   Field = "meta"
)

// Opts configures uniqueness for one worker or one insert.
type Opts struct {
	ByFields []Field
	// ByKeys restricts args/meta comparison to these dotted sub-paths
	// (gjson path syntax), e.g. []string{"customer.id", "kind"}. Empty means
	// "the whole args/meta object".
	ByKeys []string
	// ByState lists which job states count as a blocking duplicate. The
	// default is every state but a terminal failure (discarded); callers
	// that leave this nil get that default applied by Fingerprint.
	ByState []jobtype.JobState
	// Period, in seconds; 0 means infinity (no time bound at all). Expressed
	// as an int64 so "infinity" is representable without a sentinel float.
	PeriodSeconds int64
	Infinite      bool
}

// DefaultStates is applied when Opts.ByState is empty: every state except
// discarded, a terminal failure that shouldn't block a fresh attempt.
var DefaultStates = []jobtype.JobState{
	jobtype.JobStateScheduled,
	jobtype.JobStateAvailable,
	jobtype.JobStateExecuting,
	jobtype.JobStateRetryable,
	jobtype.JobStateCompleted,
	jobtype.JobStateCancelled,
}

// Key is a deterministic 64-bit fingerprint plus the raw bytes it was
// derived from (kept around for logging/debugging, never sent to the DB).
type Key struct {
	Hash  int64
	Bytes []byte
}

// Fingerprint builds a deterministic key: canonicalize the selected fields
// (and, for args/meta, the selected sub-keys) plus the effective state set,
// then hash. now is bucketed by opts.PeriodSeconds and folded into the key:
// two inserts land in the same bucket (and so collide, triggering the
// uniqueness conflict) iff they both fall within the same period-sized
// window, which is what makes an advisory lock plus a match query enough to
// enforce the period without any row ever needing to be deleted or expired
// out-of-band. A period of 0 with Infinite set means no bucketing: the same
// fingerprint collides forever.
func Fingerprint(worker, queue string, args, meta []byte, opts Opts, now time.Time) (Key, error) {
	states := opts.ByState
	if len(states) == 0 {
		states = DefaultStates
	}
	sortedStates := append([]jobtype.JobState(nil), states...)
	sort.Slice(sortedStates, func(i, j int) bool { return sortedStates[i] < sortedStates[j] })

	doc := map[string]any{"states": sortedStates}
	if !opts.Infinite && opts.PeriodSeconds > 0 {
		doc["period_bucket"] = now.Unix() / opts.PeriodSeconds
	}

	for _, f := range opts.ByFields {
		switch f {
		case FieldWorker:
			doc["worker"] = worker
		case FieldQueue:
			doc["queue"] = queue
		case FieldArgs:
			doc["args"] = extractKeys(args, opts.ByKeys)
		case FieldMeta:
			doc["meta"] = extractKeys(meta, opts.ByKeys)
		}
	}

	canonical, err := canonicalJSON(doc)
	if err != nil {
		return Key{}, fmt.Errorf("uniqueness: canonicalize: %w", err)
	}

	sum := sha256.Sum256(canonical)
	// Fold the 256-bit digest down to a signed 64-bit integer the way
	// Postgres advisory locks want it (pg_try_advisory_xact_lock takes a
	// bigint); XOR-folding rather than truncating uses all 32 bytes.
	var folded uint64
	for i := 0; i < len(sum); i += 8 {
		folded ^= binary.BigEndian.Uint64(sum[i : i+8])
	}

	return Key{Hash: int64(folded), Bytes: canonical}, nil
}

// extractKeys pulls the given gjson sub-paths out of a JSON object, or
// returns the whole decoded document if keys is empty. gjson is used here
// rather than a full unmarshal-and-walk, the same way the driver packages
// lean on tidwall/gjson+sjson for ad hoc JSON field access without
// round-tripping through a Go struct.
func extractKeys(doc []byte, keys []string) map[string]any {
	if len(doc) == 0 {
		return map[string]any{}
	}
	if len(keys) == 0 {
		var m map[string]any
		_ = json.Unmarshal(doc, &m)
		return m
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		out[k] = gjson.GetBytes(doc, k).Value()
	}
	return out
}

// canonicalJSON produces a byte-stable JSON encoding of v by re-marshaling
// through a sorted-key intermediate representation (encoding/json already
// sorts map keys on marshal, which is the property this function relies on).
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}
