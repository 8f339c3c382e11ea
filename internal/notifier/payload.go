package notifier

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/tidwall/sjson"
)

// compressedMarker prefixes a payload that's been gzipped and base64
// encoded, so a receiver can tell the two wire forms apart (a plain JSON
// object, or a marker-prefixed base64-encoded gzipped JSON object) without
// an envelope field. It's chosen to never collide with
// valid JSON, which always starts with whitespace, '{', '[', '"', a digit,
// or one of true/false/null.
const compressedMarker = "~gz1~"

// compressionThreshold is the payload size above which compression is
// attempted at all; below it the overhead of gzip's own framing usually
// costs more than it saves. Postgres' own 8KiB NOTIFY payload limit is the
// reason this exists in the first place.
const compressionThreshold = 1024

// Encode picks whichever wire representation of payload is smaller: the
// plain JSON bytes, or the marker-prefixed compressed form.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) < compressionThreshold {
		return payload, nil
	}

	var buf bytes.Buffer
	buf.WriteString(compressedMarker)

	enc := base64.NewEncoder(base64.StdEncoding, &buf)
	gz := gzip.NewWriter(enc)
	if _, err := gz.Write(payload); err != nil {
		return nil, fmt.Errorf("notifier: gzip write: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("notifier: gzip close: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("notifier: base64 close: %w", err)
	}

	compressed := buf.Bytes()
	if len(compressed) >= len(payload) {
		return payload, nil
	}
	return compressed, nil
}

// Decode reverses Encode: if payload doesn't start with the compressed
// marker it's returned as-is, otherwise it's base64-decoded and gunzipped.
func Decode(payload []byte) ([]byte, error) {
	if len(payload) < len(compressedMarker) || string(payload[:len(compressedMarker)]) != compressedMarker {
		return payload, nil
	}

	dec := base64.NewDecoder(base64.StdEncoding, bytes.NewReader(payload[len(compressedMarker):]))
	gz, err := gzip.NewReader(dec)
	if err != nil {
		return nil, fmt.Errorf("notifier: gzip reader: %w", err)
	}
	defer gz.Close()

	out, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("notifier: gzip read: %w", err)
	}
	return out, nil
}

// TrimForTransport drops a set of low-value keys from a JSON payload before
// Encode is tried, giving compression a better shot at fitting under the
// Postgres NOTIFY limit without changing the decoded shape consumers expect
// (missing keys decode as zero values). Uses tidwall/sjson for an in-place
// delete rather than a decode/re-encode round trip.
func TrimForTransport(payload []byte, keys ...string) []byte {
	out := payload
	for _, k := range keys {
		if trimmed, err := sjson.DeleteBytes(out, k); err == nil {
			out = trimmed
		}
	}
	return out
}
