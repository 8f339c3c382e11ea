package jobexecutor

import (
	"math"
	"math/rand"
	"time"
)

// DefaultBackoff is the retry delay applied when a worker doesn't supply its
// own step 4 ("default: exponential with jitter"):
// 2^attempt seconds, plus random jitter of up to a third of that, capped so a job that's failed
// many times doesn't end up scheduled days out.
func DefaultBackoff(attempt int) time.Duration {
	const maxBackoff = 6 * time.Hour

	base := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if base > maxBackoff || base <= 0 {
		base = maxBackoff
	}

	jitter := time.Duration(rand.Int63n(int64(base) / 3)) //nolint:gosec
	return base + jitter
}
