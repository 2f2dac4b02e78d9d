package connpool

import (
	"sync"

	tdigest "github.com/caio/go-tdigest"
)

// LatencyTracker keeps a compressed histogram of round-trip latencies
// observed on a connection, in the style of the teacher's cmd/cli/client.go
// and cmd/jpush/jpush.go, which feed the same library from successful
// call round trips and report back q50/q99/q999 on exit. Here the samples
// come from PING/PONG round trips instead of RPC calls, but the library
// and the compression setting (100, "good accuracy at tails" per the
// teacher's comment) are the same.
type LatencyTracker struct {
	mu sync.Mutex
	td *tdigest.TDigest
}

func newLatencyTracker() *LatencyTracker {
	td, err := tdigest.New(tdigest.Compression(100))
	if err != nil {
		panic(err)
	}
	return &LatencyTracker{td: td}
}

// Observe records one more round-trip latency sample, in nanoseconds.
// An invalid sample (NaN, Inf) is dropped rather than propagated, since
// this is a best-effort metric, not a correctness-bearing path.
func (lt *LatencyTracker) Observe(nanoseconds float64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.td.Add(nanoseconds)
}

// Quantile returns the estimated nanosecond latency at quantile q (e.g.
// 0.5, 0.99, 0.999). It returns 0 before any sample has been observed.
func (lt *LatencyTracker) Quantile(q float64) float64 {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.td.Quantile(q)
}
