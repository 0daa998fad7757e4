package metrics

import (
	"time"

	"github.com/fluxgate/streamgate/internal/ringbuf"
)

// latencyRing is the last-100-durations sample: an average of literally
// the last N observations, not a decaying one, so it is built on the
// shared ring rather than a prometheus histogram.
type latencyRing struct {
	ring *ringbuf.Ring[time.Duration]
}

func newLatencyRing(size int) *latencyRing {
	return &latencyRing{ring: ringbuf.New[time.Duration](size)}
}

func (r *latencyRing) add(d time.Duration) {
	r.ring.Add(d)
}

func (r *latencyRing) average() time.Duration {
	samples := r.ring.Snapshot()
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	return sum / time.Duration(len(samples))
}
