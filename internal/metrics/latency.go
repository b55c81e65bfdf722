package metrics

import (
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/gateway-fm/popfuzz/pkg/types"
)

// ReservoirSize is how many dispatch samples are kept for percentiles.
const ReservoirSize = 4096

var latencyBuckets = []struct {
	label string
	upper float64 // ms, exclusive
}{
	{"0-10ms", 10},
	{"10-50ms", 50},
	{"50-250ms", 250},
	{"250ms-1s", 1000},
	{"1s+", math.Inf(1)},
}

// Latency keeps streaming statistics of operation dispatch latency. Exact
// count, min, max and mean; percentiles estimated from a reservoir sample
// (Vitter's algorithm R). Safe for concurrent use.
type Latency struct {
	mu        sync.Mutex
	count     int64
	sum       float64
	min, max  float64
	reservoir []float64
	buckets   []int
	rng       *rand.Rand
}

// NewLatency creates an empty Latency.
func NewLatency() *Latency {
	return &Latency{
		min:       math.MaxFloat64,
		reservoir: make([]float64, 0, ReservoirSize),
		buckets:   make([]int, len(latencyBuckets)),
		rng:       rand.New(rand.NewPCG(1, 2)),
	}
}

// Add records one sample in milliseconds.
func (l *Latency) Add(ms float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.count++
	l.sum += ms
	l.min = min(l.min, ms)
	l.max = max(l.max, ms)

	for i, b := range latencyBuckets {
		if ms < b.upper {
			l.buckets[i]++
			break
		}
	}

	if len(l.reservoir) < ReservoirSize {
		l.reservoir = append(l.reservoir, ms)
	} else if j := l.rng.Int64N(l.count); j < ReservoirSize {
		l.reservoir[j] = ms
	}
}

// Stats returns the current statistics, or nil before the first sample.
func (l *Latency) Stats() *types.LatencyStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count == 0 {
		return nil
	}
	sorted := slices.Clone(l.reservoir)
	slices.Sort(sorted)

	stats := &types.LatencyStats{
		Count: int(l.count),
		Min:   l.min,
		Max:   l.max,
		Avg:   l.sum / float64(l.count),
		P50:   percentile(sorted, 0.50),
		P90:   percentile(sorted, 0.90),
		P99:   percentile(sorted, 0.99),
	}
	for i, b := range latencyBuckets {
		stats.Buckets = append(stats.Buckets, types.LatencyBucket{Label: b.label, Count: l.buckets[i]})
	}
	return stats
}

// percentile interpolates linearly between the two closest ranks.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	if lower+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}

// Count returns the number of samples recorded.
func (l *Latency) Count() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
