package bus

import (
	"sync"
	"time"
)

// latencyWindowSize bounds the rolling window used for the average
// publish latency.
const latencyWindowSize = 100

// throughputWindow is the period over which events-per-second is
// computed.
const throughputWindow = 60 * time.Second

// Stats is a read-only snapshot of bus activity.
type Stats struct {
	// TotalPublished counts successful Publish calls.
	TotalPublished int64

	// TotalReceived counts local handler deliveries.
	TotalReceived int64

	// FailedPublishes counts local emit failures and adapter publish
	// failures.
	FailedPublishes int64

	// EventsPerSecond is the publish rate over the last minute.
	EventsPerSecond float64

	// AvgPublishLatency averages the last hundred publish latencies,
	// end to end including adapter fan-out.
	AvgPublishLatency time.Duration

	// AdapterStatus maps adapter name to connection state.
	AdapterStatus map[string]bool

	// LastActivity is the time of the most recent publish.
	LastActivity time.Time
}

// statsRecorder accumulates bus counters behind its own lock so the
// publish hot path never contends with adapter map access.
type statsRecorder struct {
	mu sync.Mutex

	totalPublished  int64
	totalReceived   int64
	failedPublishes int64

	latencies    [latencyWindowSize]time.Duration
	latencyIdx   int
	latencyCount int

	publishTimes []time.Time
	lastActivity time.Time
}

func (r *statsRecorder) recordPublish(latency time.Duration, delivered int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.totalPublished++
	r.totalReceived += int64(delivered)
	r.lastActivity = now

	r.latencies[r.latencyIdx] = latency
	r.latencyIdx = (r.latencyIdx + 1) % latencyWindowSize
	if r.latencyCount < latencyWindowSize {
		r.latencyCount++
	}

	r.publishTimes = append(r.publishTimes, now)
	r.pruneLocked(now)
}

func (r *statsRecorder) recordFailure() {
	r.mu.Lock()
	r.failedPublishes++
	r.mu.Unlock()
}

// pruneLocked drops publish timestamps older than the throughput
// window. Caller holds the lock.
func (r *statsRecorder) pruneLocked(now time.Time) {
	cutoff := now.Add(-throughputWindow)
	i := 0
	for ; i < len(r.publishTimes); i++ {
		if r.publishTimes[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		r.publishTimes = append(r.publishTimes[:0], r.publishTimes[i:]...)
	}
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(time.Now())

	var avg time.Duration
	if r.latencyCount > 0 {
		var sum time.Duration
		for i := 0; i < r.latencyCount; i++ {
			sum += r.latencies[i]
		}
		avg = sum / time.Duration(r.latencyCount)
	}

	return Stats{
		TotalPublished:    r.totalPublished,
		TotalReceived:     r.totalReceived,
		FailedPublishes:   r.failedPublishes,
		EventsPerSecond:   float64(len(r.publishTimes)) / throughputWindow.Seconds(),
		AvgPublishLatency: avg,
		LastActivity:      r.lastActivity,
	}
}
