package store

// SnapshotStrategy decides when a caller should create a snapshot for
// a stream. The store never snapshots on its own.
type SnapshotStrategy interface {
	ShouldSnapshot(currentVersion, eventsSinceSnapshot int64) bool
}

// IntervalSnapshotStrategy snapshots every N events.
type IntervalSnapshotStrategy struct {
	Interval int64
}

// NewIntervalSnapshotStrategy creates a strategy that snapshots every
// interval events.
func NewIntervalSnapshotStrategy(interval int64) *IntervalSnapshotStrategy {
	return &IntervalSnapshotStrategy{Interval: interval}
}

// ShouldSnapshot reports whether enough events accumulated since the
// last snapshot.
func (s *IntervalSnapshotStrategy) ShouldSnapshot(currentVersion, eventsSinceSnapshot int64) bool {
	if s.Interval <= 0 {
		return false
	}
	return eventsSinceSnapshot >= s.Interval
}
