package metrics

import "time"

type Metrics interface {
	// Data layer
	RecordCommit(participants int, success bool, duration time.Duration)
	RecordRollback()
	ObserveFlush(affected int, duration time.Duration)

	// Performance and Resilience
	IncCacheHit(cacheType string)
	IncCacheMiss(cacheType string)
	IncOutboxEventsProcessed(status string)
}

// Noop satisfies Metrics without recording anything. Default for
// components constructed without explicit metrics.
type Noop struct{}

func NewNoop() Metrics { return Noop{} }

func (Noop) RecordCommit(int, bool, time.Duration) {}
func (Noop) RecordRollback()                       {}
func (Noop) ObserveFlush(int, time.Duration)       {}
func (Noop) IncCacheHit(string)                    {}
func (Noop) IncCacheMiss(string)                   {}
func (Noop) IncOutboxEventsProcessed(string)       {}
