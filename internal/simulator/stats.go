package simulator

import (
	"sync"
	"time"
)

// Statistics accumulates counters across one or more sessions run by a
// MobileSimulator.
type Statistics struct {
	mu                sync.Mutex
	totalSent         uint64
	totalReceived     uint64
	totalResponseTime time.Duration
	responsesMeasured uint64
}

// StatisticsSnapshot is an immutable point-in-time read of Statistics.
type StatisticsSnapshot struct {
	TotalAPDUsSent        uint64
	TotalAPDUsReceived    uint64
	AvgAPDUResponseTimeMs float64
}

// RecordSent increments the sent-APDU counter.
func (s *Statistics) RecordSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalSent++
}

// RecordReceived increments the received-APDU counter and folds latency
// into the running average.
func (s *Statistics) RecordReceived(latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalReceived++
	s.totalResponseTime += latency
	s.responsesMeasured++
}

// Snapshot returns the current counters.
func (s *Statistics) Snapshot() StatisticsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatisticsSnapshot{TotalAPDUsSent: s.totalSent, TotalAPDUsReceived: s.totalReceived}
	if s.responsesMeasured > 0 {
		snap.AvgAPDUResponseTimeMs = float64(s.totalResponseTime.Milliseconds()) / float64(s.responsesMeasured)
	}
	return snap
}

// Reset zeroes every counter.
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalSent = 0
	s.totalReceived = 0
	s.totalResponseTime = 0
	s.responsesMeasured = 0
}
