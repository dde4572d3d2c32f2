package gateway

import (
	"sync"
	"time"
)

// RequestStats counts gateway call outcomes for health reporting
type RequestStats struct {
	mu                    sync.RWMutex
	total                 int64
	failed                int64
	lastSuccessfulRequest time.Time
}

// StatsSnapshot is a point-in-time copy of RequestStats
type StatsSnapshot struct {
	TotalRequests         int64      `json:"total_requests"`
	FailedRequests        int64      `json:"failed_requests"`
	SuccessRate           float64    `json:"success_rate"`
	LastSuccessfulRequest *time.Time `json:"last_successful_request,omitempty"`
}

// Record counts one call; a nil error is a success
func (s *RequestStats) Record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	if err != nil {
		s.failed++
		return
	}
	s.lastSuccessfulRequest = time.Now()
}

// Snapshot returns the current counters. The success rate is 1 before any call.
func (s *RequestStats) Snapshot() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StatsSnapshot{
		TotalRequests:  s.total,
		FailedRequests: s.failed,
		SuccessRate:    1,
	}
	if s.total > 0 {
		snap.SuccessRate = float64(s.total-s.failed) / float64(s.total)
	}
	if !s.lastSuccessfulRequest.IsZero() {
		t := s.lastSuccessfulRequest
		snap.LastSuccessfulRequest = &t
	}
	return snap
}
