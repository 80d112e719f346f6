// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package cluster

import (
	"sync"
	"sync/atomic"
	"time"
)

// StormConfig configures the redirect-storm tracker's rate limiting.
type StormConfig struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
}

// DefaultStormConfig matches the client's documented defaults: 10
// redirects within a 1 second window trip the tracker, gated by a 500
// millisecond cooldown between refresh signals.
func DefaultStormConfig() StormConfig {
	return StormConfig{Threshold: 10, Window: time.Second, Cooldown: 500 * time.Millisecond}
}

// StormTracker rate-limits topology refreshes triggered by MOVED
// redirects: a single stray MOVED should not cause a refresh, but a
// burst indicating an in-progress reshard should, throttled by a
// cooldown so concurrent callers don't all refresh at once.
//
// count is incremented with an atomic for the hot path; windowStart
// and lastRefresh are guarded by a small mutex, matching the
// reference's split between an atomic counter and a mutex over the two
// instants.
type StormTracker struct {
	cfg StormConfig

	count int64

	mu          sync.Mutex
	windowStart time.Time
	lastRefresh time.Time
}

// NewStormTracker constructs a tracker with cfg and a window starting
// now. No refresh is recorded yet, so the cooldown does not hold back
// the first refresh signal; Reset starts the cooldown.
func NewStormTracker(cfg StormConfig) *StormTracker {
	return &StormTracker{cfg: cfg, windowStart: time.Now()}
}

// ShouldRefresh records one redirect and reports whether the caller
// should refresh topology now. The five-step algorithm below is
// atomic with respect to itself via the mutex guarding the two
// instants; the count increment alone is lock-free.
func (s *StormTracker) ShouldRefresh() bool {
	now := time.Now()
	atomic.AddInt64(&s.count, 1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.windowStart) > s.cfg.Window {
		atomic.StoreInt64(&s.count, 0)
		s.windowStart = now
		return false
	}
	if atomic.LoadInt64(&s.count) < int64(s.cfg.Threshold) {
		return false
	}
	if now.Sub(s.lastRefresh) < s.cfg.Cooldown {
		return false
	}
	s.lastRefresh = now
	return true
}

// Reset clears the redirect count and marks a refresh as having just
// happened. Callers invoke this after any successful topology refresh,
// whether or not it was triggered by ShouldRefresh.
func (s *StormTracker) Reset() {
	now := time.Now()
	atomic.StoreInt64(&s.count, 0)
	s.mu.Lock()
	s.lastRefresh = now
	s.mu.Unlock()
}
