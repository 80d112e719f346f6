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
	"testing"
	"time"
)

func TestStormDefaults(t *testing.T) {
	cfg := DefaultStormConfig()
	if cfg.Threshold != 10 || cfg.Window != time.Second || cfg.Cooldown != 500*time.Millisecond {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

// E6: ten consecutive redirects trip the tracker; an eleventh redirect
// within the cooldown does not trigger a second refresh.
func TestStormTripsAfterThreshold(t *testing.T) {
	s := NewStormTracker(StormConfig{Threshold: 10, Window: time.Minute, Cooldown: 500 * time.Millisecond})
	for i := 0; i < 9; i++ {
		if s.ShouldRefresh() {
			t.Fatalf("refresh signaled early on redirect %d", i+1)
		}
	}
	if !s.ShouldRefresh() {
		t.Fatal("expected refresh to trip on the 10th redirect")
	}
	if s.ShouldRefresh() {
		t.Fatal("expected cooldown to suppress an immediate second refresh")
	}
}

func TestStormWindowResets(t *testing.T) {
	s := NewStormTracker(StormConfig{Threshold: 2, Window: 10 * time.Millisecond, Cooldown: 0})
	if s.ShouldRefresh() {
		t.Fatal("should not refresh on first redirect with threshold 2")
	}
	time.Sleep(20 * time.Millisecond)
	// window has expired: this call resets the window and returns false
	// regardless of the prior count.
	if s.ShouldRefresh() {
		t.Fatal("expected window reset to suppress refresh")
	}
}

func TestStormResetClearsCount(t *testing.T) {
	s := NewStormTracker(StormConfig{Threshold: 2, Window: time.Minute, Cooldown: 0})
	s.ShouldRefresh()
	s.Reset()
	if s.ShouldRefresh() {
		t.Fatal("expected count to restart from zero after Reset")
	}
}
