// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockNow(t *testing.T) {
	clock := Fake(epoch)
	if got := clock.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	clock.Advance(20 * time.Second)
	if got, want := clock.Now(), epoch.Add(20*time.Second); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeClockAfterFunc(t *testing.T) {
	t.Run("fires at deadline", func(t *testing.T) {
		clock := Fake(epoch)
		fired := 0
		clock.AfterFunc(20*time.Second, func() { fired++ })

		clock.Advance(19 * time.Second)
		if fired != 0 {
			t.Fatalf("callback fired %d times before deadline", fired)
		}
		clock.Advance(time.Second)
		if fired != 1 {
			t.Fatalf("callback fired %d times at deadline, want 1", fired)
		}
		clock.Advance(time.Minute)
		if fired != 1 {
			t.Fatalf("callback fired again after deadline: %d", fired)
		}
	})

	t.Run("stop cancels", func(t *testing.T) {
		clock := Fake(epoch)
		fired := false
		timer := clock.AfterFunc(time.Second, func() { fired = true })
		if !timer.Stop() {
			t.Fatal("Stop on pending timer returned false")
		}
		if timer.Stop() {
			t.Fatal("second Stop returned true")
		}
		clock.Advance(time.Minute)
		if fired {
			t.Fatal("stopped timer fired")
		}
		if count := clock.PendingCount(); count != 0 {
			t.Fatalf("PendingCount = %d, want 0", count)
		}
	})

	t.Run("non-positive duration runs immediately", func(t *testing.T) {
		clock := Fake(epoch)
		fired := false
		timer := clock.AfterFunc(0, func() { fired = true })
		if !fired {
			t.Fatal("AfterFunc(0) did not run the callback")
		}
		if timer.Stop() {
			t.Fatal("Stop after immediate run returned true")
		}
	})

	t.Run("deadline order", func(t *testing.T) {
		clock := Fake(epoch)
		var order []int
		clock.AfterFunc(3*time.Second, func() { order = append(order, 3) })
		clock.AfterFunc(1*time.Second, func() { order = append(order, 1) })
		clock.AfterFunc(2*time.Second, func() { order = append(order, 2) })
		clock.Advance(5 * time.Second)
		if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
			t.Fatalf("fire order = %v, want [1 2 3]", order)
		}
	})

	t.Run("callback may arm a new timer", func(t *testing.T) {
		clock := Fake(epoch)
		second := false
		clock.AfterFunc(time.Second, func() {
			clock.AfterFunc(time.Second, func() { second = true })
		})
		clock.Advance(time.Second)
		if second {
			t.Fatal("rearmed timer fired early")
		}
		clock.Advance(time.Second)
		if !second {
			t.Fatal("rearmed timer did not fire")
		}
	})
}

func TestFakeClockWaitForTimers(t *testing.T) {
	clock := Fake(epoch)
	armed := make(chan struct{})
	go func() {
		clock.AfterFunc(time.Second, func() {})
		close(armed)
	}()
	clock.WaitForTimers(1)
	<-armed
	if count := clock.PendingCount(); count != 1 {
		t.Fatalf("PendingCount = %d, want 1", count)
	}
}

func TestRealClockAfterFunc(t *testing.T) {
	done := make(chan struct{})
	Real().AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("real AfterFunc did not fire")
	}
}
