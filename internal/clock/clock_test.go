package clock_test

import (
	"testing"
	"time"

	"bundlebridge/internal/clock"
)

func TestFakeFiresTimersInDeadlineOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)

	var order []string
	var firedAt []time.Time
	fake.AfterFunc(2*time.Second, func() { order = append(order, "b"); firedAt = append(firedAt, fake.Now()) })
	fake.AfterFunc(time.Second, func() { order = append(order, "a"); firedAt = append(firedAt, fake.Now()) })
	stopped := fake.AfterFunc(1500*time.Millisecond, func() { order = append(order, "stopped") })
	if !stopped.Stop() {
		t.Fatal("expected Stop to report an active timer")
	}

	fake.Advance(1999 * time.Millisecond)
	if len(order) != 1 || order[0] != "a" {
		t.Fatalf("unexpected order after partial advance: %v", order)
	}
	fake.Advance(time.Millisecond)
	if len(order) != 2 || order[1] != "b" {
		t.Fatalf("unexpected order: %v", order)
	}
	if !firedAt[0].Equal(start.Add(time.Second)) {
		t.Fatalf("expected callback to observe its deadline, got %v", firedAt[0])
	}
	if fake.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", fake.Pending())
	}
}

func TestFakeTimerScheduledFromCallback(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			fake.AfterFunc(time.Second, tick)
		}
	}
	fake.AfterFunc(time.Second, tick)
	fake.Advance(10 * time.Second)
	if count != 3 {
		t.Fatalf("expected chained timers to fire 3 times, got %d", count)
	}
}
