package clock_test

import (
	"testing"
	"time"

	"pkt.systems/soloport/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestRealAfterDelivers(t *testing.T) {
	t.Parallel()

	ch := clock.Real{}.After(10 * time.Millisecond)
	select {
	case <-ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("After did not trigger within timeout")
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ch := m.After(time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired before the clock advanced")
	default:
	}
	if got := m.Pending(); got != 1 {
		t.Fatalf("expected 1 pending waiter, got %d", got)
	}

	m.Advance(999 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("waiter fired before coming due")
	default:
	}

	m.Advance(time.Millisecond)
	select {
	case at := <-ch:
		if want := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC); !at.Equal(want) {
			t.Fatalf("waiter fired at %v, want %v", at, want)
		}
	default:
		t.Fatal("waiter did not fire once due")
	}
	if got := m.Pending(); got != 0 {
		t.Fatalf("expected no pending waiters, got %d", got)
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Now())
	select {
	case <-m.After(0):
	default:
		t.Fatal("zero-duration waiter did not fire immediately")
	}
}

func TestManualAdvanceNegativeClampsToZero(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	if got := m.Advance(-time.Hour); !got.Equal(start) {
		t.Fatalf("negative advance moved the clock to %v", got)
	}
}
