package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	if _, err := New(Options{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for zero interval")
	}
}

func TestRunInvokesJobUntilCancelled(t *testing.T) {
	s, err := New(Options{Name: "flush", Interval: 5 * time.Millisecond, RunAtStart: true}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	calls := 0
	err = s.Run(ctx, func(context.Context, time.Time) error {
		calls++
		switch calls {
		case 2:
			return errors.New("ledger down")
		case 4:
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	stats := s.Stats()
	if stats.Runs != 4 || stats.Failures != 1 || stats.ConsecutiveFailures != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRunHonoursStartupDelayCancellation(t *testing.T) {
	s, err := New(Options{Interval: time.Hour, StartupDelay: time.Hour, RunAtStart: true}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = s.Run(ctx, func(context.Context, time.Time) error {
		t.Fatal("job must not run")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
}

func TestNextSlotAlignment(t *testing.T) {
	s, _ := New(Options{Interval: time.Minute, Align: true}, zerolog.Nop())
	now := time.Date(2024, 5, 1, 10, 3, 20, 0, time.UTC)
	if got := s.nextSlot(now); !got.Equal(time.Date(2024, 5, 1, 10, 4, 0, 0, time.UTC)) {
		t.Fatalf("aligned slot = %v", got)
	}
	onBoundary := time.Date(2024, 5, 1, 10, 4, 0, 0, time.UTC)
	if got := s.nextSlot(onBoundary); !got.Equal(onBoundary.Add(time.Minute)) {
		t.Fatalf("boundary slot = %v", got)
	}

	free, _ := New(Options{Interval: time.Minute}, zerolog.Nop())
	if got := free.nextSlot(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("unaligned slot = %v", got)
	}
}
