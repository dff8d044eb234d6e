package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

func TestDoRetriesTransientErrors(t *testing.T) {
	cl := testclock.NewClock(time.Now())
	cfg := DefaultRetryConfig()
	cfg.Clock = cl
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 10 * time.Millisecond

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(context.Background(), cfg, func() error {
			attempts++
			if attempts < 3 {
				return Transient(errors.New("temporarily unavailable"))
			}
			return nil
		})
	}()

	deadline := time.After(2 * time.Second)
	for attempts < 3 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for retries, attempts=%d", attempts)
		default:
			cl.Advance(cfg.MaxBackoff)
			time.Sleep(time.Millisecond)
		}
	}

	if err := <-done; err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	attempts := 0
	permanent := errors.New("permission denied")
	err := Do(context.Background(), Quick(), func() error {
		attempts++
		return permanent
	})
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (permanent errors must not retry)", attempts)
	}
	if err == nil {
		t.Fatalf("expected error to propagate")
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Quick(), func() error {
		return Transient(errors.New("still down"))
	})
	if err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}
