package lifecycle

import (
	"context"
	"testing"
	"time"
)

func TestGoAndWait(t *testing.T) {
	c := New()
	defer c.Shutdown()

	var ran bool
	c.Go(func(ctx context.Context) {
		ran = true
	})
	c.Wait()
	if !ran {
		t.Fatal("expected goroutine to run")
	}
}

func TestContextNotDoneUntilSignalled(t *testing.T) {
	c := New()
	defer c.Shutdown()

	select {
	case <-c.Context().Done():
		t.Fatal("context should not be done without a signal")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCancelUnblocksTrackedGoroutines(t *testing.T) {
	c := New()
	defer c.Shutdown()

	done := make(chan struct{})
	c.Go(func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})

	c.Cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not observe Cancel within timeout")
	}
	c.Wait()
}

func TestCancelIsIdempotentWithShutdown(t *testing.T) {
	c := New()
	c.Cancel()
	c.Shutdown()
}
