package graceful

import (
	"context"
	"testing"
	"time"
)

func TestSpawnAndCancelPropagates(t *testing.T) {
	g := New()
	started := make(chan struct{})
	finished := make(chan struct{})

	g.Spawn(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(finished)
	})

	<-started
	g.Cancel()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("spawned task did not observe cancellation")
	}
}

func TestCancelledContextIsDoneOnlyAfterCancel(t *testing.T) {
	g := New()
	select {
	case <-g.Cancelled().Done():
		t.Fatalf("context should not be done before Cancel")
	default:
	}
	g.Cancel()
	select {
	case <-g.Cancelled().Done():
	default:
		t.Fatalf("context should be done after Cancel")
	}
}
