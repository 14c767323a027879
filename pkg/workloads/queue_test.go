package workloads

import (
	"testing"
	"time"

	"github.com/edgebitio/edgebit-agentd/pkg/probe"
)

func TestLaggedQueueHoldsUntilAged(t *testing.T) {
	q := newLaggedQueue(50 * time.Millisecond)

	q.push(probe.FileOpenEvent{PID: 1, Timestamp: time.Now()})

	if _, ok := q.pop(); ok {
		t.Fatal("expected event to still be lagged")
	}

	time.Sleep(60 * time.Millisecond)

	ev, ok := q.pop()
	if !ok {
		t.Fatal("expected event to be ready after lag elapsed")
	}
	if ev.PID != 1 {
		t.Fatalf("got PID %d", ev.PID)
	}

	if _, ok := q.pop(); ok {
		t.Fatal("expected queue to be empty")
	}
}
