package workloads

import (
	"sync"
	"time"

	"github.com/edgebitio/edgebit-agentd/pkg/probe"
)

// laggedQueue is a FIFO of FileOpenEvents that only yields an entry once
// it has sat for at least lag: a container whose first files are opened
// in the same instant it's created should still get attributed to it,
// not to the host, once the container tracker catches up.
type laggedQueue struct {
	mu    sync.Mutex
	items []probe.FileOpenEvent
	lag   time.Duration
}

func newLaggedQueue(lag time.Duration) *laggedQueue {
	return &laggedQueue{lag: lag}
}

func (q *laggedQueue) push(ev probe.FileOpenEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, ev)
}

// pop returns the oldest item if it has aged past the lag window.
func (q *laggedQueue) pop() (probe.FileOpenEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return probe.FileOpenEvent{}, false
	}

	head := q.items[0]
	if time.Since(head.Timestamp) < q.lag {
		return probe.FileOpenEvent{}, false
	}

	q.items = q.items[1:]
	return head, true
}
