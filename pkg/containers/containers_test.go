package containers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDFromCgroup(t *testing.T) {
	id := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"

	got, ok := IDFromCgroup("kubepods-burstable-pod123.slice:cri-containerd:" + id)
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = IDFromCgroup("/init.scope")
	assert.False(t, ok)
}

func TestTrackerStartedIsImmediatelyVisible(t *testing.T) {
	tr := NewTracker()

	var notified []Event
	var mu sync.Mutex
	tr.Subscribe(func(ev Event) {
		mu.Lock()
		notified = append(notified, ev)
		mu.Unlock()
	})

	tr.apply(context.Background(), Event{Kind: EventStarted, Info: Info{ID: "c1", Name: "web"}})

	info, ok := tr.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "web", info.Name)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notified, 1)
	assert.Equal(t, EventStarted, notified[0].Kind)
}

func TestTrackerStoppedRemovesAfterCleanupLag(t *testing.T) {
	tr := NewTracker()
	tr.cleanupLag = 20 * time.Millisecond

	var notified []Event
	var mu sync.Mutex
	tr.Subscribe(func(ev Event) {
		mu.Lock()
		notified = append(notified, ev)
		mu.Unlock()
	})

	ctx := context.Background()
	tr.apply(ctx, Event{Kind: EventStarted, Info: Info{ID: "c1", Name: "web"}})
	tr.apply(ctx, Event{Kind: EventStopped, Info: Info{ID: "c1", Name: "web"}})

	// Still present immediately after the stop event: attribution for
	// trailing opens from the just-stopped container must keep resolving.
	_, ok := tr.Get("c1")
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := tr.Get("c1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notified, 2)
	assert.Equal(t, EventStopped, notified[1].Kind)
}

func TestTrackerAllSnapshotsCurrentContainers(t *testing.T) {
	tr := NewTracker()
	ctx := context.Background()

	tr.apply(ctx, Event{Kind: EventStarted, Info: Info{ID: "c1"}})
	tr.apply(ctx, Event{Kind: EventStarted, Info: Info{ID: "c2"}})

	all := tr.All()
	assert.Len(t, all, 2)
}
