// Package containers tracks the set of running containers across
// whichever container runtime the host uses (Docker/Podman or
// containerd directly), normalizing both into the same Info
// shape and deferring removal so that a just-stopped container's last
// few file opens still attribute correctly.
package containers

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/edgebitio/edgebit-agentd/pkg/config"
	"github.com/edgebitio/edgebit-agentd/pkg/log"
	"github.com/edgebitio/edgebit-agentd/pkg/metrics"
)

// cgroupNameRe extracts a 64-hex-digit container id from a cgroup path
// component. It deliberately matches any run of 64 hex digits anywhere in
// the name rather than anchoring to known cgroup driver conventions
// (systemd scope naming, cgroupfs naming, nested cgroups under kubepods
// slices all differ) so it keeps working as those conventions change.
var cgroupNameRe = regexp.MustCompile(`[[:xdigit:]]{64}`)

// IDFromCgroup extracts a container id from a cgroup name, if present.
func IDFromCgroup(name string) (string, bool) {
	m := cgroupNameRe.FindString(name)
	if m == "" {
		return "", false
	}
	return m, true
}

// Info describes a single running or just-stopped container.
type Info struct {
	ID         string
	Name       string
	Image      string
	RootfsPath string
	Mounts     []Mount
	Labels     map[string]string
	PID        int
}

// Mount is a single bind mount destination inside the container, used to
// exclude host paths the container also exposes from the container's own
// attribution (they already belong to the host's, or another container's,
// workload).
type Mount struct {
	Source      string
	Destination string
}

// EventKind distinguishes container lifecycle transitions.
type EventKind int

const (
	EventStarted EventKind = iota
	EventStopped
)

// Event is emitted by a Runtime as containers come and go.
type Event struct {
	Kind EventKind
	Info Info
}

// Runtime is implemented by each container engine backend (Docker,
// containerd). Run blocks, delivering Events on sink until ctx is
// canceled or an unrecoverable error occurs.
type Runtime interface {
	Run(ctx context.Context, sink chan<- Event) error
}

// Tracker aggregates container lifecycle events from a Runtime into a
// queryable set, applying ContainerCleanupLag before actually removing a
// stopped container so late attribution still resolves.
type Tracker struct {
	mu         sync.RWMutex
	containers map[string]Info

	cleanupLag time.Duration

	listenersMu sync.Mutex
	listeners   []func(Event)
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		containers: make(map[string]Info),
		cleanupLag: config.ContainerCleanupLag,
	}
}

// Subscribe registers fn to be called whenever a container starts, or
// actually drops off the tracker (i.e. after ContainerCleanupLag has
// already elapsed for a stop). Used to keep a workloads.Set and the
// control-plane's workload listing in sync with the tracker without
// either needing to poll All().
func (t *Tracker) Subscribe(fn func(Event)) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *Tracker) notify(ev Event) {
	t.listenersMu.Lock()
	fns := append([]func(Event){}, t.listeners...)
	t.listenersMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Run subscribes to runtime's event stream and applies every event to the
// tracker until ctx is canceled or the runtime returns an error, which Run
// returns as is; reconnecting is left to the caller (see RunLoop).
func (t *Tracker) Run(ctx context.Context, runtime Runtime) error {
	sink := make(chan Event, 64)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runtime.Run(ctx, sink)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case ev := <-sink:
			t.apply(ctx, ev)
		}
	}
}

func (t *Tracker) apply(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventStarted:
		t.mu.Lock()
		t.containers[ev.Info.ID] = ev.Info
		n := len(t.containers)
		t.mu.Unlock()
		metrics.ContainersTracked.Set(float64(n))
		log.WithComponent("containers").Info().Str("container_id", ev.Info.ID).Str("name", ev.Info.Name).Msg("container started")
		t.notify(ev)
	case EventStopped:
		log.WithComponent("containers").Info().Str("container_id", ev.Info.ID).Msg("container stopped, scheduling cleanup")
		go func(id string) {
			select {
			case <-ctx.Done():
			case <-time.After(t.cleanupLag):
				t.mu.Lock()
				delete(t.containers, id)
				n := len(t.containers)
				t.mu.Unlock()
				metrics.ContainersTracked.Set(float64(n))
				t.notify(ev)
			}
		}(ev.Info.ID)
	}
}

// Get returns the container with the given id, if currently tracked.
func (t *Tracker) Get(id string) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.containers[id]
	return info, ok
}

// All returns a snapshot of every currently tracked container.
func (t *Tracker) All() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Info, 0, len(t.containers))
	for _, info := range t.containers {
		out = append(out, info)
	}
	return out
}
