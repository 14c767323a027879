package workloads

import (
	"context"
	"sync"
	"time"

	"github.com/edgebitio/edgebit-agentd/pkg/config"
	"github.com/edgebitio/edgebit-agentd/pkg/containers"
	"github.com/edgebitio/edgebit-agentd/pkg/metrics"
	"github.com/edgebitio/edgebit-agentd/pkg/paths"
	"github.com/edgebitio/edgebit-agentd/pkg/probe"
)

// CgroupResolver maps the process that performed an open back to the
// container that owns it, if any. Lookups are keyed by pid rather than
// the raw numeric cgroup id the kernel probe reports, since turning that
// id into a container id requires reading the process's cgroup path
// (pkg/containers does this, caching by pid so repeat opens from the
// same process are cheap).
type CgroupResolver interface {
	ResolveContainer(pid int) (containerID string, ok bool)
}

// Set owns the host workload and every running container workload, and
// runs the lagged attribution pipeline that turns raw FileOpenEvents into
// per-workload pending batches.
type Set struct {
	hostRoot paths.RootfsPath
	host     *Workload

	mu         sync.RWMutex
	containers map[string]*Workload

	containerExcludes []string

	queue   *laggedQueue
	cgroups CgroupResolver
	tracker *containers.Tracker
}

// NewSet builds a Set around the given host workload. hostRoot is the
// agent's own view of the real host filesystem (EDGEBIT_HOSTROOT): every
// kernel-reported path and container rootfs is relative to the real host
// root, not to the agent's own mount namespace, so both have to be
// rejoined under hostRoot before this process can stat or readlink them.
// Container workloads are added as the container tracker reports them
// starting.
func NewSet(hostRoot paths.RootfsPath, host *Workload, containerExcludes []string, cgroups CgroupResolver, tracker *containers.Tracker) *Set {
	return &Set{
		hostRoot:          hostRoot,
		host:              host,
		containers:        make(map[string]*Workload),
		containerExcludes: containerExcludes,
		queue:             newLaggedQueue(config.OpenEventLag),
		cgroups:           cgroups,
		tracker:           tracker,
	}
}

// AddContainer registers info as a new workload, whose own bind-mount
// destinations are added to the configured excludes so paths inside them
// aren't double-reported against both this container and their owning
// workload. info.RootfsPath is the real host path of the container's
// merged rootfs as the container runtime reports it; it's rejoined under
// hostRoot so it lines up with the agent-visible paths attribute()
// resolves opens against.
func (s *Set) AddContainer(info containers.Info) {
	excludes := append([]string(nil), s.containerExcludes...)
	for _, m := range info.Mounts {
		excludes = append(excludes, m.Destination)
	}

	root := paths.RootfsPath(s.hostRoot.Join(paths.WorkloadPath(info.RootfsPath)))
	w := NewContainerWorkload(info.ID, info.Name, root, excludes)

	s.mu.Lock()
	s.containers[info.ID] = w
	s.mu.Unlock()
}

// RemoveContainer drops a container's workload. Callers should already
// have waited out config.ContainerCleanupLag (the containers.Tracker does
// this itself before the container disappears from its own listing, but
// the workload set has no independent timer of its own).
func (s *Set) RemoveContainer(id string) {
	s.mu.Lock()
	delete(s.containers, id)
	s.mu.Unlock()
}

func (s *Set) container(id string) (*Workload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.containers[id]
	return w, ok
}

// Workloads returns the host workload plus every currently tracked
// container workload, used by the flush scheduler.
func (s *Set) Workloads() []*Workload {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Workload, 0, len(s.containers)+1)
	out = append(out, s.host)
	for _, w := range s.containers {
		out = append(out, w)
	}
	return out
}

// Push enqueues a raw open event for lagged attribution. The owning
// container, if any, is resolved right away rather than left for
// attribute() to discover config.OpenEventLag later: pid->cgroup
// resolution reads /proc/<pid>/cgroup, which only exists while the
// process is still alive, and a short-lived process can easily exit
// before the lag elapses. Resolving (and letting CgroupResolver cache)
// now, while the process that just performed the open is as alive as
// it'll ever be, avoids that race; route() later reuses the cached
// result instead of re-deriving it.
func (s *Set) Push(ev probe.FileOpenEvent) {
	if s.cgroups != nil {
		s.cgroups.ResolveContainer(ev.PID)
	}
	s.queue.push(ev)
}

// Run drains the lagged queue every 100ms, attributing each event old
// enough to have left the lag window, until ctx is canceled.
func (s *Set) Run(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				ev, ok := s.queue.pop()
				if !ok {
					break
				}
				s.attribute(ev)
			}
		}
	}
}

func (s *Set) attribute(ev probe.FileOpenEvent) {
	w := s.route(ev)
	if w == nil {
		return
	}

	// ev.Path is the real host path of the opened file; rejoin it under
	// hostRoot before touching the filesystem, exactly as AddContainer
	// does for a container's rootfs and pkg/sbom does for SBOM file
	// lists, so this process resolves it through its own (possibly
	// /host-prefixed) view rather than its own root.
	agentVisible := s.hostRoot.Join(paths.WorkloadPath(ev.Path))

	resolved, err := paths.Realpath(agentVisible)
	if err != nil {
		return
	}

	if ok, err := paths.IsRegularFile(resolved); err != nil || !ok {
		return
	}

	wp, ok := w.Root.ToWorkloadPath(resolved)
	if !ok {
		return
	}

	if !w.Eligible(wp) {
		return
	}

	kind := "container"
	if w == s.host {
		kind = "host"
	}
	metrics.AttributionEventsTotal.WithLabelValues(kind).Inc()

	if !w.MarkOpened(wp) {
		metrics.AttributionEventsDeduped.Inc()
	}
}

func (s *Set) route(ev probe.FileOpenEvent) *Workload {
	if s.cgroups != nil {
		if cid, ok := s.cgroups.ResolveContainer(ev.PID); ok {
			if w, ok := s.container(cid); ok {
				return w
			}
			return nil // belongs to a container we haven't registered yet
		}
	}
	return s.host
}
