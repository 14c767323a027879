// Package workloads tracks the host workload and every container
// workload, runs the lagged file-open attribution pipeline against them,
// and periodically flushes each workload's pending in-use report to the
// control plane.
package workloads

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/edgebitio/edgebit-agentd/pkg/config"
	"github.com/edgebitio/edgebit-agentd/pkg/paths"
	"github.com/edgebitio/edgebit-agentd/pkg/sbom"
)

// Workload is either the host OS or a single running container: a named
// root, an include/exclude policy, and an accumulating batch of files
// seen open since the last flush.
type Workload struct {
	ID   string
	Name string
	Root paths.RootfsPath

	includes PathSet // empty means "include everything"
	excludes PathSet

	registry *sbom.Registry // nil for container workloads

	mu      sync.Mutex
	recent  *lru.Cache[string, struct{}]
	pending map[string]struct{} // paths pending in next flush
}

// NewHostWorkload builds the workload representing the host OS itself,
// the only workload with SBOM-backed package attribution.
func NewHostWorkload(id string, root paths.RootfsPath, includes, excludes []string, registry *sbom.Registry) *Workload {
	return newWorkload(id, "host", root, includes, excludes, registry)
}

// NewContainerWorkload builds the workload for a single running
// container. Containers are include-all: every opened path under the
// container's rootfs is eligible unless it matches an exclude, which is
// the union of the globally configured container excludes and the
// container's own bind-mount destinations (those paths belong to
// whichever workload owns the mount source, not to this container).
func NewContainerWorkload(id, name string, root paths.RootfsPath, excludes []string) *Workload {
	return newWorkload(id, name, root, nil, excludes, nil)
}

func newWorkload(id, name string, root paths.RootfsPath, includes, excludes []string, registry *sbom.Registry) *Workload {
	cache, _ := lru.New[string, struct{}](config.RecentReportedCacheSize)
	return &Workload{
		ID:       id,
		Name:     name,
		Root:     root,
		includes: NewPathSet(includes),
		excludes: NewPathSet(excludes),
		registry: registry,
		recent:   cache,
		pending:  make(map[string]struct{}),
	}
}

// Eligible reports whether a workload-relative path should be considered
// for this workload at all: included (or includes is empty, meaning
// "everything") and not excluded.
func (w *Workload) Eligible(p paths.WorkloadPath) bool {
	if !w.includes.Empty() && !w.includes.Contains(p) {
		return false
	}
	if w.excludes.Contains(p) {
		return false
	}
	return true
}

// MarkOpened records that p was opened. It returns false without
// touching the pending batch if p was already reported recently (the LRU
// dedup window), so the same hot file doesn't get reported every flush
// interval.
func (w *Workload) MarkOpened(p paths.WorkloadPath) bool {
	raw := string(p)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.recent.Get(raw); ok {
		return false
	}
	w.recent.Add(raw, struct{}{})
	w.pending[raw] = struct{}{}
	return true
}

// DrainPending atomically empties and returns the set of paths pending
// report since the last flush.
func (w *Workload) DrainPending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) == 0 {
		return nil
	}

	out := make([]string, 0, len(w.pending))
	for p := range w.pending {
		out = append(out, p)
	}
	w.pending = make(map[string]struct{})
	return out
}

// PkgRefs resolves filenames against this workload's SBOM registry, if
// it has one. Container workloads have no registry and return nil;
// their in-use report carries raw filenames instead of package refs.
func (w *Workload) PkgRefs(filenames []string) []sbom.PkgRef {
	if w.registry == nil {
		return nil
	}
	return w.registry.GetPackages(filenames)
}
