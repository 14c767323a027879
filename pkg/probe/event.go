package probe

import (
	"time"

	"github.com/edgebitio/edgebit-agentd/pkg/paths"
)

// FileOpenEvent is a single file-open observed by a kernel probe or the
// fanotify notifier, still expressed in host path terms: attribution to
// a workload and resolution to workload-relative form happens downstream
// in pkg/workloads.
type FileOpenEvent struct {
	Path      paths.HostPath
	PID       int
	CgroupID  uint64
	Timestamp time.Time
}

// ProcessInfo describes a process's cgroup membership. The BPF object
// in pkg/probe/bpf keeps no pid-keyed info map, and nothing in this
// repository fills a ProcessInfo; pid-to-container lookups go through
// pkg/containers.PidResolver.
type ProcessInfo struct {
	PID      int
	CgroupID uint64
	Comm     string
}

// ProcessExitEvent reports that a previously observed process has
// exited, letting callers forget any cached pid-keyed state (e.g. the
// pid-to-container cgroup cache in pkg/containers).
type ProcessExitEvent struct {
	PID      int
	CgroupID uint64
}
