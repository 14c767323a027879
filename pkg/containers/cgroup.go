package containers

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/edgebitio/edgebit-agentd/pkg/probe"
)

// PidResolver turns a pid into the container id owning its cgroup,
// caching results by pid since the attribution pipeline looks up the
// same hot pids repeatedly between process start and exit.
type PidResolver struct {
	tracker *Tracker

	mu    sync.Mutex
	cache map[int]string // pid -> container id, "" cached as a miss
}

// NewPidResolver returns a resolver for pids on this host. The container
// id it reports comes from the pid's cgroup path alone, so a container
// that the tracker has not seen start yet still resolves to its id.
func NewPidResolver(tracker *Tracker) *PidResolver {
	return &PidResolver{tracker: tracker, cache: make(map[int]string)}
}

// ResolveContainer implements workloads.CgroupResolver.
func (p *PidResolver) ResolveContainer(pid int) (string, bool) {
	p.mu.Lock()
	if id, ok := p.cache[pid]; ok {
		p.mu.Unlock()
		return id, id != ""
	}
	p.mu.Unlock()

	id := p.lookup(pid)

	p.mu.Lock()
	p.cache[pid] = id
	p.mu.Unlock()

	return id, id != ""
}

// Forget drops a pid from the cache, called once a process has exited so
// a future pid reuse isn't misattributed to its old container.
func (p *PidResolver) Forget(pid int) {
	p.mu.Lock()
	delete(p.cache, pid)
	p.mu.Unlock()
}

// RunExitWatch forgets a pid's cached resolution as soon as the probe
// layer reports it exited, so a reused pid is never misattributed to the
// container its previous occupant belonged to. Returns when exits is
// closed or ctx is canceled.
func (p *PidResolver) RunExitWatch(ctx context.Context, exits <-chan probe.ProcessExitEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-exits:
			if !ok {
				return
			}
			p.Forget(ev.PID)
		}
	}
}

func (p *PidResolver) lookup(pid int) string {
	name, ok := cgroupNameForPid(pid)
	if !ok {
		return ""
	}

	id, ok := IDFromCgroup(name)
	if !ok {
		return ""
	}

	return id
}

// cgroupNameForPid reads /proc/<pid>/cgroup and returns the whole cgroup
// path of the last hierarchy line whose path is neither empty nor "/";
// container runtimes embed the 64-hex-digit container id in that path.
func cgroupNameForPid(pid int) (string, bool) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return "", false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	var last string
	for sc.Scan() {
		line := sc.Text()
		idx := strings.LastIndex(line, ":")
		if idx < 0 {
			continue
		}
		path := line[idx+1:]
		if path != "" && path != "/" {
			last = path
		}
	}

	if last == "" {
		return "", false
	}
	return last, true
}
