package workloads

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgebitio/edgebit-agentd/pkg/containers"
	"github.com/edgebitio/edgebit-agentd/pkg/paths"
	"github.com/edgebitio/edgebit-agentd/pkg/probe"
)

// fakeResolver maps pids to container ids for tests, standing in for the
// real pid->cgroup->container lookup in pkg/containers.
type fakeResolver map[int]string

func (f fakeResolver) ResolveContainer(pid int) (string, bool) {
	id, ok := f[pid]
	return id, ok
}

func writeFile(t *testing.T, dir, name string) paths.HostPath {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	return paths.HostPath(p)
}

func TestSetRouteWithNoResolverGoesToHost(t *testing.T) {
	dir := t.TempDir()
	host := NewHostWorkload("host", paths.RootfsPath(dir), nil, nil, nil)
	s := NewSet(paths.RootfsPath("/"), host, nil, nil, &containers.Tracker{})

	hostFile := writeFile(t, dir, "bin")
	s.attribute(probe.FileOpenEvent{Path: hostFile, PID: 1, Timestamp: time.Now()})

	pending := host.DrainPending()
	assert.Equal(t, []string{"/bin"}, pending)
}

func TestSetRouteUnresolvedPidGoesToHost(t *testing.T) {
	dir := t.TempDir()
	host := NewHostWorkload("host", paths.RootfsPath(dir), nil, nil, nil)
	s := NewSet(paths.RootfsPath("/"), host, nil, fakeResolver{}, &containers.Tracker{})

	hostFile := writeFile(t, dir, "passwd")
	s.attribute(probe.FileOpenEvent{Path: hostFile, PID: 42, Timestamp: time.Now()})

	assert.Equal(t, []string{"/passwd"}, host.DrainPending())
}

func TestSetRouteToRegisteredContainer(t *testing.T) {
	hostDir := t.TempDir()
	ctrDir := t.TempDir()

	host := NewHostWorkload("host", paths.RootfsPath(hostDir), nil, nil, nil)
	resolver := fakeResolver{7: "ctr1"}
	s := NewSet(paths.RootfsPath("/"), host, nil, resolver, &containers.Tracker{})

	s.AddContainer(containers.Info{ID: "ctr1", Name: "web", RootfsPath: ctrDir})

	ctrFile := writeFile(t, ctrDir, "app.bin")
	s.attribute(probe.FileOpenEvent{Path: ctrFile, PID: 7, Timestamp: time.Now()})

	assert.Empty(t, host.DrainPending())

	ctr, ok := s.container("ctr1")
	require.True(t, ok)
	assert.Equal(t, []string{"/app.bin"}, ctr.DrainPending())
}

func TestSetRouteToUnregisteredContainerIsDropped(t *testing.T) {
	hostDir := t.TempDir()
	host := NewHostWorkload("host", paths.RootfsPath(hostDir), nil, nil, nil)
	resolver := fakeResolver{9: "ghost"}
	s := NewSet(paths.RootfsPath("/"), host, nil, resolver, &containers.Tracker{})

	hostFile := writeFile(t, hostDir, "never-attributed")
	s.attribute(probe.FileOpenEvent{Path: hostFile, PID: 9, Timestamp: time.Now()})

	assert.Empty(t, host.DrainPending())
}

func TestSetAttributeDedupsRepeatedOpens(t *testing.T) {
	dir := t.TempDir()
	host := NewHostWorkload("host", paths.RootfsPath(dir), nil, nil, nil)
	s := NewSet(paths.RootfsPath("/"), host, nil, nil, &containers.Tracker{})

	hostFile := writeFile(t, dir, "hot.so")
	ev := probe.FileOpenEvent{Path: hostFile, PID: 1, Timestamp: time.Now()}

	s.attribute(ev)
	s.attribute(ev)

	assert.Equal(t, []string{"/hot.so"}, host.DrainPending())
}

func TestSetAttributeSkipsExcludedPaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "proc"), 0o755))
	host := NewHostWorkload("host", paths.RootfsPath(dir), nil, []string{"/proc"}, nil)
	s := NewSet(paths.RootfsPath("/"), host, nil, nil, &containers.Tracker{})

	excluded := writeFile(t, filepath.Join(dir, "proc"), "self")
	s.attribute(probe.FileOpenEvent{Path: excluded, PID: 1, Timestamp: time.Now()})

	assert.Empty(t, host.DrainPending())
}

func TestSetAttributeSkipsNonRegularFile(t *testing.T) {
	dir := t.TempDir()
	host := NewHostWorkload("host", paths.RootfsPath(dir), nil, nil, nil)
	s := NewSet(paths.RootfsPath("/"), host, nil, nil, &containers.Tracker{})

	missing := paths.HostPath(filepath.Join(dir, "nope"))
	s.attribute(probe.FileOpenEvent{Path: missing, PID: 1, Timestamp: time.Now()})

	assert.Empty(t, host.DrainPending())
}

func TestSetAttributeJoinsHostRoot(t *testing.T) {
	// Simulate a containerized agent: hostRoot is a prefix onto which
	// every real host path (the workload roots included) has to be
	// rejoined before this process can stat or readlink it.
	fakeRoot := t.TempDir()
	hostRoot := paths.RootfsPath(fakeRoot)

	require.NoError(t, os.MkdirAll(filepath.Join(fakeRoot, "var/lib/docker/ctr1"), 0o755))
	writeFile(t, filepath.Join(fakeRoot, "var/lib/docker/ctr1"), "app.bin")
	writeFile(t, fakeRoot, "etc-passwd")

	host := NewHostWorkload("host", hostRoot, nil, nil, nil)
	resolver := fakeResolver{7: "ctr1"}
	s := NewSet(hostRoot, host, nil, resolver, &containers.Tracker{})
	s.AddContainer(containers.Info{ID: "ctr1", Name: "web", RootfsPath: "/var/lib/docker/ctr1"})

	s.attribute(probe.FileOpenEvent{Path: paths.HostPath("/etc-passwd"), PID: 1, Timestamp: time.Now()})
	assert.Equal(t, []string{"/etc-passwd"}, host.DrainPending())

	s.attribute(probe.FileOpenEvent{Path: paths.HostPath("/var/lib/docker/ctr1/app.bin"), PID: 7, Timestamp: time.Now()})
	ctr, ok := s.container("ctr1")
	require.True(t, ok)
	assert.Equal(t, []string{"/app.bin"}, ctr.DrainPending())
}

func TestSetPushAndRunAttributesAfterLag(t *testing.T) {
	dir := t.TempDir()
	host := NewHostWorkload("host", paths.RootfsPath(dir), nil, nil, nil)
	s := NewSet(paths.RootfsPath("/"), host, nil, nil, &containers.Tracker{})
	s.queue = newLaggedQueue(20 * time.Millisecond)

	hostFile := writeFile(t, dir, "late.so")
	s.Push(probe.FileOpenEvent{Path: hostFile, PID: 1, Timestamp: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		return len(host.DrainPending()) == 1
	}, time.Second, 10*time.Millisecond)
}
