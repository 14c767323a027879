// Package containerd implements containers.Runtime directly against
// containerd's own gRPC API, namespaced to "k8s.io" so it picks up
// Kubernetes-managed containers that never go through a Docker-compatible
// socket at all.
package containerd

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/containerd"
	apievents "github.com/containerd/containerd/api/events"
	"github.com/containerd/containerd/events"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/typeurl/v2"

	"github.com/edgebitio/edgebit-agentd/pkg/containers"
)

// criSandboxKindLabel is set by containerd's CRI plugin on the pause
// container it creates to hold a pod's shared network namespace. It never
// runs workload code and has no meaningful rootfs to attribute opens
// against, so it's filtered out before it ever reaches the tracker.
const criSandboxKindLabel = "io.cri-containerd.kind"

// errSandboxContainer signals toInfo skipped a CRI sandbox/pause
// container; callers treat it like any other toInfo error and drop the
// event rather than propagating it.
var errSandboxContainer = errors.New("containerd: sandbox container")

// Namespace is the containerd namespace Kubernetes uses for its
// container runtime interface shim.
const Namespace = "k8s.io"

// Runtime talks to a containerd daemon over its control socket.
type Runtime struct {
	socketPath string
	roots      []string
}

// New returns a Runtime that dials socketPath on each Run call. roots
// lists the host-visible locations searched for a container's rootfs;
// no other location (such as containerd's own snapshotter path) is
// tried.
func New(socketPath string, roots []string) *Runtime {
	return &Runtime{socketPath: socketPath, roots: roots}
}

// Run connects to containerd, lists already-running k8s.io containers,
// then subscribes to its event stream until ctx is canceled.
func (r *Runtime) Run(ctx context.Context, sink chan<- containers.Event) error {
	client, err := containerd.New(r.socketPath)
	if err != nil {
		return fmt.Errorf("connecting to containerd at %s: %w", r.socketPath, err)
	}
	defer client.Close()

	ctx = namespaces.WithNamespace(ctx, Namespace)

	if err := r.loadRunning(ctx, client, sink); err != nil {
		return err
	}

	return r.streamEvents(ctx, client, sink)
}

func (r *Runtime) loadRunning(ctx context.Context, client *containerd.Client, sink chan<- containers.Event) error {
	list, err := client.Containers(ctx)
	if err != nil {
		return fmt.Errorf("listing containerd containers: %w", err)
	}

	for _, c := range list {
		info, err := r.toInfo(ctx, c)
		if err != nil {
			continue
		}
		sink <- containers.Event{Kind: containers.EventStarted, Info: info}
	}
	return nil
}

func (r *Runtime) streamEvents(ctx context.Context, client *containerd.Client, sink chan<- containers.Event) error {
	msgs, errs := client.EventService().Subscribe(ctx, `topic=="/containers/create"`, `topic=="/containers/delete"`, `topic=="/tasks/delete"`)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return fmt.Errorf("containerd event stream: %w", err)
		case env := <-msgs:
			r.processEvent(ctx, client, env, sink)
		}
	}
}

func (r *Runtime) processEvent(ctx context.Context, client *containerd.Client, env *events.Envelope, sink chan<- containers.Event) {
	v, err := typeurl.UnmarshalAny(env.Event)
	if err != nil {
		return
	}

	switch e := v.(type) {
	case *apievents.ContainerCreate:
		c, err := client.LoadContainer(ctx, e.ID)
		if err != nil {
			return
		}
		info, err := r.toInfo(ctx, c)
		if err != nil {
			return
		}
		sink <- containers.Event{Kind: containers.EventStarted, Info: info}
	case *apievents.ContainerDelete:
		sink <- containers.Event{Kind: containers.EventStopped, Info: containers.Info{ID: e.ID}}
	case *apievents.TaskDelete:
		sink <- containers.Event{Kind: containers.EventStopped, Info: containers.Info{ID: e.ContainerID}}
	}
}

func (r *Runtime) toInfo(ctx context.Context, c containerd.Container) (containers.Info, error) {
	info, err := c.Info(ctx)
	if err != nil {
		return containers.Info{}, fmt.Errorf("reading container info: %w", err)
	}
	if info.Labels[criSandboxKindLabel] == "sandbox" {
		return containers.Info{}, errSandboxContainer
	}

	pid := 0
	if task, err := c.Task(ctx, nil); err == nil {
		if status, err := task.Status(ctx); err == nil && status.Status == containerd.Running {
			pid = int(task.Pid())
		}
	}

	rootfs := r.resolveRootfs(info.ID)

	return containers.Info{
		ID:         info.ID,
		Name:       info.ID,
		Image:      info.Image,
		RootfsPath: rootfs,
		Labels:     info.Labels,
		PID:        pid,
	}, nil
}

// resolveRootfs searches each configured root for a snapshot directory
// matching id, since containerd exposes no single portable "merged
// rootfs" path the way the Docker overlay2 graph driver does.
func (r *Runtime) resolveRootfs(id string) string {
	for _, root := range r.roots {
		candidate := root + "/" + id + "/rootfs"
		if pathExists(candidate) {
			return candidate
		}
	}
	return ""
}
