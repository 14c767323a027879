// Package docker implements containers.Runtime against a Docker-compatible
// daemon (Docker itself, or Podman's Docker-API-compatible socket).
package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"

	"github.com/edgebitio/edgebit-agentd/pkg/containers"
)

// Runtime talks to a Docker or Podman daemon over its API socket.
type Runtime struct {
	host string
}

// New returns a Runtime that will dial host (e.g. "unix:///run/docker.sock")
// on each Run call, so a daemon that isn't up yet doesn't prevent startup.
func New(host string) *Runtime {
	return &Runtime{host: host}
}

// Run connects to the daemon, lists already-running containers, then
// streams lifecycle events until ctx is canceled or the connection drops.
func (r *Runtime) Run(ctx context.Context, sink chan<- containers.Event) error {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.WithHost(r.host),
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return fmt.Errorf("connecting to docker at %s: %w", r.host, err)
	}
	defer cli.Close()

	if _, err := cli.Ping(ctx); err != nil {
		return fmt.Errorf("pinging docker at %s: %w", r.host, err)
	}

	if err := r.loadRunning(ctx, cli, sink); err != nil {
		return err
	}

	return r.streamEvents(ctx, cli, sink)
}

// IsPodman reports whether the daemon at host identifies itself as
// Podman rather than Docker, used by callers deciding whether Docker-only
// behaviors (e.g. swarm, buildx) should be assumed available.
func IsPodman(ctx context.Context, host string) (bool, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.WithHost(host),
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return false, err
	}
	defer cli.Close()

	v, err := cli.ServerVersion(ctx)
	if err != nil {
		return false, err
	}

	for _, c := range v.Components {
		if strings.EqualFold(c.Name, "Podman") {
			return true, nil
		}
	}
	return false, nil
}

func (r *Runtime) loadRunning(ctx context.Context, cli *dockerclient.Client, sink chan<- containers.Event) error {
	list, err := cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}

	for _, c := range list {
		info, err := r.inspect(ctx, cli, c.ID)
		if err != nil {
			continue
		}
		sink <- containers.Event{Kind: containers.EventStarted, Info: info}
	}
	return nil
}

func (r *Runtime) streamEvents(ctx context.Context, cli *dockerclient.Client, sink chan<- containers.Event) error {
	f := filters.NewArgs(filters.Arg("type", string(events.ContainerEventType)))
	msgs, errs := cli.Events(ctx, events.ListOptions{Filters: f})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return fmt.Errorf("docker event stream: %w", err)
		case msg := <-msgs:
			if err := r.processEvent(ctx, cli, msg, sink); err != nil {
				continue
			}
		}
	}
}

func (r *Runtime) processEvent(ctx context.Context, cli *dockerclient.Client, msg events.Message, sink chan<- containers.Event) error {
	switch msg.Action {
	case events.ActionStart:
		info, err := r.inspect(ctx, cli, msg.Actor.ID)
		if err != nil {
			return err
		}
		sink <- containers.Event{Kind: containers.EventStarted, Info: info}
	case events.ActionDie, events.ActionStop, events.ActionDestroy:
		sink <- containers.Event{Kind: containers.EventStopped, Info: containers.Info{ID: msg.Actor.ID}}
	}
	return nil
}

func (r *Runtime) inspect(ctx context.Context, cli *dockerclient.Client, id string) (containers.Info, error) {
	detail, err := cli.ContainerInspect(ctx, id)
	if err != nil {
		return containers.Info{}, fmt.Errorf("inspecting container %s: %w", id, err)
	}

	mounts := make([]containers.Mount, 0, len(detail.Mounts))
	for _, m := range detail.Mounts {
		mounts = append(mounts, containers.Mount{Source: m.Source, Destination: m.Destination})
	}

	pid := 0
	if detail.State != nil {
		pid = detail.State.Pid
	}

	name := strings.TrimPrefix(detail.Name, "/")

	return containers.Info{
		ID:         detail.ID,
		Name:       name,
		Image:      detail.Config.Image,
		RootfsPath: mergedRootfs(detail),
		Mounts:     mounts,
		Labels:     detail.Config.Labels,
		PID:        pid,
	}, nil
}

// mergedRootfs returns the host-visible merged overlay directory for a
// container, when the graph driver exposes one (overlay2 does; other
// drivers may not, in which case attribution falls back to mount-based
// exclusion only).
func mergedRootfs(detail types.ContainerJSON) string {
	if detail.GraphDriver.Name == "overlay2" {
		if merged, ok := detail.GraphDriver.Data["MergedDir"]; ok {
			return merged
		}
	}
	return ""
}
