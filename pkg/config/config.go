// Package config loads the agent's configuration from a YAML file with
// per-key environment variable overrides, following the same
// file-then-env precedence the agent has always used, extended to the
// full set of keys the attribution pipeline, container trackers, and
// control-plane client need.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the agent looks for its config file if none is
// given on the command line.
const DefaultPath = "/etc/edgebit/config.yaml"

const (
	defaultLogLevel      = "info"
	defaultDockerHost    = "unix:///run/docker.sock"
	defaultContainerdHost = "unix:///run/containerd/containerd.sock"
	defaultPkgTracking   = true
)

var defaultIncludes = []string{"/bin", "/lib", "/lib32", "/lib64", "/libx32", "/opt", "/sbin", "/usr"}

// inner mirrors the YAML document shape. All fields are optional; any
// present env var of the matching name takes precedence, except for the
// hostname, where a configured value (or the --hostname flag) wins over
// EDGEBIT_HOSTNAME.
type inner struct {
	EdgebitID         *string  `yaml:"edgebit_id"`
	EdgebitURL        *string  `yaml:"edgebit_url"`
	LogLevel          *string  `yaml:"log_level"`
	HostIncludes      []string `yaml:"host_includes"`
	HostExcludes      []string `yaml:"host_excludes"`
	ContainerIncludes []string `yaml:"container_includes"`
	ContainerExcludes []string `yaml:"container_excludes"`
	SyftConfig        *string  `yaml:"syft_config"`
	SyftPath          *string  `yaml:"syft_path"`
	DockerHost        *string  `yaml:"docker_host"`
	ContainerdHost    *string  `yaml:"containerd_host"`
	ContainerdRoots   []string `yaml:"containerd_roots"`
	PkgTracking       *bool    `yaml:"pkg_tracking"`
	Hostname          *string  `yaml:"hostname"`
	HostRoot          *string  `yaml:"host_root"`
	Labels            map[string]string `yaml:"labels"`
}

// Config is the agent's resolved configuration surface.
type Config struct {
	in inner
}

// Load reads path if it exists (a missing file is not fatal, since every
// setting can also come from the environment) and returns a Config with
// hostname overridden to hostnameOverride when non-empty.
func Load(path string, hostnameOverride string) (*Config, error) {
	var in inner

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &in); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		fmt.Fprintf(os.Stderr, "could not open config file at %s, using env vars and defaults\n", path)
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if hostnameOverride != "" {
		in.Hostname = &hostnameOverride
	}

	c := &Config{in: in}

	if _, err := c.tryEdgebitID(); err != nil {
		return nil, err
	}
	if _, err := c.tryEdgebitURL(); err != nil {
		return nil, err
	}

	return c, nil
}

func envOr(key string, fallback *string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	if fallback != nil {
		return *fallback
	}
	return ""
}

func (c *Config) tryEdgebitID() (string, error) {
	if v, ok := os.LookupEnv("EDGEBIT_ID"); ok {
		return v, nil
	}
	if c.in.EdgebitID != nil {
		return *c.in.EdgebitID, nil
	}
	return "", fmt.Errorf("$EDGEBIT_ID not set and edgebit_id missing in config file")
}

// EdgebitID returns the enrollment deployment token.
func (c *Config) EdgebitID() string {
	v, _ := c.tryEdgebitID()
	return v
}

func (c *Config) tryEdgebitURL() (string, error) {
	if v, ok := os.LookupEnv("EDGEBIT_URL"); ok {
		return v, nil
	}
	if c.in.EdgebitURL != nil {
		return *c.in.EdgebitURL, nil
	}
	return "", fmt.Errorf("$EDGEBIT_URL not set and edgebit_url missing in config file")
}

// EdgebitURL returns the control-plane endpoint to dial.
func (c *Config) EdgebitURL() string {
	v, _ := c.tryEdgebitURL()
	return v
}

// LogLevel returns the configured zerolog level name.
func (c *Config) LogLevel() string {
	return envOr("EDGEBIT_LOG_LEVEL", coalesce(c.in.LogLevel, defaultLogLevel))
}

// HostIncludes returns the path prefixes the host workload reports from.
func (c *Config) HostIncludes() []string {
	if c.in.HostIncludes != nil {
		return c.in.HostIncludes
	}
	return defaultIncludes
}

// HostExcludes returns extra path prefixes excluded from host reporting.
func (c *Config) HostExcludes() []string {
	return c.in.HostExcludes
}

// ContainerIncludes is retained for config-file compatibility but is not
// consulted by the workload set: container workloads are include-all,
// excludes-only (see ContainerExcludes).
func (c *Config) ContainerIncludes() []string {
	return c.in.ContainerIncludes
}

// ContainerExcludes returns path prefixes excluded from every container
// workload, in addition to that container's own bind-mount destinations.
func (c *Config) ContainerExcludes() []string {
	return c.in.ContainerExcludes
}

// SyftConfig returns the path to the syft config file used for SBOM
// generation, if set.
func (c *Config) SyftConfig() string {
	return envOr("EDGEBIT_SYFT_CONFIG", c.in.SyftConfig)
}

// SyftPath returns the path to the syft binary used for SBOM generation.
func (c *Config) SyftPath() string {
	return envOr("EDGEBIT_SYFT_PATH", c.in.SyftPath)
}

// DockerHost returns the docker daemon address to connect to.
func (c *Config) DockerHost() string {
	return envOr("DOCKER_HOST", coalesce(c.in.DockerHost, defaultDockerHost))
}

// ContainerdHost returns the containerd socket address to connect to.
func (c *Config) ContainerdHost() string {
	return envOr("CONTAINERD_HOST", coalesce(c.in.ContainerdHost, defaultContainerdHost))
}

// ContainerdRoots lists host-visible rootfs roots to search for
// containerd-managed snapshots that aren't reachable via the mount table.
func (c *Config) ContainerdRoots() []string {
	return c.in.ContainerdRoots
}

// PkgTracking reports whether runtime package attribution is enabled at
// all; false degrades to a container/workload tracker with no SBOM
// correlation, useful when syft isn't available.
func (c *Config) PkgTracking() bool {
	if v, ok := os.LookupEnv("EDGEBIT_PKG_TRACKING"); ok {
		return v != "0" && v != "false"
	}
	if c.in.PkgTracking != nil {
		return *c.in.PkgTracking
	}
	return defaultPkgTracking
}

// Hostname returns the configured hostname, falling back to the env var
// and finally to os.Hostname.
func (c *Config) Hostname() string {
	if c.in.Hostname != nil {
		return *c.in.Hostname
	}
	if v, ok := os.LookupEnv("EDGEBIT_HOSTNAME"); ok {
		return v
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return ""
}

// HostRoot returns the path prefix under which the real host filesystem
// is visible to the agent (e.g. "/host" when running containerized).
func (c *Config) HostRoot() string {
	return envOr("EDGEBIT_HOSTROOT", coalesce(c.in.HostRoot, "/"))
}

// Labels returns static labels to attach to this host's workload.
func (c *Config) Labels() map[string]string {
	return c.in.Labels
}

func coalesce(v *string, fallback string) *string {
	if v != nil {
		return v
	}
	return &fallback
}

// FlushInterval is the cadence at which pending in-use reports are sent.
const FlushInterval = time.Second

// OpenEventLag is how long a file-open event sits in the attribution
// queue before being processed, giving late-starting containers time to
// register before their first opens would otherwise be misattributed to
// the host.
const OpenEventLag = 500 * time.Millisecond

// RecentReportedCacheSize bounds the per-workload LRU of already-reported
// paths.
const RecentReportedCacheSize = 256

// ContainerCleanupLag delays removing a stopped container's workload so
// that opens attributed to it just before exit still land correctly.
const ContainerCleanupLag = 10 * time.Second

// HeartbeatInterval and HeartbeatJitter bound how often an otherwise-idle
// workload still sends an empty in-use report, so the control plane can
// tell a quiet workload from a dead one.
const (
	HeartbeatInterval = 300 * time.Second
	HeartbeatJitter   = 30 * time.Second
)
