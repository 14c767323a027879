package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/edgebitio/edgebit-agentd/pkg/cloudmeta"
	"github.com/edgebitio/edgebit-agentd/pkg/config"
	"github.com/edgebitio/edgebit-agentd/pkg/containers"
	"github.com/edgebitio/edgebit-agentd/pkg/containers/containerd"
	"github.com/edgebitio/edgebit-agentd/pkg/containers/docker"
	"github.com/edgebitio/edgebit-agentd/pkg/controlplane"
	"github.com/edgebitio/edgebit-agentd/pkg/controlplane/rpcpb"
	"github.com/edgebitio/edgebit-agentd/pkg/log"
	"github.com/edgebitio/edgebit-agentd/pkg/metrics"
	"github.com/edgebitio/edgebit-agentd/pkg/paths"
	"github.com/edgebitio/edgebit-agentd/pkg/probe"
	"github.com/edgebitio/edgebit-agentd/pkg/sbom"
	"github.com/edgebitio/edgebit-agentd/pkg/workloads"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "edgebit-agentd",
	Short:   "EdgeBit in-use attribution agent",
	Version: Version,
	RunE:    runAgent,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("edgebit-agentd version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("config", config.DefaultPath, "Path to the agent config file")
	rootCmd.Flags().String("sbom", "", "Path to a pre-generated syft SBOM; generated with syft if omitted")
	rootCmd.Flags().Bool("no-sbom-upload", false, "Skip uploading the host SBOM to the control plane")
	rootCmd.Flags().String("host-root", "", "Path prefix under which the real host filesystem is visible (overrides config/env)")
	rootCmd.Flags().String("hostname", "", "Hostname to report to the control plane (overrides config/env)")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics on")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runAgent(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("main")

	configPath, _ := cmd.Flags().GetString("config")
	sbomPath, _ := cmd.Flags().GetString("sbom")
	noSbomUpload, _ := cmd.Flags().GetBool("no-sbom-upload")
	hostRootFlag, _ := cmd.Flags().GetString("host-root")
	hostnameFlag, _ := cmd.Flags().GetString("hostname")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.Load(configPath, hostnameFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	hostRootStr := cfg.HostRoot()
	if hostRootFlag != "" {
		hostRootStr = hostRootFlag
	}
	hostRoot := paths.RootfsPath(hostRootStr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("probe", false, "initializing")
	metrics.RegisterComponent("control_plane", false, "initializing")

	go func() {
		http.Handle("/metrics", metrics.Handler())
		http.Handle("/health", metrics.HealthHandler())
		http.Handle("/ready", metrics.ReadyHandler())
		http.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

	registry, sbomImageID, generatedSbomPath, err := loadRegistry(cfg, sbomPath, hostRoot)
	if err != nil {
		return fmt.Errorf("preparing sbom: %w", err)
	}
	if sbomPath == "" {
		sbomPath = generatedSbomPath
	}

	machineID, err := readMachineID(hostRootStr)
	if err != nil {
		return fmt.Errorf("reading machine id: %w", err)
	}
	hostname := cfg.Hostname()

	hostID, err := sbom.LoadOrCreateBaseosID(sbom.BaseosIDFile)
	if err != nil {
		return fmt.Errorf("loading baseos id: %w", err)
	}

	cpClient, err := controlplane.Dial(ctx, cfg.EdgebitURL())
	if err != nil {
		return fmt.Errorf("dialing control plane: %w", err)
	}
	defer cpClient.Close()

	session := controlplane.NewSession(cpClient, cfg.EdgebitID(), hostname, machineID, Version)
	metrics.RegisterComponent("control_plane", true, "session keeper running")

	errCh := make(chan error, 8)
	go func() {
		errCh <- session.Run(ctx)
	}()

	cloud := cloudmeta.Load(ctx)

	hostLabels := mergeLabels(cfg.Labels(), cloud.HostLabels())

	host := workloads.NewHostWorkload(hostID, hostRoot, cfg.HostIncludes(), cfg.HostExcludes(), registry)

	tracker := containers.NewTracker()
	pidResolver := containers.NewPidResolver(tracker)
	set := workloads.NewSet(hostRoot, host, cfg.ContainerExcludes(), pidResolver, tracker)

	reporter := &controlplane.ReportAdapter{Client: cpClient}

	if err := cpClient.ResetWorkloads(ctx, hostID); err != nil {
		logger.Warn().Err(err).Msg("reset_workloads failed, continuing with stale state possibly present")
	}
	if err := cpClient.UpsertWorkload(ctx, rpcpb.UpsertWorkloadRequest{
		WorkloadID: hostID,
		Kind:       "host",
		Name:       hostname,
		Image:      sbomImageID,
		Labels:     hostLabels,
	}); err != nil {
		logger.Warn().Err(err).Msg("upsert_workload failed for host")
	}

	tracker.Subscribe(func(ev containers.Event) {
		switch ev.Kind {
		case containers.EventStarted:
			set.AddContainer(ev.Info)
			labels := mergeLabels(workloads.NormalizeContainerLabels(ev.Info.Labels), cloud.ContainerLabels(ev.Info.ID))
			if err := cpClient.UpsertWorkload(ctx, rpcpb.UpsertWorkloadRequest{
				WorkloadID: ev.Info.ID,
				Kind:       "container",
				Name:       ev.Info.Name,
				Image:      ev.Info.Image,
				Labels:     labels,
			}); err != nil {
				logger.Warn().Err(err).Str("container_id", ev.Info.ID).Msg("upsert_workload failed for container")
			}
		case containers.EventStopped:
			set.RemoveContainer(ev.Info.ID)
			if err := cpClient.UpsertWorkload(ctx, rpcpb.UpsertWorkloadRequest{
				WorkloadID: ev.Info.ID,
				Removed:    true,
			}); err != nil {
				logger.Warn().Err(err).Str("container_id", ev.Info.ID).Msg("upsert_workload(removed) failed for container")
			}
		}
	})

	go runContainerRuntimes(ctx, cfg, tracker, logger)

	coll, exitEvents, err := loadProbe(hostRootStr)
	if err != nil {
		return fmt.Errorf("loading probe: %w", err)
	}
	defer coll.Close()
	metrics.RegisterComponent("probe", true, "attached")

	go pidResolver.RunExitWatch(ctx, exitEvents)
	go forwardOpenEvents(ctx, coll, set)

	go set.Run(ctx)
	go workloads.RunFlushLoop(ctx, set, reporter)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Warn().Err(err).Msg("session keeper exited")
	}

	cancel()

	if sbomPath != "" && !noSbomUpload {
		if f, err := os.Open(sbomPath); err == nil {
			defer f.Close()
			if err := cpClient.UploadSbom(context.Background(), hostID, f); err != nil {
				logger.Warn().Err(err).Msg("sbom upload failed")
			}
		}
	}

	return nil
}

// probeSource is satisfied by both *probe.Collection and *probe.Fanotify,
// letting the rest of main wire either source into the workload set the
// same way.
type probeSource interface {
	Events() <-chan probe.FileOpenEvent
	Close() error
}

func forwardOpenEvents(ctx context.Context, src probeSource, set *workloads.Set) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src.Events():
			if !ok {
				return
			}
			set.Push(ev)
		}
	}
}

// loadProbe tries the eBPF probe first, retrying once with the optional
// openat2 programs disabled after a verifier rejection, and falls back to
// the fanotify notifier if eBPF can't be loaded at all (missing BTF,
// locked-down kernel, no CAP_BPF). The fanotify fallback has no
// equivalent to the eBPF exit map, so its exit-event channel is closed
// from the start; RunExitWatch then returns at once and the pid cache in
// pkg/containers never forgets a cached resolution.
func loadProbe(hostRoot string) (src probeSource, exitEvents <-chan probe.ProcessExitEvent, err error) {
	spec, err := probe.LoadSpec(probe.ObjectPath)
	if err == nil {
		opts := probe.LoadOptions{DisabledPrograms: map[string]bool{}}
		for {
			coll, loadErr := probe.Load(spec, opts)
			if loadErr == nil {
				return coll, coll.ExitEvents(), nil
			}
			if probe.IsVerifierRejection(loadErr) && !opts.DisabledPrograms["sys_exit_openat2"] {
				opts.DisabledPrograms["sys_enter_openat2"] = true
				opts.DisabledPrograms["sys_exit_openat2"] = true
				continue
			}
			log.WithComponent("probe").Warn().Err(loadErr).Msg("eBPF probe load failed, falling back to fanotify")
			break
		}
	} else {
		log.WithComponent("probe").Warn().Err(err).Msg("could not read bpf object, falling back to fanotify")
	}

	fn, ferr := probe.NewFanotify(hostRoot)
	if ferr != nil {
		return nil, nil, fmt.Errorf("neither eBPF nor fanotify probes could be loaded: %w", ferr)
	}

	closedExits := make(chan probe.ProcessExitEvent)
	close(closedExits)
	return fn, closedExits, nil
}

func runContainerRuntimes(ctx context.Context, cfg *config.Config, tracker *containers.Tracker, logger zerolog.Logger) {
	go containers.RunLoop(ctx, logger, 5*time.Second, func(ctx context.Context) error {
		return tracker.Run(ctx, docker.New(cfg.DockerHost()))
	})

	go containers.RunLoop(ctx, logger, 5*time.Second, func(ctx context.Context) error {
		return tracker.Run(ctx, containerd.New(cfg.ContainerdHost(), cfg.ContainerdRoots()))
	})
}

func loadRegistry(cfg *config.Config, sbomPath string, hostRoot paths.RootfsPath) (reg *sbom.Registry, sbomImageID string, usedPath string, err error) {
	if !cfg.PkgTracking() {
		return nil, "", "", nil
	}

	path := sbomPath
	if path == "" {
		tmp, err := os.CreateTemp("", "edgebit-sbom-*.json")
		if err != nil {
			return nil, "", "", err
		}
		tmp.Close()
		path = tmp.Name()

		if err := sbom.Generate(cfg.SyftPath(), cfg.SyftConfig(), path, hostRoot); err != nil {
			return nil, "", "", err
		}
	}

	s, err := sbom.Load(path)
	if err != nil {
		return nil, "", "", err
	}

	return sbom.FromSbom(s, hostRoot), s.ID(), path, nil
}

func mergeLabels(sets ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, set := range sets {
		for k, v := range set {
			out[k] = v
		}
	}
	return out
}

// machineIDRe matches the shape of a systemd machine-id: exactly 32
// lowercase hex digits. The reserved all-zero "uninitialized" value also
// matches; readMachineID rejects it separately.
var machineIDRe = regexp.MustCompile(`^[0-9a-f]{32}$`)

// readMachineID reads and validates the host's machine id, trying the
// standard systemd location first and falling back to dbus's own copy
// (some minimal/container base images ship only one of the two). A
// missing or malformed id on every candidate path is a fatal startup
// error: the control plane uses this id to recognize re-enrollment of
// the same physical/virtual host.
func readMachineID(hostRoot string) (string, error) {
	var lastErr error
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		data, err := os.ReadFile(hostRoot + p)
		if err != nil {
			lastErr = err
			continue
		}
		id := strings.TrimSpace(string(data))
		if !machineIDRe.MatchString(id) || strings.Count(id, "0") == len(id) {
			lastErr = fmt.Errorf("%s: not a valid machine id", hostRoot+p)
			continue
		}
		return id, nil
	}
	return "", fmt.Errorf("no valid machine id found: %w", lastErr)
}
