package workloads

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/edgebitio/edgebit-agentd/pkg/config"
	"github.com/edgebitio/edgebit-agentd/pkg/log"
	"github.com/edgebitio/edgebit-agentd/pkg/sbom"
)

// Report is what gets sent to the control plane for a single workload on
// a single flush: either resolved package refs (host workloads, which
// have an SBOM registry) or raw filenames (container workloads, which
// don't).
type Report struct {
	WorkloadID string
	Pkgs       []sbom.PkgRef
	Files      []string
}

// Reporter sends a single workload's in-use report to the control plane.
type Reporter interface {
	ReportInUse(ctx context.Context, report Report) error
}

// jitteredDuration returns base plus a uniformly distributed value in
// [-spread, +spread], used so many agents don't all heartbeat in lockstep.
func jitteredDuration(base, spread time.Duration) time.Duration {
	if spread <= 0 {
		return base
	}
	delta := time.Duration(rand.Int64N(int64(2*spread+1))) - spread
	return base + delta
}

// RunFlushLoop flushes every workload's pending batch to reporter once a
// second. A workload with nothing pending for config.HeartbeatInterval
// (± jitter) still gets an empty report sent, so the control plane can
// distinguish "quiet" from "gone".
func RunFlushLoop(ctx context.Context, set *Set, reporter Reporter) {
	ticker := time.NewTicker(config.FlushInterval)
	defer ticker.Stop()

	logger := log.WithComponent("flush")
	lastSent := make(map[string]time.Time)
	nextHeartbeat := make(map[string]time.Duration)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, w := range set.Workloads() {
				files := w.DrainPending()

				due, ok := nextHeartbeat[w.ID]
				if !ok {
					due = jitteredDuration(config.HeartbeatInterval, config.HeartbeatJitter)
					nextHeartbeat[w.ID] = due
				}

				if len(files) == 0 && time.Since(lastSent[w.ID]) < due {
					continue
				}

				report := Report{WorkloadID: w.ID}
				if pkgs := w.PkgRefs(files); pkgs != nil {
					report.Pkgs = pkgs
				} else {
					report.Files = files
				}

				if err := reporter.ReportInUse(ctx, report); err != nil {
					logger.Warn().Err(err).Str("workload_id", w.ID).Msg("report_in_use failed")
					continue
				}

				lastSent[w.ID] = time.Now()
				nextHeartbeat[w.ID] = jitteredDuration(config.HeartbeatInterval, config.HeartbeatJitter)
			}
		}
	}
}
