package controlplane

import (
	"context"

	"github.com/edgebitio/edgebit-agentd/pkg/controlplane/rpcpb"
	"github.com/edgebitio/edgebit-agentd/pkg/sbom"
	"github.com/edgebitio/edgebit-agentd/pkg/workloads"
)

// ReportAdapter implements workloads.Reporter against a Client, translating
// the workload package's Report shape into the wire request.
type ReportAdapter struct {
	Client *Client
}

// ReportInUse implements workloads.Reporter.
func (a *ReportAdapter) ReportInUse(ctx context.Context, report workloads.Report) error {
	req := rpcpb.ReportInUseRequest{
		WorkloadID: report.WorkloadID,
		Files:      report.Files,
	}

	if len(report.Pkgs) > 0 {
		req.InUse = make([]rpcpb.PkgInUse, 0, len(report.Pkgs))
		for _, p := range report.Pkgs {
			req.InUse = append(req.InUse, pkgInUseFrom(p))
		}
	}

	return a.Client.ReportInUse(ctx, req)
}

func pkgInUseFrom(p sbom.PkgRef) rpcpb.PkgInUse {
	return rpcpb.PkgInUse{ID: p.ID, Files: p.Filenames}
}
