// Package rpcpb defines the wire messages and service contract for the
// control-plane RPCs. The .proto service definitions themselves are an
// external collaborator's concern (see the control-plane team's schema
// repo); this package implements the same contract directly in Go using
// a JSON grpc.Codec instead of protoc-generated bindings, registered
// under content-subtype "json".
package rpcpb

import (
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// EnrollAgentRequest registers a new host with the control plane using a
// deployment-scoped token.
type EnrollAgentRequest struct {
	DeployToken string `json:"deploy_token"`
	Hostname    string `json:"hostname"`
	AgentVersion string `json:"agent_version"`
	MachineID   string `json:"machine_id"`
}

// EnrollAgentResponse carries the initial session the agent authenticates
// with until its first refresh.
type EnrollAgentResponse struct {
	RefreshToken string               `json:"refresh_token"`
	SessionToken string               `json:"session_token"`
	Expiration   *timestamppb.Timestamp `json:"expiration"`
}

// ExpirationTime converts Expiration to a time.Time.
func (r *EnrollAgentResponse) ExpirationTime() time.Time {
	return r.Expiration.AsTime()
}

// GetSessionTokenRequest exchanges a refresh token for a new session
// token before the current one expires.
type GetSessionTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// GetSessionTokenResponse carries the renewed session.
type GetSessionTokenResponse struct {
	SessionToken string                 `json:"session_token"`
	Expiration   *timestamppb.Timestamp `json:"expiration"`
}

// ExpirationTime converts Expiration to a time.Time.
func (r *GetSessionTokenResponse) ExpirationTime() time.Time {
	return r.Expiration.AsTime()
}

// UpsertWorkloadRequest reports a workload's identity and labels to the
// control plane, used both for the host workload (once, at startup) and
// for each container as it starts or stops.
type UpsertWorkloadRequest struct {
	WorkloadID string            `json:"workload_id"`
	Kind       string            `json:"kind"` // "host" or "container"
	Name       string            `json:"name"`
	Image      string            `json:"image,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	Removed    bool              `json:"removed,omitempty"`
}

// UpsertWorkloadResponse is empty; success is the absence of an RPC error.
type UpsertWorkloadResponse struct{}

// ResetWorkloadsRequest tells the control plane to forget every workload
// it has on file for this host, called once right after enrollment so a
// restarted agent doesn't leave stale workloads behind.
type ResetWorkloadsRequest struct {
	HostID string `json:"host_id"`
}

// ResetWorkloadsResponse is empty.
type ResetWorkloadsResponse struct{}

// PkgInUse names a package and the subset of its files observed open.
type PkgInUse struct {
	ID    string   `json:"id"`
	Files []string `json:"files"`
}

// ReportInUseRequest is a single workload's batch of newly observed
// opens since the last report; both InUse (package-resolved, host only)
// and Files (raw paths, container workloads) may be empty, in which case
// the call is a heartbeat.
type ReportInUseRequest struct {
	WorkloadID string     `json:"workload_id"`
	InUse      []PkgInUse `json:"in_use,omitempty"`
	Files      []string   `json:"files,omitempty"`
}

// ReportInUseResponse is empty.
type ReportInUseResponse struct{}

// SbomFormat names the encoding of an uploaded SBOM document.
type SbomFormat int32

const (
	SbomFormatUnspecified SbomFormat = iota
	SbomFormatSyft
)

// UploadSbomHeader is the first message of the UploadSbom client stream.
type UploadSbomHeader struct {
	Format SbomFormat `json:"format"`
	HostID string     `json:"host_id"`
}

// UploadSbomChunk is every subsequent message of the UploadSbom client
// stream: a raw slice of the SBOM document, chunked client-side at 64KiB.
type UploadSbomChunk struct {
	Data []byte `json:"data"`
}

// UploadSbomRequest is one frame of the bidirectional-shaped client
// stream: exactly one of Header or Chunk is set.
type UploadSbomRequest struct {
	Header *UploadSbomHeader `json:"header,omitempty"`
	Chunk  *UploadSbomChunk  `json:"chunk,omitempty"`
}

// UploadSbomResponse is returned once the stream is closed and the
// document is fully received.
type UploadSbomResponse struct {
	ID string `json:"id"`
}
