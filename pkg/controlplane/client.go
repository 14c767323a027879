// Package controlplane implements the agent's gRPC client to the
// EdgeBit control plane: enrollment, session renewal, workload
// lifecycle reporting, in-use batches, and SBOM upload.
package controlplane

import (
	"context"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/edgebitio/edgebit-agentd/pkg/controlplane/rpcpb"
	"github.com/edgebitio/edgebit-agentd/pkg/metrics"
)

const callTimeout = 10 * time.Second

// Client wraps a single gRPC connection to the control plane, dispatching
// calls through the hand-rolled JSON codec (see rpcpb) instead of
// protoc-generated stubs.
type Client struct {
	conn  *grpc.ClientConn
	token *tokenHolder
}

// Dial connects to addr. TLS is expected to be terminated by the
// control plane's own load balancer; the agent authenticates purely via
// the bearer token carried on each call, not mTLS, since unlike the
// cluster-internal control plane this teacher pattern was built for,
// EdgeBit's control plane is a public multi-tenant endpoint.
func Dial(ctx context.Context, addr string) (*Client, error) {
	holder := newTokenHolder()

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(authInterceptor(holder)),
		grpc.WithStreamInterceptor(streamAuthInterceptor(holder)),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpcpb.CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing control plane %s: %w", addr, err)
	}

	return &Client{conn: conn, token: holder}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SetToken updates the bearer token used on every subsequent call.
func (c *Client) SetToken(token string) {
	c.token.Set(token)
}

// EnrollAgent exchanges a deploy token for an initial session.
func (c *Client) EnrollAgent(ctx context.Context, req rpcpb.EnrollAgentRequest) (*rpcpb.EnrollAgentResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	resp := new(rpcpb.EnrollAgentResponse)
	if err := c.conn.Invoke(ctx, rpcpb.MethodEnrollAgent, &req, resp); err != nil {
		metrics.ControlPlaneRPCFailures.WithLabelValues("EnrollAgent").Inc()
		return nil, err
	}
	return resp, nil
}

// GetSessionToken exchanges a refresh token for a renewed session.
func (c *Client) GetSessionToken(ctx context.Context, req rpcpb.GetSessionTokenRequest) (*rpcpb.GetSessionTokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	resp := new(rpcpb.GetSessionTokenResponse)
	if err := c.conn.Invoke(ctx, rpcpb.MethodGetSessionToken, &req, resp); err != nil {
		metrics.ControlPlaneRPCFailures.WithLabelValues("GetSessionToken").Inc()
		return nil, err
	}
	return resp, nil
}

// UpsertWorkload reports a workload's current identity and labels.
func (c *Client) UpsertWorkload(ctx context.Context, req rpcpb.UpsertWorkloadRequest) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	resp := new(rpcpb.UpsertWorkloadResponse)
	if err := c.conn.Invoke(ctx, rpcpb.MethodUpsertWorkload, &req, resp); err != nil {
		metrics.ControlPlaneRPCFailures.WithLabelValues("UpsertWorkload").Inc()
		return err
	}
	return nil
}

// ResetWorkloads tells the control plane to forget every workload on
// file for this host. Called once right after enrollment.
func (c *Client) ResetWorkloads(ctx context.Context, hostID string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	resp := new(rpcpb.ResetWorkloadsResponse)
	req := rpcpb.ResetWorkloadsRequest{HostID: hostID}
	if err := c.conn.Invoke(ctx, rpcpb.MethodResetWorkloads, &req, resp); err != nil {
		metrics.ControlPlaneRPCFailures.WithLabelValues("ResetWorkloads").Inc()
		return err
	}
	return nil
}

// ReportInUse sends a single workload's batch (or heartbeat, if both
// InUse and Files are empty).
func (c *Client) ReportInUse(ctx context.Context, req rpcpb.ReportInUseRequest) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	kind := "heartbeat"
	if len(req.InUse) > 0 || len(req.Files) > 0 {
		kind = "batch"
	}

	resp := new(rpcpb.ReportInUseResponse)
	if err := c.conn.Invoke(ctx, rpcpb.MethodReportInUse, &req, resp); err != nil {
		metrics.ControlPlaneRPCFailures.WithLabelValues("ReportInUse").Inc()
		return err
	}
	metrics.ControlPlaneFlushesTotal.WithLabelValues(kind).Inc()
	return nil
}

// UploadSbom streams r in 64KiB chunks, preceded by a header frame naming
// the document format, over a client-streaming call.
func (c *Client) UploadSbom(ctx context.Context, hostID string, r io.Reader) error {
	stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{ClientStreams: true}, rpcpb.MethodUploadSbom, grpc.CallContentSubtype(rpcpb.CodecName))
	if err != nil {
		return fmt.Errorf("opening sbom upload stream: %w", err)
	}

	header := &rpcpb.UploadSbomRequest{Header: &rpcpb.UploadSbomHeader{
		Format: rpcpb.SbomFormatSyft,
		HostID: hostID,
	}}
	if err := stream.SendMsg(header); err != nil {
		return fmt.Errorf("sending sbom header: %w", err)
	}

	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := &rpcpb.UploadSbomRequest{Chunk: &rpcpb.UploadSbomChunk{Data: append([]byte(nil), buf[:n]...)}}
			if err := stream.SendMsg(chunk); err != nil {
				return fmt.Errorf("sending sbom chunk: %w", err)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading sbom: %w", err)
		}
	}

	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("closing sbom upload stream: %w", err)
	}

	resp := new(rpcpb.UploadSbomResponse)
	if err := stream.RecvMsg(resp); err != nil {
		metrics.ControlPlaneRPCFailures.WithLabelValues("UploadSbom").Inc()
		return fmt.Errorf("receiving sbom upload response: %w", err)
	}
	return nil
}
