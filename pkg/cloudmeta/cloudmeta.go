// Package cloudmeta probes the well-known cloud instance-metadata
// endpoints (EC2, GCE, Azure) and turns whatever it finds into host
// labels, tried in order and stopping at the first provider that
// answers. A host that isn't running on any recognized cloud gets no
// labels from this package at all, rather than an error.
package cloudmeta

import (
	"context"
	"strings"
)

// Label names shared across providers, namespaced the way every other
// label in this agent is: a bare key for generic attributes, "cloud:"
// for cloud-account/location attributes.
const (
	LabelInstanceID   = "instance-id"
	LabelImageID      = "image-id"
	// LabelInstanceTag is only populated by Azure, whose instance
	// document carries a human-assigned VM name; EC2 and GCE expose no
	// equivalent in the document fields this package reads.
	LabelInstanceTag   = "instance-tag"
	LabelCloudProvider = "cloud:provider"
	LabelCloudRegion   = "cloud:region"
	LabelCloudZone     = "cloud:zone"
	LabelCloudAccountID = "cloud:account-id"
	LabelCloudProjectID = "cloud:project-id"
)

// Provider is implemented by each cloud's metadata client.
type Provider interface {
	HostLabels() map[string]string
	ContainerLabels(id string) map[string]string
}

// Metadata wraps whichever Provider answered first, or a no-op provider
// if none did.
type Metadata struct {
	provider Provider
}

// Load tries EC2, then GCE, then Azure, returning the first provider that
// responds. This never returns an error: an unreachable or absent
// metadata service on every provider just yields an empty Metadata.
func Load(ctx context.Context) *Metadata {
	if p, err := loadEC2(ctx, ec2MetadataHost); err == nil {
		return &Metadata{provider: p}
	}
	if p, err := loadGCE(ctx, gceMetadataHost); err == nil {
		return &Metadata{provider: p}
	}
	if p, err := loadAzure(ctx, azureMetadataHost); err == nil {
		return &Metadata{provider: p}
	}
	return &Metadata{provider: nullProvider{}}
}

// HostLabels returns the labels describing the host instance itself.
func (m *Metadata) HostLabels() map[string]string {
	return m.provider.HostLabels()
}

// ContainerLabels returns the labels describing a container running on
// this host: the same cloud/location labels as the host, minus the
// host's own image id (a container has its own image identity).
func (m *Metadata) ContainerLabels(id string) map[string]string {
	return m.provider.ContainerLabels(id)
}

type nullProvider struct{}

func (nullProvider) HostLabels() map[string]string          { return map[string]string{} }
func (nullProvider) ContainerLabels(string) map[string]string { return map[string]string{} }

// withoutImageID copies labels minus LabelImageID, used by every
// provider's ContainerLabels since a container's own image identity
// supersedes the host's.
func withoutImageID(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		if k == LabelImageID {
			continue
		}
		out[k] = v
	}
	return out
}

// splitZone splits a GCE-style "projects/<n>/zones/<region>-<suffix>"
// value into its region and zone parts.
func splitZone(full string) (region, zone string) {
	idx := strings.LastIndex(full, "/zones/")
	if idx < 0 {
		return "", ""
	}
	zone = full[idx+len("/zones/"):]

	if i := strings.LastIndex(zone, "-"); i >= 0 {
		region = zone[:i]
	}
	return region, zone
}
