package cloudmeta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const gceMetadataHost = "metadata.google.internal"

type gceInstance struct {
	ID    uint64 `json:"id"`
	Image string `json:"image"`
	Zone  string `json:"zone"`
}

type gceProject struct {
	ProjectID string `json:"projectId"`
}

type gceMetadataDoc struct {
	Instance *gceInstance `json:"instance"`
	Project  *gceProject  `json:"project"`
}

type gceProvider struct {
	doc gceMetadataDoc
}

// loadGCE fetches the full recursive metadata document from the given
// metadata host (overridable in tests).
func loadGCE(ctx context.Context, host string) (Provider, error) {
	client := &http.Client{Timeout: 2 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/computeMetadata/v1/?recursive=true", host), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gce metadata: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var doc gceMetadataDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parsing gce metadata document: %w", err)
	}

	return &gceProvider{doc: doc}, nil
}

func (p *gceProvider) HostLabels() map[string]string {
	labels := map[string]string{LabelCloudProvider: "gce"}

	if inst := p.doc.Instance; inst != nil {
		if inst.ID != 0 {
			labels[LabelInstanceID] = strconv.FormatUint(inst.ID, 10)
		}
		if inst.Image != "" {
			labels[LabelImageID] = inst.Image
		}
		if inst.Zone != "" {
			region, zone := splitZone(inst.Zone)
			if region != "" {
				labels[LabelCloudRegion] = region
			}
			if zone != "" {
				labels[LabelCloudZone] = zone
			}
		}
	}

	if proj := p.doc.Project; proj != nil && proj.ProjectID != "" {
		labels[LabelCloudProjectID] = proj.ProjectID
	}

	return labels
}

func (p *gceProvider) ContainerLabels(string) map[string]string {
	return withoutImageID(p.HostLabels())
}
