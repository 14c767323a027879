package cloudmeta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const azureMetadataHost = "169.254.169.254"

type azureInstanceDocument struct {
	Name           string `json:"name"`
	Location       string `json:"location"`
	VMID           string `json:"vmId"`
	Zone           string `json:"zone"`
	SubscriptionID string `json:"subscriptionId"`
}

type azureProvider struct {
	doc azureInstanceDocument
}

// loadAzure fetches the instance compute metadata document from the
// given metadata host (overridable in tests).
func loadAzure(ctx context.Context, host string) (Provider, error) {
	client := &http.Client{Timeout: 2 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/metadata/instance/compute?api-version=2021-12-13", host), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Metadata", "true")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("azure metadata: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var doc azureInstanceDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parsing azure instance document: %w", err)
	}

	return &azureProvider{doc: doc}, nil
}

func (p *azureProvider) HostLabels() map[string]string {
	labels := map[string]string{LabelCloudProvider: "azure"}

	if p.doc.VMID != "" {
		labels[LabelInstanceID] = p.doc.VMID
	}
	if p.doc.Name != "" {
		labels[LabelInstanceTag] = p.doc.Name
	}
	if p.doc.Location != "" {
		labels[LabelCloudRegion] = p.doc.Location
	}
	if p.doc.Zone != "" {
		labels[LabelCloudZone] = p.doc.Zone
	}
	if p.doc.SubscriptionID != "" {
		labels[LabelCloudAccountID] = p.doc.SubscriptionID
	}

	return labels
}

func (p *azureProvider) ContainerLabels(string) map[string]string {
	return withoutImageID(p.HostLabels())
}
