package cloudmeta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const ec2MetadataHost = "169.254.169.254"

const ec2TokenTTL = "21600"

type ec2IdentityDocument struct {
	AccountID        string `json:"accountId"`
	AvailabilityZone string `json:"availabilityZone"`
	ImageID          string `json:"imageId"`
	InstanceID       string `json:"instanceId"`
	Region           string `json:"region"`
}

type ec2Provider struct {
	doc ec2IdentityDocument
}

// loadEC2 fetches an IMDSv2 session token, then the instance identity
// document, from the given metadata host (overridable in tests).
func loadEC2(ctx context.Context, host string) (Provider, error) {
	client := &http.Client{Timeout: 2 * time.Second}

	token, err := ec2FetchToken(ctx, client, host)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/latest/dynamic/instance-identity/document", host), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-aws-ec2-metadata-token", token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ec2 metadata: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var doc ec2IdentityDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parsing ec2 identity document: %w", err)
	}

	return &ec2Provider{doc: doc}, nil
}

func ec2FetchToken(ctx context.Context, client *http.Client, host string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		fmt.Sprintf("http://%s/latest/api/token", host), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-aws-ec2-metadata-token-ttl-seconds", ec2TokenTTL)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ec2 token request: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (p *ec2Provider) HostLabels() map[string]string {
	labels := map[string]string{LabelCloudProvider: "ec2"}

	if p.doc.InstanceID != "" {
		labels[LabelInstanceID] = p.doc.InstanceID
	}
	if p.doc.ImageID != "" {
		labels[LabelImageID] = p.doc.ImageID
	}
	if p.doc.Region != "" {
		labels[LabelCloudRegion] = p.doc.Region
	}
	if p.doc.AvailabilityZone != "" {
		labels[LabelCloudZone] = p.doc.AvailabilityZone
	}
	if p.doc.AccountID != "" {
		labels[LabelCloudAccountID] = p.doc.AccountID
	}

	return labels
}

func (p *ec2Provider) ContainerLabels(string) map[string]string {
	return withoutImageID(p.HostLabels())
}
