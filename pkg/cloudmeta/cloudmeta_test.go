package cloudmeta

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEC2(t *testing.T) {
	var tokenRequested bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/api/token"):
			tokenRequested = true
			assert.Equal(t, http.MethodPut, r.Method)
			w.Write([]byte("fake-token"))
		case strings.HasSuffix(r.URL.Path, "/instance-identity/document"):
			assert.Equal(t, "fake-token", r.Header.Get("X-aws-ec2-metadata-token"))
			w.Write([]byte(`{"accountId":"601263177651","availabilityZone":"us-east-1d","imageId":"ami-0557a15b87f6559cf","instanceId":"i-01d1e9aa7a573262f","region":"us-east-1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p, err := loadEC2(context.Background(), srv.Listener.Addr().String())
	require.NoError(t, err)
	assert.True(t, tokenRequested)

	labels := p.HostLabels()
	assert.Equal(t, "ec2", labels[LabelCloudProvider])
	assert.Equal(t, "i-01d1e9aa7a573262f", labels[LabelInstanceID])
	assert.Equal(t, "us-east-1", labels[LabelCloudRegion])
	assert.Equal(t, "us-east-1d", labels[LabelCloudZone])
	assert.Equal(t, "601263177651", labels[LabelCloudAccountID])

	containerLabels := p.ContainerLabels("abc")
	_, hasImage := containerLabels[LabelImageID]
	assert.False(t, hasImage)
}

func TestLoadGCE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Google", r.Header.Get("Metadata-Flavor"))
		w.Write([]byte(`{"instance":{"id":7857118082129425400,"image":"projects/gke-node-images/global/images/cos-97","zone":"projects/518549494526/zones/us-central1-c"},"project":{"projectId":"sandbox-373114"}}`))
	}))
	defer srv.Close()

	p, err := loadGCE(context.Background(), srv.Listener.Addr().String())
	require.NoError(t, err)

	labels := p.HostLabels()
	assert.Equal(t, "gce", labels[LabelCloudProvider])
	assert.Equal(t, "us-central1", labels[LabelCloudRegion])
	assert.Equal(t, "us-central1-c", labels[LabelCloudZone])
	assert.Equal(t, "sandbox-373114", labels[LabelCloudProjectID])
}

func TestLoadAzure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.Header.Get("Metadata"))
		w.Write([]byte(`{"name":"myvmname","location":"westus","vmId":"02aab8a4-74ef-476e-8182-f6d2ba4166a6","zone":"","subscriptionId":"xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx"}`))
	}))
	defer srv.Close()

	p, err := loadAzure(context.Background(), srv.Listener.Addr().String())
	require.NoError(t, err)

	labels := p.HostLabels()
	assert.Equal(t, "azure", labels[LabelCloudProvider])
	assert.Equal(t, "02aab8a4-74ef-476e-8182-f6d2ba4166a6", labels[LabelInstanceID])
	assert.Equal(t, "westus", labels[LabelCloudRegion])
	assert.Equal(t, "myvmname", labels[LabelInstanceTag])
}

func TestSplitZone(t *testing.T) {
	region, zone := splitZone("projects/518549494526/zones/us-central1-c")
	assert.Equal(t, "us-central1", region)
	assert.Equal(t, "us-central1-c", zone)

	region, zone = splitZone("not-a-zone-path")
	assert.Equal(t, "", region)
	assert.Equal(t, "", zone)
}

func TestNullProviderHasNoLabels(t *testing.T) {
	m := &Metadata{provider: nullProvider{}}
	assert.Empty(t, m.HostLabels())
	assert.Empty(t, m.ContainerLabels("x"))
}
