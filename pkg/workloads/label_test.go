package workloads

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeContainerLabelsRenamesCRIKeys(t *testing.T) {
	raw := map[string]string{
		"io.kubernetes.pod.name":      "api-7f8c",
		"io.kubernetes.pod.namespace": "prod",
		"io.kubernetes.container.name": "api",
		"app":                         "api",
	}

	got := NormalizeContainerLabels(raw)

	assert.Equal(t, "api-7f8c", got[LabelKubePodName])
	assert.Equal(t, "prod", got[LabelKubeNamespaceName])
	assert.Equal(t, "api", got["io.kubernetes.container.name"])
	assert.Equal(t, "api", got["app"])
	assert.NotContains(t, got, "io.kubernetes.pod.name")
	assert.NotContains(t, got, "io.kubernetes.pod.namespace")
}

func TestNormalizeContainerLabelsPassesThroughNonCRI(t *testing.T) {
	raw := map[string]string{"team": "platform"}
	assert.Equal(t, raw, NormalizeContainerLabels(raw))
}
