package workloads

// Label namespaces shared across the host and container workload label
// maps reported to the control plane: a bare key for generic
// instance/image attributes, "kube:" for labels sourced from a
// container's Kubernetes pod metadata. Cloud-account/location labels
// live alongside their provider probes in pkg/cloudmeta.
const (
	// LabelImageTag has no producer yet in this agent (no workload source
	// currently surfaces a container's image tag separately from its
	// image reference), but is declared here to reserve its place in the
	// namespace alongside instance-tag (pkg/cloudmeta).
	LabelImageTag = "image-tag"

	LabelKubePodName       = "kube:pod:name"
	LabelKubeNamespaceName = "kube:namespace:name"
)

// Raw label keys a CRI-managed container (containerd or Docker under
// kubelet) carries, naming the pod and namespace it belongs to.
const (
	criLabelPodName   = "io.kubernetes.pod.name"
	criLabelNamespace = "io.kubernetes.pod.namespace"
)

// NormalizeContainerLabels rewrites the raw labels a container runtime
// reports into this agent's label namespace: CRI pod/namespace labels
// become kube:pod:name/kube:namespace:name, everything else passes
// through unchanged. The raw CRI keys are dropped rather than kept
// alongside their renamed form, since they're redundant once renamed.
func NormalizeContainerLabels(raw map[string]string) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch k {
		case criLabelPodName:
			out[LabelKubePodName] = v
		case criLabelNamespace:
			out[LabelKubeNamespaceName] = v
		default:
			out[k] = v
		}
	}
	return out
}
