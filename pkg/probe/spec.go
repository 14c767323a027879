package probe

import (
	"fmt"

	"github.com/cilium/ebpf"
)

// ObjectPath is the default install location of the compiled BPF object
// produced from pkg/probe/bpf/probe.bpf.c.
const ObjectPath = "/usr/lib/edgebit-agentd/probe.o"

// LoadSpec reads a compiled BPF ELF object from path without loading it
// into the kernel yet, letting the caller inspect available maps (e.g.
// to decide ring buffer vs. perf buffer) before calling Load.
func LoadSpec(path string) (*ebpf.CollectionSpec, error) {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("loading bpf object %s: %w", path, err)
	}
	return spec, nil
}
