package sbom

import (
	"sort"
	"testing"
)

func TestRegistryGetPackagesUnattributed(t *testing.T) {
	r := NewRegistry()
	r.Add("/usr/bin/ls", "coreutils-1.0")

	refs := r.GetPackages([]string{"/usr/bin/ls", "/usr/bin/mystery"})

	byID := make(map[string][]string)
	for _, ref := range refs {
		byID[ref.ID] = ref.Filenames
	}

	if got := byID["coreutils-1.0"]; len(got) != 1 || got[0] != "/usr/bin/ls" {
		t.Fatalf("coreutils-1.0 files = %v", got)
	}

	unattributed := byID[""]
	sort.Strings(unattributed)
	if len(unattributed) != 1 || unattributed[0] != "/usr/bin/mystery" {
		t.Fatalf("unattributed files = %v", unattributed)
	}
}

func TestRegistryAddPkg(t *testing.T) {
	r := NewRegistry()
	r.AddPkg("glibc-2.3", []string{"/lib/libc.so.6", "/lib/ld-linux.so.2"})

	refs := r.GetPackages([]string{"/lib/libc.so.6"})
	if len(refs) != 1 || refs[0].ID != "glibc-2.3" {
		t.Fatalf("refs = %+v", refs)
	}
}
