package sbom

import (
	"github.com/edgebitio/edgebit-agentd/pkg/log"
	"github.com/edgebitio/edgebit-agentd/pkg/paths"
)

// PkgRef names a package and the subset of its files that were looked up
// together in a single GetPackages call.
type PkgRef struct {
	ID        string
	Filenames []string
}

// Registry maps a normalized filename back to the package ids that ship
// it, built once from a loaded SBOM and consulted on every host file
// open.
type Registry struct {
	byFile map[string][]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byFile: make(map[string][]string)}
}

// FromSbom indexes every artifact in s by the files it owns. An artifact
// whose file list can't be resolved (unsupported type, malformed
// metadata) is skipped with a warning rather than failing the whole
// registry build.
func FromSbom(s *Sbom, hostRoot paths.RootfsPath) *Registry {
	r := NewRegistry()

	for _, pkg := range s.Artifacts() {
		files, err := pkg.Files(hostRoot)
		if err != nil {
			log.WithComponent("sbom").Warn().Str("pkg", pkg.ID).Err(err).Msg("skipping artifact")
			continue
		}
		for _, f := range files {
			r.Add(f.Raw(), pkg.ID)
		}
	}

	return r
}

// Add records that pkg owns filename.
func (r *Registry) Add(filename, pkg string) {
	r.byFile[filename] = append(r.byFile[filename], pkg)
}

// AddPkg records that pkg owns every file in files.
func (r *Registry) AddPkg(pkg string, files []string) {
	for _, f := range files {
		r.Add(f, pkg)
	}
}

// GetPackages looks up every filename and groups the results by owning
// package. Filenames owned by no known package are grouped under the
// empty-string package id, matching how the control plane represents
// "unattributed" files rather than dropping them silently.
func (r *Registry) GetPackages(filenames []string) []PkgRef {
	result := make(map[string]*PkgRef)

	for _, f := range filenames {
		ids, ok := r.byFile[f]
		if !ok {
			if ref, ok := result[""]; ok {
				ref.Filenames = append(ref.Filenames, f)
			} else {
				result[""] = &PkgRef{ID: "", Filenames: []string{f}}
			}
			continue
		}

		for _, id := range ids {
			if ref, ok := result[id]; ok {
				ref.Filenames = append(ref.Filenames, f)
			} else {
				result[id] = &PkgRef{ID: id, Filenames: []string{f}}
			}
		}
	}

	out := make([]PkgRef, 0, len(result))
	for _, ref := range result {
		out = append(out, *ref)
	}
	return out
}
