// Package sbom parses syft-formatted SBOM documents and builds a
// filename-to-package registry used to attribute opened files back to
// the packages that own them.
package sbom

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/edgebitio/edgebit-agentd/pkg/paths"
)

// BaseosIDFile persists the UUID that identifies the host workload across
// restarts, independent of both the SBOM's own source id and the
// configured hostname, neither of which is guaranteed stable (a syft
// rerun can assign a new source id; a hostname can be renamed).
var BaseosIDFile = "/var/lib/edgebit/baseos-id"

// LoadOrCreateBaseosID returns the host workload id cached at path,
// generating and persisting a new random one on first run.
func LoadOrCreateBaseosID(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading baseos id: %w", err)
	}

	id := uuid.NewString()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("creating baseos id directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("writing baseos id: %w", err)
	}
	return id, nil
}

// Generate shells out to syft to produce an SBOM for root, writing it to
// outPath. It is the one place this agent invokes an external process.
func Generate(syftPath, syftConfig, outPath string, root paths.RootfsPath) error {
	cmd := exec.Command(syftPath, "--file", outPath, "--config", syftConfig, root.Raw())
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("syft failed: %w", err)
	}
	return nil
}

// doc mirrors the subset of syft's JSON schema this agent depends on.
type doc struct {
	Artifacts []Artifact `json:"artifacts"`
	Source    struct {
		ID string `json:"id"`
	} `json:"source"`
}

// Artifact is a single package entry from a syft document.
type Artifact struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	MetadataType *string  `json:"metadataType"`
	Metadata     *metadata `json:"metadata"`
}

type metadata struct {
	Files                []file  `json:"files"`
	SitePackagesRootPath *string `json:"sitePackagesRootPath"`
}

type file struct {
	Path *string `json:"path"`
}

// Sbom is a parsed syft document.
type Sbom struct {
	doc doc
}

// Load reads and parses the syft document at path.
func Load(path string) (*Sbom, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return decode(f)
}

func decode(r io.Reader) (*Sbom, error) {
	var d doc
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("decoding sbom: %w", err)
	}
	return &Sbom{doc: d}, nil
}

// Artifacts returns every package entry in the document.
func (s *Sbom) Artifacts() []Artifact { return s.doc.Artifacts }

// ID returns the syft document's own source id, reported to the control
// plane as the host workload's image id (distinct from the host
// workload's own persisted id, see LoadOrCreateBaseosID).
func (s *Sbom) ID() string { return s.doc.Source.ID }

var expectedMetadataType = map[string]string{
	"deb":    "DpkgMetadata",
	"rpm":    "RpmMetadata",
	"python": "PythonPackageMetadata",
}

// Files returns the normalized, host-rooted paths an artifact owns. The
// mapping from syft artifact type to file list is not strictly
// one-to-one; unsupported types are reported as an error so callers can
// log and skip them individually.
func (a *Artifact) Files(hostRoot paths.RootfsPath) ([]paths.WorkloadPath, error) {
	expect, ok := expectedMetadataType[a.Type]
	if !ok {
		return nil, fmt.Errorf("%q is an unsupported artifact type", a.Type)
	}

	if a.Metadata == nil {
		return nil, nil
	}

	if a.MetadataType == nil {
		return nil, fmt.Errorf("metadataType is missing")
	}
	if *a.MetadataType != expect {
		return nil, fmt.Errorf("metadataType has unexpected value %s, expected %s", *a.MetadataType, expect)
	}

	if a.Type == "python" {
		return pythonFiles(a.Metadata, hostRoot)
	}
	return genericFiles(a.Metadata.Files, hostRoot)
}

func genericFiles(files []file, hostRoot paths.RootfsPath) ([]paths.WorkloadPath, error) {
	out := make([]paths.WorkloadPath, 0, len(files))
	for _, f := range files {
		p, ok := extractPath(f)
		if !ok {
			continue
		}
		out = append(out, normalize(hostRoot, p))
	}
	return out, nil
}

func pythonFiles(m *metadata, hostRoot paths.RootfsPath) ([]paths.WorkloadPath, error) {
	if m.SitePackagesRootPath == nil {
		return nil, fmt.Errorf("sitePackagesRootPath is missing")
	}
	siteRoot := paths.RootfsPath(*m.SitePackagesRootPath)

	out := make([]paths.WorkloadPath, 0, len(m.Files))
	for _, f := range m.Files {
		p, ok := extractPath(f)
		if !ok {
			continue
		}
		joined := siteRoot.Join(p)
		workloadPath, ok := paths.RootfsPath("/").ToWorkloadPath(joined)
		if !ok {
			continue
		}
		out = append(out, normalize(hostRoot, workloadPath))
	}
	return out, nil
}

func extractPath(f file) (paths.WorkloadPath, bool) {
	if f.Path == nil {
		return "", false
	}
	return paths.WorkloadPath(*f.Path), true
}

// normalize resolves a package-relative path's symlinks against hostRoot
// and reprojects the result back into workload space, falling back to
// the unresolved path if the filesystem doesn't have it (common for
// packages whose file list includes entries never actually installed).
func normalize(hostRoot paths.RootfsPath, p paths.WorkloadPath) paths.WorkloadPath {
	hostPath := hostRoot.Join(p)

	norm, err := paths.Realpath(hostPath)
	if err != nil {
		return p
	}

	wp, ok := hostRoot.ToWorkloadPath(norm)
	if !ok {
		return p
	}
	return wp
}
