package workloads

import (
	"testing"

	"github.com/edgebitio/edgebit-agentd/pkg/paths"
)

func TestPathSetContains(t *testing.T) {
	s := NewPathSet([]string{"/usr", "/opt/app"})

	cases := map[string]bool{
		"/usr/bin/ls":   true,
		"/usr":          true,
		"/opt/app/bin":  true,
		"/opt/appendix": false,
		"/etc/passwd":   false,
	}

	for p, want := range cases {
		if got := s.Contains(paths.WorkloadPath(p)); got != want {
			t.Errorf("Contains(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestPathSetEmpty(t *testing.T) {
	s := NewPathSet(nil)
	if !s.Empty() {
		t.Fatal("expected empty set")
	}
	if s.Contains(paths.WorkloadPath("/anything")) {
		t.Fatal("empty set should never match")
	}
}
