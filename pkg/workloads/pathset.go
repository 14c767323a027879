package workloads

import (
	"strings"

	"github.com/edgebitio/edgebit-agentd/pkg/paths"
)

// PathSet is a set of workload-relative path prefixes, queried with
// Contains to decide whether a given path falls under any member. It's
// deliberately prefix-based rather than exact-match: an entry like
// "/usr" also matches "/usr/bin/ls".
type PathSet struct {
	members []string
}

// NewPathSet builds a PathSet from a list of path prefixes.
func NewPathSet(prefixes []string) PathSet {
	return PathSet{members: append([]string(nil), prefixes...)}
}

// Contains reports whether p falls under any member prefix.
func (s PathSet) Contains(p paths.WorkloadPath) bool {
	raw := string(p)
	for _, m := range s.members {
		if raw == m || strings.HasPrefix(raw, strings.TrimSuffix(m, "/")+"/") {
			return true
		}
	}
	return false
}

// Empty reports whether the set has no members, in which case Contains
// always returns false.
func (s PathSet) Empty() bool {
	return len(s.members) == 0
}
