// Package paths implements the three path spaces the agent reasons about:
// the host's own filesystem, an agent-visible rootfs (possibly mounted
// under a prefix such as /host), and a path as seen from inside a
// workload's own root. Converting between them is pure string and
// syscall-level manipulation; it deliberately never calls open(2), so
// that resolving a path can't itself generate the kernel events the
// probe layer is watching for.
package paths

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// HostPath is a path as the kernel sees it, absolute from the real root.
type HostPath string

// RootfsPath is a path rooted at the agent's view of a filesystem: either
// the real host root ("/") or a container's merged rootfs directory.
type RootfsPath string

// WorkloadPath is an absolute path as it would be seen from inside the
// workload that owns it (i.e. relative to that workload's own root).
type WorkloadPath string

// Join appends a (possibly absolute) workload-relative path onto a root,
// stripping any leading separator so the result stays under root.
func (r RootfsPath) Join(p WorkloadPath) HostPath {
	rel := strings.TrimPrefix(string(p), "/")
	if rel == "" {
		return HostPath(string(r))
	}
	return HostPath(strings.TrimSuffix(string(r), "/") + "/" + rel)
}

// ToWorkloadPath reinterprets a host path as relative to root, returning
// false if the host path does not fall under root.
func (r RootfsPath) ToWorkloadPath(h HostPath) (WorkloadPath, bool) {
	root := strings.TrimSuffix(string(r), "/")
	hs := string(h)
	if root == "" || root == "/" {
		return WorkloadPath(hs), true
	}
	if hs == root {
		return WorkloadPath("/"), true
	}
	if !strings.HasPrefix(hs, root+"/") {
		return WorkloadPath(""), false
	}
	return WorkloadPath(strings.TrimPrefix(hs, root)), true
}

// Raw returns the underlying string.
func (h HostPath) Raw() string    { return string(h) }
func (r RootfsPath) Raw() string  { return string(r) }
func (p WorkloadPath) Raw() string { return string(p) }

// maxSymlinks bounds symlink-chasing depth, matching the kernel's own
// ELOOP limit so a cyclic symlink can't hang resolution.
const maxSymlinks = 40

// Realpath resolves h to its canonical form by manually walking each path
// component and reading any symlinks encountered with readlink(2), never
// open(2). A file that doesn't exist, or any component that isn't
// accessible, yields an error.
func Realpath(h HostPath) (HostPath, error) {
	return realpath(string(h), 0)
}

func realpath(p string, depth int) (HostPath, error) {
	if depth > maxSymlinks {
		return "", fmt.Errorf("realpath %q: too many levels of symbolic links", p)
	}

	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("realpath %q: not absolute", p)
	}

	var resolved string
	parts := strings.Split(p, "/")
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if idx := strings.LastIndex(resolved, "/"); idx >= 0 {
				resolved = resolved[:idx]
			} else {
				resolved = ""
			}
		default:
			candidate := resolved + "/" + part
			buf := make([]byte, unix.PathMax)
			n, err := unix.Readlink(candidate, buf)
			if err != nil {
				if err == unix.EINVAL {
					// not a symlink, keep as-is
					resolved = candidate
					continue
				}
				return "", fmt.Errorf("readlink %q: %w", candidate, err)
			}
			target := string(buf[:n])

			if !strings.HasPrefix(target, "/") {
				target = resolved + "/" + target
			}

			next, err := realpath(target, depth+1)
			if err != nil {
				return "", err
			}
			resolved = string(next)
		}
	}

	if resolved == "" {
		resolved = "/"
	}
	return HostPath(resolved), nil
}

// IsRegularFile stats h without following any open() path, returning
// whether it names a regular file.
func IsRegularFile(h HostPath) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(string(h), &st); err != nil {
		return false, err
	}
	return st.Mode&unix.S_IFMT == unix.S_IFREG, nil
}

// IsNotFound reports whether err indicates the path didn't exist.
func IsNotFound(err error) bool {
	return err == unix.ENOENT || err == unix.ENOTDIR
}
