package paths

import "testing"

func TestRootfsJoin(t *testing.T) {
	cases := []struct {
		root RootfsPath
		p    WorkloadPath
		want HostPath
	}{
		{"/", "/usr/bin/ls", "/usr/bin/ls"},
		{"/mnt/container-abc", "/usr/bin/ls", "/mnt/container-abc/usr/bin/ls"},
		{"/mnt/container-abc/", "/usr/bin/ls", "/mnt/container-abc/usr/bin/ls"},
	}

	for _, c := range cases {
		got := c.root.Join(c.p)
		if got != c.want {
			t.Errorf("Join(%q, %q) = %q, want %q", c.root, c.p, got, c.want)
		}
	}
}

func TestRootfsToWorkloadPath(t *testing.T) {
	root := RootfsPath("/mnt/container-abc")

	got, ok := root.ToWorkloadPath("/mnt/container-abc/usr/bin/ls")
	if !ok || got != "/usr/bin/ls" {
		t.Fatalf("got %q, %v", got, ok)
	}

	_, ok = root.ToWorkloadPath("/other/usr/bin/ls")
	if ok {
		t.Fatalf("expected path outside root to fail")
	}
}

func TestRealpathRejectsRelative(t *testing.T) {
	if _, err := Realpath("not/absolute"); err == nil {
		t.Fatal("expected error for relative path")
	}
}
