package paths

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestResolve_AbsolutePath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}

	dir := t.TempDir()
	bin := filepath.Join(dir, "mytool")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := Resolve(bin)
	if err != nil {
		t.Fatalf("Resolve(%q) = %v", bin, err)
	}
	if got != bin {
		t.Errorf("Resolve() = %q, want %q", got, bin)
	}
}

func TestResolve_AbsolutePathNotExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}

	dir := t.TempDir()
	plain := filepath.Join(dir, "notatool")
	if err := os.WriteFile(plain, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Resolve(plain); err == nil {
		t.Error("Resolve() succeeded for non-executable file")
	}
}

func TestResolve_ViaPath(t *testing.T) {
	// "sh" exists on every unix PATH; resolution must return an
	// absolute path to it.
	if runtime.GOOS == "windows" {
		t.Skip("unix tool")
	}

	got, err := Resolve("sh")
	if err != nil {
		t.Fatalf("Resolve(sh) = %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Errorf("Resolve(sh) = %q, want absolute path", got)
	}
}

func TestResolve_NotFoundNamesLocations(t *testing.T) {
	_, err := Resolve("definitely-not-a-real-command-xyzzy")
	if err == nil {
		t.Fatal("Resolve() = nil error for nonexistent command")
	}
	if !strings.Contains(err.Error(), "fallback locations") {
		t.Errorf("error %q should name the searched fallback locations", err)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}

	tests := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/bin/tool", filepath.Join(home, "bin", "tool")},
		{"/usr/bin/env", "/usr/bin/env"},
		{"relative/path", "relative/path"},
		{"~user/bin", "~user/bin"}, // other-user expansion unsupported
	}

	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
