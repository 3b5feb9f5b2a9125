package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func makeDeviceFile(t *testing.T, sizeSectors uint64) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "device.img")

	if err := os.WriteFile(path, make([]byte, sizeSectors*512), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return path
}

func TestRunOneShotStatus(t *testing.T) {
	mainPath := makeDeviceFile(t, 5000)
	sparePath := makeDeviceFile(t, 2000)

	var out, errOut bytes.Buffer

	code := run([]string{mainPath, sparePath, "status"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("run() = %d, stderr=%q", code, errOut.String())
	}

	if !strings.Contains(out.String(), "remaps=0") {
		t.Fatalf("status output = %q, want remaps=0", out.String())
	}
}

func TestRunMissingArgsIsUsageError(t *testing.T) {
	var out, errOut bytes.Buffer

	code := run(nil, &out, &errOut)
	if code != 2 {
		t.Fatalf("run() = %d, want 2", code)
	}
}

func TestRunRegisterThenUse(t *testing.T) {
	mainPath := makeDeviceFile(t, 5000)
	sparePath := makeDeviceFile(t, 2000)
	registryPath := filepath.Join(t.TempDir(), "registry.jsonc")

	var out, errOut bytes.Buffer

	code := run([]string{
		"--register", "mytarget",
		"--registry", registryPath,
		mainPath, sparePath, "status",
	}, &out, &errOut)
	if code != 0 {
		t.Fatalf("run() = %d, stderr=%q", code, errOut.String())
	}

	out.Reset()

	code = run([]string{"--registry", registryPath, "--use", "mytarget", "status"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("run() with -use = %d, stderr=%q", code, errOut.String())
	}

	if !strings.Contains(out.String(), "remaps=0") {
		t.Fatalf("status output = %q, want remaps=0", out.String())
	}

	out.Reset()

	code = run([]string{"--registry", registryPath, "targets"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("run() targets = %d, stderr=%q", code, errOut.String())
	}

	if !strings.Contains(out.String(), "mytarget") {
		t.Fatalf("targets output = %q, want mytarget", out.String())
	}
}

func TestRunUseUnknownNameFails(t *testing.T) {
	registryPath := filepath.Join(t.TempDir(), "registry.jsonc")

	var out, errOut bytes.Buffer

	code := run([]string{"--registry", registryPath, "--use", "nope", "status"}, &out, &errOut)
	if code != 2 {
		t.Fatalf("run() = %d, want 2", code)
	}
}
