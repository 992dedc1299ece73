package digest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/banksean/cvmforge/internal/procrun"
)

// fakeDigestCalc writes a tiny shell script standing in for digest_calc: it
// ignores --vm-definition and its argument and emits a fixed JSON object,
// enough to exercise Compute's plumbing without a real digest tool.
func fakeDigestCalc(t *testing.T, binDir string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	script := "#!/bin/sh\necho '{\"measurement\":\"deadbeef\"}'\n"
	path := filepath.Join(binDir, ToolName)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestComputeWritesInputsJSONAndReturnsParsedValue(t *testing.T) {
	binDir := t.TempDir()
	fakeDigestCalc(t, binDir)

	workDir := t.TempDir()
	restore := chdir(t, workDir)
	defer restore()

	descriptorPath := filepath.Join(t.TempDir(), "vm.cfg")
	if err := os.WriteFile(descriptorPath, []byte("host_cpu_family = \"Milan\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	raw, err := Compute(context.Background(), procrun.Runner{}, binDir, descriptorPath)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	var got map[string]string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("returned value is not valid JSON: %v", err)
	}
	if got["measurement"] != "deadbeef" {
		t.Errorf("measurement: got %q, want deadbeef", got["measurement"])
	}

	writtenRaw, err := os.ReadFile(filepath.Join(workDir, "inputs.json"))
	if err != nil {
		t.Fatalf("inputs.json: %v", err)
	}
	var written map[string]string
	if err := json.Unmarshal(writtenRaw, &written); err != nil {
		t.Fatalf("inputs.json is not valid JSON: %v", err)
	}
	if written["measurement"] != "deadbeef" {
		t.Errorf("inputs.json measurement: got %q, want deadbeef", written["measurement"])
	}
}

func TestComputeFailsWhenToolMissing(t *testing.T) {
	binDir := t.TempDir()
	descriptorPath := filepath.Join(t.TempDir(), "vm.cfg")
	if err := os.WriteFile(descriptorPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Compute(context.Background(), procrun.Runner{}, binDir, descriptorPath); err == nil {
		t.Fatal("expected an error when digest_calc is absent")
	}
}

func TestComputeFailsWhenDescriptorMissing(t *testing.T) {
	binDir := t.TempDir()
	fakeDigestCalc(t, binDir)

	if _, err := Compute(context.Background(), procrun.Runner{}, binDir, filepath.Join(t.TempDir(), "missing.cfg")); err == nil {
		t.Fatal("expected an error when the descriptor path is missing")
	}
}

func chdir(t *testing.T, dir string) func() {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	return func() {
		_ = os.Chdir(prev)
	}
}
