package initramfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/banksean/cvmforge/internal/procrun"
)

func TestValidateInputsRequiresLibSubtree(t *testing.T) {
	dir := t.TempDir()
	kernelDir := filepath.Join(dir, "kernel")
	if err := os.MkdirAll(kernelDir, 0o755); err != nil {
		t.Fatal(err)
	}
	initScript := filepath.Join(dir, "init.sh")
	if err := os.WriteFile(initScript, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	err := validateInputs(Spec{KernelModuleDir: kernelDir, InitScript: initScript})
	if err == nil {
		t.Fatal("expected error when kernel dir has no lib/ subtree")
	}
}

func TestValidateInputsAccepts(t *testing.T) {
	dir := t.TempDir()
	kernelDir := filepath.Join(dir, "kernel")
	if err := os.MkdirAll(filepath.Join(kernelDir, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	initScript := filepath.Join(dir, "init.sh")
	if err := os.WriteFile(initScript, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := validateInputs(Spec{KernelModuleDir: kernelDir, InitScript: initScript}); err != nil {
		t.Fatalf("validateInputs: %v", err)
	}
}

func TestValidateInputsRejectsMissingInitScript(t *testing.T) {
	dir := t.TempDir()
	kernelDir := filepath.Join(dir, "kernel")
	if err := os.MkdirAll(filepath.Join(kernelDir, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}

	err := validateInputs(Spec{KernelModuleDir: kernelDir, InitScript: filepath.Join(dir, "missing")})
	if err == nil {
		t.Fatal("expected error for missing init script")
	}
}

func TestCleanFilesystemRemovesUnneededPaths(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{"dev", "proc", "etc"} {
		if err := os.MkdirAll(filepath.Join(root, rel), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, ".dockerenv"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := cleanFilesystem(context.Background(), procrun.Runner{}, root); err != nil {
		t.Fatalf("cleanFilesystem: %v", err)
	}

	for _, rel := range []string{"dev", "proc", ".dockerenv"} {
		if _, err := os.Lstat(filepath.Join(root, rel)); !os.IsNotExist(err) {
			t.Errorf("expected %s to be removed, got err=%v", rel, err)
		}
	}
	if _, err := os.Lstat(filepath.Join(root, "etc")); err != nil {
		t.Errorf("etc should survive cleanup: %v", err)
	}
}

func TestCleanFilesystemToleratesAbsentPaths(t *testing.T) {
	root := t.TempDir()
	if err := cleanFilesystem(context.Background(), procrun.Runner{}, root); err != nil {
		t.Fatalf("cleanFilesystem on an empty root: %v", err)
	}
}
