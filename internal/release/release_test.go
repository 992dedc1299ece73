package release

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/banksean/cvmforge/internal/descriptor"
	"github.com/banksean/cvmforge/internal/layout"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPackageRewritesPathsAndArchivesEveryFile(t *testing.T) {
	root := t.TempDir()
	l, err := layout.New(root)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range l.Dirs() {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	writeFile(t, l.VerityImage(), "verity-image-bytes")
	writeFile(t, l.VerityHashTree(), "hash-tree-bytes")

	kernelPath := filepath.Join(l.Kernel, "vmlinuz")
	ovmfPath := filepath.Join(l.SNP, "OVMF.fd")
	initrdPath := l.InitramfsArchive()
	writeFile(t, kernelPath, "kernel-bytes")
	writeFile(t, ovmfPath, "ovmf-bytes")
	writeFile(t, initrdPath, "initrd-bytes")

	descriptorPath := l.GuestDescriptor()
	d := descriptor.VMDescriptor{
		HostCPUFamily: "Milan",
		VCPUCount:     1,
		OVMFFile:      ovmfPath,
		KernelFile:    kernelPath,
		InitrdFile:    initrdPath,
		KernelCmdline: "console=ttyS0",
	}
	if err := descriptor.Write(descriptorPath, d); err != nil {
		t.Fatal(err)
	}

	workDir := t.TempDir()
	prevWD, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(workDir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(prevWD)

	if err := Package(context.Background(), l, descriptorPath); err != nil {
		t.Fatalf("Package: %v", err)
	}

	releaseDir := filepath.Join(workDir, DirName)
	rewritten, err := descriptor.Parse(filepath.Join(releaseDir, "vm.cfg"))
	if err != nil {
		t.Fatalf("Parse rewritten descriptor: %v", err)
	}

	for _, p := range []string{rewritten.KernelFile, rewritten.OVMFFile, rewritten.InitrdFile} {
		if !strings.HasPrefix(p, "./"+DirName+"/") {
			t.Errorf("path field %q does not start with ./%s/", p, DirName)
		}
		abs := filepath.Join(workDir, strings.TrimPrefix(p, "./"))
		if _, err := os.Stat(abs); err != nil {
			t.Errorf("rewritten path %q does not resolve to a file in the archive tree: %v", p, err)
		}
	}

	for _, name := range []string{"rootfs.img", "hash_tree.img", "vmlinuz", "OVMF.fd", "initramfs.cpio.gz", "vm.cfg"} {
		if _, err := os.Stat(filepath.Join(releaseDir, name)); err != nil {
			t.Errorf("expected %s in release dir: %v", name, err)
		}
	}

	archivePath := filepath.Join(workDir, ArchiveName)
	f, err := os.Open(archivePath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	tr := tar.NewReader(gz)
	seen := map[string]bool{}
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		seen[filepath.Base(hdr.Name)] = true
	}
	for _, name := range []string{"rootfs.img", "hash_tree.img", "vmlinuz", "OVMF.fd", "initramfs.cpio.gz", "vm.cfg"} {
		if !seen[name] {
			t.Errorf("expected %s inside release.tar.gz, archive contained: %v", name, seen)
		}
	}
}
