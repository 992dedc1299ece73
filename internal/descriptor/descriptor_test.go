package descriptor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/banksean/cvmforge/internal/buildopts"
	"github.com/banksean/cvmforge/internal/procrun"
)

func testDescriptor() VMDescriptor {
	return VMDescriptor{
		HostCPUFamily: "Milan",
		VCPUCount:     2,
		OVMFFile:      "/build/snp-release/OVMF.fd",
		KernelFile:    "/build/kernel/vmlinuz",
		InitrdFile:    "/build/initramfs.cpio.gz",
		KernelCmdline: "console=ttyS0 verity_roothash=deadbeef",
		Policy: buildopts.GuestPolicy{
			GuestFeatures: 0x1,
			PlatformInfo:  0x3,
			Policy:        0x30000,
			FamilyID:      "00000000000000000000000000000000",
			ImageID:       "11111111111111111111111111111111",
		},
		TCBFloor: buildopts.TCBFloor{
			Bootloader: 4,
			TEE:        0,
			SNP:        22,
			Microcode:  213,
			Reserved:   [4]uint8{0, 0, 0, 0},
		},
	}
}

func TestWriteProducesExactFieldOrderAndSectionName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vm.cfg")

	if err := Write(path, testDescriptor()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got := string(raw)

	wantOrder := []string{
		"host_cpu_family", "vcpu_count", "ovmf_file", "guest_features",
		"kernel_file", "initrd_file", "kernel_cmdline", "platform_info",
		"guest_policy", "family_id", "image_id", "[min_commited_tcb]",
		"bootloader", "tee", "snp", "microcode", "_reserved",
	}
	last := -1
	for _, key := range wantOrder {
		// Match each key at the start of a line so that a value (such as the
		// snp-release path in ovmf_file) cannot stand in for a later key.
		idx := strings.Index("\n"+got, "\n"+key)
		if idx == -1 {
			t.Fatalf("missing field %q in descriptor:\n%s", key, got)
		}
		if idx <= last {
			t.Fatalf("field %q out of order in descriptor:\n%s", key, got)
		}
		last = idx
	}

	if strings.Contains(got, "min_committed_tcb") {
		t.Errorf("section name must be misspelled min_commited_tcb, got the corrected spelling")
	}
}

func TestWriteParseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vm.cfg")
	want := testDescriptor()

	if err := Write(path, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got != want {
		t.Errorf("round trip mismatch:\ngot:  %+v\nwant: %+v", got, want)
	}
}

func TestWriteRejectsUnresolvedRootHashToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vm.cfg")
	d := testDescriptor()
	d.KernelCmdline = `console=ttyS0 verity_roothash='cat /build/verity/roothash.txt'`

	err := Write(path, d)
	if err == nil {
		t.Fatal("expected an error for an unresolved verity_roothash token")
	}
	var target *UnresolvedRootHashTokenError
	if !errors.As(err, &target) {
		t.Errorf("expected *UnresolvedRootHashTokenError, got %T: %v", err, err)
	}
}

func TestWriteDefaultsHostCPUFamilyAndVCPUCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vm.cfg")
	d := testDescriptor()
	d.HostCPUFamily = ""
	d.VCPUCount = 0

	if err := Write(path, d); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.HostCPUFamily != "Milan" {
		t.Errorf("HostCPUFamily default: got %q, want Milan", got.HostCPUFamily)
	}
	if got.VCPUCount != 1 {
		t.Errorf("VCPUCount default: got %d, want 1", got.VCPUCount)
	}
}

func TestWriteResolvesKernelFileGlob(t *testing.T) {
	dir := t.TempDir()
	kernelDir := filepath.Join(dir, "kernel")
	if err := os.MkdirAll(kernelDir, 0o755); err != nil {
		t.Fatal(err)
	}
	kernelPath := filepath.Join(kernelDir, "vmlinuz-6.1.0-snp")
	if err := os.WriteFile(kernelPath, []byte("fake"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := testDescriptor()
	d.KernelFile = filepath.Join(kernelDir, "vmlinuz-*")
	cfgPath := filepath.Join(dir, "vm.cfg")
	if err := Write(cfgPath, d); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Parse(cfgPath)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.KernelFile != kernelPath {
		t.Errorf("KernelFile glob resolution: got %q, want %q", got.KernelFile, kernelPath)
	}
}

func TestResolveRootHashTokenSubstitutesCommandOutput(t *testing.T) {
	cmdline := `console=ttyS0 verity_roothash='echo deadbeefcafe'`
	got, err := ResolveRootHashToken(context.Background(), procrun.Runner{}, cmdline)
	if err != nil {
		t.Fatalf("ResolveRootHashToken: %v", err)
	}
	want := "console=ttyS0 verity_roothash=deadbeefcafe"
	if got != want {
		t.Errorf("ResolveRootHashToken: got %q, want %q", got, want)
	}
}

func TestResolveRootHashTokenSubstitutesEmptyStringOnCommandFailure(t *testing.T) {
	cmdline := `console=ttyS0 verity_roothash='false'`
	got, err := ResolveRootHashToken(context.Background(), procrun.Runner{}, cmdline)
	if err != nil {
		t.Fatalf("ResolveRootHashToken must not return an error on command failure, got %v", err)
	}
	want := "console=ttyS0 verity_roothash="
	if got != want {
		t.Errorf("ResolveRootHashToken: got %q, want %q", got, want)
	}
}

func TestResolveRootHashTokenLeavesPlainCmdlineUnchanged(t *testing.T) {
	cmdline := "console=ttyS0 verity_roothash=alreadyresolved"
	got, err := ResolveRootHashToken(context.Background(), procrun.Runner{}, cmdline)
	if err != nil {
		t.Fatalf("ResolveRootHashToken: %v", err)
	}
	if got != cmdline {
		t.Errorf("ResolveRootHashToken changed an already-resolved cmdline: got %q", got)
	}
}
