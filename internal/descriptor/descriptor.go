// Package descriptor reads and writes the VM descriptor handed to the
// hypervisor launcher and hashed into the attestation digest. The textual
// format is byte-exact by contract (field order, the deliberately
// misspelled `min_commited_tcb` section name) so Write is a hand-written
// sequence of Fprintf calls rather than a struct run through an encoder,
// matching the original tool's direct f.write calls. The format happens to
// be valid TOML, which Parse exploits via go-toml/v2 for the round-trip
// path and for C9's rewrite.
package descriptor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/banksean/cvmforge/internal/buildopts"
	"github.com/banksean/cvmforge/internal/errs"
	"github.com/banksean/cvmforge/internal/procrun"
)

// VMDescriptor is the Go-side view of the textual format in full.
type VMDescriptor struct {
	HostCPUFamily string
	VCPUCount     int
	OVMFFile      string
	KernelFile    string
	InitrdFile    string
	KernelCmdline string
	Policy        buildopts.GuestPolicy
	TCBFloor      buildopts.TCBFloor
}

var rootHashTokenRE = regexp.MustCompile(`verity_roothash='([^']+)'`)

// UnresolvedRootHashTokenError is returned by Write when KernelCmdline still
// carries the legacy shell-interpolation sentinel. Callers must resolve it
// first, either themselves or via ResolveRootHashToken.
type UnresolvedRootHashTokenError struct {
	Cmdline string
}

func (e *UnresolvedRootHashTokenError) Error() string {
	return fmt.Sprintf("kernel_cmdline contains an unresolved verity_roothash token: %s", e.Cmdline)
}

// ResolveRootHashToken runs the shell command embedded in a
// verity_roothash='<cmd>' sentinel and substitutes its trimmed stdout in
// place of the quoted command, matching the legacy behavior of the original
// config writer: on failure it substitutes the empty string and logs a
// warning rather than aborting. Returns cmdline unchanged if no sentinel is
// present. This is the opt-in legacy path; Write's default requires the
// caller to resolve the token ahead of time.
func ResolveRootHashToken(ctx context.Context, runner procrun.Runner, cmdline string) (string, error) {
	match := rootHashTokenRE.FindStringSubmatch(cmdline)
	if match == nil {
		return cmdline, nil
	}
	out, err := runner.Output(ctx, "sh", "-c", match[1])
	if err != nil {
		slog.WarnContext(ctx, "descriptor.ResolveRootHashToken: command failed, substituting empty root hash",
			"cmd", match[1], "error", err)
		out = ""
	}
	return rootHashTokenRE.ReplaceAllLiteralString(cmdline, "verity_roothash="+out), nil
}

// Write emits the VM descriptor at path in the exact field order and section
// naming spec.md's §6.1 schema requires. HostCPUFamily defaults to "Milan"
// and VCPUCount to 1 when left zero-valued. If KernelFile contains a glob
// pattern it is resolved to its first match; an unmatched pattern is kept
// as-is with a logged warning rather than failing the write. Write refuses
// (returns *UnresolvedRootHashTokenError) a KernelCmdline that still carries
// the legacy verity_roothash='<cmd>' sentinel — resolve it first, e.g. via
// ResolveRootHashToken.
func Write(path string, d VMDescriptor) error {
	if rootHashTokenRE.MatchString(d.KernelCmdline) {
		return &UnresolvedRootHashTokenError{Cmdline: d.KernelCmdline}
	}

	hostCPUFamily := d.HostCPUFamily
	if hostCPUFamily == "" {
		hostCPUFamily = "Milan"
	}
	vcpuCount := d.VCPUCount
	if vcpuCount == 0 {
		vcpuCount = 1
	}

	kernelFile := d.KernelFile
	if strings.Contains(kernelFile, "*") {
		if matches, _ := filepath.Glob(kernelFile); len(matches) > 0 {
			kernelFile = matches[0]
		} else {
			slog.Warn("descriptor.Write: kernel_file glob matched nothing, writing the pattern as-is", "pattern", kernelFile)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.Filesystem, "descriptor.Write", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return errs.Wrap(errs.Filesystem, "descriptor.Write", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "host_cpu_family = %q\n", hostCPUFamily)
	fmt.Fprintf(f, "vcpu_count = %d\n", vcpuCount)
	fmt.Fprintf(f, "ovmf_file = %q\n", d.OVMFFile)
	fmt.Fprintf(f, "guest_features = 0x%x\n", d.Policy.GuestFeatures)
	fmt.Fprintf(f, "kernel_file = %q\n", kernelFile)
	fmt.Fprintf(f, "initrd_file = %q\n", d.InitrdFile)
	fmt.Fprintf(f, "kernel_cmdline = %q\n", d.KernelCmdline)
	fmt.Fprintf(f, "platform_info = 0x%x\n", d.Policy.PlatformInfo)
	fmt.Fprintf(f, "guest_policy = 0x%x\n", d.Policy.Policy)
	fmt.Fprintf(f, "family_id = %q\n", d.Policy.FamilyID)
	fmt.Fprintf(f, "image_id = %q\n", d.Policy.ImageID)
	fmt.Fprintln(f, "[min_commited_tcb]")
	fmt.Fprintf(f, "bootloader = %d\n", d.TCBFloor.Bootloader)
	fmt.Fprintf(f, "tee = %d\n", d.TCBFloor.TEE)
	fmt.Fprintf(f, "snp = %d\n", d.TCBFloor.SNP)
	fmt.Fprintf(f, "microcode = %d\n", d.TCBFloor.Microcode)
	fmt.Fprintf(f, "_reserved = [%d, %d, %d, %d]\n",
		d.TCBFloor.Reserved[0], d.TCBFloor.Reserved[1], d.TCBFloor.Reserved[2], d.TCBFloor.Reserved[3])

	if err := f.Sync(); err != nil {
		return errs.Wrap(errs.Filesystem, "descriptor.Write", err)
	}
	return nil
}

// tomlShape mirrors the on-disk layout for go-toml/v2, including the
// misspelled section name; Parse converts it into the public VMDescriptor.
type tomlShape struct {
	HostCPUFamily string `toml:"host_cpu_family"`
	VCPUCount     int    `toml:"vcpu_count"`
	OVMFFile      string `toml:"ovmf_file"`
	GuestFeatures uint64 `toml:"guest_features"`
	KernelFile    string `toml:"kernel_file"`
	InitrdFile    string `toml:"initrd_file"`
	KernelCmdline string `toml:"kernel_cmdline"`
	PlatformInfo  uint64 `toml:"platform_info"`
	GuestPolicy   uint64 `toml:"guest_policy"`
	FamilyID      string `toml:"family_id"`
	ImageID       string `toml:"image_id"`
	MinCommitedTCB struct {
		Bootloader uint8    `toml:"bootloader"`
		TEE        uint8    `toml:"tee"`
		SNP        uint8    `toml:"snp"`
		Microcode  uint8    `toml:"microcode"`
		Reserved   [4]uint8 `toml:"_reserved"`
	} `toml:"min_commited_tcb"`
}

// Parse reads a descriptor written by Write back into a VMDescriptor. Used
// by the round-trip test suite and by C9's release-path rewrite.
func Parse(path string) (VMDescriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return VMDescriptor{}, errs.Wrap(errs.Filesystem, "descriptor.Parse", err)
	}

	var shape tomlShape
	if err := toml.Unmarshal(raw, &shape); err != nil {
		return VMDescriptor{}, errs.Wrap(errs.Configuration, "descriptor.Parse", err)
	}

	return VMDescriptor{
		HostCPUFamily: shape.HostCPUFamily,
		VCPUCount:     shape.VCPUCount,
		OVMFFile:      shape.OVMFFile,
		KernelFile:    shape.KernelFile,
		InitrdFile:    shape.InitrdFile,
		KernelCmdline: shape.KernelCmdline,
		Policy: buildopts.GuestPolicy{
			GuestFeatures: shape.GuestFeatures,
			PlatformInfo:  shape.PlatformInfo,
			Policy:        shape.GuestPolicy,
			FamilyID:      shape.FamilyID,
			ImageID:       shape.ImageID,
		},
		TCBFloor: buildopts.TCBFloor{
			Bootloader: shape.MinCommitedTCB.Bootloader,
			TEE:        shape.MinCommitedTCB.TEE,
			SNP:        shape.MinCommitedTCB.SNP,
			Microcode:  shape.MinCommitedTCB.Microcode,
			Reserved:   shape.MinCommitedTCB.Reserved,
		},
	}, nil
}
