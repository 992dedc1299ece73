package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/banksean/cvmforge/internal/buildopts"
	"github.com/banksean/cvmforge/internal/descriptor"
	"github.com/banksean/cvmforge/internal/digest"
	"github.com/banksean/cvmforge/internal/errs"
	"github.com/banksean/cvmforge/internal/fsutil"
	"github.com/banksean/cvmforge/internal/initramfs"
	"github.com/banksean/cvmforge/internal/procrun"
	"github.com/banksean/cvmforge/internal/tracing"
	"github.com/banksean/cvmforge/internal/verity"
)

// BuildSNPReleaseCmd compiles the SNP release components (kernel, OVMF,
// QEMU) from the AMDSEV source tree. Source compilation of these components
// is explicitly not the core pipeline's concern; this command only invokes
// the upstream build script the teacher's installer expects at snp-release/.
type BuildSNPReleaseCmd struct {
	Repo   string `default:"https://github.com/permaweb/AMDSEV.git" help:"AMDSEV source repository"`
	Branch string `default:"snp-cc" help:"AMDSEV branch to build"`
}

func (c *BuildSNPReleaseCmd) Run(cctx *Context, ctx context.Context) error {
	if err := verifyPrerequisites(ctx, "linux", "required-tools"); err != nil {
		return errs.Wrap(errs.Configuration, "build_snp_release", err)
	}

	amdsevDir := filepath.Join(cctx.Layout.Build, "amdsev")
	if _, err := cctx.Runner.Run(ctx, procrun.Spec{
		Name: "git", Args: []string{"clone", "--branch", c.Branch, "--depth", "1", c.Repo, amdsevDir},
	}); err != nil {
		return errs.Wrap(errs.Dependency, "build_snp_release", err)
	}

	if _, err := cctx.Runner.Run(ctx, procrun.Spec{Name: "./build.sh", Args: []string{"--package"}, Dir: amdsevDir}); err != nil {
		return errs.Wrap(errs.Build, "build_snp_release", err)
	}

	snpSrc := filepath.Join(amdsevDir, "snp-release")
	if err := fsutil.RemoveTree(cctx.Layout.SNP); err != nil {
		return errs.Wrap(errs.Filesystem, "build_snp_release", err)
	}
	if _, err := cctx.Runner.Run(ctx, procrun.Spec{Name: "cp", Args: []string{"-a", snpSrc, cctx.Layout.SNP}}); err != nil {
		return errs.Wrap(errs.Filesystem, "build_snp_release", err)
	}

	fmt.Println("SNP release package built at", cctx.Layout.SNP)
	return nil
}

// BuildBaseCmd unpacks the kernel package, builds the initramfs, and
// creates the empty base qcow2 image (later the verity pipeline's SrcImage)
// plus its cloud-init config blob. It does not boot the base image, so no
// first-boot cloud-init setup runs here.
type BuildBaseCmd struct{}

func (c *BuildBaseCmd) Run(cctx *Context, ctx context.Context) error {
	fmt.Println("===> Building base image")

	kernelDeb, err := firstGlobMatch(filepath.Join(cctx.Layout.SNP, "linux", "guest", "linux-image-*.deb"))
	if err != nil {
		return errs.Wrap(errs.Configuration, "build_base", err)
	}
	if err := fsutil.RemoveTree(cctx.Layout.Kernel); err != nil {
		return errs.Wrap(errs.Filesystem, "build_base", err)
	}
	if _, err := cctx.Runner.Run(ctx, procrun.Spec{Name: "dpkg", Args: []string{"-x", kernelDeb, cctx.Layout.Kernel}}); err != nil {
		return errs.Wrap(errs.Build, "build_base", err)
	}

	if err := initramfs.Build(ctx, cctx.Driver, cctx.Runner, initramfs.Spec{
		KernelModuleDir: cctx.Layout.Kernel,
		ToolBinDir:      cctx.Layout.Bin,
		InitScript:      filepath.Join(cctx.Layout.Scripts, "init.sh"),
		InitPatch:       filepath.Join(cctx.Layout.Resources, "init.patch"),
		RecipePath:      filepath.Join(cctx.Layout.Resources, "initramfs.Dockerfile"),
		ContextDir:      cctx.Layout.Resources,
		BuildDir:        cctx.Layout.Build,
		OutputPath:      cctx.Layout.InitramfsArchive(),
	}); err != nil {
		return errs.Wrap(errs.Build, "build_base", err)
	}

	baseImage := filepath.Join(cctx.Layout.Guest, "base.qcow2")
	cloudInit := filepath.Join(cctx.Layout.Guest, "config-blob.img")
	userData := filepath.Join(cctx.Layout.Resources, "template-user-data")
	if _, err := cctx.Runner.Run(ctx, procrun.Spec{
		Name: "qemu-img", Args: []string{"create", "-f", "qcow2", baseImage, "20G"},
	}); err != nil {
		return errs.Wrap(errs.Build, "build_base", err)
	}
	if _, err := cctx.Runner.Run(ctx, procrun.Spec{
		Name: "cloud-localds", Args: []string{cloudInit, userData},
	}); err != nil {
		return errs.Wrap(errs.Build, "build_base", err)
	}

	fmt.Println("base image created at", baseImage, "with cloud-init config blob", cloudInit)
	return nil
}

// BuildGuestCmd builds the guest content image, applies the dm-verity
// pipeline to it, writes the VM descriptor, and computes the attestation
// digest — the complete C2-C7 chain in one invocation.
type BuildGuestCmd struct {
	HBBranch string `help:"HyperBEAM branch to use"`
	AOBranch string `help:"AO branch to use"`
}

func (c *BuildGuestCmd) Run(cctx *Context, ctx context.Context) error {
	fmt.Println("===> Building guest image")

	return tracing.Stage(ctx, "build_guest", nil, func(ctx context.Context) error {
		opts := cctx.Options
		if c.HBBranch != "" {
			opts.HBBranch = strings.TrimSpace(c.HBBranch)
		}
		if c.AOBranch != "" {
			opts.AOBranch = strings.TrimSpace(c.AOBranch)
		}

		var artifact *verity.Artifact

		err := tracing.Stage(ctx, "build_content", nil, func(ctx context.Context) error {
			if err := fsutil.RemoveTree(cctx.Layout.Content); err != nil {
				return errs.Wrap(errs.Filesystem, "build_guest", err)
			}
			if err := fsutil.EnsureDir(cctx.Layout.ContentWorkload(), 0o755); err != nil {
				return errs.Wrap(errs.Filesystem, "build_guest", err)
			}

			recipe := filepath.Join(cctx.Layout.Resources, "content.Dockerfile")
			buildArgs := map[string]string{
				"CACHEBUST":      strconv.FormatInt(time.Now().Unix(), 10),
				"HB_BRANCH":      opts.HBBranch,
				"AO_BRANCH":      opts.AOBranch,
				"SKIP_HYPERBEAM": strconv.FormatBool(opts.Debug),
			}
			const contentImage = "hb-content"
			const contentContainer = "hb-content"
			if err := cctx.Driver.Build(ctx, filepath.Dir(recipe), recipe, contentImage, buildArgs); err != nil {
				return errs.Wrap(errs.Container, "build_guest", err)
			}
			err := cctx.Driver.Scoped(ctx, contentImage, contentContainer, nil, nil, func(ctx context.Context) error {
				return cctx.Driver.CopyFrom(ctx, contentContainer, "/release/.", cctx.Layout.ContentWorkload())
			})
			if err != nil {
				return errs.Wrap(errs.Container, "build_guest", err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		err = tracing.Stage(ctx, "setup_verity", nil, func(ctx context.Context) error {
			baseImage := filepath.Join(cctx.Layout.Guest, "base.qcow2")
			built, err := verity.Build(ctx, cctx.Runner, verity.Spec{
				SrcImage:       baseImage,
				BuildDir:       cctx.Layout.Build,
				OutImage:       cctx.Layout.VerityImage(),
				OutHashTree:    cctx.Layout.VerityHashTree(),
				OutRootHash:    cctx.Layout.VerityRootHash(),
				WorkloadDir:    cctx.Layout.ContentWorkload(),
				Debug:          opts.Debug,
				NonInteractive: true,
			})
			if err != nil {
				return errs.Wrap(errs.GuestSetup, "build_guest", err)
			}
			artifact = built
			return nil
		})
		if err != nil {
			return err
		}

		err = tracing.Stage(ctx, "setup_vm_config", nil, func(ctx context.Context) error {
			kernelVmlinuz := filepath.Join(cctx.Layout.Kernel, "boot", "vmlinuz-*")
			ovmf := filepath.Join(cctx.Layout.SNP, "usr", "local", "share", "qemu", "DIRECT_BOOT_OVMF.fd")
			cmdline := guestKernelCmdline(artifact.RootHash)

			policy := buildopts.NewGuestPolicy(0x1, 0x3, 0x30000, "", "")
			if err := descriptor.Write(cctx.Layout.GuestDescriptor(), descriptor.VMDescriptor{
				VCPUCount:     42,
				OVMFFile:      ovmf,
				KernelFile:    kernelVmlinuz,
				InitrdFile:    cctx.Layout.InitramfsArchive(),
				KernelCmdline: cmdline,
				Policy:        policy,
				TCBFloor:      buildopts.TCBFloor{Bootloader: 4, TEE: 0, SNP: 22, Microcode: 213},
			}); err != nil {
				return errs.Wrap(errs.Build, "build_guest", err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		err = tracing.Stage(ctx, "get_hashes", nil, func(ctx context.Context) error {
			if _, err := digest.Compute(ctx, cctx.Runner, cctx.Layout.Bin, cctx.Layout.GuestDescriptor()); err != nil {
				return errs.Wrap(errs.Build, "build_guest", err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		fmt.Println("guest image built; verity root hash:", artifact.RootHash)
		return nil
	})
}

// guestKernelCmdline builds the kernel command line embedding the dm-verity
// root hash. rootHash is already the resolved ASCII-hex digest verity.Build
// returns, so it's substituted directly rather than through a shell token.
func guestKernelCmdline(rootHash string) string {
	return fmt.Sprintf("console=ttyS0 earlyprintk=serial root=/dev/sda verity_roothash=%s", rootHash)
}

func firstGlobMatch(pattern string) (string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no match for %s", pattern)
	}
	return matches[0], nil
}
