// Package initramfs builds the gzip-compressed cpio archive handed to the
// hypervisor as the guest's initrd: a container filesystem export plus
// kernel modules, tool binaries, and an init program, trimmed down and
// repacked.
package initramfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banksean/cvmforge/internal/container"
	"github.com/banksean/cvmforge/internal/errs"
	"github.com/banksean/cvmforge/internal/fsutil"
	"github.com/banksean/cvmforge/internal/procrun"
)

// removedPaths are stripped from the scratch root before repacking: nothing
// under these ever needs to exist in an initramfs, and several (dev, proc,
// sys) actively conflict with what the kernel mounts at boot.
var removedPaths = []string{
	"dev", "proc", "sys", "boot", "home", "media", "mnt",
	"opt", "root", "srv", "tmp", ".dockerenv",
}

// Spec describes one initramfs build.
type Spec struct {
	// KernelModuleDir must contain a lib/ subtree; copied in as usr/lib.
	KernelModuleDir string
	// ToolBinDir is copied in as usr/bin.
	ToolBinDir string
	// InitScript becomes /init in the archive.
	InitScript string
	// InitPatch, if non-empty and present, is applied to the copied init
	// script with the `patch` utility before packing.
	InitPatch string
	// RecipePath and ContextDir build the rootfs content image.
	RecipePath string
	ContextDir string
	// BuildDir hosts the scratch root; OutputPath is the produced archive,
	// defaulting to BuildDir/initramfs.cpio.gz when empty.
	BuildDir   string
	OutputPath string
}

// Build runs the 9-step initramfs pipeline: validate inputs, build and
// export the rootfs content image into a scratch root, layer in kernel
// modules/binaries/init, strip what an initramfs never needs, clear
// setuid/setgid/sticky bits under usr/bin, and pack the result as a
// gzip-compressed newc cpio archive.
func Build(ctx context.Context, drv *container.Driver, runner procrun.Runner, spec Spec) error {
	output := spec.OutputPath
	if output == "" {
		output = filepath.Join(spec.BuildDir, "initramfs.cpio.gz")
	}

	if err := validateInputs(spec); err != nil {
		return errs.Wrap(errs.Build, "initramfs.Build", err)
	}

	scratchRoot := filepath.Join(spec.BuildDir, "initramfs")
	if err := fsutil.RemoveTree(scratchRoot); err != nil {
		return errs.Wrap(errs.Filesystem, "initramfs.Build", err)
	}
	if err := fsutil.EnsureDir(scratchRoot, 0o755); err != nil {
		return errs.Wrap(errs.Filesystem, "initramfs.Build", err)
	}

	imageTag := "cvmforge-initramfs-rootfs"
	containerName := "cvmforge-initramfs-rootfs"

	if err := drv.Build(ctx, spec.ContextDir, spec.RecipePath, imageTag, map[string]string{
		"CACHEBUST": fmt.Sprintf("%d", os.Getpid()),
	}); err != nil {
		return errs.Wrap(errs.Build, "initramfs.Build", err)
	}

	return drv.Scoped(ctx, imageTag, containerName, nil, nil, func(ctx context.Context) error {
		if err := drv.ExportFilesystem(ctx, containerName, scratchRoot); err != nil {
			return errs.Wrap(errs.Build, "initramfs.Build", err)
		}

		if err := copyComponents(ctx, runner, spec, scratchRoot); err != nil {
			return errs.Wrap(errs.Build, "initramfs.Build", err)
		}

		if err := cleanFilesystem(ctx, runner, scratchRoot); err != nil {
			return errs.Wrap(errs.Build, "initramfs.Build", err)
		}

		if err := pack(ctx, runner, scratchRoot, output); err != nil {
			return errs.Wrap(errs.Build, "initramfs.Build", err)
		}
		return nil
	})
}

func validateInputs(spec Spec) error {
	info, err := os.Stat(spec.KernelModuleDir)
	if err != nil {
		return fmt.Errorf("kernel module directory %s: %w", spec.KernelModuleDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("kernel module directory %s is not a directory", spec.KernelModuleDir)
	}

	libDir := filepath.Join(spec.KernelModuleDir, "lib")
	if info, err := os.Stat(libDir); err != nil || !info.IsDir() {
		return fmt.Errorf("kernel module directory %s has no lib/ subtree", spec.KernelModuleDir)
	}

	initInfo, err := os.Stat(spec.InitScript)
	if err != nil {
		return fmt.Errorf("init script %s: %w", spec.InitScript, err)
	}
	if !initInfo.Mode().IsRegular() {
		return fmt.Errorf("init script %s is not a regular file", spec.InitScript)
	}
	return nil
}

func copyComponents(ctx context.Context, runner procrun.Runner, spec Spec, scratchRoot string) error {
	destUsr := filepath.Join(scratchRoot, "usr")
	if err := fsutil.EnsureDir(destUsr, 0o755); err != nil {
		return err
	}

	srcLib := filepath.Join(spec.KernelModuleDir, "lib")
	if _, err := runner.Run(ctx, procrun.Spec{Name: "cp", Args: []string{"-r", srcLib, destUsr}}); err != nil {
		return fmt.Errorf("copy kernel modules: %w", err)
	}

	if _, err := runner.Run(ctx, procrun.Spec{Name: "cp", Args: []string{"-r", spec.ToolBinDir, destUsr}}); err != nil {
		return fmt.Errorf("copy tool binaries: %w", err)
	}

	destInit := filepath.Join(scratchRoot, "init")
	if _, err := runner.Run(ctx, procrun.Spec{Name: "cp", Args: []string{"-p", spec.InitScript, destInit}}); err != nil {
		return fmt.Errorf("copy init script: %w", err)
	}

	if spec.InitPatch != "" {
		if _, err := os.Stat(spec.InitPatch); err == nil {
			if _, err := runner.Run(ctx, procrun.Spec{Name: "patch", Args: []string{destInit, spec.InitPatch}}); err != nil {
				return fmt.Errorf("patch init script: %w", err)
			}
		}
	}
	return nil
}

func cleanFilesystem(ctx context.Context, runner procrun.Runner, scratchRoot string) error {
	for _, rel := range removedPaths {
		path := filepath.Join(scratchRoot, rel)
		if _, err := os.Lstat(path); err != nil {
			continue
		}
		if err := fsutil.RemoveTree(path); err != nil {
			return fmt.Errorf("remove %s: %w", rel, err)
		}
	}

	binDir := filepath.Join(scratchRoot, "usr", "bin")
	if _, err := os.Stat(binDir); err == nil {
		pipeline := fmt.Sprintf("chmod -st %s/*", binDir)
		if _, err := runner.Run(ctx, procrun.Spec{Name: "sh", Args: []string{"-c", pipeline}, Silent: true}); err != nil {
			return fmt.Errorf("clear setuid/setgid/sticky bits: %w", err)
		}
	}
	return nil
}

// pack traverses scratchRoot with NUL-separated names, packs as newc cpio,
// compresses at gzip level 1, and writes atomically by building the archive
// alongside output before renaming it into place.
func pack(ctx context.Context, runner procrun.Runner, scratchRoot, output string) error {
	if err := fsutil.EnsureParent(output, 0o755); err != nil {
		return err
	}
	tmp := output + ".tmp"

	pipeline := fmt.Sprintf(
		"cd %s && find . -print0 | cpio --null -ov --format=newc 2>/dev/null | gzip -1 > %s",
		scratchRoot, tmp,
	)
	if _, err := runner.Run(ctx, procrun.Spec{Name: "sh", Args: []string{"-c", pipeline}}); err != nil {
		return fmt.Errorf("pack archive: %w", err)
	}

	if err := os.Rename(tmp, output); err != nil {
		return fmt.Errorf("rename archive into place: %w", err)
	}
	return nil
}
