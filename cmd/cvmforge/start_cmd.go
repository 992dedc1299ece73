package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banksean/cvmforge/internal/descriptor"
	"github.com/banksean/cvmforge/internal/errs"
	"github.com/banksean/cvmforge/internal/launch"
	"github.com/banksean/cvmforge/internal/procrun"
)

const (
	qemuHBPort   = 80
	qemuPort     = 4444
	qemuMemoryMB = 204800
	qemuVCPU     = 42
)

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// StartCmd boots the guest image from the live build directory.
type StartCmd struct {
	DataDisk  string `help:"path to a data disk image"`
	EnableSSL bool   `help:"enable SSL port forwarding (443)"`
}

func (c *StartCmd) Run(cctx *Context, ctx context.Context) error {
	return runLaunch(ctx, cctx, launch.Artifacts{
		VerityImage:    cctx.Layout.VerityImage(),
		VerityHashTree: cctx.Layout.VerityHashTree(),
		Descriptor:     cctx.Layout.GuestDescriptor(),
		LaunchScript:   filepath.Join(cctx.Layout.Scripts, "launch.sh"),
	}, c.DataDisk, c.EnableSSL)
}

// StartReleaseCmd boots the guest image from the packaged ./release/
// directory produced by package_release, instead of the live build tree.
type StartReleaseCmd struct {
	DataDisk  string `help:"path to a data disk image"`
	EnableSSL bool   `help:"enable SSL port forwarding (443)"`
}

func (c *StartReleaseCmd) Run(cctx *Context, ctx context.Context) error {
	wd, err := os.Getwd()
	if err != nil {
		return errs.Wrap(errs.Filesystem, "start_release", err)
	}
	releaseDir := filepath.Join(wd, "release")
	return runLaunch(ctx, cctx, launch.Artifacts{
		VerityImage:    filepath.Join(releaseDir, filepath.Base(cctx.Layout.VerityImage())),
		VerityHashTree: filepath.Join(releaseDir, filepath.Base(cctx.Layout.VerityHashTree())),
		Descriptor:     filepath.Join(releaseDir, "vm.cfg"),
		LaunchScript:   filepath.Join(cctx.Layout.Scripts, "launch.sh"),
	}, c.DataDisk, c.EnableSSL)
}

func runLaunch(ctx context.Context, cctx *Context, artifacts launch.Artifacts, dataDisk string, enableSSL bool) error {
	if err := launch.ValidateArtifacts(exists, artifacts); err != nil {
		return errs.Wrap(errs.VM, "start", err)
	}

	d, err := descriptor.Parse(artifacts.Descriptor)
	if err != nil {
		return errs.Wrap(errs.Configuration, "start", err)
	}

	cmd := launch.Compose(launch.Spec{
		Artifacts:    artifacts,
		Policy:       d.Policy,
		Options:      cctx.Options,
		HBPort:       qemuHBPort,
		QEMUPort:     qemuPort,
		MemMiB:       qemuMemoryMB,
		VCPUCount:    qemuVCPU,
		DataDiskPath: dataDisk,
		EnableSSL:    enableSSL,
		LogPath:      filepath.Join(cctx.Layout.Build, "qemu.log"),
		WithSudo:     true,
	})

	fmt.Println("launching:", cmd)
	_, err = cctx.Runner.Run(ctx, procrun.Spec{Name: "sh", Args: []string{"-c", cmd}})
	if err != nil {
		return errs.Wrap(errs.VM, "start", err)
	}
	return nil
}
