package main

import (
	"context"
	"fmt"

	"github.com/banksean/cvmforge/internal/errs"
	"github.com/banksean/cvmforge/internal/procrun"
)

// SetupHostCmd runs the SNP release's host installer script, wiring the
// kernel, KVM module, and IOMMU settings the confidential-guest launch path
// depends on. Out of scope: authoring or verifying the installer itself,
// only invoking it.
type SetupHostCmd struct{}

func (c *SetupHostCmd) Run(cctx *Context, ctx context.Context) error {
	if err := verifyPrerequisites(ctx, "linux", "root", "required-tools"); err != nil {
		return errs.Wrap(errs.Configuration, "setup_host", err)
	}

	installer := cctx.Layout.SNP + "/setup-host.sh"
	if _, err := cctx.Runner.Run(ctx, procrun.Spec{Name: "sudo", Args: []string{"-E", installer}}); err != nil {
		return errs.Wrap(errs.Dependency, "setup_host", err)
	}
	fmt.Println("host setup complete; a reboot is likely required before build_base/build_guest")
	return nil
}

// SetupGPUCmd runs the GPU confidential-computing setup path, mirrored from
// the installer's GPU_SETUP=1 environment-variable convention rather than a
// distinct script.
type SetupGPUCmd struct{}

func (c *SetupGPUCmd) Run(cctx *Context, ctx context.Context) error {
	if err := verifyPrerequisites(ctx, "linux", "root", "required-tools"); err != nil {
		return errs.Wrap(errs.Configuration, "setup_gpu", err)
	}

	runner := cctx.Runner.WithGPUSetup()
	installer := cctx.Layout.SNP + "/setup-host.sh"
	if _, err := runner.Run(ctx, procrun.Spec{Name: "sudo", Args: []string{"-E", installer}}); err != nil {
		return errs.Wrap(errs.Dependency, "setup_gpu", err)
	}
	fmt.Println("GPU confidential computing setup complete")
	return nil
}
