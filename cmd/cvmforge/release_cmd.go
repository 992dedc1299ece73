package main

import (
	"context"
	"fmt"

	"github.com/banksean/cvmforge/internal/errs"
	"github.com/banksean/cvmforge/internal/release"
)

// PackageReleaseCmd bundles the guest artifacts into a relocatable
// ./release/ directory and release.tar.gz archive.
type PackageReleaseCmd struct{}

func (c *PackageReleaseCmd) Run(cctx *Context, ctx context.Context) error {
	if err := release.Package(ctx, cctx.Layout, cctx.Layout.GuestDescriptor()); err != nil {
		return errs.Wrap(errs.Build, "package_release", err)
	}
	fmt.Println("release packaged into ./" + release.DirName + " and ./" + release.ArchiveName)
	return nil
}
