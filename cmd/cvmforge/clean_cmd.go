package main

import (
	"context"
	"fmt"

	"github.com/banksean/cvmforge/internal/errs"
	"github.com/banksean/cvmforge/internal/fsutil"
)

// CleanCmd removes the build directory. Idempotent: a missing directory is
// not an error, matching fsutil.RemoveTree's semantics.
type CleanCmd struct{}

func (c *CleanCmd) Run(cctx *Context, ctx context.Context) error {
	if err := fsutil.RemoveTree(cctx.Layout.Build); err != nil {
		return errs.Wrap(errs.Filesystem, "clean", err)
	}
	fmt.Println("removed", cctx.Layout.Build)
	return nil
}
