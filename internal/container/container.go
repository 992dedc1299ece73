// Package container drives an OCI-compatible container engine CLI (docker
// by default) to build guest content images, run and export their
// filesystems, and (through ResolveDigest) resolve the content digest of an
// image reference.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/goombaio/namegenerator"

	"github.com/banksean/cvmforge/internal/errs"
	"github.com/banksean/cvmforge/internal/fsutil"
	"github.com/banksean/cvmforge/internal/procrun"
)

// Driver wraps an OCI-compatible engine CLI via internal/procrun. The zero
// value is not usable; construct with New.
type Driver struct {
	runner  procrun.Runner
	engine  string
	tracked map[string]struct{}
}

// New returns a Driver that shells out to engine ("docker" by default when
// the caller passes an empty string).
func New(runner procrun.Runner, engine string) *Driver {
	if engine == "" {
		engine = "docker"
	}
	return &Driver{runner: runner, engine: engine, tracked: map[string]struct{}{}}
}

// Build builds contextDir using recipePath as the engine's build file,
// tagging the result imageTag. buildArgs is substituted verbatim into the
// build invocation as --build-arg entries; the caller is expected to
// include a CACHEBUST entry so branch-pinned builds re-fetch sources when
// branches move.
func (d *Driver) Build(ctx context.Context, contextDir, recipePath, imageTag string, buildArgs map[string]string) error {
	if err := mustExist(contextDir); err != nil {
		return errs.Wrap(errs.Container, "container.Build", err)
	}
	if err := mustExist(recipePath); err != nil {
		return errs.Wrap(errs.Container, "container.Build", err)
	}

	args := []string{"build", "-f", recipePath, "-t", imageTag}
	for k, v := range buildArgs {
		args = append(args, "--build-arg", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, contextDir)

	_, err := d.runner.Run(ctx, procrun.Spec{Name: d.engine, Args: args})
	if err != nil {
		return errs.Wrap(errs.Container, "container.Build", err)
	}
	return nil
}

// Run stops any pre-existing container by containerName, then starts a new
// one detached with --rm running image imageTag. The name is tracked so
// Cleanup can stop it later even if the caller never calls Stop directly.
func (d *Driver) Run(ctx context.Context, imageTag, containerName string, command, extraArgs []string) error {
	if containerName == "" {
		containerName = generateName()
	}

	if err := d.Stop(ctx, containerName, true); err != nil {
		return err
	}

	args := []string{"run", "-d", "--rm", "--name", containerName}
	args = append(args, extraArgs...)
	args = append(args, imageTag)
	args = append(args, command...)

	if _, err := d.runner.Run(ctx, procrun.Spec{Name: d.engine, Args: args}); err != nil {
		return errs.Wrap(errs.Container, "container.Run", err)
	}
	d.tracked[containerName] = struct{}{}
	return nil
}

// Stop synchronously stops containerName. A missing container is not an
// error when ignoreMissing is set.
func (d *Driver) Stop(ctx context.Context, containerName string, ignoreMissing bool) error {
	_, err := d.runner.Run(ctx, procrun.Spec{
		Name:          d.engine,
		Args:          []string{"stop", containerName},
		Capture:       true,
		IgnoreFailure: ignoreMissing,
	})
	delete(d.tracked, containerName)
	if err != nil {
		return errs.Wrap(errs.Container, "container.Stop", err)
	}
	return nil
}

// CopyFrom copies srcPath out of containerName to dstPath, ensuring
// dstPath's parent directory exists first.
func (d *Driver) CopyFrom(ctx context.Context, containerName, srcPath, dstPath string) error {
	if err := fsutil.EnsureParent(dstPath, 0o755); err != nil {
		return errs.Wrap(errs.Filesystem, "container.CopyFrom", err)
	}
	ref := fmt.Sprintf("%s:%s", containerName, srcPath)
	if _, err := d.runner.Run(ctx, procrun.Spec{Name: d.engine, Args: []string{"cp", ref, dstPath}}); err != nil {
		return errs.Wrap(errs.Container, "container.CopyFrom", err)
	}
	return nil
}

// ExportFilesystem pipes containerName's complete rootfs stream and untars
// it into dstDir, preserving permissions, ownership, and extended
// attributes.
func (d *Driver) ExportFilesystem(ctx context.Context, containerName, dstDir string) error {
	if err := fsutil.EnsureDir(dstDir, 0o755); err != nil {
		return errs.Wrap(errs.Filesystem, "container.ExportFilesystem", err)
	}
	// `engine export <id> | tar -C dstDir -xpf -` is run as a shell pipeline so
	// the export stream never touches an intermediate file.
	pipeline := fmt.Sprintf("%s export %s | tar -C %s -xpf -", d.engine, containerName, dstDir)
	if _, err := d.runner.Run(ctx, procrun.Spec{Name: "sh", Args: []string{"-c", pipeline}}); err != nil {
		return errs.Wrap(errs.Container, "container.ExportFilesystem", err)
	}
	return nil
}

// Cleanup stops every container name this Driver has started and not yet
// stopped. Used at top-level defer sites so an aborted pipeline never
// leaves a tracked container running.
func (d *Driver) Cleanup(ctx context.Context) error {
	var last error
	for name := range d.tracked {
		if err := d.Stop(ctx, name, true); err != nil {
			slog.ErrorContext(ctx, "container.Cleanup", "name", name, "error", err)
			last = err
		}
	}
	return last
}

// Scoped runs a container from image under name, guarantees it is stopped
// on every exit path (normal return, error return, or panic unwinding
// through fn), and calls fn while it is running.
func (d *Driver) Scoped(ctx context.Context, image, name string, command, extraArgs []string, fn func(ctx context.Context) error) (err error) {
	if err := d.Run(ctx, image, name, command, extraArgs); err != nil {
		return err
	}
	defer func() {
		if stopErr := d.Stop(ctx, name, true); stopErr != nil && err == nil {
			err = stopErr
		}
	}()
	return fn(ctx)
}

// ScopedTemplate substitutes vars into recipePath, guarantees the original
// bytes are restored on every exit path, and calls fn while the substituted
// recipe is on disk. The restore is unconditional: even if fn or the
// substitution itself fails, whatever bytes were written get put back.
func (d *Driver) ScopedTemplate(ctx context.Context, recipePath string, vars map[string]string, fn func(ctx context.Context) error) (err error) {
	restore, err := fsutil.SubstituteFile(recipePath, vars)
	if err != nil {
		if restore != nil {
			_ = restore()
		}
		return errs.Wrap(errs.Build, "container.ScopedTemplate", err)
	}
	defer func() {
		if restoreErr := restore(); restoreErr != nil && err == nil {
			err = errs.Wrap(errs.Build, "container.ScopedTemplate", restoreErr)
		}
	}()
	return fn(ctx)
}

// ResolveDigest resolves the content digest of ref via
// github.com/google/go-containerregistry/pkg/crane. The resolved digest is
// logged, not just returned, so it ends up in the log even when the caller
// discards the value. No build command calls it, so build runs do not
// record the image digest they built from.
func (d *Driver) ResolveDigest(ctx context.Context, ref string) (string, error) {
	digest, err := crane.Digest(ref)
	if err != nil {
		return "", errs.Wrap(errs.Container, "container.ResolveDigest", err)
	}
	slog.InfoContext(ctx, "container.ResolveDigest", "ref", ref, "digest", digest)
	return digest, nil
}

func generateName() string {
	seed := time.Now().UTC().UnixNano()
	return namegenerator.NewNameGenerator(seed).Generate()
}

func mustExist(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
