package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/banksean/cvmforge/internal/errs"
	"github.com/banksean/cvmforge/internal/fsutil"
)

// InitCmd creates the build directory tree and, when SNPRelease is a
// directory or archive the caller already has on disk, seeds snp-release/
// from it instead of requiring a separate build_snp_release pass.
type InitCmd struct {
	SNPRelease string `placeholder:"<path>" help:"pre-built SNP release directory or tarball to seed snp-release/ from"`
}

func (c *InitCmd) Run(cctx *Context, ctx context.Context) error {
	for _, d := range cctx.Layout.Dirs() {
		if err := fsutil.EnsureDir(d, 0o755); err != nil {
			return errs.Wrap(errs.Filesystem, "init", err)
		}
	}

	if c.SNPRelease == "" {
		fmt.Println("build environment initialized at", cctx.Layout.Build)
		return nil
	}

	info, err := os.Stat(c.SNPRelease)
	if err != nil {
		return errs.Wrap(errs.Configuration, "init", fmt.Errorf("snp-release path %s: %w", c.SNPRelease, err))
	}

	if info.IsDir() {
		if err := copyTree(c.SNPRelease, cctx.Layout.SNP); err != nil {
			return errs.Wrap(errs.Filesystem, "init", err)
		}
	} else {
		if err := extractArchive(ctx, c.SNPRelease, cctx.Layout.SNP); err != nil {
			return errs.Wrap(errs.Build, "init", err)
		}
	}

	fmt.Println("build environment initialized at", cctx.Layout.Build, "with snp-release seeded from", c.SNPRelease)
	return nil
}

// DownloadReleaseCmd fetches a tar.gz SNP release from a URL and extracts
// it into snp-release/, standing in for a local init --snp-release path.
type DownloadReleaseCmd struct {
	URL string `required:"" help:"URL to a tar.gz SNP release file"`
}

func (c *DownloadReleaseCmd) Run(cctx *Context, ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return errs.Wrap(errs.Configuration, "download_release", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errs.Wrap(errs.Dependency, "download_release", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errs.Wrap(errs.Dependency, "download_release", fmt.Errorf("unexpected status %s fetching %s", resp.Status, c.URL))
	}

	tmp, err := os.CreateTemp("", "cvmforge-release-*.tar.gz")
	if err != nil {
		return errs.Wrap(errs.Filesystem, "download_release", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := tmp.ReadFrom(resp.Body); err != nil {
		return errs.Wrap(errs.Filesystem, "download_release", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.Filesystem, "download_release", err)
	}

	if err := extractArchive(ctx, tmp.Name(), cctx.Layout.SNP); err != nil {
		return errs.Wrap(errs.Build, "download_release", err)
	}
	fmt.Println("downloaded and extracted release into", cctx.Layout.SNP)
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return fsutil.EnsureDir(target, 0o755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		info, err := d.Info()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = out.ReadFrom(in)
		return err
	})
}
