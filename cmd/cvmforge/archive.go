package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/banksean/cvmforge/internal/fsutil"
)

// extractArchive unpacks a gzipped tar archive into destDir, the same
// standard-library archive/tar + compress/gzip pairing internal/release
// uses to produce release.tar.gz, applied here in reverse for
// init --snp-release and download_release.
func extractArchive(ctx context.Context, archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", archivePath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gzip.NewReader %s: %w", archivePath, err)
	}
	defer gz.Close()

	if err := fsutil.EnsureDir(destDir, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", archivePath, err)
		}

		name := filepath.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") {
			return fmt.Errorf("archive entry %q escapes destination directory", hdr.Name)
		}
		target := filepath.Join(destDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fsutil.EnsureDir(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := fsutil.EnsureParent(target, 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("extract %s: %w", target, err)
			}
			out.Close()
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
