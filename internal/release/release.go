// Package release builds the relocatable bundle C9 hands off for a
// guest-independent boot: a ./release/ directory holding the verity image,
// its hash tree, and a descriptor rewritten to point at the copies it
// placed alongside them, archived as a gzipped tarball. Archiving is the
// one place this pipeline falls back to the standard library — no
// third-party archiver or compressor appears anywhere in the retrieval
// pack, so archive/tar and compress/gzip stand in directly.
package release

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/banksean/cvmforge/internal/descriptor"
	"github.com/banksean/cvmforge/internal/errs"
	"github.com/banksean/cvmforge/internal/fsutil"
	"github.com/banksean/cvmforge/internal/layout"
)

// DirName is the relocatable bundle's directory, relative to the working
// directory Package is invoked from.
const DirName = "release"

// ArchiveName is the gzipped tarball Package produces alongside DirName.
const ArchiveName = "release.tar.gz"

// Package clears ./release/, copies the verity artifacts and every file a
// rewritten descriptor references into it, writes the rewritten descriptor,
// and archives the directory as a gzipped tarball.
func Package(ctx context.Context, l layout.Layout, descriptorPath string) error {
	releaseDir, err := filepath.Abs(DirName)
	if err != nil {
		return errs.Wrap(errs.Filesystem, "release.Package", err)
	}

	if err := fsutil.RemoveTree(releaseDir); err != nil {
		return errs.Wrap(errs.Filesystem, "release.Package", err)
	}
	if err := fsutil.EnsureDir(releaseDir, 0o755); err != nil {
		return errs.Wrap(errs.Filesystem, "release.Package", err)
	}

	if err := copyInto(l.VerityImage(), releaseDir); err != nil {
		return errs.Wrap(errs.Build, "release.Package", err)
	}
	if err := copyInto(l.VerityHashTree(), releaseDir); err != nil {
		return errs.Wrap(errs.Build, "release.Package", err)
	}

	d, err := descriptor.Parse(descriptorPath)
	if err != nil {
		return errs.Wrap(errs.Configuration, "release.Package", err)
	}

	for _, src := range []*string{&d.KernelFile, &d.OVMFFile, &d.InitrdFile} {
		if *src == "" {
			continue
		}
		if err := copyInto(*src, releaseDir); err != nil {
			return errs.Wrap(errs.Build, "release.Package", err)
		}
		*src = "./" + filepath.Join(DirName, filepath.Base(*src))
	}

	rewritten := filepath.Join(releaseDir, filepath.Base(descriptorPath))
	if err := descriptor.Write(rewritten, d); err != nil {
		return errs.Wrap(errs.Build, "release.Package", err)
	}

	if err := archive(releaseDir, ArchiveName); err != nil {
		return errs.Wrap(errs.Build, "release.Package", err)
	}
	return nil
}

func copyInto(src, destDir string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	dst := filepath.Join(destDir, filepath.Base(src))
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return nil
}

// archive tars and gzips every regular file directly under dir (the
// release bundle is a flat directory, never nested) into outPath.
func archive(dir, outPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", outPath, err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("header for %s: %w", path, err)
		}
		hdr.Name = filepath.Join(DirName, entry.Name())

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header for %s: %w", path, err)
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		_, copyErr := io.Copy(tw, f)
		f.Close()
		if copyErr != nil {
			return fmt.Errorf("archive %s: %w", path, copyErr)
		}
	}
	return nil
}
