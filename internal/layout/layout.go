// Package layout resolves the on-disk directory roles the build pipeline
// reads and writes under a single build directory, mirroring the teacher's
// pattern of deriving every path once at startup instead of scattering
// filepath.Join calls across the component packages.
package layout

import (
	"fmt"
	"path/filepath"
)

// Layout is an immutable role → absolute path mapping, constructed once at
// process start and never rewritten. The CLI commands and release.Package
// take a Layout; initramfs.Spec and verity.Spec take the individual paths
// the commands derive from it.
type Layout struct {
	Build     string
	Bin       string
	Content   string
	Guest     string
	Kernel    string
	Verity    string
	SNP       string
	Resources string
	Scripts   string
}

// New derives a Layout from a root build directory, normalizing it to an
// absolute path and laying out the fixed set of subdirectories spec.md's
// data model names: bin/, content/, guest/, kernel/, verity/, snp-release/,
// resources/, scripts/.
func New(root string) (Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, fmt.Errorf("layout.New: resolve %s: %w", root, err)
	}
	abs = filepath.Clean(abs)

	return Layout{
		Build:     abs,
		Bin:       filepath.Join(abs, "bin"),
		Content:   filepath.Join(abs, "content"),
		Guest:     filepath.Join(abs, "guest"),
		Kernel:    filepath.Join(abs, "kernel"),
		Verity:    filepath.Join(abs, "verity"),
		SNP:       filepath.Join(abs, "snp-release"),
		Resources: filepath.Join(abs, "resources"),
		Scripts:   filepath.Join(abs, "scripts"),
	}, nil
}

// Dirs returns every role directory in a stable order, used by the CLI's
// init command to create the full tree in one pass.
func (l Layout) Dirs() []string {
	return []string{
		l.Build, l.Bin, l.Content, l.Guest,
		l.Kernel, l.Verity, l.SNP, l.Resources, l.Scripts,
	}
}

// ContentWorkload returns the path to the unpacked workload tree a guest
// container build context reads from: content/hb/.
func (l Layout) ContentWorkload() string {
	return filepath.Join(l.Content, "hb")
}

// InitramfsArchive returns the path to the built gzip-compressed cpio
// archive handed to the launch composer as the initrd.
func (l Layout) InitramfsArchive() string {
	return filepath.Join(l.Build, "initramfs.cpio.gz")
}

// GuestDescriptor returns the path of the VM descriptor written for a guest
// build, under guest/.
func (l Layout) GuestDescriptor() string {
	return filepath.Join(l.Guest, "vm.cfg")
}

// VerityImage, VerityHashTree and VerityRootHash return the three artifact
// paths produced by the C5 verity pipeline under verity/.
func (l Layout) VerityImage() string     { return filepath.Join(l.Verity, "rootfs.img") }
func (l Layout) VerityHashTree() string  { return filepath.Join(l.Verity, "hash_tree.img") }
func (l Layout) VerityRootHash() string  { return filepath.Join(l.Verity, "roothash.txt") }
