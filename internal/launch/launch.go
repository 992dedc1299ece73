// Package launch composes the hypervisor launch command: a fluent builder
// of single-dash flags matching the downstream launcher script's argument
// convention (`-key value`, never `--key=value` or `key=value`), grounded
// on the original QEMUCommandBuilder's method-per-flag shape. Flags are
// appended in the fixed order the builder methods are called in, which is
// what gives the composed command its deterministic ordering.
package launch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/banksean/cvmforge/internal/buildopts"
)

// MissingArtifactError reports every artifact path a launch could not find,
// not just the first, so a single failed launch attempt tells the operator
// everything that needs fixing.
type MissingArtifactError struct {
	Paths []string
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("missing launch artifacts: %s", strings.Join(e.Paths, ", "))
}

// Builder assembles a launcher command as an ordered sequence of
// single-dash flags. The zero value is not usable; construct with New.
type Builder struct {
	launchScript string
	withSudo     bool
	parts        []string
}

// New starts a Builder invoking launchScript, prefixed with `sudo -E`
// unless withSudo is false.
func New(launchScript string, withSudo bool) *Builder {
	b := &Builder{launchScript: launchScript, withSudo: withSudo}
	if withSudo {
		b.parts = []string{"sudo", "-E", launchScript}
	} else {
		b.parts = []string{launchScript}
	}
	return b
}

func (b *Builder) param(key, value string) *Builder {
	b.parts = append(b.parts, "-"+key, value)
	return b
}

func (b *Builder) flag(name string) *Builder {
	b.parts = append(b.parts, "-"+name)
	return b
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// Args appends raw, pre-split tokens verbatim, used for the default and SNP
// parameter blocks that are configured as whitespace-separated strings.
func (b *Builder) Args(tokens ...string) *Builder {
	b.parts = append(b.parts, tokens...)
	return b
}

func (b *Builder) Mem(mib int) *Builder  { return b.param("mem", strconv.Itoa(mib)) }
func (b *Builder) SMP(count int) *Builder { return b.param("smp", strconv.Itoa(count)) }
func (b *Builder) HDA(path string) *Builder { return b.param("hda", path) }
func (b *Builder) HDB(path string) *Builder { return b.param("hdb", path) }
func (b *Builder) Bios(path string) *Builder { return b.param("bios", path) }
func (b *Builder) LoadConfig(path string) *Builder { return b.param("load-config", path) }
func (b *Builder) HBPort(port int) *Builder { return b.param("hb-port", strconv.Itoa(port)) }
func (b *Builder) QEMUPort(port int) *Builder { return b.param("qemu-port", strconv.Itoa(port)) }
func (b *Builder) Debug(enable bool) *Builder { return b.param("debug", boolFlag(enable)) }
func (b *Builder) EnableKVM(enable bool) *Builder { return b.param("enable-kvm", boolFlag(enable)) }
func (b *Builder) EnableTPM(enable bool) *Builder { return b.param("enable-tpm", boolFlag(enable)) }
func (b *Builder) EnableGPU(enable bool) *Builder { return b.param("enable-gpu", boolFlag(enable)) }
func (b *Builder) Policy(hex string) *Builder { return b.param("policy", hex) }
func (b *Builder) DataDisk(path string) *Builder { return b.param("data-disk", path) }
func (b *Builder) EnableSSL() *Builder { return b.param("enableSSL", "1") }
func (b *Builder) DefaultNetwork() *Builder { return b.flag("default-network") }
func (b *Builder) Log(path string) *Builder { return b.param("log", path) }
func (b *Builder) SevSNP() *Builder { return b.flag("sev-snp") }

// Build renders the composed command as a single space-separated string.
func (b *Builder) Build() string {
	return strings.Join(b.parts, " ")
}

// Artifacts are the paths a launch command references, resolved by the
// caller either from the live build directory or from ./release/.
type Artifacts struct {
	VerityImage     string
	VerityHashTree  string
	Descriptor      string
	LaunchScript    string
}

// Mode names the two artifact sets a launch can read paths from. Compose
// does not take a Mode: it uses whatever paths Spec.Artifacts holds, and
// produces the same command shape for either set.
type Mode int

const (
	Live Mode = iota
	Release
)

// Spec is the transient input to Compose: the descriptor plus the runtime
// options a launch needs beyond what the descriptor carries.
type Spec struct {
	Artifacts      Artifacts
	Policy         buildopts.GuestPolicy
	Options        buildopts.Options
	HBPort         int
	QEMUPort       int
	MemMiB         int
	VCPUCount      int
	DataDiskPath   string
	EnableSSL      bool
	LogPath        string
	DefaultParams  []string
	SNPParams      []string
	WithSudo       bool
}

// ValidateArtifacts checks every artifact path Compose will read resolves
// to an existing file, returning a single *MissingArtifactError enumerating
// every path that does not, or nil if all are present.
func ValidateArtifacts(exists func(string) bool, a Artifacts) error {
	var missing []string
	for _, p := range []string{a.VerityImage, a.VerityHashTree, a.Descriptor, a.LaunchScript} {
		if p == "" || !exists(p) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return &MissingArtifactError{Paths: missing}
	}
	return nil
}

// Compose assembles the live-boot launch command: fixed outputs (log path,
// memory, vcpu count, SNP policy tag, primary/secondary disks, descriptor,
// the two forwarded ports, debug/KVM/TPM toggles) plus the conditional
// data-disk and SSL flags.
func Compose(spec Spec) string {
	b := New(spec.Artifacts.LaunchScript, spec.WithSudo)
	b.Args(spec.DefaultParams...)
	b.Args(spec.SNPParams...)
	b.Mem(spec.MemMiB)
	b.SMP(spec.VCPUCount)
	b.HDA(spec.Artifacts.VerityImage)
	b.HDB(spec.Artifacts.VerityHashTree)
	b.LoadConfig(spec.Artifacts.Descriptor)
	b.HBPort(spec.HBPort)
	b.QEMUPort(spec.QEMUPort)
	b.Debug(spec.Options.Debug)
	b.EnableKVM(spec.Options.EnableKVM)
	b.EnableTPM(spec.Options.EnableTPM)
	if spec.Options.EnableGPU {
		b.EnableGPU(true)
	}
	b.SevSNP()
	b.Policy(fmt.Sprintf("0x%x", spec.Policy.Policy))
	b.Log(spec.LogPath)
	if spec.DataDiskPath != "" {
		b.DataDisk(spec.DataDiskPath)
	}
	if spec.EnableSSL {
		b.EnableSSL()
	}
	return b.Build()
}

// ComposeBaseImage assembles the base-image boot command: like Compose, but
// substitutes a firmware path for the SNP policy toggle and uses the
// cloud-init config blob as -hdb instead of a verity hash tree.
func ComposeBaseImage(spec Spec, ovmfPath, cloudInitPath string) string {
	b := New(spec.Artifacts.LaunchScript, spec.WithSudo)
	b.Args(spec.DefaultParams...)
	b.Mem(spec.MemMiB)
	b.SMP(spec.VCPUCount)
	b.HDA(spec.Artifacts.VerityImage)
	b.HDB(cloudInitPath)
	b.Bios(ovmfPath)
	b.HBPort(spec.HBPort)
	b.QEMUPort(spec.QEMUPort)
	b.Debug(spec.Options.Debug)
	b.EnableKVM(spec.Options.EnableKVM)
	b.EnableTPM(spec.Options.EnableTPM)
	b.Log(spec.LogPath)
	if spec.DataDiskPath != "" {
		b.DataDisk(spec.DataDiskPath)
	}
	if spec.EnableSSL {
		b.EnableSSL()
	}
	return b.Build()
}
