// Package verity transforms an unhardened base VM image into a
// dm-verity-protected, mostly read-only guest image: attach both images via
// NBD, discover and copy the source root filesystem, overlay the workload
// content tree, harden or configure-for-debug, remap the layout for a
// writable runtime overlay, and measure the result with veritysetup.
//
// Resource acquisition and release follow the acquire/release pair spec.md
// §9 calls for: one top-level defer runs release() in LIFO order on every
// exit path, never a manual stop/start pair at call sites.
package verity

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"

	"github.com/banksean/cvmforge/internal/errs"
	"github.com/banksean/cvmforge/internal/fsutil"
	"github.com/banksean/cvmforge/internal/procrun"
	"github.com/banksean/cvmforge/internal/tracing"
)

// Spec describes one verity image build.
type Spec struct {
	SrcImage    string
	BuildDir    string
	OutImage    string
	OutHashTree string
	OutRootHash string

	// WorkloadDir is copied to <dst>/root; ServiceUnit, if non-empty, is
	// additionally copied into the destination's systemd unit directory and
	// enabled, unless Debug is set.
	WorkloadDir string
	ServiceUnit string

	Debug bool
	// NonInteractive defaults true at the CLI boundary; Interactive must be
	// set explicitly to unlock the device-override prompt below.
	NonInteractive bool
	Interactive    bool
	// Stdin is read for the device-override prompt when Interactive is set
	// and the root-fs heuristic fails to resolve a device; defaults to
	// os.Stdin when nil.
	Stdin io.Reader

	// SrcDevice/DstDevice override the default /dev/nbd0, /dev/nbd1 pair.
	SrcDevice string
	DstDevice string
}

// Artifact is the triple the C5 pipeline produces: a block image containing
// exactly one ext4 filesystem, its dm-verity Merkle tree, and the ASCII hex
// root hash of that tree.
type Artifact struct {
	Image    string
	HashTree string
	RootHash string
}

// tty devices disabled in secure mode, matching the original hardening
// script's fixed device list.
var ttyDevices = []string{"tty", "tty0", "tty1", "tty2", "tty3", "tty4", "tty5", "tty6", "ttyS0"}

var lvPathRE = regexp.MustCompile(`LV Path`)
var linuxFSRE = regexp.MustCompile(`(?i)(/dev/\S+).*Linux filesystem`)

// Build runs the full pipeline and returns the resulting Artifact. Any
// stage failure triggers full cleanup; the destination image and hash tree
// must be treated as garbage by the caller when an error is returned.
func Build(ctx context.Context, runner procrun.Runner, spec Spec) (*Artifact, error) {
	if spec.SrcDevice == "" {
		spec.SrcDevice = "/dev/nbd0"
	}
	if spec.DstDevice == "" {
		spec.DstDevice = "/dev/nbd1"
	}

	b := &builder{runner: runner, spec: spec}

	var err error
	defer func() {
		if relErr := b.release(ctx); relErr != nil {
			slog.ErrorContext(ctx, "verity.Build: cleanup reported errors", "error", relErr)
			if err == nil {
				err = errs.Wrap(errs.GuestSetup, "verity.release", relErr)
			}
		}
	}()

	// Each of these 12 steps is also a span, a child of the caller's current
	// span (the setup_verity stage in build_guest), so a stalled or slow run
	// shows which state the machine was in rather than just "setup_verity is
	// still running" in the logs.
	if err = stage(ctx, "verity.acquire", b.acquire); err != nil {
		return nil, errs.Wrap(errs.GuestSetup, "verity.acquire", err)
	}
	if err = stageCtx(ctx, "verity.sizing", b.sizeAndCreateOutputImage); err != nil {
		return nil, errs.Wrap(errs.GuestSetup, "verity.sizing", err)
	}
	if err = stageCtx(ctx, "verity.attach", b.attach); err != nil {
		return nil, errs.Wrap(errs.GuestSetup, "verity.attach", err)
	}
	if err = stageCtx(ctx, "verity.rootfs-discovery", b.findRootFS); err != nil {
		return nil, errs.Wrap(errs.GuestSetup, "verity.rootfs-discovery", err)
	}
	if err = stageCtx(ctx, "verity.format", b.formatDestination); err != nil {
		return nil, errs.Wrap(errs.GuestSetup, "verity.format", err)
	}
	if err = stageCtx(ctx, "verity.mount", b.mount); err != nil {
		return nil, errs.Wrap(errs.GuestSetup, "verity.mount", err)
	}
	if err = stageCtx(ctx, "verity.copy", b.copy); err != nil {
		return nil, errs.Wrap(errs.GuestSetup, "verity.copy", err)
	}
	if err = stageCtx(ctx, "verity.overlay", b.overlayWorkload); err != nil {
		return nil, errs.Wrap(errs.GuestSetup, "verity.overlay", err)
	}
	err = tracing.Stage(ctx, "verity.harden", nil, func(ctx context.Context) error {
		if spec.Debug {
			return b.configureDebugMode(ctx)
		}
		return b.configureSecureMode(ctx)
	})
	if err != nil {
		return nil, errs.Wrap(errs.GuestSetup, "verity.harden", err)
	}
	if err = stageCtx(ctx, "verity.remap", b.remapLayout); err != nil {
		return nil, errs.Wrap(errs.GuestSetup, "verity.remap", err)
	}
	if err = stageCtx(ctx, "verity.unmount", b.unmount); err != nil {
		return nil, errs.Wrap(errs.GuestSetup, "verity.unmount", err)
	}

	var rootHash string
	err = tracing.Stage(ctx, "verity.measure", nil, func(ctx context.Context) error {
		var measureErr error
		rootHash, measureErr = b.measure(ctx)
		return measureErr
	})
	if err != nil {
		return nil, errs.Wrap(errs.GuestSetup, "verity.measure", err)
	}

	return &Artifact{Image: spec.OutImage, HashTree: spec.OutHashTree, RootHash: rootHash}, nil
}

// stage runs a context-free builder step inside a trace span.
func stage(ctx context.Context, name string, fn func() error) error {
	return tracing.Stage(ctx, name, nil, func(context.Context) error { return fn() })
}

// stageCtx runs a context-carrying builder step inside a trace span.
func stageCtx(ctx context.Context, name string, fn func(context.Context) error) error {
	return tracing.Stage(ctx, name, nil, fn)
}

// builder holds the resources acquired over one run, in the order they were
// acquired, so release() can unwind them LIFO.
type builder struct {
	runner procrun.Runner
	spec   Spec

	srcFolder, dstFolder     string
	srcMounted, dstMounted   bool
	moduleLoaded             bool
	srcAttached, dstAttached bool
	initialLVCount           int
	srcRootFSDevice          string
}

func (b *builder) acquire() error {
	srcFolder, err := os.MkdirTemp("", "src_folder_")
	if err != nil {
		return fmt.Errorf("create source scratch dir: %w", err)
	}
	b.srcFolder = srcFolder

	dstFolder, err := os.MkdirTemp("", "dst_folder_")
	if err != nil {
		return fmt.Errorf("create destination scratch dir: %w", err)
	}
	b.dstFolder = dstFolder
	return nil
}

func (b *builder) sizeAndCreateOutputImage(ctx context.Context) error {
	out, err := b.runner.Output(ctx, "qemu-img", "info", b.spec.SrcImage)
	if err != nil {
		return fmt.Errorf("qemu-img info: %w", err)
	}

	var size string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "virtual size:") {
			fields := strings.Fields(line)
			if len(fields) >= 3 {
				size = fields[2] + "G"
			}
			break
		}
	}
	if size == "" {
		return fmt.Errorf("could not determine virtual size from qemu-img info output")
	}

	slog.InfoContext(ctx, "verity.sizeAndCreateOutputImage", "size", size)
	_, err = b.runner.Run(ctx, procrun.Spec{Name: "qemu-img", Args: []string{"create", "-f", "qcow2", b.spec.OutImage, size}})
	return err
}

func (b *builder) attach(ctx context.Context) error {
	b.initialLVCount = b.countLVPaths(ctx)
	if b.initialLVCount > 0 {
		slog.WarnContext(ctx, "verity.attach: host already has active LVM devices; a guest LVM image may not mount as expected")
	}

	if _, err := b.runner.Run(ctx, procrun.Spec{Name: "modprobe", Args: []string{"nbd", "max_part=8"}}); err != nil {
		return fmt.Errorf("load nbd module: %w", err)
	}
	b.moduleLoaded = true

	if _, err := b.runner.Run(ctx, procrun.Spec{Name: "qemu-nbd", Args: []string{"--connect=" + b.spec.SrcDevice, b.spec.SrcImage}}); err != nil {
		return fmt.Errorf("attach source nbd: %w", err)
	}
	b.srcAttached = true

	if _, err := b.runner.Run(ctx, procrun.Spec{Name: "qemu-nbd", Args: []string{"--connect=" + b.spec.DstDevice, b.spec.OutImage}}); err != nil {
		return fmt.Errorf("attach destination nbd: %w", err)
	}
	b.dstAttached = true
	return nil
}

func (b *builder) countLVPaths(ctx context.Context) int {
	out, err := b.runner.Run(ctx, procrun.Spec{Name: "lvdisplay", Capture: true, Silent: true, IgnoreFailure: true})
	if err != nil {
		return 0
	}
	return len(lvPathRE.FindAllIndex(out.Stdout, -1))
}

// findRootFS determines the device containing the source image's root
// filesystem: prefer a newly-appeared LVM logical volume, else parse the
// partition table for the first "Linux filesystem" entry. The default is
// non-interactive: an unresolved device is a typed, actionable error. Only
// when the caller opts in with Interactive does an unresolved device fall
// back to a one-line stdin prompt, matching the original tool's behavior
// but gated behind an explicit flag per spec.md §9's non-interactive
// default design note.
func (b *builder) findRootFS(ctx context.Context) error {
	res, err := b.runner.Run(ctx, procrun.Spec{Name: "lvdisplay", Capture: true, Silent: true, IgnoreFailure: true})
	if err == nil {
		count := len(lvPathRE.FindAllIndex(res.Stdout, -1))
		if count > b.initialLVCount {
			if dev := lastFieldOfLastMatch(string(res.Stdout), "LV Path"); dev != "" {
				b.srcRootFSDevice = dev
				slog.InfoContext(ctx, "verity.findRootFS: using LVM device", "device", dev)
				return nil
			}
		}
	}

	out, err := b.runner.Output(ctx, "fdisk", b.spec.SrcDevice, "-l")
	if err != nil {
		return fmt.Errorf("fdisk -l %s: %w", b.spec.SrcDevice, err)
	}
	if match := linuxFSRE.FindStringSubmatch(out); match != nil {
		b.srcRootFSDevice = match[1]
	}

	if b.srcRootFSDevice != "" {
		slog.InfoContext(ctx, "verity.findRootFS: found filesystem", "device", b.srcRootFSDevice)
		return nil
	}

	if !b.spec.Interactive {
		return fmt.Errorf("could not identify a Linux filesystem partition on %s; rerun with an explicit device override", b.spec.SrcDevice)
	}

	stdin := b.spec.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	fmt.Printf("Failed to identify the root filesystem automatically.\n%s\nEnter device containing the root filesystem: ", out)
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read device override: %w", err)
	}
	device := strings.TrimSpace(line)
	if _, err := os.Stat(device); err != nil {
		return fmt.Errorf("device %s does not exist: %w", device, err)
	}
	b.srcRootFSDevice = device
	return nil
}

func lastFieldOfLastMatch(output, marker string) string {
	var last string
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, marker) {
			last = line
		}
	}
	fields := strings.Fields(last)
	if len(fields) < 3 {
		return ""
	}
	return fields[2]
}

func (b *builder) formatDestination(ctx context.Context) error {
	_, err := b.runner.Run(ctx, procrun.Spec{Name: "mkfs.ext4", Args: []string{b.spec.DstDevice}})
	return err
}

func (b *builder) mount(ctx context.Context) error {
	if _, err := b.runner.Run(ctx, procrun.Spec{Name: "mount", Args: []string{b.srcRootFSDevice, b.srcFolder}}); err != nil {
		return fmt.Errorf("mount source: %w", err)
	}
	b.srcMounted = true

	if _, err := b.runner.Run(ctx, procrun.Spec{Name: "mount", Args: []string{b.spec.DstDevice, b.dstFolder}}); err != nil {
		return fmt.Errorf("mount destination: %w", err)
	}
	b.dstMounted = true
	return nil
}

// copy replicates the source filesystem into the destination preserving
// hard links, extended attributes, ACLs, sparse regions, and numeric
// ownership, then logs the copied size for the build record.
func (b *builder) copy(ctx context.Context) error {
	_, err := b.runner.Run(ctx, procrun.Spec{
		Name: "rsync",
		Args: []string{"-axHAWXS", "--numeric-ids", "--info=progress2", b.srcFolder + "/", b.dstFolder + "/"},
	})
	if err != nil {
		return fmt.Errorf("copy filesystem: %w", err)
	}

	if size, sizeErr := dirSize(b.dstFolder); sizeErr == nil {
		slog.InfoContext(ctx, "verity.copy", "copied_size", humanize.Bytes(uint64(size)))
	}
	return nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func (b *builder) overlayWorkload(ctx context.Context) error {
	if b.spec.WorkloadDir == "" {
		return nil
	}
	dst := filepath.Join(b.dstFolder, "root")
	if _, err := b.runner.Run(ctx, procrun.Spec{
		Name: "rsync",
		Args: []string{"-axHAWXS", "--numeric-ids", "--info=progress2", b.spec.WorkloadDir, dst},
	}); err != nil {
		return fmt.Errorf("copy workload tree: %w", err)
	}

	if b.spec.Debug || b.spec.ServiceUnit == "" {
		return nil
	}

	unitDst := filepath.Join(b.dstFolder, "etc", "systemd", "system", filepath.Base(b.spec.ServiceUnit))
	if _, err := b.runner.Run(ctx, procrun.Spec{
		Name: "rsync",
		Args: []string{"-axHAWXS", "--numeric-ids", "--info=progress2", b.spec.ServiceUnit, unitDst},
	}); err != nil {
		return fmt.Errorf("copy workload service unit: %w", err)
	}
	_, err := b.runner.Run(ctx, procrun.Spec{
		Name: "chroot",
		Args: []string{b.dstFolder, "systemctl", "enable", filepath.Base(b.spec.ServiceUnit)},
	})
	return err
}

// configureSecureMode hardens the destination for unattended black-box
// operation: no SSH, no ttys, no console.
func (b *builder) configureSecureMode(ctx context.Context) error {
	slog.InfoContext(ctx, "verity.configureSecureMode")
	chroot := func(args ...string) error {
		_, err := b.runner.Run(ctx, procrun.Spec{Name: "chroot", Args: append([]string{b.dstFolder}, args...)})
		return err
	}

	if err := chroot("systemctl", "disable", "ssh.service"); err != nil {
		return err
	}
	if err := chroot("systemctl", "mask", "ssh.service"); err != nil {
		return err
	}

	if err := b.disableDefaultShellLogins(ctx); err != nil {
		return err
	}

	for i := 1; i <= 6; i++ {
		unit := fmt.Sprintf("getty@tty%d.service", i)
		if err := chroot("systemctl", "disable", unit); err != nil {
			return err
		}
		if err := chroot("systemctl", "mask", unit); err != nil {
			return err
		}
	}
	if err := chroot("systemctl", "disable", "serial-getty@ttyS0.service"); err != nil {
		return err
	}
	if err := chroot("systemctl", "mask", "serial-getty@ttyS0.service"); err != nil {
		return err
	}

	if err := b.stripGrubConsole(ctx); err != nil {
		return err
	}

	for _, dev := range ttyDevices {
		devPath := filepath.Join(b.dstFolder, "dev", dev)
		if _, err := os.Lstat(devPath); err != nil {
			continue
		}
		newPath := filepath.Join(b.dstFolder, "dev", dev+"_disabled")
		if _, err := b.runner.Run(ctx, procrun.Spec{Name: "mv", Args: []string{devPath, newPath}, IgnoreFailure: true}); err != nil {
			return err
		}
	}

	// best-effort: a missing console or already-quiesced kernel log is not a
	// hard failure.
	_, _ = b.runner.Run(ctx, procrun.Spec{Name: "chroot", Args: []string{b.dstFolder, "dmesg", "--console-off"}, IgnoreFailure: true})
	return nil
}

// disableDefaultShellLogins rewrites the destination's /etc/passwd so every
// user whose login shell is /bin/bash is switched to /usr/sbin/nologin;
// root alone retains its shell.
func (b *builder) disableDefaultShellLogins(ctx context.Context) error {
	passwdPath := filepath.Join(b.dstFolder, "etc", "passwd")
	data, err := os.ReadFile(passwdPath)
	if err != nil {
		return fmt.Errorf("read passwd: %w", err)
	}

	var out strings.Builder
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			out.WriteString(line)
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) == 7 && fields[0] != "root" && fields[6] == "/bin/bash" {
			fields[6] = "/usr/sbin/nologin"
			out.WriteString(strings.Join(fields, ":"))
		} else {
			out.WriteString(line)
		}
		out.WriteString("\n")
	}

	rewritten := strings.TrimSuffix(out.String(), "\n")
	if strings.HasSuffix(string(data), "\n") {
		rewritten += "\n"
	}
	return os.WriteFile(passwdPath, []byte(rewritten), 0o644)
}

// stripGrubConsole removes console=… tokens from the destination's GRUB
// default config and appends console=none, if the file is present.
func (b *builder) stripGrubConsole(ctx context.Context) error {
	grubPath := filepath.Join(b.dstFolder, "etc", "default", "grub")
	if _, err := os.Stat(grubPath); err != nil {
		return nil
	}
	slog.InfoContext(ctx, "verity.stripGrubConsole", "path", grubPath)

	data, err := os.ReadFile(grubPath)
	if err != nil {
		return fmt.Errorf("read grub config: %w", err)
	}

	consoleTokenRE := regexp.MustCompile(`console=\S*`)
	cmdlineRE := regexp.MustCompile(`(?m)^GRUB_CMDLINE_LINUX_DEFAULT="(.*)"$`)

	stripped := consoleTokenRE.ReplaceAllString(string(data), "")
	stripped = cmdlineRE.ReplaceAllString(stripped, `GRUB_CMDLINE_LINUX_DEFAULT="$1 console=none"`)

	return os.WriteFile(grubPath, []byte(stripped), 0o644)
}

// configureDebugMode leaves the destination reachable: a known root
// password, root SSH login and password authentication enabled, the SSH
// service enabled.
func (b *builder) configureDebugMode(ctx context.Context) error {
	slog.InfoContext(ctx, "verity.configureDebugMode")

	if _, err := b.runner.Run(ctx, procrun.Spec{
		Name: "chroot",
		Args: []string{b.dstFolder, "sh", "-c", "echo 'root:hb' | chpasswd"},
	}); err != nil {
		return fmt.Errorf("set root password: %w", err)
	}

	sshdConfigPath := filepath.Join(b.dstFolder, "etc", "ssh", "sshd_config")
	data, err := os.ReadFile(sshdConfigPath)
	if err != nil {
		return fmt.Errorf("read sshd_config: %w", err)
	}
	permitRootRE := regexp.MustCompile(`(?m)^\s*#?\s*PermitRootLogin\s+.*$`)
	passwordAuthRE := regexp.MustCompile(`(?m)^\s*#?\s*PasswordAuthentication\s+.*$`)
	rewritten := permitRootRE.ReplaceAllString(string(data), "PermitRootLogin yes")
	rewritten = passwordAuthRE.ReplaceAllString(rewritten, "PasswordAuthentication yes")
	if err := os.WriteFile(sshdConfigPath, []byte(rewritten), 0o644); err != nil {
		return fmt.Errorf("write sshd_config: %w", err)
	}

	_, err = b.runner.Run(ctx, procrun.Spec{Name: "chroot", Args: []string{b.dstFolder, "systemctl", "enable", "ssh.service"}})
	return err
}

// remapLayout establishes the writable-overlay-at-runtime contract: rename
// root/etc/var to their _ro counterparts, create fresh empty directories,
// and seed a writable root from root_ro. The initramfs is responsible for
// bind-mounting tmpfs or persistent overlays over the fresh directories at
// guest boot; this stage only establishes the layout.
func (b *builder) remapLayout(ctx context.Context) error {
	if _, err := b.runner.Run(ctx, procrun.Spec{Name: "rm", Args: []string{"-rf", filepath.Join(b.dstFolder, "tmp")}}); err != nil {
		return fmt.Errorf("clear tmp: %w", err)
	}

	for _, pair := range [][2]string{{"root", "root_ro"}, {"etc", "etc_ro"}, {"var", "var_ro"}} {
		src := filepath.Join(b.dstFolder, pair[0])
		dst := filepath.Join(b.dstFolder, pair[1])
		if _, err := b.runner.Run(ctx, procrun.Spec{Name: "mv", Args: []string{src, dst}}); err != nil {
			return fmt.Errorf("rename %s to %s: %w", pair[0], pair[1], err)
		}
	}

	for _, dir := range []string{"home", "etc", "var", "tmp"} {
		if err := fsutil.EnsureDir(filepath.Join(b.dstFolder, dir), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	_, err := b.runner.Run(ctx, procrun.Spec{
		Name: "cp",
		Args: []string{"-r", filepath.Join(b.dstFolder, "root_ro"), filepath.Join(b.dstFolder, "root")},
	})
	if err != nil {
		return fmt.Errorf("seed writable root from root_ro: %w", err)
	}
	return nil
}

func (b *builder) unmount(ctx context.Context) error {
	if _, err := b.runner.Run(ctx, procrun.Spec{Name: "umount", Args: []string{"-q", b.srcFolder}}); err != nil {
		return fmt.Errorf("unmount source: %w", err)
	}
	b.srcMounted = false

	if _, err := b.runner.Run(ctx, procrun.Spec{Name: "umount", Args: []string{"-q", b.dstFolder}}); err != nil {
		return fmt.Errorf("unmount destination: %w", err)
	}
	b.dstMounted = false
	return nil
}

// measure runs veritysetup format against the destination NBD and extracts
// the root hash from its output, writing it to spec.OutRootHash.
func (b *builder) measure(ctx context.Context) (string, error) {
	res, err := b.runner.Run(ctx, procrun.Spec{
		Name:    "veritysetup",
		Args:    []string{"format", b.spec.DstDevice, b.spec.OutHashTree},
		Capture: true,
	})
	if err != nil {
		return "", fmt.Errorf("veritysetup format: %w", err)
	}

	rootHash := extractRootHash(string(res.Stdout))
	if rootHash == "" {
		return "", fmt.Errorf("could not find Root hash in veritysetup output")
	}

	if err := os.WriteFile(b.spec.OutRootHash, []byte(rootHash), 0o644); err != nil {
		return "", fmt.Errorf("write root hash: %w", err)
	}
	return rootHash, nil
}

// extractRootHash finds the line labeled "Root" in veritysetup format's
// output and returns its last tab/space-delimited field, trimmed of
// whitespace and any trailing '%' characters.
func extractRootHash(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "Root") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		return strings.TrimRight(strings.TrimSpace(fields[len(fields)-1]), "%")
	}
	return ""
}

// release performs cleanup in LIFO order relative to acquire, tolerating
// partial acquisition and aggregating every independent step's error with
// hashicorp/go-multierror rather than discarding all but the first.
func (b *builder) release(ctx context.Context) error {
	slog.InfoContext(ctx, "verity.release")
	var result *multierror.Error

	if b.srcMounted {
		if _, err := b.runner.Run(ctx, procrun.Spec{Name: "umount", Args: []string{"-q", b.srcFolder}, IgnoreFailure: true}); err != nil {
			result = multierror.Append(result, fmt.Errorf("unmount source: %w", err))
		}
	}
	if b.dstMounted {
		if _, err := b.runner.Run(ctx, procrun.Spec{Name: "umount", Args: []string{"-q", b.dstFolder}, IgnoreFailure: true}); err != nil {
			result = multierror.Append(result, fmt.Errorf("unmount destination: %w", err))
		}
	}

	if _, err := os.Stat("/dev/mapper/snpguard_root"); err == nil {
		if _, err := b.runner.Run(ctx, procrun.Spec{Name: "cryptsetup", Args: []string{"luksClose", "snpguard_root"}, IgnoreFailure: true}); err != nil {
			result = multierror.Append(result, fmt.Errorf("close mapper: %w", err))
		}
	}

	if err := b.deactivateDiscoveredLVM(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	needSleep := false
	if b.srcAttached {
		if _, err := b.runner.Run(ctx, procrun.Spec{Name: "qemu-nbd", Args: []string{"--disconnect", b.spec.SrcDevice}, IgnoreFailure: true}); err != nil {
			result = multierror.Append(result, fmt.Errorf("disconnect source nbd: %w", err))
		}
		needSleep = true
	}
	if b.dstAttached {
		if _, err := b.runner.Run(ctx, procrun.Spec{Name: "qemu-nbd", Args: []string{"--disconnect", b.spec.DstDevice}, IgnoreFailure: true}); err != nil {
			result = multierror.Append(result, fmt.Errorf("disconnect destination nbd: %w", err))
		}
		needSleep = true
	}
	if needSleep {
		time.Sleep(2 * time.Second)
	}

	if b.moduleLoaded {
		if _, err := b.runner.Run(ctx, procrun.Spec{Name: "modprobe", Args: []string{"-r", "nbd"}, IgnoreFailure: true}); err != nil {
			result = multierror.Append(result, fmt.Errorf("unload nbd module: %w", err))
		}
	}

	if b.srcFolder != "" {
		if err := fsutil.RemoveTree(b.srcFolder); err != nil {
			result = multierror.Append(result, fmt.Errorf("remove source scratch dir: %w", err))
		}
	}
	if b.dstFolder != "" {
		if err := fsutil.RemoveTree(b.dstFolder); err != nil {
			result = multierror.Append(result, fmt.Errorf("remove destination scratch dir: %w", err))
		}
	}

	return result.ErrorOrNil()
}

// deactivateDiscoveredLVM deactivates only the logical volume and volume
// group this run observed appearing itself, by diffing the pre-mount and
// current "LV Path" counts, matching spec.md §5's single-writer discipline
// for the host's volume-group activation state.
func (b *builder) deactivateDiscoveredLVM(ctx context.Context) error {
	res, err := b.runner.Run(ctx, procrun.Spec{Name: "lvdisplay", Capture: true, Silent: true, IgnoreFailure: true})
	if err != nil {
		return nil
	}
	out := string(res.Stdout)
	count := len(lvPathRE.FindAllIndex(res.Stdout, -1))
	if count <= b.initialLVCount {
		return nil
	}

	lvPath := lastFieldOfLastMatch(out, "LV Path")
	vgName := lastFieldOfLastMatch(out, "VG Name")
	if lvPath == "" || vgName == "" {
		return nil
	}

	slog.InfoContext(ctx, "verity.release: deactivating discovered LVM", "lv", lvPath, "vg", vgName)
	if _, err := b.runner.Run(ctx, procrun.Spec{Name: "lvchange", Args: []string{"-an", lvPath}, IgnoreFailure: true}); err != nil {
		return fmt.Errorf("deactivate LV %s: %w", lvPath, err)
	}
	if _, err := b.runner.Run(ctx, procrun.Spec{Name: "vgchange", Args: []string{"-an", vgName}, IgnoreFailure: true}); err != nil {
		return fmt.Errorf("deactivate VG %s: %w", vgName, err)
	}
	return nil
}

