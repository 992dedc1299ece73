package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// diagnosticCheck is one named, independently runnable precondition gate.
// Modeled on the original tool's registry: a flat ID-keyed set of checks
// any command can opt into via verifyPrerequisites, rather than a fixed
// startup sequence every command pays for.
type diagnosticCheck struct {
	ID          string
	Description string
	Run         func(context.Context) error
}

// requiredTools names the external binaries the build and launch pipeline
// shells out to; missing any of them fails fast with a clear message
// instead of a cryptic exec error three stages into a build.
var requiredTools = []string{
	"qemu-nbd", "veritysetup", "losetup", "mount", "umount",
	"cpio", "lvdisplay", "docker",
}

var (
	diagnosticChecks = []diagnosticCheck{
		{
			ID:          "linux",
			Description: "Running on Linux",
			Run: func(ctx context.Context) error {
				if runtime.GOOS != "linux" {
					return fmt.Errorf("this program requires Linux (NBD and dm-verity are Linux kernel facilities), but detected OS: %s", runtime.GOOS)
				}
				return nil
			},
		},
		{
			ID:          "root",
			Description: "Running with the privileges NBD attach and dm-verity setup require",
			Run: func(ctx context.Context) error {
				if os.Geteuid() != 0 {
					return fmt.Errorf("this command attaches NBD devices and configures device-mapper targets, both of which require root; re-run with sudo")
				}
				return nil
			},
		},
		{
			ID:          "nbd-module",
			Description: "nbd kernel module is loaded or loadable",
			Run: func(ctx context.Context) error {
				if _, err := os.Stat("/sys/class/block/nbd0"); err == nil {
					return nil
				}
				if out, err := exec.CommandContext(ctx, "modprobe", "nbd").CombinedOutput(); err != nil {
					return fmt.Errorf("nbd kernel module not present and modprobe failed: %w: %s", err, string(out))
				}
				return nil
			},
		},
		{
			ID:          "required-tools",
			Description: "Required external tools are present on PATH",
			Run: func(ctx context.Context) error {
				var missing []string
				for _, tool := range requiredTools {
					if _, err := exec.LookPath(tool); err != nil {
						missing = append(missing, tool)
					}
				}
				if len(missing) > 0 {
					return fmt.Errorf("missing required tools on PATH: %s", strings.Join(missing, ", "))
				}
				return nil
			},
		},
		{
			ID:          "sev-snp",
			Description: "Host CPU exposes AMD SEV-SNP",
			Run: func(ctx context.Context) error {
				raw, err := os.ReadFile("/sys/module/kvm_amd/parameters/sev_snp")
				if err != nil {
					return fmt.Errorf("could not read sev_snp module parameter (is kvm_amd loaded with sev-snp support?): %w", err)
				}
				if strings.TrimSpace(string(raw)) != "Y" && strings.TrimSpace(string(raw)) != "1" {
					return fmt.Errorf("kvm_amd reports sev_snp=%s; this host does not have SEV-SNP enabled", strings.TrimSpace(string(raw)))
				}
				return nil
			},
		},
	}
	diagnosticCheckMap = map[string]diagnosticCheck{}
)

func init() {
	for _, check := range diagnosticChecks {
		diagnosticCheckMap[check.ID] = check
	}
}

// verifyPrerequisites runs every named check, logging each pass/fail, and
// joins every failure into a single error rather than stopping at the
// first one so an operator sees everything that needs fixing in one pass.
func verifyPrerequisites(ctx context.Context, checkIDs ...string) error {
	failures := map[string]string{}
	for _, checkID := range checkIDs {
		check, ok := diagnosticCheckMap[checkID]
		if !ok {
			failures[checkID] = "unrecognized prerequisite check ID"
			continue
		}
		if err := check.Run(ctx); err != nil {
			failures[check.ID] = check.Description
			slog.ErrorContext(ctx, "diagnosticCheck failed", "name", check.Description, "error", err)
		} else {
			slog.InfoContext(ctx, "diagnosticCheck passed", "name", check.Description)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	var joined []error
	slog.ErrorContext(ctx, "prerequisite check(s) failed", "failures", failures)
	for id, description := range failures {
		joined = append(joined, fmt.Errorf("check failed %q: %s", id, description))
	}
	return errors.Join(joined...)
}
