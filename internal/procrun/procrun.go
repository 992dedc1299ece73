// Package procrun is the single typed wrapper around external-tool
// invocation that every higher layer of the pipeline goes through. The
// pipeline is composed almost entirely of long-running external tools
// (container engine, qemu-nbd, veritysetup, cpio, the hypervisor launcher)
// so a uniform error shape here is what lets every domain package report
// failures consistently instead of re-deriving exec.Command plumbing.
package procrun

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/banksean/cvmforge/internal/errs"
)

// Spec describes one external command invocation.
type Spec struct {
	Name string
	Args []string

	Dir string
	Env []string

	// Capture requests stdout/stderr be collected into Result instead of
	// streamed to the parent's stdio.
	Capture bool
	// Silent suppresses the pre-invocation slog.InfoContext line; used for
	// polling-style commands (lvdisplay, mount probes) that would otherwise
	// flood the log.
	Silent bool
	// IgnoreFailure suppresses the CommandFailed error on non-zero exit;
	// the caller inspects Result.ExitCode itself.
	IgnoreFailure bool
}

// Result carries everything the caller might need from a finished command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes Specs. The zero value is ready to use; WithGPUSetup
// returns a Runner that also injects GPU_SETUP=1 into every subsequent
// invocation, matching the process-wide visibility the original tooling
// relies on for the GPU setup path.
type Runner struct {
	extraEnv []string
}

// WithGPUSetup returns a Runner that carries GPU_SETUP=1 on every Run call,
// visible to the external tools this process spawns for the lifetime of the
// Runner value.
func (r Runner) WithGPUSetup() Runner {
	r.extraEnv = append(append([]string{}, r.extraEnv...), "GPU_SETUP=1")
	return r
}

// Run executes cmd and waits for completion. A non-zero exit is reported as
// errs.CommandFailed unless Spec.IgnoreFailure is set; a context
// cancellation mid-run is reported as errs.Cancelled.
func (r Runner) Run(ctx context.Context, spec Spec) (Result, error) {
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = append(append([]string{}, spec.Env...), r.extraEnv...)
	} else if len(r.extraEnv) > 0 {
		cmd.Env = append(os.Environ(), r.extraEnv...)
	}

	full := cmd.String()
	if !spec.Silent {
		slog.InfoContext(ctx, "procrun.Run", "cmd", full, "dir", spec.Dir)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	if spec.Capture {
		cmd.Stdout = &stdoutBuf
		cmd.Stderr = &stderrBuf
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	err := cmd.Run()
	res := Result{Stdout: stdoutBuf.Bytes(), Stderr: stderrBuf.Bytes()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err == nil {
		return res, nil
	}

	if ctx.Err() != nil || isInterrupted(err) {
		return res, &errs.Cancelled{Cmd: full}
	}

	if spec.IgnoreFailure {
		return res, nil
	}

	return res, &errs.CommandFailed{
		Cmd:      full,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
}

// Output is a convenience wrapper around Run that captures output and
// returns trimmed stdout, matching the `cmd.Output()` + TrimSpace idiom used
// throughout the build for single-line results (device paths, hashes, ids).
func (r Runner) Output(ctx context.Context, name string, args ...string) (string, error) {
	res, err := r.Run(ctx, Spec{Name: name, Args: args, Capture: true})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

func isInterrupted(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled() && status.Signal() == syscall.SIGINT
}
