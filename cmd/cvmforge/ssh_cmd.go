package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/banksean/cvmforge/internal/errs"
	"github.com/banksean/cvmforge/internal/sshimmer"
)

const (
	guestSSHHost = "localhost"
	guestSSHPort = "2222"
	guestSSHUser = "ubuntu"
)

// SSHCmd connects to the running guest's forwarded SSH port (ubuntu@localhost,
// port 2222). It provisions (or reuses) the host/user certificate authorities
// sshimmer maintains in ~/.config/cvmforge and passes sshimmer's known_hosts
// file to ssh. That file trusts the host CA only for *.cvm host names, and
// this command installs no host certificate in the guest, so the localhost
// connection gets ssh's ordinary host-key check, first-use prompt included.
//
// This bypasses procrun.Runner: an interactive ssh session needs its stdio
// wired directly (and, when stdin is a terminal, a real local pty), which
// the generic capture-or-passthrough Runner doesn't model — the same reason
// the teacher's ContainerSvc.Exec builds its own exec.Cmd instead of going
// through a shared runner.
type SSHCmd struct{}

func (c *SSHCmd) Run(cctx *Context, ctx context.Context) error {
	shimmer, err := sshimmer.NewLocalSSHimmer(ctx)
	if err != nil {
		return errs.Wrap(errs.Security, "ssh", err)
	}

	args := []string{
		"-p", guestSSHPort,
		"-o", "UserKnownHostsFile=" + shimmer.KnownHostsPath(),
		guestSSHUser + "@" + guestSSHHost,
	}
	cmd := exec.CommandContext(ctx, "ssh", args...)
	slog.InfoContext(ctx, "SSHCmd.Run", "cmd", strings.Join(cmd.Args, " "))

	if term.IsTerminal(int(os.Stdin.Fd())) {
		if err := runWithPty(cmd); err != nil {
			return errs.Wrap(errs.VM, "ssh", err)
		}
		return nil
	}

	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errs.Wrap(errs.VM, "ssh", err)
	}
	return nil
}

// runWithPty gives the spawned ssh client a real local pty so job control,
// terminal resizing, and interactive prompts behave as they would running
// ssh directly, instead of piping a non-tty stdin/stdout into it.
func runWithPty(cmd *exec.Cmd) error {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return err
	}
	defer ptmx.Close()

	go io.Copy(ptmx, os.Stdin)
	go io.Copy(os.Stdout, ptmx)

	return cmd.Wait()
}
