package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	"github.com/jotaen/kong-completion"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/banksean/cvmforge/internal/buildopts"
	"github.com/banksean/cvmforge/internal/container"
	"github.com/banksean/cvmforge/internal/layout"
	"github.com/banksean/cvmforge/internal/procrun"
	"github.com/banksean/cvmforge/internal/tracing"
)

// Context carries everything a command needs that isn't itself a CLI flag:
// the resolved build-directory layout, the process runner, and the
// container driver, all constructed once in main and threaded read-only
// into every Run method.
type Context struct {
	Layout  layout.Layout
	Runner  procrun.Runner
	Driver  *container.Driver
	Options buildopts.Options
}

// CLI mirrors the subcommand surface of the original run script: init,
// setup_host, setup_gpu, build_snp_release, build_base, build_guest,
// start, start_release, package_release, download_release, ssh, clean,
// plus a markdown-formatted help command.
type CLI struct {
	BuildDir      string `default:"build" placeholder:"<dir>" help:"root build directory"`
	LogFile       string `default:"" placeholder:"<path>" help:"log file path (leave empty for stderr only)"`
	LogLevel      string `default:"info" placeholder:"<debug|info|warn|error>" help:"logging level"`
	ContainerTool string `default:"docker" placeholder:"<docker|nerdctl|podman>" help:"container engine binary"`
	OTLPEndpoint  string `default:"" placeholder:"<host:port>" help:"OTLP/gRPC collector endpoint for pipeline tracing (unset disables tracing)"`
	Debug         bool   `help:"build/launch a debug-mode guest (ssh enabled, no hardening)"`
	EnableKVM     bool   `default:"true" help:"enable hardware virtualization acceleration"`
	EnableTPM     bool   `help:"enable virtual TPM device"`
	EnableGPU     bool   `help:"enable GPU passthrough for confidential computing"`

	Init             InitCmd             `cmd:"" help:"initialize the build environment"`
	SetupHost        SetupHostCmd        `cmd:"" name:"setup_host" help:"set up the host system using the SNP release installer"`
	SetupGPU         SetupGPUCmd         `cmd:"" name:"setup_gpu" help:"set up GPU confidential computing support on the host"`
	BuildSNPRelease  BuildSNPReleaseCmd  `cmd:"" name:"build_snp_release" help:"build the SNP release package (kernel, OVMF, QEMU) from source"`
	BuildBase        BuildBaseCmd        `cmd:"" name:"build_base" help:"build the base VM image"`
	BuildGuest       BuildGuestCmd       `cmd:"" name:"build_guest" help:"build the guest image"`
	Start            StartCmd            `cmd:"" help:"start the VM from the live build directory"`
	StartRelease     StartReleaseCmd     `cmd:"" name:"start_release" help:"start the VM from the packaged release directory"`
	PackageRelease   PackageReleaseCmd   `cmd:"" name:"package_release" help:"package build artifacts into a relocatable release directory"`
	DownloadRelease  DownloadReleaseCmd  `cmd:"" name:"download_release" help:"download a tar.gz SNP release from a URL"`
	SSH              SSHCmd              `cmd:"" name:"ssh" help:"ssh into the running guest"`
	Clean            CleanCmd            `cmd:"" help:"remove the build directory"`
	Doc              DocCmd              `cmd:"" help:"print complete command help formatted as markdown"`
	Version          VersionCmd          `cmd:"" help:"print version information about this command"`
	Completion       completion.Cmd      `cmd:"" help:"output shell completion code for bash, fish, zsh or powershell"`
}

func initLogging(cli *CLI) *slog.Logger {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var writer = os.Stderr
	var handler slog.Handler
	if cli.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cli.LogFile), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "could not create log directory: %v\n", err)
			os.Exit(1)
		}
		rotator := &lumberjack.Logger{
			Filename:   cli.LogFile,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     28,
		}
		handler = slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

const description = `Build-and-launch orchestrator for an AMD SEV-SNP confidential virtual machine.

Assembles a dm-verity-protected guest image, an initramfs, a VM launch descriptor
and its attestation digest, and composes the measured QEMU launch command.`

func main() {
	var cli CLI

	parser, err := kong.New(&cli,
		kong.Description(description),
		kong.Configuration(kongyaml.Loader, "cvmforge.yaml", "~/.cvmforge.yaml"),
		kong.UsageOnError(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "internal error constructing CLI parser: %v\n", err)
		os.Exit(255)
	}
	completion.Register(parser)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	initLogging(&cli)

	l, err := layout.New(cli.BuildDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolving build directory: %v\n", err)
		os.Exit(exitCodeFor(err))
	}

	runner := procrun.Runner{}
	drv := container.New(runner, cli.ContainerTool)

	appCtx := &Context{
		Layout: l,
		Runner: runner,
		Driver: drv,
		Options: buildopts.Options{
			Debug:     cli.Debug,
			EnableKVM: cli.EnableKVM,
			EnableTPM: cli.EnableTPM,
			EnableGPU: cli.EnableGPU,
		},
	}

	// SIGINT/SIGTERM cancel the context instead of killing the process
	// outright, so in-flight defer-based cleanup (NBD detach, loop/mount
	// teardown, container scope release) still runs before exit.
	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(runCtx, "cvmforge", cli.OTLPEndpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tracing: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
	defer shutdownTracing(context.Background())

	err = kctx.Run(appCtx, runCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
	kctx.Exit(exitCodeFor(err))
}
