// Package digest invokes the external digest calculator against a VM
// descriptor to produce the attestation measurement input. The tool is the
// single source of truth for what a guest will measure at launch; this
// package shells out to it via internal/procrun and never reimplements its
// algorithm, per spec.md's framing of C7.
package digest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/banksean/cvmforge/internal/errs"
	"github.com/banksean/cvmforge/internal/procrun"
)

// ToolName is the external digest calculator binary, expected on Layout.Bin.
const ToolName = "digest_calc"

// Compute runs <binDir>/digest_calc --vm-definition <descriptorPath>,
// writes its stdout verbatim to inputs.json in the current working
// directory (matching the original tool's output redirection), and returns
// the parsed JSON for callers that want to inspect it without a second
// read.
func Compute(ctx context.Context, runner procrun.Runner, binDir, descriptorPath string) (json.RawMessage, error) {
	toolPath := filepath.Join(binDir, ToolName)
	if _, err := os.Stat(toolPath); err != nil {
		return nil, errs.Wrap(errs.Dependency, "digest.Compute", err)
	}
	if _, err := os.Stat(descriptorPath); err != nil {
		return nil, errs.Wrap(errs.Filesystem, "digest.Compute", err)
	}

	res, err := runner.Run(ctx, procrun.Spec{
		Name:    toolPath,
		Args:    []string{"--vm-definition", descriptorPath},
		Capture: true,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Build, "digest.Compute", err)
	}

	var raw json.RawMessage
	if err := json.Unmarshal(res.Stdout, &raw); err != nil {
		return nil, errs.Wrap(errs.Build, "digest.Compute", err)
	}

	outPath, err := filepath.Abs("inputs.json")
	if err != nil {
		return nil, errs.Wrap(errs.Filesystem, "digest.Compute", err)
	}
	if err := os.WriteFile(outPath, res.Stdout, 0o644); err != nil {
		return nil, errs.Wrap(errs.Filesystem, "digest.Compute", err)
	}

	return raw, nil
}
