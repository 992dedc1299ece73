package main

import (
	"errors"

	"github.com/banksean/cvmforge/internal/errs"
)

// exitCodeFor maps a command's returned error to a process exit code: 0 for
// success, 130 for a cancelled external command, the error taxonomy's own
// code for a categorized *errs.Error, 255 for anything else.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}

	var cancelled *errs.Cancelled
	if errors.As(err, &cancelled) {
		return 130
	}

	var categorized *errs.Error
	if errors.As(err, &categorized) {
		return int(categorized.Code)
	}

	return 255
}
