//go:build !windows
// +build !windows

package collect

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/whispr-dev/proc-wolf/pkg/models"
)

// hiddenAttribute approximates the hidden-file check on Unix: an executable
// under a dot-directory, or itself a dotfile, counts as hidden.
func hiddenAttribute(path string) models.Flag {
	for _, part := range strings.Split(path, "/") {
		if len(part) > 1 && part != ".." && strings.HasPrefix(part, ".") {
			return models.KnownFlag(true)
		}
	}
	return models.KnownFlag(false)
}

// processElevated reports whether any of the process uids is root.
func processElevated(ctx context.Context, p *process.Process) models.Flag {
	uids, err := p.UidsWithContext(ctx)
	if err != nil || len(uids) == 0 {
		return models.UnknownFlag("process uids unavailable")
	}
	for _, uid := range uids {
		if uid == 0 {
			return models.KnownFlag(true)
		}
	}
	return models.KnownFlag(false)
}
