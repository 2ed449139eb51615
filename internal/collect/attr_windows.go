//go:build windows
// +build windows

package collect

import (
	"context"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/windows"

	"github.com/whispr-dev/proc-wolf/pkg/models"
)

// hiddenAttribute reports whether the executable carries the filesystem
// hidden attribute. Legitimate software has no reason to hide its image.
func hiddenAttribute(path string) models.Flag {
	pathp, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return models.UnknownFlag(err.Error())
	}
	attrs, err := windows.GetFileAttributes(pathp)
	if err != nil {
		return models.UnknownFlag("file attributes unavailable: " + err.Error())
	}
	return models.KnownFlag(attrs&windows.FILE_ATTRIBUTE_HIDDEN != 0)
}

// processElevated reports whether the process token is elevated. A limited
// query handle is enough; PROCESS_QUERY_INFORMATION is not requested so
// protected processes can still be inspected.
func processElevated(_ context.Context, p *process.Process) models.Flag {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(p.Pid))
	if err != nil {
		return models.UnknownFlag("process handle unavailable: " + err.Error())
	}
	defer windows.CloseHandle(h)

	var token windows.Token
	if err := windows.OpenProcessToken(h, windows.TOKEN_QUERY, &token); err != nil {
		return models.UnknownFlag("process token unavailable: " + err.Error())
	}
	defer token.Close()

	return models.KnownFlag(token.IsElevated())
}
