//go:build windows
// +build windows

package respond

import (
	"context"
	"fmt"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"

	"github.com/whispr-dev/proc-wolf/internal/logger"
)

// disableHostingService finds the Windows service running as pid, marks it
// disabled so the service manager cannot restart the process, and asks it to
// stop. Returning without a match is normal: most processes are not services.
func disableHostingService(_ context.Context, pid int32) (string, error) {
	m, err := mgr.Connect()
	if err != nil {
		return "", fmt.Errorf("connect service manager: %w", err)
	}
	defer m.Disconnect()

	names, err := m.ListServices()
	if err != nil {
		return "", fmt.Errorf("list services: %w", err)
	}

	// The pid match below is a snapshot: a service that exits between Query
	// and UpdateConfig can hand its pid to an unrelated process, and that
	// service would be disabled in its place.
	for _, name := range names {
		s, err := m.OpenService(name)
		if err != nil {
			continue
		}
		status, err := s.Query()
		if err != nil || status.ProcessId != uint32(pid) {
			s.Close()
			continue
		}

		cfg, err := s.Config()
		if err != nil {
			s.Close()
			return "", fmt.Errorf("read config of service %s: %w", name, err)
		}
		cfg.StartType = mgr.StartDisabled
		if err := s.UpdateConfig(cfg); err != nil {
			s.Close()
			return "", fmt.Errorf("disable service %s: %w", name, err)
		}
		if _, err := s.Control(svc.Stop); err != nil {
			logger.Warnf("stop request for disabled service %s: %v", name, err)
		}
		s.Close()
		return "disabled hosting service " + name, nil
	}

	return "no hosting service found", nil
}
