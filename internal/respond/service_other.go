//go:build !windows
// +build !windows

package respond

import "context"

// Service supervision differs per init system outside Windows, so no disable
// is attempted; quarantining the executable is the durable measure here.
func disableHostingService(_ context.Context, _ int32) (string, error) {
	return "service control not supported on this platform; skipped", nil
}
