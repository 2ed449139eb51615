//go:build !windows
// +build !windows

package collect

import "github.com/whispr-dev/proc-wolf/pkg/models"

// Authenticode verification is a Windows facility. On other platforms the
// signer signal is always absent and the evaluator scores it as unsigned.
func signerIdentity(path string) models.Signal {
	return models.AbsentSignal("code signature verification not supported on this platform")
}
