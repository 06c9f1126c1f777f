//go:build !linux

package selector

import "os/exec"

// applyHardening is a no-op on non-Linux platforms; process-group/
// death-signal hardening is Linux-specific.
func applyHardening(cmd *exec.Cmd) {}
