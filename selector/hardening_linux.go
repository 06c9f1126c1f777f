//go:build linux

package selector

import (
	"os/exec"
	"syscall"
)

// applyHardening puts the child in its own process group on Linux, so a
// timeout kill reaches any children it spawns, and asks the kernel to send
// SIGKILL if the parent dies first. It does not set no_new_privs: the
// standard library's SysProcAttr has no field for it, and sysfilter.Install
// sets it only on the process that calls Install, not on this child.
func applyHardening(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
