//go:build linux && (amd64 || arm64)

package sysfilter

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Classic BPF (seccomp-bpf) opcodes not exported by golang.org/x/sys/unix's
// seccomp helpers in the version this module pins; defined directly from
// linux/filter.h / linux/seccomp.h, matching what runtime sandboxing tools
// (runc, gVisor's seccomp package) hand-assemble themselves.
const (
	bpfLd  = 0x00
	bpfW   = 0x00
	bpfAbs = 0x20
	bpfJmp = 0x05
	bpfJeq = 0x10
	bpfJa  = 0x00
	bpfRet = 0x06
	bpfK   = 0x00

	seccompRetAllow = 0x7fff0000
	seccompRetErrno = 0x00050000 // SECCOMP_RET_ERRNO, low 16 bits carry errno
	seccompRetKill  = 0x00000000

	seccompSetModeFilter = 1
	prSetNoNewPrivs      = 38
	prSetSeccomp         = 22
)

// seccompData mirrors struct seccomp_data from linux/seccomp.h: the kernel
// lays this out at the start of every BPF evaluation's virtual "packet".
type seccompData struct {
	nr                 uint32
	arch               uint32
	instructionPointer uint64
	args               [6]uint64
}

func stmt(code uint16, k uint32) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: 0, Jf: 0, K: k}
}

func jump(code uint16, k uint32, jt, jf uint8) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: jt, Jf: jf, K: k}
}

// buildProgram assembles the BPF program for profile: verify arch, load the
// syscall number, and for each allowed syscall jump to ALLOW; anything that
// falls through returns ERRNO(EPERM).
func buildProgram(profile Profile) []unix.SockFilter {
	names := allowedNames(profile)
	nums := make([]uint32, 0, len(names))
	seen := make(map[uint32]struct{}, len(names))
	for _, n := range names {
		nr, ok := syscallNumbers[n]
		if !ok {
			continue // not a real syscall on this arch; nothing to allow
		}
		if _, dup := seen[nr]; dup {
			continue
		}
		seen[nr] = struct{}{}
		nums = append(nums, nr)
	}

	prog := []unix.SockFilter{
		stmt(bpfLd|bpfW|bpfAbs, 4), // load seccomp_data.arch
	}
	// arch match skips the kill instruction; arch mismatch -> kill
	prog = append(prog, jump(bpfJmp|bpfJeq|bpfK, auditArch, 1, 0))
	prog = append(prog, stmt(bpfRet|bpfK, seccompRetKill))
	prog = append(prog, stmt(bpfLd|bpfW|bpfAbs, 0)) // load seccomp_data.nr

	// One comparison per allowed syscall: jt jumps past the remaining
	// comparisons straight to ALLOW, jf falls through to the next check.
	for i, nr := range nums {
		remaining := len(nums) - i - 1
		jt := uint8(remaining + 1) // +1 for the trailing ALLOW/DENY pair
		prog = append(prog, jump(bpfJmp|bpfJeq|bpfK, nr, jt, 0))
	}
	prog = append(prog, stmt(bpfRet|bpfK, seccompRetErrno|uint32(unix.EPERM)&0xffff))
	prog = append(prog, stmt(bpfRet|bpfK, seccompRetAllow))

	return prog
}

// Install applies profile to the calling process (spec §4.M): sets
// no_new_privs, then loads the BPF filter via prctl(PR_SET_SECCOMP). Once
// installed it cannot be relaxed, only further restricted, for the
// lifetime of the process.
func Install(profile Profile) error {
	if err := unix.Prctl(prSetNoNewPrivs, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("sysfilter: set no_new_privs: %w", err)
	}

	prog := buildProgram(profile)
	fprog := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}
	if err := unix.Prctl(prSetSeccomp, seccompSetModeFilter, uintptr(unsafe.Pointer(&fprog)), 0, 0); err != nil {
		return fmt.Errorf("sysfilter: install seccomp filter: %w", err)
	}
	return nil
}
