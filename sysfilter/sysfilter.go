// Package sysfilter implements the syscall filter (spec §4.M): an
// allowlist-style seccomp-BPF profile a process applies to itself before
// running untrusted tool code (the Subprocess Tool Host, §4.L, applies one
// to itself before loading a plugin). No corpus example repo ships a
// seccomp filter; this package is built directly from golang.org/x/sys/unix
// raw syscalls rather than a higher-level seccomp library, since none of
// the examples' dependency graphs pull one in (see DESIGN.md).
package sysfilter

// Profile selects which syscall allowlist to install.
type Profile string

const (
	// ProfileStrict is the default profile: common file, memory, signal,
	// process-exit, clock, and futex syscalls; network and namespace/
	// privilege-escalation syscalls are blocked.
	ProfileStrict Profile = "strict"
	// ProfileNet is ProfileStrict plus socket/connect/send/recv, for tools
	// that need outbound network access.
	ProfileNet Profile = "net"
)

// blockedNames are the syscalls spec §4.M names as always-blocked under the
// strict profile. socket/connect are the two that ProfileNet deliberately
// re-admits via netAllow; every other name here never appears in any
// profile's allowlist.
var blockedNames = []string{
	"socket", "connect", "bind", "listen", "accept", "accept4",
	"ptrace", "mount", "umount2", "pivot_root", "reboot",
	"setns", "unshare", "kexec_load", "init_module", "finit_module",
	"delete_module", "personality",
}

// strictAllow is the common baseline: file I/O, memory management, signal
// handling, process exit, clock reads, and futex (needed by the Go
// runtime's scheduler and any mutex-using tool code).
var strictAllow = []string{
	// file
	"read", "write", "readv", "writev", "pread64", "pwrite64",
	"open", "openat", "close", "stat", "fstat", "lstat", "newfstatat",
	"lseek", "access", "faccessat", "faccessat2", "getdents64",
	"unlink", "unlinkat", "rename", "renameat", "renameat2",
	"mkdir", "mkdirat", "fcntl", "ioctl", "dup", "dup2", "dup3",
	"pipe", "pipe2", "readlink", "readlinkat",
	// memory
	"mmap", "munmap", "mprotect", "brk", "madvise", "mremap",
	// signal
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
	"rt_sigtimedwait", "tgkill",
	// process exit / info
	"exit", "exit_group", "getpid", "gettid", "getuid", "geteuid",
	"getgid", "getegid", "wait4", "waitid", "kill",
	// clock
	"clock_gettime", "clock_getres", "clock_nanosleep", "gettimeofday",
	"nanosleep",
	// futex / scheduling, required by the Go runtime
	"futex", "sched_yield", "sched_getaffinity", "epoll_create1",
	"epoll_ctl", "epoll_pwait", "epoll_wait", "eventfd2",
	"set_robust_list", "rseq", "prlimit64",
	// process creation, needed by the toolhost to report results and exit
	"clone", "clone3", "execve", "set_tid_address",
}

var netAllow = []string{
	"socket", "connect", "sendto", "sendmsg",
	"recvfrom", "recvmsg", "getsockopt", "setsockopt",
	"shutdown", "getpeername", "getsockname",
}

// allowedNames returns the deduplicated syscall name allowlist for profile.
func allowedNames(profile Profile) []string {
	names := append([]string{}, strictAllow...)
	if profile == ProfileNet {
		names = append(names, netAllow...)
	}
	return names
}
