//go:build linux && amd64

package sysfilter

// auditArch identifies the x86_64 ABI to the kernel's seccomp arch check,
// per linux/audit.h's AUDIT_ARCH_X86_64.
const auditArch = 0xc000003e // EM_X86_64 | __AUDIT_ARCH_64BIT | __AUDIT_ARCH_LE

// syscallNumbers maps the syscall names used by sysfilter.go to their
// x86_64 syscall table numbers (per linux/arch/x86/entry/syscalls/syscall_64.tbl).
var syscallNumbers = map[string]uint32{
	"read": 0, "write": 1, "open": 2, "close": 3, "stat": 4, "fstat": 5,
	"lstat": 6, "lseek": 8, "mmap": 9, "mprotect": 10, "munmap": 11,
	"brk": 12, "rt_sigaction": 13, "rt_sigprocmask": 14, "rt_sigreturn": 15,
	"ioctl": 16, "pread64": 17, "pwrite64": 18, "readv": 19, "writev": 20,
	"access": 21, "dup": 32, "dup2": 33, "nanosleep": 35, "getpid": 39,
	"socket": 41, "connect": 42, "sendto": 44, "recvfrom": 45,
	"sendmsg": 46, "recvmsg": 47, "shutdown": 48, "getsockname": 51,
	"getpeername": 52, "setsockopt": 54, "getsockopt": 55, "clone": 56,
	"fcntl": 72, "getdents64": 217, "getcwd": 79, "mkdir": 83,
	"unlink": 87, "readlink": 89, "kill": 62, "getuid": 102,
	"getgid": 104, "geteuid": 107, "getegid": 108, "sigaltstack": 131,
	"wait4": 61, "exit": 60, "exit_group": 231, "gettimeofday": 96,
	"getrlimit": 97, "clock_gettime": 228, "clock_getres": 229,
	"clock_nanosleep": 230, "tgkill": 234, "futex": 202,
	"sched_getaffinity": 204, "sched_yield": 24, "set_tid_address": 218,
	"epoll_create1": 291, "epoll_ctl": 233, "epoll_wait": 232,
	"epoll_pwait": 281, "eventfd2": 290, "set_robust_list": 273,
	"openat": 257, "mkdirat": 258, "newfstatat": 262, "unlinkat": 263,
	"renameat": 264, "faccessat": 269, "dup3": 292, "pipe2": 293,
	"prlimit64": 302, "renameat2": 316, "getrandom": 318,
	"execve": 59, "execveat": 322, "rseq": 334,
	"pipe": 22, "rename": 82, "faccessat2": 439, "clone3": 435,
	"rt_sigtimedwait": 128, "gettid": 186, "waitid": 247,
}
