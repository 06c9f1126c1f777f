//go:build linux && arm64

package sysfilter

// auditArch identifies the AArch64 ABI to the kernel's seccomp arch check,
// per linux/audit.h's AUDIT_ARCH_AARCH64.
const auditArch = 0xc00000b7 // EM_AARCH64 | __AUDIT_ARCH_64BIT | __AUDIT_ARCH_LE

// syscallNumbers maps the syscall names used by sysfilter.go to their
// AArch64 (generic) syscall table numbers
// (per linux/include/uapi/asm-generic/unistd.h).
var syscallNumbers = map[string]uint32{
	"io_setup": 0, "getcwd": 17, "dup": 23, "dup3": 24, "fcntl": 25,
	"ioctl": 29, "mkdirat": 34, "unlinkat": 35, "renameat": 38,
	"faccessat": 48, "openat": 56, "close": 57, "pipe2": 59,
	"getdents64": 61, "lseek": 62, "read": 63, "write": 64,
	"readv": 65, "writev": 66, "pread64": 67, "pwrite64": 68,
	"sendfile": 71, "pselect6": 72, "readlinkat": 78, "newfstatat": 79,
	"fstat": 80, "sync": 81, "exit": 93, "exit_group": 94,
	"waitid": 95, "set_tid_address": 96, "futex": 98,
	"set_robust_list": 99, "getrlimit": 102, "tgkill": 131,
	"rt_sigsuspend": 133, "rt_sigaction": 134, "rt_sigprocmask": 135,
	"rt_sigtimedwait": 137, "rt_sigreturn": 139, "kill": 129,
	"sigaltstack": 132, "setpriority": 140, "getpid": 172,
	"getppid": 173, "getuid": 174, "geteuid": 175, "getgid": 176,
	"getegid": 177, "gettid": 178, "sysinfo": 179,
	"brk": 214, "munmap": 215, "clone": 220, "execve": 221,
	"mmap": 222, "mprotect": 226, "madvise": 233, "mremap": 216,
	"wait4": 260, "prlimit64": 261, "getrandom": 278,
	"execveat": 281, "clone3": 435, "faccessat2": 439, "rseq": 293,
	"epoll_create1": 20, "epoll_ctl": 21, "epoll_pwait": 22,
	"eventfd2": 19, "clock_gettime": 113, "clock_getres": 114,
	"clock_nanosleep": 115, "nanosleep": 101, "gettimeofday": 169,
	"renameat2": 276,
	// AArch64's generic syscall ABI has no legacy open/stat/unlink/mkdir/
	// readlink/rename/pipe/access entry points; tool code built for this
	// filter must use their openat/fstatat/unlinkat/mkdirat/readlinkat/
	// renameat/pipe2/faccessat equivalents, all present above.
	"socket": 198, "connect": 203, "sendto": 206, "recvfrom": 207,
	"sendmsg": 211, "recvmsg": 212, "shutdown": 210,
	"getsockname": 204, "getpeername": 205, "setsockopt": 208,
	"getsockopt": 209,
}
