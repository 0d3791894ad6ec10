// Package sandbox installs a seccomp-bpf syscall allowlist for the
// gateway process. The service talks to serial devices, a TLS SMTP
// server and its own TLS listener; everything else the kernel offers
// is off limits. Filtered syscalls fail with an errno instead of
// killing the process.
package sandbox

import (
	"fmt"

	"github.com/elastic/go-seccomp-bpf"

	"github.com/pentagridsec/smsgate/internal/logging"
)

// allowedSyscalls is what the gateway needs at runtime: serial device
// I/O, sockets and TLS, DNS resolution, log and hint file handling,
// process bookkeeping and the Go runtime (threads, signals, timers,
// epoll).
var allowedSyscalls = []string{
	"accept4",
	"access",
	"arch_prctl",
	"bind",
	"brk",
	"clock_gettime",
	"clock_nanosleep",
	"clone",
	"close",
	"connect",
	"dup",
	"epoll_create1",
	"epoll_ctl",
	"epoll_pwait",
	"epoll_wait",
	"eventfd2",
	"exit",
	"exit_group",
	"faccessat",
	"faccessat2",
	"fchmod",
	"fchown",
	"fcntl",
	"fdatasync",
	"flock",
	"fstat",
	"fsync",
	"futex",
	"getcwd",
	"getdents",
	"getdents64",
	"getegid",
	"geteuid",
	"getgid",
	"getpeername",
	"getpid",
	"getrandom",
	"getsockname",
	"getsockopt",
	"gettid",
	"getuid",
	"ioctl",
	"listen",
	"lseek",
	"lstat",
	"madvise",
	"mkdirat",
	"mmap",
	"mprotect",
	"munmap",
	"nanosleep",
	"newfstatat",
	"openat",
	"pipe2",
	"poll",
	"prctl",
	"pread64",
	"prlimit64",
	"read",
	"readlink",
	"readlinkat",
	"recvfrom",
	"recvmsg",
	"renameat",
	"rt_sigaction",
	"rt_sigprocmask",
	"rt_sigreturn",
	"sched_getaffinity",
	"sched_yield",
	"seccomp",
	"select",
	"sendmmsg",
	"sendto",
	"set_robust_list",
	"set_tid_address",
	"setsockopt",
	"shutdown",
	"sigaltstack",
	"socket",
	"stat",
	"sysinfo",
	"tgkill",
	"uname",
	"unlinkat",
	"wait4",
	"write",
}

// Apply loads the allowlist filter into the kernel with no-new-privs
// set and the filter synced across all threads. On kernels without
// seccomp support the sandbox is skipped with a warning.
func Apply() error {
	log := logging.Component("sandbox")

	if !seccomp.Supported() {
		log.Warn().Msg("Failed to use SECCOMP.")
		return nil
	}

	filter := seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy: seccomp.Policy{
			DefaultAction: seccomp.ActionErrno,
			Syscalls: []seccomp.SyscallGroup{
				{
					Action: seccomp.ActionAllow,
					Names:  allowedSyscalls,
				},
			},
		},
	}

	if err := seccomp.LoadFilter(filter); err != nil {
		return fmt.Errorf("failed to load seccomp filter: %w", err)
	}

	log.Info().Int("syscalls", len(allowedSyscalls)).Msg("Enabled SECCOMP.")
	return nil
}
