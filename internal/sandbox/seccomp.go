package sandbox

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// syscallGroup is a named set of syscalls sharing one action.
type syscallGroup struct {
	name   string
	action specs.LinuxSeccompAction
	calls  []string
}

var interpreterGroups = []syscallGroup{
	{"io", specs.ActAllow, []string{
		"read", "write", "readv", "writev", "pread64", "pwrite64",
		"open", "openat", "close", "lseek",
		"stat", "fstat", "lstat", "newfstatat", "statx", "statfs", "fstatfs",
		"access", "faccessat", "faccessat2",
		"dup", "dup2", "dup3", "fcntl",
		"poll", "ppoll", "select", "pselect6",
		"pipe", "pipe2", "readlink", "readlinkat", "getdents64",
		"getcwd", "chdir", "fchdir", "umask",
		"mkdir", "mkdirat", "rmdir", "unlink", "unlinkat",
		"rename", "renameat", "renameat2",
		"ftruncate", "fsync", "fdatasync", "flock",
	}},
	{"memory", specs.ActAllow, []string{
		"brk", "mmap", "munmap", "mprotect", "mremap", "madvise", "memfd_create",
	}},
	{"process", specs.ActAllow, []string{
		"execve", "exit", "exit_group", "wait4", "waitid",
		"clone", "clone3", "vfork", "set_tid_address",
		"set_robust_list", "get_robust_list",
		"futex", "gettid", "getpid", "getppid", "tgkill",
		"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
		"getuid", "geteuid", "getgid", "getegid",
		"arch_prctl", "prctl", "getrlimit", "prlimit64",
		"sched_getaffinity", "sched_yield",
	}},
	{"time", specs.ActAllow, []string{
		"clock_gettime", "clock_getres", "gettimeofday",
		"nanosleep", "clock_nanosleep",
	}},
	{"misc", specs.ActAllow, []string{
		"getrandom", "uname", "sysinfo", "ioctl",
		"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait", "eventfd2",
	}},
	{"introspection", specs.ActTrap, []string{
		"ptrace", "process_vm_readv", "process_vm_writev",
		"bpf", "perf_event_open", "userfaultfd",
		"keyctl", "add_key", "request_key",
		"kexec_load", "kexec_file_load",
		"init_module", "finit_module", "delete_module",
	}},
	{"host", specs.ActErrno, []string{
		"mount", "umount2", "pivot_root", "reboot",
		"swapon", "swapoff", "sethostname", "setdomainname",
		"setns", "unshare", "acct",
		"settimeofday", "adjtimex", "clock_adjtime",
		"personality", "ioperm", "iopl",
	}},
}

var networkGroup = syscallGroup{"network", specs.ActAllow, []string{
	"socket", "socketpair", "connect", "bind", "listen", "accept", "accept4",
	"sendto", "recvfrom", "sendmsg", "recvmsg",
	"getsockopt", "setsockopt", "getsockname", "getpeername", "shutdown",
}}

// SeccompProfile is deny-by-default. Socket calls are only allowed when the
// process has network access; otherwise they fail with EPERM like any other
// unlisted syscall.
func SeccompProfile(network bool) *specs.LinuxSeccomp {
	groups := interpreterGroups
	if network {
		groups = append(append([]syscallGroup(nil), interpreterGroups...), networkGroup)
	}

	profile := &specs.LinuxSeccomp{
		DefaultAction: specs.ActErrno,
		Architectures: []specs.Arch{specs.ArchX86_64, specs.ArchAARCH64},
		Syscalls:      make([]specs.LinuxSyscall, 0, len(groups)),
	}
	for _, g := range groups {
		profile.Syscalls = append(profile.Syscalls, specs.LinuxSyscall{
			Names:  g.calls,
			Action: g.action,
		})
	}
	return profile
}

// syscallAction reports the action a profile takes for one syscall.
func syscallAction(p *specs.LinuxSeccomp, name string) specs.LinuxSeccompAction {
	for _, rule := range p.Syscalls {
		for _, n := range rule.Names {
			if n == name {
				return rule.Action
			}
		}
	}
	return p.DefaultAction
}
