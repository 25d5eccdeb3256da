package probe

import "fmt"

// syscallNames maps x86-64 syscall numbers to names for the tracepoint
// mode, which only sees the raw nr. The table covers the calls that
// dominate real workloads; anything else falls back to a hex form so the
// row is still identifiable.
var syscallNames = map[int64]string{
	0:   "read",
	1:   "write",
	2:   "open",
	3:   "close",
	4:   "stat",
	5:   "fstat",
	6:   "lstat",
	7:   "poll",
	8:   "lseek",
	9:   "mmap",
	10:  "mprotect",
	11:  "munmap",
	12:  "brk",
	13:  "rt_sigaction",
	14:  "rt_sigprocmask",
	16:  "ioctl",
	17:  "pread64",
	18:  "pwrite64",
	19:  "readv",
	20:  "writev",
	21:  "access",
	22:  "pipe",
	23:  "select",
	24:  "sched_yield",
	25:  "mremap",
	28:  "madvise",
	32:  "dup",
	33:  "dup2",
	35:  "nanosleep",
	39:  "getpid",
	41:  "socket",
	42:  "connect",
	43:  "accept",
	44:  "sendto",
	45:  "recvfrom",
	46:  "sendmsg",
	47:  "recvmsg",
	48:  "shutdown",
	49:  "bind",
	50:  "listen",
	51:  "getsockname",
	54:  "setsockopt",
	55:  "getsockopt",
	56:  "clone",
	57:  "fork",
	59:  "execve",
	60:  "exit",
	61:  "wait4",
	62:  "kill",
	63:  "uname",
	72:  "fcntl",
	73:  "flock",
	74:  "fsync",
	78:  "getdents",
	79:  "getcwd",
	80:  "chdir",
	82:  "rename",
	83:  "mkdir",
	84:  "rmdir",
	85:  "creat",
	86:  "link",
	87:  "unlink",
	89:  "readlink",
	90:  "chmod",
	92:  "chown",
	95:  "umask",
	96:  "gettimeofday",
	97:  "getrlimit",
	102: "getuid",
	104: "getgid",
	110: "getppid",
	158: "arch_prctl",
	186: "gettid",
	202: "futex",
	217: "getdents64",
	218: "set_tid_address",
	228: "clock_gettime",
	230: "clock_nanosleep",
	231: "exit_group",
	232: "epoll_wait",
	233: "epoll_ctl",
	257: "openat",
	262: "newfstatat",
	263: "unlinkat",
	270: "pselect6",
	271: "ppoll",
	281: "epoll_pwait",
	284: "eventfd",
	288: "accept4",
	290: "eventfd2",
	291: "epoll_create1",
	292: "dup3",
	293: "pipe2",
	302: "prlimit64",
	318: "getrandom",
	332: "statx",
	435: "clone3",
}

// SyscallName resolves a syscall number to its name, falling back to a
// hex form for numbers outside the table.
func SyscallName(nr int64) string {
	if name, ok := syscallNames[nr]; ok {
		return name
	}

	return fmt.Sprintf("sys_0x%x", nr)
}
