package sandbox

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Isolation is the namespace and privilege setup for a sandbox process.
type Isolation struct {
	Namespaces    []specs.LinuxNamespace
	MaskedPaths   []string
	ReadonlyPaths []string
	Seccomp       *specs.LinuxSeccomp
}

// IsolationFor returns the isolation for a spec. Without network access the
// process gets a fresh network namespace holding only loopback.
func IsolationFor(spec ProcessSpec) Isolation {
	namespaces := []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.MountNamespace},
		{Type: specs.UTSNamespace},
		{Type: specs.IPCNamespace},
	}
	if !spec.Network {
		namespaces = append(namespaces, specs.LinuxNamespace{Type: specs.NetworkNamespace})
	}

	return Isolation{
		Namespaces: namespaces,
		Seccomp:    SeccompProfile(spec.Network),
		MaskedPaths: []string{
			"/proc/kcore",
			"/proc/keys",
			"/proc/timer_list",
			"/proc/sched_debug",
			"/sys/firmware",
		},
		ReadonlyPaths: []string{
			"/proc/bus",
			"/proc/fs",
			"/proc/irq",
			"/proc/sys",
			"/proc/sysrq-trigger",
		},
	}
}

// ApplyIsolation drops every capability, runs as nobody and installs the
// namespaces, path masks and seccomp filter.
func ApplyIsolation(spec *specs.Spec, iso Isolation) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	spec.Process.Capabilities = &specs.LinuxCapabilities{}
	spec.Process.NoNewPrivileges = true
	spec.Process.User = specs.User{
		UID: 65534,
		GID: 65534,
	}

	spec.Linux.Namespaces = iso.Namespaces
	spec.Linux.MaskedPaths = iso.MaskedPaths
	spec.Linux.ReadonlyPaths = iso.ReadonlyPaths
	spec.Linux.Seccomp = iso.Seccomp

	if spec.Root != nil {
		spec.Root.Readonly = true
	}
}
