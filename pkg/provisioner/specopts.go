package provisioner

import (
	"context"

	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// withNoNewPrivileges sets the no-new-privileges security bit required by
// the hardening profile.
func withNoNewPrivileges(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
	if s.Process == nil {
		s.Process = &specs.Process{}
	}
	s.Process.NoNewPrivileges = true
	return nil
}

// withRlimitNoFile pins the soft and hard file-descriptor limit to n.
func withRlimitNoFile(n uint64) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		if s.Process == nil {
			s.Process = &specs.Process{}
		}
		s.Process.Rlimits = append(s.Process.Rlimits, specs.POSIXRlimit{
			Type: "RLIMIT_NOFILE",
			Hard: n,
			Soft: n,
		})
		return nil
	}
}
