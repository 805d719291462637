// Package provisioner implements the Container Provisioner: creation,
// destruction, inspection, and orphan cleanup of hardened, ephemeral
// containerd containers, plus interactive exec streams for the Terminal
// Bridge.
package provisioner

import (
	"context"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/sandboxd/sandboxd/pkg/log"
	"github.com/sandboxd/sandboxd/pkg/sandboxerr"
	"github.com/sandboxd/sandboxd/pkg/types"
)

const (
	labelToolPair    = "sandboxd.tool-pair"
	labelEnvironment = "sandboxd.environment"
	labelManaged     = "sandboxd.managed"

	homeTmpfsSize = 50 * 1024 * 1024
	tmpTmpfsSize  = 10 * 1024 * 1024

	memoryLimitBytes = 128 * 1024 * 1024
	cpuQuotaCores    = 0.5
	pidCap           = 50
	fdUlimit         = 64

	destroyStepTimeout  = 10 * time.Second
	destroyTotalTimeout = 10 * time.Second

	sandboxUID = 1000
	sandboxGID = 1000
)

// Provisioner creates and tears down hardened sandbox containers on a
// single containerd daemon.
type Provisioner struct {
	client        *containerd.Client
	namespace     string
	useGVisor     bool
	gvisorRuntime string
}

// New dials the containerd socket and returns a Provisioner bound to
// namespace. useGVisor/gvisorRuntime govern the optional hardened runtime;
// gVisor availability is re-probed at ProbeGVisor time, not here.
func New(socketPath, namespace string, useGVisor bool, gvisorRuntime string) (*Provisioner, error) {
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd at %s: %w", socketPath, err)
	}
	return &Provisioner{
		client:        client,
		namespace:     namespace,
		useGVisor:     useGVisor,
		gvisorRuntime: gvisorRuntime,
	}, nil
}

// Close releases the containerd client connection.
func (p *Provisioner) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

func (p *Provisioner) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, p.namespace)
}

// ProbeGVisor checks that the containerd server answers an info query; it
// does not look the configured gVisor runtime name up in a runtime list. It
// is advisory: a miss only disables the gVisor runtime option on subsequent
// Create calls, it never fails boot.
func (p *Provisioner) ProbeGVisor(ctx context.Context) bool {
	if !p.useGVisor || strings.TrimSpace(p.gvisorRuntime) == "" {
		return false
	}
	ctx = p.ctx(ctx)
	info, err := p.client.Server(ctx)
	if err != nil {
		log.WithComponent("provisioner").Warn().Err(err).Msg("failed to query containerd server info for gVisor probe")
		p.useGVisor = false
		return false
	}
	_ = info
	// containerd does not expose an enumerable runtime list over the gRPC
	// introspection API in the version pinned here; presence is confirmed
	// lazily by the first Create call that requests the runtime instead,
	// and logged if it fails to start.
	return true
}

// Create resolves env, verifies the image is present locally, creates a
// hardened container, and starts it. The returned ContainerInfo's ID is
// the containerd container id, which doubles as the Session's containerId.
func (p *Provisioner) Create(ctx context.Context, toolPair string, env types.Environment) (types.ContainerInfo, error) {
	ctx = p.ctx(ctx)
	logger := log.WithComponent("provisioner")

	image, err := p.client.GetImage(ctx, env.ContainerImage)
	if err != nil {
		return types.ContainerInfo{}, sandboxerr.Wrap(sandboxerr.ImageMissing,
			fmt.Sprintf("image %s not present, pull it before provisioning", env.ContainerImage), err)
	}

	id := containerID(toolPair)
	labels := map[string]string{
		labelToolPair:    toolPair,
		labelEnvironment: env.Name,
		labelManaged:     "true",
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv([]string{"TERM=xterm-256color"}),
		oci.WithProcessArgs(shellCommand(env)...),
		oci.WithTTY,
		oci.WithCPUShares(uint64(cpuQuotaCores * 1024)),
		oci.WithCPUCFS(int64(cpuQuotaCores*100000), 100000),
		oci.WithMemoryLimit(memoryLimitBytes),
		oci.WithPIDsLimit(pidCap),
		oci.WithRootFSReadonly(),
		oci.WithCapabilities(nil),
		oci.WithMounts([]specs.Mount{
			{
				Destination: "/home/sandbox",
				Type:        "tmpfs",
				Source:      "tmpfs",
				Options:     []string{"nosuid", "nodev", fmt.Sprintf("size=%d", homeTmpfsSize), fmt.Sprintf("uid=%d", sandboxUID), fmt.Sprintf("gid=%d", sandboxGID)},
			},
			{
				Destination: "/tmp",
				Type:        "tmpfs",
				Source:      "tmpfs",
				Options:     []string{"nosuid", "nodev", fmt.Sprintf("size=%d", tmpTmpfsSize), fmt.Sprintf("uid=%d", sandboxUID), fmt.Sprintf("gid=%d", sandboxGID)},
			},
		}),
		withNoNewPrivileges,
		withRlimitNoFile(fdUlimit),
	}

	newContainerOpts := []containerd.NewContainerOpts{
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	}
	if p.useGVisor && p.gvisorRuntime != "" {
		newContainerOpts = append(newContainerOpts, containerd.WithRuntime(p.gvisorRuntime, nil))
	}

	ctrd, err := p.client.NewContainer(ctx, id, newContainerOpts...)
	if err != nil {
		return types.ContainerInfo{}, sandboxerr.Wrap(sandboxerr.ProvisionFailed, "create container", err)
	}

	task, err := ctrd.NewTask(ctx, cio.NullIO)
	if err != nil {
		_ = ctrd.Delete(ctx, containerd.WithSnapshotCleanup)
		return types.ContainerInfo{}, sandboxerr.Wrap(sandboxerr.ProvisionFailed, "create task", err)
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		_ = ctrd.Delete(ctx, containerd.WithSnapshotCleanup)
		if p.useGVisor && p.gvisorRuntime != "" {
			logger.Warn().Str("runtime", p.gvisorRuntime).Msg("container failed to start under configured gVisor runtime")
		}
		return types.ContainerInfo{}, sandboxerr.Wrap(sandboxerr.ProvisionFailed, "start task", err)
	}

	logger.Info().Str("container_id", id).Str("tool_pair", toolPair).Str("environment", env.Name).Msg("container provisioned")
	return types.ContainerInfo{ID: id, Name: id, Labels: labels, CreatedAt: time.Now()}, nil
}

// Destroy kills and removes containerID: SIGTERM, wait up to
// destroyStepTimeout, SIGKILL on timeout, then delete. A container that no
// longer exists is treated as a successful destroy. The whole operation is
// bounded by destroyTotalTimeout.
func (p *Provisioner) Destroy(ctx context.Context, containerID string) error {
	ctx = p.ctx(ctx)
	ctx, cancel := context.WithTimeout(ctx, destroyTotalTimeout)
	defer cancel()

	ctr, err := p.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil // not found is success
	}

	task, err := ctr.Task(ctx, nil)
	if err != nil {
		// no task: container never started or already reaped
		if delErr := ctr.Delete(ctx, containerd.WithSnapshotCleanup); delErr != nil && !isNotFound(delErr) {
			return sandboxerr.Wrap(sandboxerr.DestroyFailed, "delete container without task", delErr)
		}
		return nil
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !isNotFound(err) {
		return sandboxerr.Wrap(sandboxerr.DestroyFailed, "send SIGTERM", err)
	}

	statusC, err := task.Wait(ctx)
	if err != nil && !isNotFound(err) {
		return sandboxerr.Wrap(sandboxerr.DestroyFailed, "wait for task exit", err)
	}

	stepCtx, stepCancel := context.WithTimeout(ctx, destroyStepTimeout)
	defer stepCancel()
	select {
	case <-statusC:
	case <-stepCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !isNotFound(err) {
			return sandboxerr.Wrap(sandboxerr.DestroyFailed, "send SIGKILL after timeout", err)
		}
		select {
		case <-statusC:
		case <-ctx.Done():
			return sandboxerr.New(sandboxerr.DestroyFailed, "container did not exit within deadline")
		}
	}

	if _, err := task.Delete(ctx); err != nil && !isNotFound(err) {
		return sandboxerr.Wrap(sandboxerr.DestroyFailed, "delete task", err)
	}
	if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !isNotFound(err) {
		return sandboxerr.Wrap(sandboxerr.DestroyFailed, "delete container", err)
	}
	return nil
}

// Inspect returns name, labels, and creation time for containerID.
func (p *Provisioner) Inspect(ctx context.Context, containerID string) (types.ContainerInfo, error) {
	ctx = p.ctx(ctx)
	ctr, err := p.client.LoadContainer(ctx, containerID)
	if err != nil {
		return types.ContainerInfo{}, sandboxerr.New(sandboxerr.ContainerNotFound, "no container with id "+containerID)
	}
	info, err := ctr.Info(ctx)
	if err != nil {
		return types.ContainerInfo{}, sandboxerr.Wrap(sandboxerr.ContainerNotFound, "inspect container", err)
	}
	return types.ContainerInfo{
		ID:        ctr.ID(),
		Name:      ctr.ID(),
		Labels:    info.Labels,
		CreatedAt: info.CreatedAt,
	}, nil
}

// CleanupOrphaned finds containers labelled as managed by this service
// whose task is no longer running (exited/dead/absent) and force-removes
// each. It never fails the caller; per-container errors are logged and
// skipped.
func (p *Provisioner) CleanupOrphaned(ctx context.Context) int {
	ctx = p.ctx(ctx)
	logger := log.WithComponent("provisioner")

	containers, err := p.client.Containers(ctx, "labels.\""+labelManaged+"\"==true")
	if err != nil {
		logger.Error().Err(err).Msg("failed to list containers for orphan cleanup")
		return 0
	}

	removed := 0
	for _, ctr := range containers {
		task, err := ctr.Task(ctx, nil)
		if err == nil {
			status, err := task.Status(ctx)
			if err == nil && status.Status == containerd.Running {
				continue
			}
			_, _ = task.Delete(ctx)
		}
		if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
			logger.Warn().Err(err).Str("container_id", ctr.ID()).Msg("failed to remove orphaned container")
			continue
		}
		removed++
	}
	return removed
}

func containerID(toolPair string) string {
	return "sandbox-" + strings.ReplaceAll(toolPair, "/", "-") + "-" + fmt.Sprint(time.Now().UnixNano())
}

func shellCommand(env types.Environment) []string {
	return []string{"/bin/sh", "-c", "exec /bin/sh -l"}
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "not found")
}
