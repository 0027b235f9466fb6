// Package docker adapts the Docker engine API to ckpt.ContainerRuntime.
package docker

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"ckpt-go/internal/ckpt"
)

const (
	volumeMount        = "/volume"
	defaultHelperImage = "busybox:latest"
)

// Runtime implements ckpt.ContainerRuntime. Volume content moves through a
// short-lived helper container that mounts the volume at /volume.
type Runtime struct {
	api         client.APIClient
	helperImage string
	logger      ckpt.Logger
}

// New connects to the engine at host, or DOCKER_HOST when host is empty.
func New(host, helperImage string, logger ckpt.Logger) (*Runtime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return NewWithClient(api, helperImage, logger), nil
}

func NewWithClient(api client.APIClient, helperImage string, logger ckpt.Logger) *Runtime {
	if helperImage == "" {
		helperImage = defaultHelperImage
	}
	if logger == nil {
		logger = ckpt.NewNopLogger()
	}
	return &Runtime{api: api, helperImage: helperImage, logger: logger}
}

func (r *Runtime) Close() error { return r.api.Close() }

func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.api.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

func (r *Runtime) ListContainers(ctx context.Context, all bool) ([]ckpt.ContainerSummary, error) {
	list, err := r.api.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	out := make([]ckpt.ContainerSummary, 0, len(list))
	for _, c := range list {
		out = append(out, summarizeContainer(c))
	}
	return out, nil
}

func summarizeContainer(c container.Summary) ckpt.ContainerSummary {
	s := ckpt.ContainerSummary{
		ID:     c.ID,
		Image:  c.Image,
		State:  string(c.State),
		Status: c.Status,
	}
	if len(c.Names) > 0 {
		s.Name = trimSlash(c.Names[0])
	}
	for _, m := range c.Mounts {
		if m.Type == mount.TypeVolume && m.Name != "" {
			s.Volumes = append(s.Volumes, m.Name)
		}
	}
	sort.Strings(s.Volumes)
	return s
}

func trimSlash(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}

func (r *Runtime) ListVolumes(ctx context.Context) ([]ckpt.VolumeSummary, error) {
	resp, err := r.api.VolumeList(ctx, volume.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing volumes: %w", err)
	}
	out := make([]ckpt.VolumeSummary, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		if v == nil {
			continue
		}
		out = append(out, ckpt.VolumeSummary{Name: v.Name, Driver: v.Driver, Mountpoint: v.Mountpoint, Labels: v.Labels})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Runtime) ListNetworks(ctx context.Context) ([]ckpt.NetworkSummary, error) {
	list, err := r.api.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing networks: %w", err)
	}
	out := make([]ckpt.NetworkSummary, 0, len(list))
	for _, n := range list {
		out = append(out, ckpt.NetworkSummary{ID: n.ID, Name: n.Name, Driver: n.Driver, Scope: n.Scope})
	}
	return out, nil
}

func (r *Runtime) StartContainer(ctx context.Context, id string) error {
	if err := r.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("container %s: %w", id, ckpt.ErrNotFound)
		}
		return fmt.Errorf("start container %s: %w", id, err)
	}
	return nil
}

func (r *Runtime) StopContainer(ctx context.Context, id string) error {
	if err := r.api.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("container %s: %w", id, ckpt.ErrNotFound)
		}
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

// ExportVolume streams the volume as a tar whose entries start with
// "volume/".
func (r *Runtime) ExportVolume(ctx context.Context, name string, w io.Writer) error {
	id, err := r.createHelper(ctx, name, true, nil)
	if err != nil {
		return err
	}
	defer r.removeHelper(id)

	rc, _, err := r.api.CopyFromContainer(ctx, id, volumeMount)
	if err != nil {
		return fmt.Errorf("reading volume %s: %w", name, err)
	}
	defer rc.Close()
	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("reading volume %s: %w", name, err)
	}
	return nil
}

// ImportVolume empties the volume and extracts a tar produced by
// ExportVolume into it. The engine creates the volume when it is missing.
func (r *Runtime) ImportVolume(ctx context.Context, name string, rd io.Reader) error {
	if err := r.clearVolume(ctx, name); err != nil {
		return err
	}
	id, err := r.createHelper(ctx, name, false, nil)
	if err != nil {
		return err
	}
	defer r.removeHelper(id)

	if err := r.api.CopyToContainer(ctx, id, "/", rd, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("writing volume %s: %w", name, err)
	}
	return nil
}

func (r *Runtime) clearVolume(ctx context.Context, name string) error {
	id, err := r.createHelper(ctx, name, false, []string{"find", volumeMount, "-mindepth", "1", "-delete"})
	if err != nil {
		return err
	}
	defer r.removeHelper(id)

	waitCh, errCh := r.api.ContainerWait(ctx, id, container.WaitConditionNextExit)
	if err := r.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("clearing volume %s: %w", name, err)
	}
	select {
	case resp := <-waitCh:
		if resp.StatusCode != 0 {
			return fmt.Errorf("clearing volume %s: helper exited with %d", name, resp.StatusCode)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("clearing volume %s: %w", name, err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) createHelper(ctx context.Context, vol string, readOnly bool, cmd []string) (string, error) {
	cfg := &container.Config{Image: r.helperImage, Cmd: cmd}
	if len(cmd) == 0 {
		cfg.Cmd = []string{"true"}
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{Type: mount.TypeVolume, Source: vol, Target: volumeMount, ReadOnly: readOnly}},
	}
	name := "ckpt-volume-" + uuid.NewString()[:8]

	resp, err := r.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return "", fmt.Errorf("create helper for volume %s: %w", vol, err)
		}
		if err := r.pullHelper(ctx); err != nil {
			return "", err
		}
		if resp, err = r.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name); err != nil {
			return "", fmt.Errorf("create helper for volume %s after pull: %w", vol, err)
		}
	}
	return resp.ID, nil
}

func (r *Runtime) pullHelper(ctx context.Context) error {
	r.logger.Info("pulling helper image", "image", r.helperImage)
	rc, err := r.api.ImagePull(ctx, r.helperImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", r.helperImage, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: read response: %w", r.helperImage, err)
	}
	return nil
}

// removeHelper runs on a fresh context so cleanup happens after a cancel.
func (r *Runtime) removeHelper(id string) {
	err := r.api.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		r.logger.Warn("removing helper container", "id", id, "error", err)
	}
}

var _ ckpt.ContainerRuntime = (*Runtime)(nil)
