package testutil

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"ckpt-go/internal/ckpt"
)

// FakeRuntime is an in-memory ckpt.ContainerRuntime. Volume content is an
// opaque byte slice that Export and Import copy verbatim.
type FakeRuntime struct {
	Recorder

	mu         sync.Mutex
	containers []ckpt.ContainerSummary
	volumes    map[string][]byte
	networks   []ckpt.NetworkSummary
	PingErr    error
	ExportErr  map[string]error
	ImportErr  map[string]error
}

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		volumes:   map[string][]byte{},
		ExportErr: map[string]error{},
		ImportErr: map[string]error{},
	}
}

// AddContainer registers a container; running sets State to "running".
func (f *FakeRuntime) AddContainer(id, name string, running bool, volumes ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := "exited"
	if running {
		state = "running"
	}
	f.containers = append(f.containers, ckpt.ContainerSummary{
		ID: id, Name: name, Image: name + ":latest", State: state, Volumes: volumes,
	})
}

func (f *FakeRuntime) SetVolume(name string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[name] = append([]byte(nil), content...)
}

func (f *FakeRuntime) Volume(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.volumes[name]
	return v, ok
}

func (f *FakeRuntime) AddNetwork(id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks = append(f.networks, ckpt.NetworkSummary{ID: id, Name: name, Driver: "bridge", Scope: "local"})
}

// Running reports whether the container with the given id or name runs.
func (f *FakeRuntime) Running(idOrName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.ID == idOrName || c.Name == idOrName {
			return c.State == "running"
		}
	}
	return false
}

func (f *FakeRuntime) Ping(context.Context) error { return f.PingErr }

func (f *FakeRuntime) ListContainers(_ context.Context, all bool) ([]ckpt.ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ckpt.ContainerSummary
	for _, c := range f.containers {
		if all || c.State == "running" {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *FakeRuntime) ListVolumes(context.Context) ([]ckpt.VolumeSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.volumes))
	for n := range f.volumes {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]ckpt.VolumeSummary, 0, len(names))
	for _, n := range names {
		out = append(out, ckpt.VolumeSummary{Name: n, Driver: "local", Mountpoint: "/var/lib/docker/volumes/" + n + "/_data"})
	}
	return out, nil
}

func (f *FakeRuntime) ListNetworks(context.Context) ([]ckpt.NetworkSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ckpt.NetworkSummary(nil), f.networks...), nil
}

func (f *FakeRuntime) setState(idOrName, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.containers {
		if f.containers[i].ID == idOrName || f.containers[i].Name == idOrName {
			f.containers[i].State = state
			return nil
		}
	}
	return fmt.Errorf("container %s: %w", idOrName, ckpt.ErrNotFound)
}

func (f *FakeRuntime) StartContainer(_ context.Context, id string) error {
	f.record("start", id)
	return f.setState(id, "running")
}

func (f *FakeRuntime) StopContainer(_ context.Context, id string) error {
	f.record("stop", id)
	return f.setState(id, "exited")
}

func (f *FakeRuntime) ExportVolume(_ context.Context, name string, w io.Writer) error {
	f.record("export", name)
	f.mu.Lock()
	err := f.ExportErr[name]
	content, ok := f.volumes[name]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("volume %s: %w", name, ckpt.ErrNotFound)
	}
	_, err = w.Write(content)
	return err
}

func (f *FakeRuntime) ImportVolume(_ context.Context, name string, r io.Reader) error {
	f.record("import", name)
	f.mu.Lock()
	err := f.ImportErr[name]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.SetVolume(name, content)
	return nil
}

var _ ckpt.ContainerRuntime = (*FakeRuntime)(nil)
