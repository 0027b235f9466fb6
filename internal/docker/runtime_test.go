package docker

import (
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
)

func TestSummarizeContainer(t *testing.T) {
	c := container.Summary{
		ID:     "abc123",
		Names:  []string{"/consul"},
		Image:  "hashicorp/consul:1.18",
		State:  "running",
		Status: "Up 2 hours",
		Mounts: []container.MountPoint{
			{Type: mount.TypeVolume, Name: "consul_data"},
			{Type: mount.TypeBind, Source: "/etc/consul.d"},
			{Type: mount.TypeVolume, Name: "consul_certs"},
		},
	}
	got := summarizeContainer(c)
	if got.ID != "abc123" || got.Name != "consul" || got.State != "running" || got.Status != "Up 2 hours" {
		t.Errorf("summarizeContainer() = %+v", got)
	}
	want := []string{"consul_certs", "consul_data"}
	if len(got.Volumes) != len(want) {
		t.Fatalf("Volumes = %v, want %v", got.Volumes, want)
	}
	for i := range want {
		if got.Volumes[i] != want[i] {
			t.Errorf("Volumes[%d] = %q, want %q", i, got.Volumes[i], want[i])
		}
	}
}

func TestTrimSlash(t *testing.T) {
	tests := map[string]string{"/nomad": "nomad", "vault": "vault", "": ""}
	for in, want := range tests {
		if got := trimSlash(in); got != want {
			t.Errorf("trimSlash(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewWithClientDefaults(t *testing.T) {
	r := NewWithClient(nil, "", nil)
	if r.helperImage != defaultHelperImage {
		t.Errorf("helperImage = %q, want %q", r.helperImage, defaultHelperImage)
	}
	if r.logger == nil {
		t.Error("logger is nil")
	}
}
