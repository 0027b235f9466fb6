package ckpt_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ckpt-go/internal/archive"
	"ckpt-go/internal/ckpt"
	"ckpt-go/internal/database"
	ckptfs "ckpt-go/internal/fs"
	"ckpt-go/internal/scratch"
	"ckpt-go/internal/testutil"
)

const (
	consulUnit = "[Service]\nExecStart=/usr/bin/consul agent\n"
	vaultUnit  = "[Service]\nExecStart=/usr/bin/vault server\n"
	nomadUnit  = "[Service]\nExecStart=/usr/bin/nomad agent\n"
	consulURL  = "http://127.0.0.1:8500/v1/status/leader"
)

// harness wires a CheckpointService, Restorer and DeploymentTracker to fakes
// and a scratch "live" tree under t.TempDir().
type harness struct {
	t        *testing.T
	ctx      context.Context
	dir      string
	live     string
	clock    *testutil.StubClock
	fs       *ckptfs.OSFilesystemManager
	sup      *testutil.FakeSupervisor
	rt       *testutil.FakeRuntime
	fw       *testutil.FakeFirewall
	checker  *testutil.FakeLiveness
	db       *database.SQLiteDatabase
	store    *ckpt.CheckpointService
	restorer *ckpt.Restorer
	tracker  *ckpt.DeploymentTracker

	configDir string
	dataDir   string
}

type harnessOption func(*ckpt.StoreOptions, *ckpt.RestorerOptions, *ckpt.TrackerOptions)

func withCompression() harnessOption {
	return func(s *ckpt.StoreOptions, _ *ckpt.RestorerOptions, _ *ckpt.TrackerOptions) { s.Compress = true }
}

func withAutoRollback(on bool) harnessOption {
	return func(_ *ckpt.StoreOptions, _ *ckpt.RestorerOptions, o *ckpt.TrackerOptions) { o.AutoRollback = on }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		dir:     filepath.Join(root, "checkpoints"),
		live:    filepath.Join(root, "live"),
		clock:   testutil.FixedClock(),
		fs:      ckptfs.NewOSFilesystemManager(ckptfs.NewIgnoreMatcher(ckptfs.DefaultIgnorePatterns)),
		sup:     testutil.NewFakeSupervisor(),
		rt:      testutil.NewFakeRuntime(),
		fw:      testutil.NewFakeFirewall("-A INPUT -p tcp --dport 8500 -j ACCEPT\n"),
		checker: testutil.NewFakeLiveness(),
		db:      testutil.NewTestDatabase(t),
	}
	h.configDir = filepath.Join(h.live, "etc", "consul.d")
	h.dataDir = filepath.Join(h.live, "opt", "consul", "data")
	h.writeLive("etc/consul.d/server.hcl", "server = true\n")
	h.writeLive("etc/consul.d/acl.hcl", "acl { enabled = true }\n")
	h.writeLive("opt/consul/data/raft/raft.db", "raft-v1")
	h.writeLive("opt/consul/data/node-id", "a1b2c3")

	h.sup.AddService("consul", true, true, consulUnit)
	h.sup.AddService("vault", true, true, vaultUnit)
	h.sup.AddService("nomad", false, true, nomadUnit)
	h.checker.SetUp(consulURL, true)

	h.rt.AddContainer("c1", "registry", true, "registry-data")
	h.rt.SetVolume("registry-data", []byte("blobs-v1"))
	h.rt.SetVolume("scratch-cache", []byte("ignored"))
	h.rt.AddNetwork("n1", "consul-mesh")

	area, err := scratch.New(filepath.Join(root, "scratch"), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	endpoints := []ckpt.Endpoint{{Name: "consul", URL: consulURL, Service: "consul", Weight: 2}}

	so := ckpt.StoreOptions{
		Dir: h.dir,
		Capturers: []ckpt.Capturer{
			ckpt.NewNetworkCapturer(testutil.NewFakeNetwork(), h.fw),
			ckpt.NewServiceCapturer(h.sup),
			ckpt.NewConfigCapturer(),
			ckpt.NewDataCapturer(),
			ckpt.NewContainerCapturer(h.rt),
		},
		Targets: ckpt.Targets{
			Services:    []string{"consul", "vault", "nomad"},
			ConfigPaths: []string{h.configDir, filepath.Join(h.live, "etc", "missing.d")},
			DataPaths:   []string{h.dataDir},
			Volumes:     ckpt.NewVolumeSelector([]string{"registry-data"}, nil),
		},
		FS:       h.fs,
		Archiver: archive.New(0),
		Scratch:  area,
		Facts:    func() ckpt.SystemFacts { return ckpt.SystemFacts{Hostname: "node-1", OS: "linux", Arch: "amd64"} },
		Timeout:  time.Second,
		Clock:    h.clock,
	}
	ro := ckpt.RestorerOptions{
		Supervisor:      h.sup,
		Runtime:         h.rt,
		Firewall:        h.fw,
		RestoreFirewall: true,
		Liveness:        h.checker,
		Endpoints:       endpoints,
		Settle:          5 * time.Second,
		Stabilize:       10 * time.Second,
		Timeout:         time.Second,
		FS:              h.fs,
		Clock:           h.clock,
		IDs:             testutil.NewStubIDGenerator(),
	}
	to := ckpt.TrackerOptions{AutoRollback: true, Clock: h.clock}
	for _, o := range opts {
		o(&so, &ro, &to)
	}
	h.store = ckpt.NewCheckpointService(so)
	h.restorer = ckpt.NewRestorer(h.store, ro)
	h.tracker = ckpt.NewDeploymentTracker(h.db, h.store, h.restorer, to)
	return h
}

func (h *harness) writeLive(rel, content string) {
	h.t.Helper()
	p := filepath.Join(h.live, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) readLive(rel string) string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.live, filepath.FromSlash(rel)))
	if err != nil {
		h.t.Fatalf("reading live %s: %v", rel, err)
	}
	return string(data)
}

// create makes a checkpoint and advances the clock so the next id differs.
func (h *harness) create(name string) *ckpt.CreateResult {
	h.t.Helper()
	res, err := h.store.Create(h.ctx, name, ckpt.CreateOptions{})
	if err != nil {
		h.t.Fatalf("Create(%s) error = %v", name, err)
	}
	h.clock.Advance(time.Minute)
	return res
}

func itemStatus(m *ckpt.Manifest, c ckpt.Category, target string) ckpt.ItemStatus {
	for _, it := range m.ItemsFor(c) {
		if it.Target == target {
			return it.Status
		}
	}
	return ""
}
