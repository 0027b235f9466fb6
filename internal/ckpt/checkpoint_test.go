package ckpt_test

import (
	"path/filepath"
	"slices"
	"testing"
	"time"

	"ckpt-go/internal/ckpt"
	"ckpt-go/internal/testutil"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"pre-deploy", false},
		{"v1.2_rc", false},
		{"", true},
		{".hidden", true},
		{"has space", true},
		{"a/b", true},
	}
	for _, tt := range tests {
		if err := ckpt.ValidateName(tt.name); (err != nil) != tt.wantErr {
			t.Errorf("ValidateName(%q) error = %v, wantErr %t", tt.name, err, tt.wantErr)
		}
	}
}

func TestCheckpointID(t *testing.T) {
	at := time.Date(2026, 3, 1, 7, 4, 5, 0, time.FixedZone("X", 3600))
	id := ckpt.NewCheckpointID("pre-deploy-2", at)
	if id != "pre-deploy-2-20260301-060405" {
		t.Fatalf("NewCheckpointID() = %s", id)
	}
	name, created, err := ckpt.ParseCheckpointID(id)
	if err != nil {
		t.Fatal(err)
	}
	if name != "pre-deploy-2" || !created.Equal(at) {
		t.Errorf("ParseCheckpointID() = %s %v", name, created)
	}

	for _, bad := range []string{"", "x", "name-2026", "name_20260301-060405", "name-20261301-060405"} {
		if _, _, err := ckpt.ParseCheckpointID(bad); err == nil {
			t.Errorf("ParseCheckpointID(%q) succeeded", bad)
		}
	}
}

func TestNewVolumeSelector(t *testing.T) {
	sel := ckpt.NewVolumeSelector([]string{"registry-data"}, []string{"vault", ""})
	for name, want := range map[string]bool{
		"registry-data":  true,
		"registry-cache": false,
		"vault-raft":     true,
		"my-vault":       true,
		"other":          false,
	} {
		if got := sel(name); got != want {
			t.Errorf("sel(%q) = %t, want %t", name, got, want)
		}
	}
	if ckpt.NewVolumeSelector(nil, nil)("anything") {
		t.Error("empty selector matched")
	}
}

func TestRestorePlan(t *testing.T) {
	var names []string
	for _, s := range ckpt.RestorePlan() {
		names = append(names, s.Name)
		if !s.ContinueOnError {
			t.Errorf("step %s aborts on error", s.Name)
		}
	}
	want := []string{
		"stop-services",
		"restore-network", "restore-docker", "restore-data", "restore-config", "restore-systemd",
		"stabilize", "verify-services",
	}
	if !slices.Equal(names, want) {
		t.Errorf("RestorePlan() = %v, want %v", names, want)
	}
}

func TestTransactionLog_MonotonicAndPersisted(t *testing.T) {
	clock := testutil.FixedClock()
	log := ckpt.NewTransactionLog(clock)
	path := filepath.Join(t.TempDir(), "sub", "transaction.log")
	if err := log.Reset(path); err != nil {
		t.Fatal(err)
	}

	mustAppend := func(a ckpt.TxAction, c ckpt.Category, target string) {
		t.Helper()
		if err := log.Append(a, c, target); err != nil {
			t.Fatal(err)
		}
	}
	mustAppend(ckpt.TxStop, ckpt.CategoryServices, "consul")
	clock.Advance(-time.Minute)
	mustAppend(ckpt.TxRestore, ckpt.CategoryConfig, "/etc/consul.d")
	clock.Advance(2 * time.Minute)
	mustAppend(ckpt.TxRestoreStart, ckpt.CategoryServices, "consul")
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	entries := log.Entries()
	if len(entries) != 3 {
		t.Fatalf("got %d entries", len(entries))
	}
	if !entries[1].Time.Equal(entries[0].Time) {
		t.Errorf("entry time went backwards: %v after %v", entries[1].Time, entries[0].Time)
	}

	read, err := ckpt.ReadTransactionLog(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(read) != 3 {
		t.Fatalf("read %d entries", len(read))
	}
	for i := range read {
		if !read[i].Time.Equal(entries[i].Time) || read[i].Action != entries[i].Action ||
			read[i].Category != entries[i].Category || read[i].Target != entries[i].Target {
			t.Errorf("entry %d = %+v, want %+v", i, read[i], entries[i])
		}
	}

	// Reset starts over.
	if err := log.Reset(""); err != nil {
		t.Fatal(err)
	}
	if n := len(log.Entries()); n != 0 {
		t.Errorf("%d entries after Reset", n)
	}
}
