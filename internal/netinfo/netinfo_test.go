package netinfo

import (
	"context"
	"errors"
	"testing"

	"ckpt-go/internal/testutil"
)

func TestInspector_ListeningSockets(t *testing.T) {
	run := testutil.NewFakeRunner()
	run.On("ss -tulpn", "Netid State Local\ntcp LISTEN 127.0.0.1:8500\n", nil)
	out, err := NewInspector(run).ListeningSockets(context.Background())
	if err != nil {
		t.Fatalf("ListeningSockets() error = %v", err)
	}
	if len(out) == 0 {
		t.Error("ListeningSockets() returned no output")
	}

	run.On("ss -tulpn", "", errors.New("ss: not found"))
	if _, err := NewInspector(run).ListeningSockets(context.Background()); err == nil {
		t.Error("ListeningSockets() expected error")
	}
}

func TestNewFirewall(t *testing.T) {
	run := testutil.NewFakeRunner()
	tests := []struct {
		backend string
		wantNil bool
		wantErr bool
	}{
		{"none", true, false},
		{"", true, false},
		{"iptables", false, false},
		{"nftables", false, false},
		{"pf", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			fw, err := NewFirewall(tt.backend, run)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewFirewall() error = %v, wantErr %v", err, tt.wantErr)
			}
			if (fw == nil) != tt.wantNil {
				t.Errorf("NewFirewall() = %v, wantNil %v", fw, tt.wantNil)
			}
		})
	}
}

func TestFirewall_SaveRestore(t *testing.T) {
	ctx := context.Background()
	rules := "*filter\n:INPUT ACCEPT [0:0]\nCOMMIT\n"

	t.Run("iptables", func(t *testing.T) {
		run := testutil.NewFakeRunner()
		run.On("iptables-save", rules, nil)
		fw, _ := NewFirewall("iptables", run)

		got, err := fw.Save(ctx)
		if err != nil || string(got) != rules {
			t.Fatalf("Save() = %q, %v", got, err)
		}
		if err := fw.Restore(ctx, got); err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		if string(run.Stdin("iptables-restore")) != rules {
			t.Errorf("iptables-restore stdin = %q", run.Stdin("iptables-restore"))
		}
	})

	t.Run("nftables", func(t *testing.T) {
		run := testutil.NewFakeRunner()
		run.On("nft list ruleset", "table inet filter {}\n", nil)
		fw, _ := NewFirewall("nftables", run)

		got, err := fw.Save(ctx)
		if err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		if err := fw.Restore(ctx, got); err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		calls := run.Calls()
		if len(calls) != 3 || calls[1] != "nft flush ruleset" || calls[2] != "nft -f -" {
			t.Errorf("calls = %v", calls)
		}
	})
}
