package netinfo

import (
	"context"
	"fmt"

	"ckpt-go/internal/ckpt"
	"ckpt-go/internal/hostexec"
)

// Firewall saves and restores rules with iptables-save/-restore or nft.
type Firewall struct {
	backend string
	run     hostexec.Runner
}

// NewFirewall returns nil for the "none" backend so capture records the
// firewall as skipped.
func NewFirewall(backend string, run hostexec.Runner) (ckpt.Firewall, error) {
	switch backend {
	case "none", "":
		return nil, nil
	case "iptables", "nftables":
		return &Firewall{backend: backend, run: run}, nil
	default:
		return nil, fmt.Errorf("unknown firewall backend %q", backend)
	}
}

func (f *Firewall) Save(ctx context.Context) ([]byte, error) {
	var (
		out []byte
		err error
	)
	if f.backend == "nftables" {
		out, err = f.run.Run(ctx, nil, "nft", "list", "ruleset")
	} else {
		out, err = f.run.Run(ctx, nil, "iptables-save")
	}
	if err != nil {
		return nil, fmt.Errorf("saving %s rules: %w", f.backend, err)
	}
	return out, nil
}

func (f *Firewall) Restore(ctx context.Context, rules []byte) error {
	var err error
	if f.backend == "nftables" {
		// nft -f does not flush by itself.
		if _, err = f.run.Run(ctx, nil, "nft", "flush", "ruleset"); err == nil {
			_, err = f.run.Run(ctx, rules, "nft", "-f", "-")
		}
	} else {
		_, err = f.run.Run(ctx, rules, "iptables-restore")
	}
	if err != nil {
		return fmt.Errorf("restoring %s rules: %w", f.backend, err)
	}
	return nil
}
