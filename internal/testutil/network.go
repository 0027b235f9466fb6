package testutil

import (
	"context"
	"sync"

	"ckpt-go/internal/ckpt"
)

// FakeNetwork returns fixed interface, route and socket data.
type FakeNetwork struct {
	InterfaceList []ckpt.InterfaceInfo
	RouteList     []ckpt.RouteInfo
	Listening     []byte
	Err           error
}

func NewFakeNetwork() *FakeNetwork {
	return &FakeNetwork{
		InterfaceList: []ckpt.InterfaceInfo{
			{Name: "lo", MTU: 65536, State: "up", Addresses: []string{"127.0.0.1/8"}},
			{Name: "eth0", HardwareAddr: "52:54:00:12:34:56", MTU: 1500, State: "up", Addresses: []string{"10.0.0.5/24"}},
		},
		RouteList: []ckpt.RouteInfo{
			{Destination: "default", Gateway: "10.0.0.1", Interface: "eth0", Scope: "universe"},
		},
		Listening: []byte("tcp LISTEN 0 4096 127.0.0.1:8500 0.0.0.0:*\n"),
	}
}

func (f *FakeNetwork) Interfaces(context.Context) ([]ckpt.InterfaceInfo, error) {
	return f.InterfaceList, f.Err
}

func (f *FakeNetwork) Routes(context.Context) ([]ckpt.RouteInfo, error) {
	return f.RouteList, f.Err
}

func (f *FakeNetwork) ListeningSockets(context.Context) ([]byte, error) {
	return f.Listening, f.Err
}

// FakeFirewall holds a ruleset in memory and records restores.
type FakeFirewall struct {
	mu       sync.Mutex
	rules    []byte
	restored [][]byte
	SaveErr  error
}

func NewFakeFirewall(rules string) *FakeFirewall {
	return &FakeFirewall{rules: []byte(rules)}
}

func (f *FakeFirewall) Rules() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.rules)
}

func (f *FakeFirewall) SetRules(rules string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = []byte(rules)
}

// Restores returns every ruleset passed to Restore.
func (f *FakeFirewall) Restores() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.restored...)
}

func (f *FakeFirewall) Save(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SaveErr != nil {
		return nil, f.SaveErr
	}
	return append([]byte(nil), f.rules...), nil
}

func (f *FakeFirewall) Restore(_ context.Context, rules []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append([]byte(nil), rules...)
	f.restored = append(f.restored, f.rules)
	return nil
}

var (
	_ ckpt.NetworkInspector = (*FakeNetwork)(nil)
	_ ckpt.Firewall         = (*FakeFirewall)(nil)
)
