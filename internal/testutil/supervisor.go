package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ckpt-go/internal/ckpt"
)

// FakeService is the state of one service known to FakeSupervisor.
type FakeService struct {
	Active   bool
	Enabled  bool
	UnitPath string
	Unit     []byte
}

// FakeSupervisor is an in-memory ckpt.ServiceSupervisor. Start and Stop
// flip Active; failures are injected per service name.
type FakeSupervisor struct {
	Recorder

	mu           sync.Mutex
	services     map[string]*FakeService
	AvailableErr error
	StartErr     map[string]error
	StopErr      map[string]error
	// StartLeavesInactive keeps a service inactive after a successful Start,
	// like a unit that crashes right away.
	StartLeavesInactive map[string]bool
}

func NewFakeSupervisor() *FakeSupervisor {
	return &FakeSupervisor{
		services:            map[string]*FakeService{},
		StartErr:            map[string]error{},
		StopErr:             map[string]error{},
		StartLeavesInactive: map[string]bool{},
	}
}

// AddService registers a service with a unit file at /etc/systemd/system/<name>.service.
func (f *FakeSupervisor) AddService(name string, active, enabled bool, unit string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[name] = &FakeService{
		Active:   active,
		Enabled:  enabled,
		UnitPath: "/etc/systemd/system/" + name + ".service",
		Unit:     []byte(unit),
	}
}

// SetActive changes whether name is running.
func (f *FakeSupervisor) SetActive(name string, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.services[name]; ok {
		s.Active = active
	}
}

// SetUnit replaces the unit definition of name.
func (f *FakeSupervisor) SetUnit(name, unit string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.services[name]; ok {
		s.Unit = []byte(unit)
	}
}

// Service returns a copy of the state of name.
func (f *FakeSupervisor) Service(name string) (FakeService, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.services[name]
	if !ok {
		return FakeService{}, false
	}
	return *s, true
}

func (f *FakeSupervisor) Available(context.Context) error { return f.AvailableErr }

func (f *FakeSupervisor) IsActive(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.services[name]
	return ok && s.Active, nil
}

func (f *FakeSupervisor) IsEnabled(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.services[name]
	return ok && s.Enabled, nil
}

func (f *FakeSupervisor) Start(_ context.Context, name string) error {
	f.record("start", name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.StartErr[name]; err != nil {
		return err
	}
	s, ok := f.services[name]
	if !ok {
		return fmt.Errorf("unit %s: %w", name, ckpt.ErrNotFound)
	}
	s.Active = !f.StartLeavesInactive[name]
	return nil
}

func (f *FakeSupervisor) Stop(_ context.Context, name string) error {
	f.record("stop", name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.StopErr[name]; err != nil {
		return err
	}
	if s, ok := f.services[name]; ok {
		s.Active = false
	}
	return nil
}

func (f *FakeSupervisor) ReadUnit(_ context.Context, name string) (string, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.services[name]
	if !ok {
		return "", nil, fmt.Errorf("unit %s: %w", name, ckpt.ErrNotFound)
	}
	return s.UnitPath, append([]byte(nil), s.Unit...), nil
}

func (f *FakeSupervisor) WriteUnit(_ context.Context, path string, content []byte) error {
	f.record("write-unit", path)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.services {
		if s.UnitPath == path {
			s.Unit = append([]byte(nil), content...)
			return nil
		}
	}
	return errors.New("unknown unit path " + path)
}

func (f *FakeSupervisor) Reload(context.Context) error {
	f.record("reload")
	return nil
}

var _ ckpt.ServiceSupervisor = (*FakeSupervisor)(nil)
