package testutil

import (
	"context"
	"sync"

	"ckpt-go/internal/ckpt"
)

// FakeLiveness answers liveness checks from a map; unknown URLs are down.
type FakeLiveness struct {
	Recorder

	mu sync.Mutex
	up map[string]bool
}

func NewFakeLiveness() *FakeLiveness {
	return &FakeLiveness{up: map[string]bool{}}
}

func (f *FakeLiveness) SetUp(url string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.up[url] = up
}

func (f *FakeLiveness) Reachable(_ context.Context, url string) bool {
	f.record("reachable", url)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up[url]
}

var _ ckpt.LivenessChecker = (*FakeLiveness)(nil)
