package testutil

import (
	"context"
	"strings"
	"sync"

	"ckpt-go/internal/hostexec"
)

// FakeResult is the scripted answer to one command line.
type FakeResult struct {
	Out []byte
	Err error
}

// FakeRunner answers commands by their full command line ("systemctl
// is-active --quiet consul"). Unscripted commands succeed with no output.
type FakeRunner struct {
	Recorder

	mu      sync.Mutex
	results map[string]FakeResult
	stdin   map[string][]byte
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{results: map[string]FakeResult{}, stdin: map[string][]byte{}}
}

// On scripts the result for a command line.
func (f *FakeRunner) On(cmdline string, out string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[cmdline] = FakeResult{Out: []byte(out), Err: err}
}

// Stdin returns what was passed on stdin to the last run of cmdline.
func (f *FakeRunner) Stdin(cmdline string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stdin[cmdline]
}

func (f *FakeRunner) Run(_ context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmdline := strings.Join(append([]string{name}, args...), " ")
	f.record(cmdline)
	f.mu.Lock()
	defer f.mu.Unlock()
	if stdin != nil {
		f.stdin[cmdline] = append([]byte(nil), stdin...)
	}
	r := f.results[cmdline]
	return r.Out, r.Err
}

var _ hostexec.Runner = (*FakeRunner)(nil)
