package hostexec

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func TestExecRunner(t *testing.T) {
	requireTool(t, "sh")
	r := ExecRunner{Timeout: 5 * time.Second}
	ctx := context.Background()

	t.Run("stdout", func(t *testing.T) {
		out, err := r.Run(ctx, nil, "sh", "-c", "echo hello")
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if strings.TrimSpace(string(out)) != "hello" {
			t.Errorf("Run() = %q, want hello", out)
		}
	})

	t.Run("stdin", func(t *testing.T) {
		out, err := r.Run(ctx, []byte("piped"), "sh", "-c", "cat")
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if string(out) != "piped" {
			t.Errorf("Run() = %q, want piped", out)
		}
	})

	t.Run("exit status", func(t *testing.T) {
		_, err := r.Run(ctx, nil, "sh", "-c", "echo oops >&2; exit 3")
		var exitErr *ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("Run() error = %v, want ExitError", err)
		}
		if exitErr.Code != 3 || exitErr.Stderr != "oops" {
			t.Errorf("ExitError = %+v", exitErr)
		}
		if !IsExit(err) {
			t.Error("IsExit() = false")
		}
	})

	t.Run("missing tool", func(t *testing.T) {
		_, err := r.Run(ctx, nil, "ckpt-no-such-tool")
		if err == nil || IsExit(err) {
			t.Errorf("Run() error = %v, want non-exit error", err)
		}
	})
}
