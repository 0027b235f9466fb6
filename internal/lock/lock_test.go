package lock

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"ckpt-go/internal/ckpt"
)

func TestLock_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", ".lock")
	a := New(path)
	b := New(path)
	b.poll = 5 * time.Millisecond

	release, err := a.Lock(context.Background())
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := b.Lock(ctx); !errors.Is(err, ckpt.ErrLocked) {
		t.Fatalf("contended Lock() error = %v, want ErrLocked", err)
	}

	if err := release(); err != nil {
		t.Fatalf("release() error = %v", err)
	}
	if err := release(); err != nil {
		t.Errorf("second release() error = %v", err)
	}

	releaseB, err := b.Lock(context.Background())
	if err != nil {
		t.Fatalf("Lock() after release error = %v", err)
	}
	releaseB()
}

func TestLock_WaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	a := New(path)
	b := New(path)
	b.poll = 5 * time.Millisecond

	release, err := a.Lock(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	releaseB, err := b.Lock(ctx)
	if err != nil {
		t.Fatalf("Lock() error = %v, want lock after release", err)
	}
	releaseB()
}
