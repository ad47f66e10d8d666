package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/mcp"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestWatcher_ExitIsFinal(t *testing.T) {
	t.Parallel()
	exited := make(chan struct{})
	down := make(chan struct{})
	var gotErr error

	m := NewManager(quietLogger())
	w := m.Watch(context.Background(), WatcherConfig{
		Name:   "files",
		Exited: exited,
		OnDown: func(err error) { gotErr = err; close(down) },
	})

	if !w.IsReady() {
		t.Fatal("watcher should start ready")
	}

	close(exited)
	waitFor(t, down, "OnDown")
	w.Wait()

	if w.IsReady() {
		t.Error("IsReady() = true after exit")
	}
	if !errors.Is(gotErr, mcp.ErrBackendExited) {
		t.Errorf("OnDown err = %v, want ErrBackendExited", gotErr)
	}
	if st := w.Status(); !st.Exited || st.LastError == "" {
		t.Errorf("Status = %+v", st)
	}
}

func TestWatcher_ProbeDownThenRecovers(t *testing.T) {
	t.Parallel()
	var failing atomic.Bool
	down := make(chan struct{}, 1)
	ready := make(chan struct{}, 1)

	m := NewManager(quietLogger())
	w := m.Watch(context.Background(), WatcherConfig{
		Name: "remote",
		Probe: func(context.Context) error {
			if failing.Load() {
				return errors.New("connection refused")
			}
			return nil
		},
		PollInterval: 5 * time.Millisecond,
		OnDown:       func(error) { down <- struct{}{} },
		OnReady:      func() { ready <- struct{}{} },
	})
	defer w.Stop()

	failing.Store(true)
	waitFor(t, down, "OnDown")
	if w.IsReady() {
		t.Error("IsReady() = true while probe fails")
	}
	if w.LastError() == nil {
		t.Error("LastError() = nil while probe fails")
	}

	failing.Store(false)
	waitFor(t, ready, "OnReady")
	if !w.IsReady() {
		t.Error("IsReady() = false after recovery")
	}
}

func TestWatcher_OnReadyNotCalledWhileHealthy(t *testing.T) {
	t.Parallel()
	var probes, readyCalls atomic.Int32

	m := NewManager(quietLogger())
	w := m.Watch(context.Background(), WatcherConfig{
		Name:         "healthy",
		Probe:        func(context.Context) error { probes.Add(1); return nil },
		PollInterval: 2 * time.Millisecond,
		OnReady:      func() { readyCalls.Add(1) },
	})

	deadline := time.Now().Add(2 * time.Second)
	for probes.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	w.Stop()

	if probes.Load() < 3 {
		t.Fatalf("probes = %d, want >= 3", probes.Load())
	}
	if readyCalls.Load() != 0 {
		t.Errorf("OnReady called %d times, want 0", readyCalls.Load())
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	down := make(chan struct{}, 1)

	m := NewManager(quietLogger())
	w := m.Watch(context.Background(), WatcherConfig{
		Name: "hung",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 10 * time.Millisecond,
		OnDown:       func(error) { down <- struct{}{} },
	})
	defer w.Stop()

	waitFor(t, down, "OnDown after probe timeout")
	if !errors.Is(w.LastError(), context.DeadlineExceeded) {
		t.Errorf("LastError = %v, want deadline exceeded", w.LastError())
	}
}

func TestWatcher_ContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	m := NewManager(quietLogger())
	w := m.Watch(ctx, WatcherConfig{Name: "ctx", Exited: make(chan struct{})})
	cancel()

	done := make(chan struct{})
	go func() { w.Wait(); close(done) }()
	waitFor(t, done, "watcher exit")
}

func TestManager_StatusAndStop(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	m.Watch(context.Background(), WatcherConfig{Name: "a", Exited: make(chan struct{}), Logger: quietLogger()})
	m.Watch(context.Background(), WatcherConfig{
		Name:   "b",
		Probe:  func(context.Context) error { return nil },
		Logger: quietLogger(),
	})

	st := m.Status()
	if len(st) != 2 || !st["a"].Ready || !st["b"].Ready {
		t.Errorf("Status = %+v", st)
	}

	done := make(chan struct{})
	go func() { m.Stop(); close(done) }()
	waitFor(t, done, "Manager.Stop")
}

func TestManager_WatchPanics(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  WatcherConfig
	}{
		{"empty name", WatcherConfig{Exited: make(chan struct{})}},
		{"nothing to watch", WatcherConfig{Name: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			NewManager(quietLogger()).Watch(context.Background(), tt.cfg)
		})
	}
}
