package config

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncer_CollapsesBursts(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)
	defer d.Stop()

	var calls atomic.Int32
	for i := 0; i < 10; i++ {
		d.Trigger(func() { calls.Add(1) })
		time.Sleep(2 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("callback ran %d times, want 1", n)
	}
}

func TestDebouncer_StopCancelsPending(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)

	var calls atomic.Int32
	d.Trigger(func() { calls.Add(1) })
	d.Stop()
	d.Trigger(func() { calls.Add(1) })

	time.Sleep(80 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Errorf("callback ran %d times after Stop", n)
	}
}

func TestWatcher_Reload(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	w := NewWatcher(path, WatcherOptions{})

	if w.Current() != nil {
		t.Fatal("no configuration should be current before the first load")
	}
	cfg, err := w.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if w.Current() != cfg {
		t.Error("Reload should make the loaded configuration current")
	}

	if err := os.WriteFile(path, []byte("gateway: [broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Reload(); err == nil {
		t.Fatal("expected error for broken file")
	}
	if w.Current() != cfg {
		t.Error("a failed reload must keep the previous configuration")
	}
}

func TestWatcher_WatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	w := NewWatcher(path, WatcherOptions{Debounce: 20 * time.Millisecond})

	reloaded := make(chan *Config, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Watch(ctx, func(cfg *Config) error {
			reloaded <- cfg
			return nil
		})
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	updated := sampleConfig + "\nload_balancer:\n  sticky_max_entries: 42\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.LoadBalancer.StickyMaxEntries != 42 {
			t.Errorf("sticky_max_entries = %d, want 42", cfg.LoadBalancer.StickyMaxEntries)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	w.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after Stop")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	w := NewWatcher(path, WatcherOptions{Debounce: 10 * time.Millisecond})

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Watch(ctx, func(*Config) error {
			calls.Add(1)
			return nil
		})
	}()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path+".bak", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	cancel()
	<-done

	if n := calls.Load(); n != 0 {
		t.Errorf("unrelated file triggered %d reloads", n)
	}
}
