package relay

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relaycore/eventrt/internal/storelog"
)

type recordingTarget struct {
	mu        sync.Mutex
	batches   [][]storelog.OutboxEntry
	failFirst bool
	calls     int
}

func (t *recordingTarget) Publish(ctx context.Context, category string, entries []storelog.OutboxEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.failFirst && t.calls == 1 {
		return errTestFailure
	}
	t.batches = append(t.batches, entries)
	return nil
}

var errTestFailure = &testError{"publish failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func openTestEngine(t *testing.T) *storelog.Engine {
	t.Helper()
	eng, err := storelog.Open(filepath.Join(t.TempDir(), "eventrt.db"))
	if err != nil {
		t.Fatalf("storelog.Open: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestNoopTargetDiscardsBatches(t *testing.T) {
	var target NoopTarget
	if err := target.Publish(context.Background(), "bank", []storelog.OutboxEntry{{GlobalID: 1}}); err != nil {
		t.Fatalf("NoopTarget.Publish: %v", err)
	}
}

func TestRelayDrainOnceDeletesOnSuccess(t *testing.T) {
	eng := openTestEngine(t)
	name, _ := storelog.New("bank", "a1")
	if _, err := eng.Stream(name).Write(storelog.NoStream(), []storelog.Message{
		storelog.NewEvent("a", nil, storelog.Metadata{}),
		storelog.NewEvent("b", nil, storelog.Metadata{}),
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	target := &recordingTarget{}
	r := New("bank", eng, target, Options{})

	if err := r.drainOnce(context.Background()); err != nil {
		t.Fatalf("drainOnce: %v", err)
	}

	remaining, err := eng.Outbox("bank").Drain(0)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("len(remaining) = %d, want 0 after successful drain", len(remaining))
	}
	if len(target.batches) != 1 || len(target.batches[0]) != 2 {
		t.Fatalf("target.batches = %+v, want one batch of 2", target.batches)
	}
}

func TestRelayKeepsEntriesOnPublishFailure(t *testing.T) {
	eng := openTestEngine(t)
	name, _ := storelog.New("bank", "a2")
	if _, err := eng.Stream(name).Write(storelog.NoStream(), []storelog.Message{
		storelog.NewEvent("a", nil, storelog.Metadata{}),
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	target := &recordingTarget{failFirst: true}
	r := New("bank", eng, target, Options{})

	if err := r.drainOnce(context.Background()); err == nil {
		t.Fatalf("expected drainOnce to surface the publish error")
	}

	remaining, err := eng.Outbox("bank").Drain(0)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("len(remaining) = %d, want 1 (a failed publish keeps the entry)", len(remaining))
	}

	if err := r.drainOnce(context.Background()); err != nil {
		t.Fatalf("drainOnce (retry): %v", err)
	}
	remaining, _ = eng.Outbox("bank").Drain(0)
	if len(remaining) != 0 {
		t.Fatalf("len(remaining) after retry = %d, want 0", len(remaining))
	}
}

func TestRunDrainsOnTick(t *testing.T) {
	eng := openTestEngine(t)
	name, _ := storelog.New("bank", "a3")
	if _, err := eng.Stream(name).Write(storelog.NoStream(), []storelog.Message{
		storelog.NewEvent("a", nil, storelog.Metadata{}),
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	target := &recordingTarget{}
	r := New("bank", eng, target, Options{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	if len(target.batches) == 0 {
		t.Fatalf("expected Run to drain at least one batch before ctx expired")
	}
}
