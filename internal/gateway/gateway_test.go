package gateway

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/relaycore/eventrt/internal/aggregatehandler"
	"github.com/relaycore/eventrt/internal/registry"
	"github.com/relaycore/eventrt/internal/sandbox"
	"github.com/relaycore/eventrt/internal/storelog"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	eng, err := storelog.Open(filepath.Join(t.TempDir(), "eventrt.db"))
	if err != nil {
		t.Fatalf("storelog.Open: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	rt, err := sandbox.NewRuntime(context.Background(), nil)
	if err != nil {
		t.Fatalf("sandbox.NewRuntime: %v", err)
	}
	t.Cleanup(func() { rt.Close() })

	reg := registry.New(eng)

	gw, err := New(eng, rt, reg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return gw
}

func TestCategoryLockIsReusedPerCategory(t *testing.T) {
	gw := newTestGateway(t)

	a1 := gw.categoryLock("bank")
	a2 := gw.categoryLock("bank")
	if a1 != a2 {
		t.Fatalf("categoryLock(bank) returned different mutexes across calls")
	}

	b := gw.categoryLock("inventory")
	if a1 == b {
		t.Fatalf("categoryLock(bank) and categoryLock(inventory) returned the same mutex")
	}
}

func TestAggregateForIsMemoizedAndDefaultsPolicy(t *testing.T) {
	gw := newTestGateway(t)

	agg1 := gw.aggregateFor("bank")
	agg2 := gw.aggregateFor("bank")
	if agg1 != agg2 {
		t.Fatalf("aggregateFor(bank) returned distinct handlers across calls")
	}
	if agg1.Category != "bank" {
		t.Fatalf("aggregateFor(bank).Category = %q, want bank", agg1.Category)
	}

	// With no configured policy the module name defaults to the category.
	res := gw.Dispatch(context.Background(), Command{Category: "bank", ID: "a1", Name: "OpenAccount"})
	if res.Err == nil || !strings.Contains(res.Err.Error(), "no matching module version: bank") {
		t.Fatalf("Dispatch err = %v, want a lookup of module bank", res.Err)
	}
}

func TestAggregateForHonorsConfiguredPolicy(t *testing.T) {
	eng, err := storelog.Open(filepath.Join(t.TempDir(), "eventrt.db"))
	if err != nil {
		t.Fatalf("storelog.Open: %v", err)
	}
	defer eng.Close()
	rt, err := sandbox.NewRuntime(context.Background(), nil)
	if err != nil {
		t.Fatalf("sandbox.NewRuntime: %v", err)
	}
	defer rt.Close()
	reg := registry.New(eng)

	gw, err := New(eng, rt, reg, Options{
		Policies: map[string]aggregatehandler.VersionPolicy{
			"bank": {ModuleName: "bank-account-module", Constraint: "^2.0.0"},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	agg := gw.aggregateFor("bank")
	if agg.Category != "bank" {
		t.Fatalf("Category = %q, want bank", agg.Category)
	}

	res := gw.Dispatch(context.Background(), Command{Category: "bank", ID: "a1", Name: "OpenAccount"})
	if res.Err == nil || !strings.Contains(res.Err.Error(), `bank-account-module satisfying "^2.0.0"`) {
		t.Fatalf("Dispatch err = %v, want a lookup of bank-account-module under ^2.0.0", res.Err)
	}
}

func TestDispatchSurfacesModuleResolutionError(t *testing.T) {
	gw := newTestGateway(t)

	res := gw.Dispatch(context.Background(), Command{Category: "bank", ID: "a1", Name: "OpenAccount"})
	if res.Err == nil {
		t.Fatalf("expected an error dispatching against an unpublished module")
	}
}

func TestPublishWritesToRegistry(t *testing.T) {
	gw := newTestGateway(t)
	if err := gw.Publish("bank-account", "1.0.0", []byte("wasm-bytes")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}
