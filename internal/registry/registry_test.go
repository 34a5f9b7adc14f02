package registry

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/relaycore/eventrt/internal/storelog"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	eng, err := storelog.Open(filepath.Join(t.TempDir(), "eventrt.db"))
	if err != nil {
		t.Fatalf("storelog.Open: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return New(eng)
}

func TestPutGetRoundTrip(t *testing.T) {
	reg := openTestRegistry(t)
	if err := reg.Put("bank-account", "1.0.0", []byte("wasm-bytes")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	blob, err := reg.Get("bank-account", "1.0.0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(blob) != "wasm-bytes" {
		t.Fatalf("Get = %q, want %q", blob, "wasm-bytes")
	}
}

func TestPutRefusesDuplicateVersion(t *testing.T) {
	reg := openTestRegistry(t)
	if err := reg.Put("bank-account", "1.0.0", []byte("a")); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	err := reg.Put("bank-account", "1.0.0", []byte("b"))
	if !errors.Is(err, ErrAlreadyPublished) {
		t.Fatalf("second Put err = %v, want ErrAlreadyPublished", err)
	}
}

func TestGetLatestPicksHighestVersion(t *testing.T) {
	reg := openTestRegistry(t)
	for _, v := range []string{"1.0.0", "1.2.0", "1.1.0", "2.0.0-rc.1"} {
		if err := reg.Put("bank-account", v, []byte(v)); err != nil {
			t.Fatalf("Put %s: %v", v, err)
		}
	}
	entry, err := reg.GetLatest("bank-account")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if entry.Version.String() != "2.0.0-rc.1" {
		t.Fatalf("GetLatest = %s, want 2.0.0-rc.1", entry.Version)
	}
}

func TestGetMatchingAppliesConstraint(t *testing.T) {
	reg := openTestRegistry(t)
	for _, v := range []string{"1.0.0", "1.2.0", "2.0.0"} {
		if err := reg.Put("bank-account", v, []byte(v)); err != nil {
			t.Fatalf("Put %s: %v", v, err)
		}
	}
	entry, err := reg.GetMatching("bank-account", "^1.0.0")
	if err != nil {
		t.Fatalf("GetMatching: %v", err)
	}
	if entry.Version.String() != "1.2.0" {
		t.Fatalf("GetMatching(^1.0.0) = %s, want 1.2.0", entry.Version)
	}
}

func TestGetMatchingNoSatisfyingVersion(t *testing.T) {
	reg := openTestRegistry(t)
	if err := reg.Put("bank-account", "1.0.0", []byte("a")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_, err := reg.GetMatching("bank-account", ">=2.0.0")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetMatching err = %v, want ErrNotFound", err)
	}
}

func TestListIsAscending(t *testing.T) {
	reg := openTestRegistry(t)
	for _, v := range []string{"1.2.0", "1.0.0", "1.1.0"} {
		if err := reg.Put("bank-account", v, []byte(v)); err != nil {
			t.Fatalf("Put %s: %v", v, err)
		}
	}
	versions, err := reg.List("bank-account")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"1.0.0", "1.1.0", "1.2.0"}
	if len(versions) != len(want) {
		t.Fatalf("len(versions) = %d, want %d", len(versions), len(want))
	}
	for i, w := range want {
		if versions[i].String() != w {
			t.Errorf("versions[%d] = %s, want %s", i, versions[i], w)
		}
	}
}
