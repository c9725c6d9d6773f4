package sshrelay

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ssh_config")
	r, err := NewRegistry(RealFileSystem{}, path)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r, path
}

func TestUpsertThenResolve(t *testing.T) {
	r, _ := newTestRegistry(t)

	if err := r.Upsert("web1", Endpoint{HostName: "172.18.0.5", Port: 2222, User: "root"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	ep, err := r.Resolve("web1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.HostName != "172.18.0.5" || ep.Port != 2222 || ep.User != "root" {
		t.Fatalf("Resolve(web1) = %+v, want 172.18.0.5:2222 user=root", ep)
	}
}

func TestUpsertReplacesPriorBlockForSameAlias(t *testing.T) {
	r, _ := newTestRegistry(t)

	if err := r.Upsert("web1", Endpoint{HostName: "172.18.0.5", Port: 2222}); err != nil {
		t.Fatalf("Upsert 1: %v", err)
	}
	if err := r.Upsert("web1", Endpoint{HostName: "172.18.0.9", Port: 2223}); err != nil {
		t.Fatalf("Upsert 2: %v", err)
	}

	ep, err := r.Resolve("web1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.HostName != "172.18.0.9" || ep.Port != 2223 {
		t.Fatalf("Resolve(web1) after re-upsert = %+v, want the updated endpoint", ep)
	}

	blocks, err := r.readBlocks()
	if err != nil {
		t.Fatalf("readBlocks: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("got %d Host blocks after re-upsert, want exactly 1 (no stale duplicate)", len(blocks))
	}
}

func TestUpsertPreservesOtherAliases(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.Upsert("web1", Endpoint{HostName: "172.18.0.5", Port: 2222})
	r.Upsert("db1", Endpoint{HostName: "172.18.0.6", Port: 2222})

	ep, err := r.Resolve("web1")
	if err != nil || ep.HostName != "172.18.0.5" {
		t.Fatalf("Resolve(web1) = %+v, %v, want 172.18.0.5 preserved alongside db1", ep, err)
	}
}

func TestRemoveDropsOnlyThatAlias(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Upsert("web1", Endpoint{HostName: "172.18.0.5", Port: 2222})
	r.Upsert("db1", Endpoint{HostName: "172.18.0.6", Port: 2222})

	if err := r.Remove("web1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := r.Resolve("web1"); err == nil {
		t.Fatal("expected Resolve(web1) to fail after Remove")
	}
	if _, err := r.Resolve("db1"); err != nil {
		t.Fatalf("Resolve(db1) after removing web1: %v", err)
	}
}

func TestResolveUnknownAlias(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.Resolve("ghost"); err == nil {
		t.Fatal("expected error resolving an alias with no Host block")
	}
}

func TestEnsureIncludedAddsLineWhenMissing(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	managedPath := filepath.Join(home, ".config", "arcad", "ssh_config")
	if err := EnsureIncluded(RealFileSystem{}, managedPath); err != nil {
		t.Fatalf("EnsureIncluded: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, ".ssh", "config"))
	if err != nil {
		t.Fatalf("read ~/.ssh/config: %v", err)
	}
	if got := string(data); got != "Include "+managedPath+"\n" {
		t.Fatalf("~/.ssh/config = %q, want a single Include line", got)
	}

	// Calling it again must not duplicate the Include line.
	if err := EnsureIncluded(RealFileSystem{}, managedPath); err != nil {
		t.Fatalf("EnsureIncluded (second call): %v", err)
	}
	data2, err := os.ReadFile(filepath.Join(home, ".ssh", "config"))
	if err != nil {
		t.Fatalf("read ~/.ssh/config: %v", err)
	}
	if string(data2) != string(data) {
		t.Fatalf("EnsureIncluded duplicated the Include line: %q", data2)
	}
}
