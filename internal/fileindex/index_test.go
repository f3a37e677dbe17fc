package fileindex

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const helloSHA1 = "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed"

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSHA1Hex(t *testing.T) {
	got, err := SHA1Hex(strings.NewReader("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if got != helloSHA1 {
		t.Fatalf("hash = %s, want %s", got, helloSHA1)
	}
}

func TestOpenScansFolder(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "notes.txt", "hello world")
	writeFile(t, dir, "b.bin", "\x00\x01\x02")

	ix, err := Open(dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	files := ix.Files()
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}
	if files[0].Name != "b.bin" || files[1].Name != "notes.txt" {
		t.Fatalf("unexpected order: %+v", files)
	}
	if files[1].Size != 11 || files[1].Hash != helloSHA1 {
		t.Fatalf("bad descriptor: %+v", files[1])
	}
	got, ok := ix.Lookup(helloSHA1)
	if !ok || got != path {
		t.Fatalf("Lookup = %q, %v; want %q", got, ok, path)
	}
	if _, ok := ix.Lookup("deadbeef"); ok {
		t.Fatal("unknown hash resolved")
	}
}

func TestDuplicateContentKeepsFirst(t *testing.T) {
	ix := New(
		Descriptor{Hash: "deadbeef", Name: "a.txt", Path: "/x/a.txt", Size: 1},
		Descriptor{Hash: "deadbeef", Name: "b.txt", Path: "/x/b.txt", Size: 1},
	)
	if n := len(ix.Files()); n != 1 {
		t.Fatalf("got %d files, want 1", n)
	}
	if p, _ := ix.Lookup("deadbeef"); p != "/x/a.txt" {
		t.Fatalf("Lookup = %q", p)
	}
	if names := ix.Names(); len(names) != 1 || names[0] != "a.txt" {
		t.Fatalf("Names = %v", names)
	}
}

func TestWatchPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	ix, err := Open(dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ix.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// give the watcher a moment to register the folder
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "late.txt", "hello world")
	waitUntil(t, 5*time.Second, func() bool {
		_, ok := ix.Lookup(helloSHA1)
		return ok
	})
}

func TestWatchPicksUpNestedFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "old"), 0o755); err != nil {
		t.Fatal(err)
	}
	ix, err := Open(dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ix.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(100 * time.Millisecond)

	hashOf := func(s string) string {
		h, err := SHA1Hex(strings.NewReader(s))
		if err != nil {
			t.Fatal(err)
		}
		return h
	}
	writeFile(t, filepath.Join(dir, "old"), "a.txt", "in an existing folder")
	waitUntil(t, 5*time.Second, func() bool {
		_, ok := ix.Lookup(hashOf("in an existing folder"))
		return ok
	})

	if err := os.Mkdir(filepath.Join(dir, "fresh"), 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "fresh"), "b.txt", "in a new folder")
	waitUntil(t, 5*time.Second, func() bool {
		_, ok := ix.Lookup(hashOf("in a new folder"))
		return ok
	})
}

func TestWatchSeededIndex(t *testing.T) {
	if err := New().Watch(context.Background()); err == nil {
		t.Fatal("expected error for seeded index")
	}
}
