package mcpservice

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestFSResourcesListAndRead(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "alpha")
	writeFile(t, dir, "b.md", "# beta")

	f, err := NewFSResources(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer f.Close()
	sess := &stubSession{id: "s"}

	page, err := f.ListResources(context.Background(), sess, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("got %d resources: %+v", len(page.Items), page.Items)
	}

	contents, err := f.ReadResource(context.Background(), sess, page.Items[0].URI)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(contents) != 1 || contents[0].Text != "alpha" {
		t.Fatalf("contents: %+v", contents)
	}
}

func TestFSResourcesRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "x")
	f, err := NewFSResources(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer f.Close()

	if _, err := f.ReadResource(context.Background(), &stubSession{id: "s"}, "file://"+filepath.Dir(dir)+"/outside.txt"); err == nil {
		t.Fatal("path escape must be rejected")
	}
	if _, err := f.ReadResource(context.Background(), &stubSession{id: "s"}, "http://not-a-file"); err == nil {
		t.Fatal("non-file scheme must be rejected")
	}
}

func TestFSResourcesSubscriptionSeesWrites(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "watched.txt", "v1")

	f, err := NewFSResources(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer f.Close()
	sess := &stubSession{id: "s"}

	uri := "file://" + filepath.ToSlash(path)
	updates := make(chan string, 4)
	cancel, err := f.Subscribe(context.Background(), sess, uri, func(ctx context.Context, u string) {
		updates <- u
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = cancel(context.Background()) }()

	// Give the watcher a moment to arm before mutating the file.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "watched.txt", "v2")

	select {
	case got := <-updates:
		if got != uri {
			t.Fatalf("update for %q, want %q", got, uri)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no update observed for file write")
	}
}
