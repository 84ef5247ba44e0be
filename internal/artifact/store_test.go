package artifact

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"triggerd/pkg/logx"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPublishCopiesLogAndGlobs(t *testing.T) {
	work := t.TempDir()
	store := New(t.TempDir(), 0, logx.Nop())

	logPath := filepath.Join(work, "run.log")
	writeFile(t, logPath, "log line\n")
	writeFile(t, filepath.Join(work, "out.csv"), "a,b\n")
	writeFile(t, filepath.Join(work, "out.json"), "{}")
	writeFile(t, filepath.Join(work, "skip.txt"), "nope")

	stored, err := store.Publish("scrape", "run-1", logPath, work, []string{"*.csv", "*.json"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("stored %d files, want 3: %v", len(stored), stored)
	}
	for _, name := range []string{"run.log", "out.csv", "out.json"} {
		p := filepath.Join(store.Dir(), "scrape", "run-1", name)
		if _, err := os.Stat(p); err != nil {
			t.Errorf("missing stored artifact %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), "scrape", "run-1", "skip.txt")); err == nil {
		t.Error("unmatched file was stored")
	}
}

func TestPublishMissingLogIsNotFatal(t *testing.T) {
	store := New(t.TempDir(), 0, logx.Nop())
	stored, err := store.Publish("scrape", "run-1", "/nonexistent/run.log", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("stored %v, want none", stored)
	}
}

func TestPurgeOldRemovesExpired(t *testing.T) {
	store := New(t.TempDir(), 24*time.Hour, logx.Nop())

	old := filepath.Join(store.Dir(), "scrape", "run-old", "run.log")
	fresh := filepath.Join(store.Dir(), "scrape", "run-new", "run.log")
	writeFile(t, old, "old")
	writeFile(t, fresh, "new")

	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatal(err)
	}

	store.PurgeOld()

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expired artifact survived purge")
	}
	if _, err := os.Stat(filepath.Dir(old)); !os.IsNotExist(err) {
		t.Error("empty run dir survived purge")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh artifact removed: %v", err)
	}
}

func TestPurgeDisabledByZeroRetention(t *testing.T) {
	store := New(t.TempDir(), 0, logx.Nop())
	p := filepath.Join(store.Dir(), "scrape", "run-1", "run.log")
	writeFile(t, p, "keep")
	stale := time.Now().Add(-365 * 24 * time.Hour)
	if err := os.Chtimes(p, stale, stale); err != nil {
		t.Fatal(err)
	}

	store.PurgeOld()

	if _, err := os.Stat(p); err != nil {
		t.Errorf("artifact removed with retention disabled: %v", err)
	}
}
