package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"triggerd/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "history.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st == nil {
		t.Fatal("Open returned nil store for sqlite driver")
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) returned a store, want nil", driver)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestAppendAndRecent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)
	runs := []Run{
		{RunID: "r1", Job: "scrape", Trigger: "scheduled", StartedAt: base, Status: "ok", TookMS: 1200, Attempts: 1},
		{RunID: "r2", Job: "scrape", Trigger: "manual", StartedAt: base.Add(6 * time.Hour), Status: "failed", ExitCode: 2, Attempts: 1, Error: "exit status 2", LogPath: "/var/log/r2.log"},
		{RunID: "r3", Job: "other", Trigger: "scheduled", StartedAt: base.Add(time.Hour), Status: "ok", Attempts: 1},
	}
	for _, r := range runs {
		if err := st.Append(ctx, r); err != nil {
			t.Fatalf("Append(%s): %v", r.RunID, err)
		}
	}

	got, err := st.Recent(ctx, "scrape", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d runs, want 2", len(got))
	}
	if got[0].RunID != "r2" || got[1].RunID != "r1" {
		t.Fatalf("wrong order: %s, %s", got[0].RunID, got[1].RunID)
	}
	if got[0].Trigger != "manual" || got[0].ExitCode != 2 || got[0].Error != "exit status 2" {
		t.Errorf("failed run not round-tripped: %+v", got[0])
	}
	if !got[1].StartedAt.Equal(base) {
		t.Errorf("started_at = %v, want %v", got[1].StartedAt, base)
	}

	all, err := st.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent(all): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Recent(all) returned %d runs, want 3", len(all))
	}
}

func TestRecentLimit(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		err := st.Append(ctx, Run{
			RunID:     "r" + string(rune('0'+i)),
			Job:       "scrape",
			Trigger:   "scheduled",
			StartedAt: time.Now().Add(time.Duration(i) * time.Minute),
			Status:    "ok",
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	got, err := st.Recent(ctx, "scrape", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("limit not applied, got %d runs", len(got))
	}
}
