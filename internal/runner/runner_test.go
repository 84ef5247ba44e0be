package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"triggerd/internal/artifact"
	"triggerd/internal/secrets"
	"triggerd/pkg/logx"
)

func newTestRunner(t *testing.T, store *artifact.Store) *Runner {
	t.Helper()
	return New(Config{DataDir: t.TempDir()}, secrets.NewResolver(), store, logx.Nop())
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	return string(b)
}

func TestRunSuccess(t *testing.T) {
	r := newTestRunner(t, nil)
	res := r.Run(context.Background(), RunConfig{
		Job:     "echo",
		RunID:   "run-1",
		Trigger: "manual",
		Command: "echo hello",
	})
	if !res.OK() {
		t.Fatalf("run failed: %v", res.Err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	out := readLog(t, res.LogPath)
	if !strings.Contains(out, "hello") {
		t.Errorf("stdout not captured in run log:\n%s", out)
	}
	if !strings.Contains(out, "finished successfully") {
		t.Errorf("missing end marker:\n%s", out)
	}
}

func TestRunExitStatusPassThrough(t *testing.T) {
	r := newTestRunner(t, nil)
	res := r.Run(context.Background(), RunConfig{
		Job:     "fail",
		RunID:   "run-1",
		Trigger: "scheduled",
		Command: "exit 3",
	})
	if res.OK() {
		t.Fatal("run reported success for exit 3")
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestMissingSecretFailsBeforeProvision(t *testing.T) {
	r := newTestRunner(t, nil)
	marker := filepath.Join(t.TempDir(), "provisioned")
	res := r.Run(context.Background(), RunConfig{
		Job:       "scrape",
		RunID:     "run-1",
		Trigger:   "scheduled",
		Provision: []string{"touch " + marker},
		Secrets:   []secrets.Ref{{Env: "AIRTABLE_API_KEY", From: "env:TRIGGERD_TEST_ABSENT"}},
		Command:   "true",
	})
	if !errors.Is(res.Err, ErrSecrets) {
		t.Fatalf("err = %v, want ErrSecrets", res.Err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("provision ran despite missing secret")
	}
}

func TestProvisionFailurePreventsInvocation(t *testing.T) {
	r := newTestRunner(t, nil)
	marker := filepath.Join(t.TempDir(), "invoked")
	res := r.Run(context.Background(), RunConfig{
		Job:       "scrape",
		RunID:     "run-1",
		Trigger:   "scheduled",
		Provision: []string{"exit 1"},
		Command:   "touch " + marker,
	})
	if !errors.Is(res.Err, ErrProvision) {
		t.Fatalf("err = %v, want ErrProvision", res.Err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("script ran despite provision failure")
	}
}

func TestSecretInjectedIntoScriptEnv(t *testing.T) {
	t.Setenv("TRIGGERD_TEST_TOKEN", "tok-123")
	r := newTestRunner(t, nil)
	res := r.Run(context.Background(), RunConfig{
		Job:     "scrape",
		RunID:   "run-1",
		Trigger: "manual",
		Secrets: []secrets.Ref{{Env: "AIRTABLE_API_KEY", From: "env:TRIGGERD_TEST_TOKEN"}},
		Command: `test "$AIRTABLE_API_KEY" = "tok-123"`,
	})
	if !res.OK() {
		t.Fatalf("secret not visible to script: %v", res.Err)
	}
}

func TestJobEnvInjected(t *testing.T) {
	r := newTestRunner(t, nil)
	res := r.Run(context.Background(), RunConfig{
		Job:     "env",
		RunID:   "run-1",
		Trigger: "manual",
		Env:     map[string]string{"PYTHONUNBUFFERED": "1"},
		Command: `test "$PYTHONUNBUFFERED" = "1"`,
	})
	if !res.OK() {
		t.Fatalf("job env not visible to script: %v", res.Err)
	}
}

func TestArtifactsPublishedOnFailure(t *testing.T) {
	store := artifact.New(t.TempDir(), 0, logx.Nop())
	r := newTestRunner(t, store)
	work := t.TempDir()
	res := r.Run(context.Background(), RunConfig{
		Job:              "scrape",
		RunID:            "run-1",
		Trigger:          "scheduled",
		Workdir:          work,
		Command:          "echo partial > out.csv; exit 2",
		PublishArtifacts: true,
		Artifacts:        []string{"*.csv"},
	})
	if res.OK() {
		t.Fatal("run reported success")
	}
	if len(res.Stored) != 2 {
		t.Fatalf("stored %d artifacts, want run log + out.csv: %v", len(res.Stored), res.Stored)
	}
}

func TestArtifactsSkippedWhenDisabled(t *testing.T) {
	store := artifact.New(t.TempDir(), 0, logx.Nop())
	r := newTestRunner(t, store)
	work := t.TempDir()
	res := r.Run(context.Background(), RunConfig{
		Job:       "scrape",
		RunID:     "run-1",
		Trigger:   "scheduled",
		Workdir:   work,
		Command:   "echo done > out.csv",
		Artifacts: []string{"*.csv"},
	})
	if !res.OK() {
		t.Fatalf("run failed: %v", res.Err)
	}
	if len(res.Stored) != 0 {
		t.Errorf("artifacts published with publication disabled: %v", res.Stored)
	}
	entries, _ := os.ReadDir(store.Dir())
	if len(entries) != 0 {
		t.Errorf("artifact store not empty: %v", entries)
	}
}

func TestRunHonorsContextCancellation(t *testing.T) {
	r := newTestRunner(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	res := r.Run(ctx, RunConfig{
		Job:     "sleep",
		RunID:   "run-1",
		Trigger: "manual",
		Command: "sleep 30",
	})
	if res.OK() {
		t.Fatal("run survived context cancellation")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancellation did not stop the script promptly")
	}
	if res.ExitCode == 0 {
		t.Errorf("exit code = %d, want nonzero sentinel", res.ExitCode)
	}
}
