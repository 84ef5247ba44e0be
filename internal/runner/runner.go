package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"triggerd/internal/artifact"
	"triggerd/internal/secrets"
	"triggerd/pkg/logx"
)

// RunConfig carries everything one run needs. It is built per invocation and
// passed by value; the runner reads nothing from ambient globals, so two runs
// with the same RunConfig behave the same.
type RunConfig struct {
	Job     string
	RunID   string
	Trigger string // "scheduled" or "manual"

	Command   string
	Workdir   string
	Provision []string
	Secrets   []secrets.Ref
	Env       map[string]string

	PublishArtifacts bool
	Artifacts        []string
}

// Result reports one run's outcome. ExitCode is the script's exit status when
// the script ran and exited; -1 otherwise.
type Result struct {
	ExitCode int
	LogPath  string
	Stored   []string
	Took     time.Duration
	Err      error
}

func (r Result) OK() bool { return r.Err == nil }

// Stage errors let callers tell a pipeline failure apart from a script
// failure without parsing messages.
var (
	ErrSecrets   = errors.New("secret resolution failed")
	ErrProvision = errors.New("provisioning failed")
)

type Config struct {
	DataDir string // run logs live under <DataDir>/logs/<job>/
	Shell   string // defaults to sh
}

type Runner struct {
	cfg      Config
	resolver *secrets.Resolver
	store    *artifact.Store // nil disables artifact publication entirely
	log      logx.Logger
}

func New(cfg Config, resolver *secrets.Resolver, store *artifact.Store, log logx.Logger) *Runner {
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{cfg: cfg, resolver: resolver, store: store, log: log}
}

// Run executes one job: resolve secrets, provision, invoke the script,
// publish artifacts. Each stage aborts the run on failure; later stages do
// not start. Artifact publication is deferred so failed runs keep their logs
// too. There are no retries here; the scheduler owns retry policy.
func (r *Runner) Run(ctx context.Context, rc RunConfig) (res Result) {
	start := time.Now()
	res = Result{ExitCode: -1}

	logPath, f, err := r.openRunLog(rc)
	if err != nil {
		res.Err = err
		res.Took = time.Since(start)
		return res
	}
	res.LogPath = logPath
	defer f.Close()

	if rc.PublishArtifacts && r.store != nil {
		defer func() {
			stored, perr := r.store.Publish(rc.Job, rc.RunID, logPath, rc.Workdir, rc.Artifacts)
			if perr != nil {
				r.log.Warn("artifact publish failed",
					logx.String("job", rc.Job), logx.String("run_id", rc.RunID), logx.Err(perr))
				return
			}
			res.Stored = stored
		}()
	}

	fmt.Fprintf(f, "\n--- Run %s (%s, %s) started at %s ---\n",
		rc.RunID, rc.Job, rc.Trigger, start.UTC().Format(time.RFC3339))

	// Secrets resolve before any provisioning so a missing credential
	// costs nothing: no packages installed, no script started. Values
	// stay in this map and the child's environment only.
	secretEnv, err := r.resolver.Resolve(ctx, rc.Secrets)
	if err != nil {
		fmt.Fprintf(f, "--- Run %s aborted: %v ---\n", rc.RunID, err)
		res.Err = fmt.Errorf("%w: %v", ErrSecrets, err)
		res.Took = time.Since(start)
		return res
	}

	for i, step := range rc.Provision {
		if err := r.runStep(ctx, rc, f, step, nil); err != nil {
			fmt.Fprintf(f, "--- Run %s aborted: provision step %d: %v ---\n", rc.RunID, i+1, err)
			res.Err = fmt.Errorf("%w: step %d (%s): %v", ErrProvision, i+1, step, err)
			res.Took = time.Since(start)
			return res
		}
	}

	err = r.runStep(ctx, rc, f, rc.Command, secretEnv)
	res.Took = time.Since(start)
	if err != nil {
		res.ExitCode = exitCode(err)
		fmt.Fprintf(f, "--- Run %s failed: %v ---\n", rc.RunID, err)
		res.Err = err
		return res
	}

	res.ExitCode = 0
	fmt.Fprintf(f, "--- Run %s finished successfully ---\n", rc.RunID)
	return res
}

func (r *Runner) runStep(ctx context.Context, rc RunConfig, f *os.File, command string, secretEnv map[string]string) error {
	if command == "" {
		return errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, r.cfg.Shell, "-c", command)
	cmd.Dir = rc.Workdir
	cmd.Stdout = f
	cmd.Stderr = f

	env := os.Environ()
	for k, v := range rc.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range secretEnv {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	return cmd.Run()
}

func (r *Runner) openRunLog(rc RunConfig) (string, *os.File, error) {
	dir := filepath.Join(r.cfg.DataDir, "logs", rc.Job)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, rc.RunID+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("open run log: %w", err)
	}
	return path, f, nil
}

// exitCode extracts the child's exit status, or -1 when the process did not
// exit on its own (start failure, signal, context cancellation).
func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
