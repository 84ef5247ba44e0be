package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"triggerd/pkg/logx"
)

// Store keeps published run artifacts on disk under
// <dir>/<job>/<run-id>/<file>. Publication is best-effort per file: one
// unreadable artifact does not fail the others, but an unwritable store does.
type Store struct {
	dir string
	log logx.Logger

	mu        sync.Mutex
	retention time.Duration
}

func New(dir string, retention time.Duration, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{dir: dir, retention: retention, log: log}
}

func (s *Store) Dir() string { return s.dir }

// SetRetention adjusts the purge window at runtime. Changing the directory
// requires a restart.
func (s *Store) SetRetention(d time.Duration) {
	s.mu.Lock()
	s.retention = d
	s.mu.Unlock()
}

// Publish copies the run log plus all files matching patterns (globs relative
// to workdir) into the store. It returns the stored paths.
//
// Publish runs on run end regardless of the run's outcome; failure logs are
// exactly the ones worth keeping.
func (s *Store) Publish(job, runID, logPath, workdir string, patterns []string) ([]string, error) {
	dest := filepath.Join(s.dir, job, runID)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}

	var stored []string
	if logPath != "" {
		if p, err := s.copyIn(dest, logPath); err != nil {
			s.log.Warn("artifact copy failed",
				logx.String("job", job), logx.String("src", logPath), logx.Err(err))
		} else {
			stored = append(stored, p)
		}
	}

	for _, pat := range patterns {
		matches, err := filepath.Glob(filepath.Join(workdir, pat))
		if err != nil {
			s.log.Warn("bad artifact pattern",
				logx.String("job", job), logx.String("pattern", pat), logx.Err(err))
			continue
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.IsDir() {
				continue
			}
			p, err := s.copyIn(dest, m)
			if err != nil {
				s.log.Warn("artifact copy failed",
					logx.String("job", job), logx.String("src", m), logx.Err(err))
				continue
			}
			stored = append(stored, p)
		}
	}
	return stored, nil
}

func (s *Store) copyIn(destDir, src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	dst := filepath.Join(destDir, filepath.Base(src))
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dst, nil
}

// PurgeOld removes stored artifacts older than the retention window and
// prunes directories left empty. Zero retention disables purging.
func (s *Store) PurgeOld() {
	s.mu.Lock()
	retention := s.retention
	s.mu.Unlock()
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)
	purged := 0

	_ = filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				purged++
			}
		}
		return nil
	})

	s.pruneEmptyDirs()

	if purged > 0 {
		s.log.Info("purged old artifacts", logx.Int("count", purged))
	}
}

func (s *Store) pruneEmptyDirs() {
	// Two passes: run dirs first, then job dirs.
	for i := 0; i < 2; i++ {
		var empty []string
		_ = filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
			if err != nil || !d.IsDir() || path == s.dir {
				return nil
			}
			entries, err := os.ReadDir(path)
			if err == nil && len(entries) == 0 {
				empty = append(empty, path)
			}
			return nil
		})
		for _, p := range empty {
			_ = os.Remove(p)
		}
	}
}
