package config

import (
	"reflect"
	"sort"
	"strings"

	"triggerd/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections, safe structured
// attrs for logging (never secret values or tokens), and the names of jobs
// whose definition changed.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.String("scheduler.default_timeout", strings.TrimSpace(newCfg.Scheduler.DefaultTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Runner, newCfg.Runner) {
		changed = append(changed, "runner")
		attrs = append(attrs,
			logx.String("runner.data_dir", strings.TrimSpace(newCfg.Runner.DataDir)),
			logx.String("runner.shell", strings.TrimSpace(newCfg.Runner.Shell)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Artifacts, newCfg.Artifacts) {
		changed = append(changed, "artifacts")
		attrs = append(attrs,
			logx.String("artifacts.dir", strings.TrimSpace(newCfg.Artifacts.Dir)),
			logx.String("artifacts.retention", strings.TrimSpace(newCfg.Artifacts.Retention)),
		)
	}

	if !reflect.DeepEqual(derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)) {
		changed = append(changed, "storage")
		s := derefStorage(newCfg.Storage)
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(s.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(s.Path) != ""),
		)
	}

	// API: never log the token itself, only whether one is set.
	oAPI, nAPI := derefAPI(oldCfg.API), derefAPI(newCfg.API)
	if oAPI != nAPI {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", nAPI.Enabled),
			logx.String("api.addr", strings.TrimSpace(nAPI.Addr)),
			logx.Bool("api.token_set", strings.TrimSpace(nAPI.Token) != ""),
		)
	}

	oN, nN := derefNotify(oldCfg.Notify), derefNotify(newCfg.Notify)
	if oN != nN {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", nN.Enabled),
			logx.Bool("notify.token_set", strings.TrimSpace(nN.Token) != ""),
			logx.Bool("notify.chat_set", nN.ChatID != 0),
		)
	}

	jobsChanged := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobsChanged) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(jobsChanged)),
			logx.Int("jobs.enabled_count", countEnabledJobs(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefAPI(a *APIConfig) APIConfig {
	if a == nil {
		return APIConfig{}
	}
	return *a
}

func derefNotify(n *NotifyConfig) NotifyConfig {
	if n == nil {
		return NotifyConfig{}
	}
	return *n
}

func countEnabledJobs(jobs []JobConfig) int {
	n := 0
	for i := range jobs {
		if jobs[i].Enabled {
			n++
		}
	}
	return n
}

func diffJobs(oldJobs, newJobs []JobConfig) []string {
	oldM := make(map[string]JobConfig, len(oldJobs))
	for _, j := range oldJobs {
		oldM[j.Name] = j
	}
	newM := make(map[string]JobConfig, len(newJobs))
	for _, j := range newJobs {
		newM[j.Name] = j
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if !inOld || !inNew || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
