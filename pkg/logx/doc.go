// Package logx provides triggerd's structured logging facade.
//
// It wraps zerolog behind a small Logger type so components depend on a
// stable API while the Service re-points sinks (console, JSON file) and
// levels during config hot reload without invalidating existing loggers.
//
// Secret values (API keys injected into runs) must never be passed to a
// logger; callers log secret names or "set"/"unset" booleans only.
package logx
