// Package settings provides the flat configuration namespace for the server.
//
// Settings live in a single JSON file in the data directory. Every key can be
// overridden by an environment variable named CODEQUARRY_<KEY> (the key
// uppercased). The file is the durable layer; the environment wins at load
// time. There are no per-surface copies of any key: every component that
// needs a value reads it from the same Snapshot.
package settings

import (
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"codequarry/internal/fault"
)

// EnvPrefix is prepended to the uppercased key to form the override
// environment variable, e.g. refresh_interval_seconds becomes
// CODEQUARRY_REFRESH_INTERVAL_SECONDS.
const EnvPrefix = "CODEQUARRY_"

// Settings is one immutable snapshot of the flat key namespace.
type Settings struct {
	RefreshIntervalSeconds      int      `json:"refresh_interval_seconds"`
	RefreshTickSeconds          int      `json:"refresh_tick_seconds"`
	MultiSearchMaxWorkers       int      `json:"multi_search_max_workers"`
	MultiSearchTimeoutSeconds   int      `json:"multi_search_timeout_seconds"`
	IndexCacheTTLMinutes        int      `json:"index_cache_ttl_minutes"`
	FTSCacheReloadOnAccess      bool     `json:"fts_cache_reload_on_access"`
	PayloadCacheTTLSeconds      int      `json:"payload_cache_ttl_seconds"`
	PayloadCacheMaxEntries      int      `json:"payload_cache_max_entries"`
	PayloadFetchSizeBytes       int      `json:"payload_fetch_size_bytes"`
	PayloadPreviewSizeBytes     int      `json:"payload_preview_size_bytes"`
	MaxConcurrentBackgroundJobs int      `json:"max_concurrent_background_jobs"`
	SubprocessMaxWorkers        int      `json:"subprocess_max_workers"`
	AnalyzerRatePerMinute       int      `json:"analyzer_rate_per_minute"`
	JobRetentionHours           int      `json:"job_retention_hours"`
	GitCloneDepth               int      `json:"git_clone_depth"`
	SnapshotIgnoreGlobs         []string `json:"snapshot_ignore_globs"`
	EmbeddingAPIKey             string   `json:"embedding_api_key"`
}

// Defaults returns the settings applied on a fresh install.
func Defaults() Settings {
	return Settings{
		RefreshIntervalSeconds:      3600,
		RefreshTickSeconds:          30,
		MultiSearchMaxWorkers:       2,
		MultiSearchTimeoutSeconds:   30,
		IndexCacheTTLMinutes:        10,
		FTSCacheReloadOnAccess:      true,
		PayloadCacheTTLSeconds:      900,
		PayloadCacheMaxEntries:      256,
		PayloadFetchSizeBytes:       64 << 10,
		PayloadPreviewSizeBytes:     4 << 10,
		MaxConcurrentBackgroundJobs: 5,
		SubprocessMaxWorkers:        2,
		AnalyzerRatePerMinute:       6,
		JobRetentionHours:           24,
		GitCloneDepth:               0,
		SnapshotIgnoreGlobs:         []string{".git/**"},
	}
}

// Equal reports whether two snapshots hold the same values.
func (s Settings) Equal(o Settings) bool {
	if !slices.Equal(s.SnapshotIgnoreGlobs, o.SnapshotIgnoreGlobs) {
		return false
	}
	s.SnapshotIgnoreGlobs, o.SnapshotIgnoreGlobs = nil, nil
	return reflect.DeepEqual(s, o)
}

// Duration accessors. Components schedule from these, never from raw ints.

func (s Settings) RefreshInterval() time.Duration {
	return time.Duration(s.RefreshIntervalSeconds) * time.Second
}

func (s Settings) RefreshTick() time.Duration {
	return time.Duration(s.RefreshTickSeconds) * time.Second
}

func (s Settings) MultiSearchTimeout() time.Duration {
	return time.Duration(s.MultiSearchTimeoutSeconds) * time.Second
}

func (s Settings) IndexCacheTTL() time.Duration {
	return time.Duration(s.IndexCacheTTLMinutes) * time.Minute
}

func (s Settings) PayloadCacheTTL() time.Duration {
	return time.Duration(s.PayloadCacheTTLSeconds) * time.Second
}

func (s Settings) JobRetention() time.Duration {
	return time.Duration(s.JobRetentionHours) * time.Hour
}

// Validate checks value ranges. Zero or negative counts would deadlock
// worker pools, so validation refuses them outright instead of clamping.
func (s Settings) Validate() error {
	positive := map[string]int{
		"refresh_interval_seconds":       s.RefreshIntervalSeconds,
		"refresh_tick_seconds":           s.RefreshTickSeconds,
		"multi_search_max_workers":       s.MultiSearchMaxWorkers,
		"multi_search_timeout_seconds":   s.MultiSearchTimeoutSeconds,
		"index_cache_ttl_minutes":        s.IndexCacheTTLMinutes,
		"payload_cache_ttl_seconds":      s.PayloadCacheTTLSeconds,
		"payload_cache_max_entries":      s.PayloadCacheMaxEntries,
		"payload_fetch_size_bytes":       s.PayloadFetchSizeBytes,
		"payload_preview_size_bytes":     s.PayloadPreviewSizeBytes,
		"max_concurrent_background_jobs": s.MaxConcurrentBackgroundJobs,
		"subprocess_max_workers":         s.SubprocessMaxWorkers,
		"analyzer_rate_per_minute":       s.AnalyzerRatePerMinute,
		"job_retention_hours":            s.JobRetentionHours,
	}
	for key, v := range positive {
		if v <= 0 {
			return fault.Wrapf(fault.ErrSettingsInvalid, "%s must be positive, got %d", key, v)
		}
	}
	if s.GitCloneDepth < 0 {
		return fault.Wrapf(fault.ErrSettingsInvalid, "git_clone_depth must be >= 0, got %d", s.GitCloneDepth)
	}
	return nil
}

// envOverride binds one key to its setter. The table is explicit rather than
// reflective so that a grep for a key name finds every consumer.
type envOverride struct {
	key string
	set func(*Settings, string) error
}

func intSetter(dst func(*Settings) *int) func(*Settings, string) error {
	return func(s *Settings, raw string) error {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*dst(s) = v
		return nil
	}
}

var envOverrides = []envOverride{
	{"refresh_interval_seconds", intSetter(func(s *Settings) *int { return &s.RefreshIntervalSeconds })},
	{"refresh_tick_seconds", intSetter(func(s *Settings) *int { return &s.RefreshTickSeconds })},
	{"multi_search_max_workers", intSetter(func(s *Settings) *int { return &s.MultiSearchMaxWorkers })},
	{"multi_search_timeout_seconds", intSetter(func(s *Settings) *int { return &s.MultiSearchTimeoutSeconds })},
	{"index_cache_ttl_minutes", intSetter(func(s *Settings) *int { return &s.IndexCacheTTLMinutes })},
	{"fts_cache_reload_on_access", func(s *Settings, raw string) error {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		s.FTSCacheReloadOnAccess = v
		return nil
	}},
	{"payload_cache_ttl_seconds", intSetter(func(s *Settings) *int { return &s.PayloadCacheTTLSeconds })},
	{"payload_cache_max_entries", intSetter(func(s *Settings) *int { return &s.PayloadCacheMaxEntries })},
	{"payload_fetch_size_bytes", intSetter(func(s *Settings) *int { return &s.PayloadFetchSizeBytes })},
	{"payload_preview_size_bytes", intSetter(func(s *Settings) *int { return &s.PayloadPreviewSizeBytes })},
	{"max_concurrent_background_jobs", intSetter(func(s *Settings) *int { return &s.MaxConcurrentBackgroundJobs })},
	{"subprocess_max_workers", intSetter(func(s *Settings) *int { return &s.SubprocessMaxWorkers })},
	{"analyzer_rate_per_minute", intSetter(func(s *Settings) *int { return &s.AnalyzerRatePerMinute })},
	{"job_retention_hours", intSetter(func(s *Settings) *int { return &s.JobRetentionHours })},
	{"git_clone_depth", intSetter(func(s *Settings) *int { return &s.GitCloneDepth })},
	{"snapshot_ignore_globs", func(s *Settings, raw string) error {
		var globs []string
		for _, g := range strings.Split(raw, ",") {
			if g = strings.TrimSpace(g); g != "" {
				globs = append(globs, g)
			}
		}
		s.SnapshotIgnoreGlobs = globs
		return nil
	}},
	{"embedding_api_key", func(s *Settings, raw string) error {
		s.EmbeddingAPIKey = raw
		return nil
	}},
}

// applyEnv overlays environment overrides onto s. lookup is os.LookupEnv in
// production and a map in tests.
func applyEnv(s *Settings, lookup func(string) (string, bool)) error {
	for _, o := range envOverrides {
		name := EnvPrefix + strings.ToUpper(o.key)
		raw, ok := lookup(name)
		if !ok {
			continue
		}
		if err := o.set(s, raw); err != nil {
			return fault.Wrapf(fault.ErrSettingsInvalid, "parse %s=%q", name, raw)
		}
	}
	return nil
}

// FromEnv overlays process environment overrides onto s.
func FromEnv(s *Settings) error {
	return applyEnv(s, os.LookupEnv)
}

// String renders the snapshot for startup logging, with secrets elided.
func (s Settings) String() string {
	key := "unset"
	if s.EmbeddingAPIKey != "" {
		key = "set"
	}
	return fmt.Sprintf("interval=%s tick=%s workers=%d timeout=%s cache_ttl=%s embedding_key=%s",
		s.RefreshInterval(), s.RefreshTick(), s.MultiSearchMaxWorkers, s.MultiSearchTimeout(), s.IndexCacheTTL(), key)
}
