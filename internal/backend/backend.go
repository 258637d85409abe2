// Package backend defines the narrow surface between the server and the
// index implementations.
//
// The server never links an HNSW library or an FTS engine directly; it
// loads Index handles through a Backend and searches them. Real
// implementations live behind these interfaces, tests use fakes.
package backend

import (
	"context"
	"time"
)

// Index kinds a repo can enable.
const (
	KindVector   = "vector"
	KindFTS      = "fts"
	KindSCIP     = "scip"
	KindTemporal = "temporal"
)

// Kinds lists every known kind in presentation order.
func Kinds() []string {
	return []string{KindVector, KindFTS, KindSCIP, KindTemporal}
}

// ValidKind reports whether name is a known index kind.
func ValidKind(name string) bool {
	switch name {
	case KindVector, KindFTS, KindSCIP, KindTemporal:
		return true
	}
	return false
}

// Query is one search against one loaded index.
type Query struct {
	Text  string
	Limit int
	// PathGlob optionally narrows hits to matching file paths.
	PathGlob string
}

// Hit is one match from one index.
type Hit struct {
	Alias     string
	FilePath  string
	StartLine int
	EndLine   int
	Score     float64
	Snippet   string
	// Backend is the kind that produced the hit.
	Backend string
	// Metadata carries backend-specific extras (symbol names, chunk ids).
	Metadata map[string]any
}

// Index is a loaded, searchable handle over one snapshot directory.
type Index interface {
	Search(ctx context.Context, q Query) ([]Hit, error)
	// Reload picks up on-disk changes. The FTS cache calls this on access
	// when fts_cache_reload_on_access is set.
	Reload(ctx context.Context) error
	Close() error
}

// Health is the per-kind result of a health probe.
type Health struct {
	Kind    string
	OK      bool
	Detail  string
	Latency time.Duration
}

// Backend builds Index handles for snapshot directories of one kind.
type Backend interface {
	Kind() string
	// Load opens the index stored under dir. The returned handle is cached
	// by the server and shared across queries.
	Load(ctx context.Context, dir string) (Index, error)
	// Health probes whether dir holds a servable index of this kind.
	Health(ctx context.Context, dir string) Health
}

// Set is an immutable kind -> Backend lookup.
type Set struct {
	byKind map[string]Backend
}

// NewSet builds a set. Later entries with a duplicate kind win.
func NewSet(backends ...Backend) *Set {
	m := make(map[string]Backend, len(backends))
	for _, b := range backends {
		m[b.Kind()] = b
	}
	return &Set{byKind: m}
}

// Get returns the backend for kind, or nil.
func (s *Set) Get(kind string) Backend {
	return s.byKind[kind]
}

// ForKinds returns the backends for the requested kinds, skipping unknown
// names. An empty request means every backend in the set, in Kinds() order.
func (s *Set) ForKinds(kinds []string) []Backend {
	if len(kinds) == 0 {
		kinds = Kinds()
	}
	out := make([]Backend, 0, len(kinds))
	for _, k := range kinds {
		if b := s.byKind[k]; b != nil {
			out = append(out, b)
		}
	}
	return out
}
