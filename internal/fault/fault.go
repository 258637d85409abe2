// Package fault defines the error kinds shared across the server.
//
// Every kind carries a stable code of the form <SUBSYSTEM>-<CATEGORY>-<NNN>.
// User-facing operations propagate these errors verbatim (wrapped with %w for
// context). Optional observers (job tracker, audit log, sweep goroutines) are
// the only places where errors are swallowed, and the swallow site logs the
// code via Code().
package fault

import (
	"errors"
	"fmt"
)

// Error is a categorized error with a stable code.
type Error struct {
	Code string
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// New constructs an Error kind. Intended for package-level sentinels, not
// per-call-site errors; wrap a sentinel with fmt.Errorf("...: %w", kind)
// at the call site instead.
func New(code, msg string) *Error { return &Error{Code: code, Msg: msg} }

// Permission errors. Surfaced to the caller verbatim; never logged as
// server errors.
var (
	ErrUnauthenticated = New("AUTH-PERM-001", "unauthenticated")
	ErrForbidden       = New("AUTH-PERM-002", "forbidden")
)

// Input errors. Surfaced with invalid-argument semantics.
var (
	ErrAliasUnknown     = New("ALIAS-INPUT-001", "alias unknown")
	ErrAliasInvalid     = New("ALIAS-INPUT-002", "alias name invalid")
	ErrRepoUnknown      = New("REG-INPUT-001", "golden repo unknown")
	ErrHandleUnknown    = New("PAYLOAD-INPUT-001", "payload handle unknown")
	ErrHandleExpired    = New("PAYLOAD-INPUT-002", "payload handle expired")
	ErrInvalidParameter = New("CORE-INPUT-001", "invalid parameter")
	ErrUserUnknown      = New("IDENT-INPUT-001", "user unknown")
)

// Dependency errors. Propagate with a human-readable explanation; the
// multi-search path records them per alias instead of failing the request.
var (
	ErrBackendUnavailable  = New("SEARCH-DEP-001", "backend unavailable")
	ErrEmbeddingKeyMissing = New("SEARCH-DEP-002", "embedding api key missing")
	ErrGitCloneFailed      = New("GIT-DEP-001", "git clone failed")
	ErrAnalyzerUnavailable = New("ANALYZE-DEP-001", "analyzer unavailable")
)

// Conflict errors.
var (
	ErrRefreshInFlight = New("REFRESH-CONFLICT-001", "refresh already in flight")
)

// Programming-invariant and configuration errors. These fail loudly; callers
// must never downgrade them to a log line.
var (
	ErrNotVersioned        = New("CLEANUP-INVARIANT-001", "path is not a versioned snapshot")
	ErrDefaultGroupMissing = New("ACCESS-INVARIANT-001", "default group missing")
	ErrSettingsInvalid     = New("SETTINGS-INVARIANT-001", "settings invalid")
)

// Code returns the stable code of the innermost *Error in err's chain.
// Errors that carry no kind report CORE-UNKNOWN-000; swallow sites log
// that code rather than dropping the error silently.
func Code(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return "CORE-UNKNOWN-000"
}

// Wrapf attaches call-site context to a kind while keeping it matchable
// with errors.Is.
func Wrapf(kind *Error, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, kind)...)
}
