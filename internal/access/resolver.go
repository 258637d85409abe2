package access

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"codequarry/internal/fault"
	"codequarry/internal/identity"
	"codequarry/internal/logging"
)

// UserDirectory is the slice of the identity store the resolver needs.
type UserDirectory interface {
	GetUser(ctx context.Context, username string) (*identity.User, error)
}

// AliasSource lists every registered alias. The registry store implements it.
type AliasSource interface {
	ListAliases(ctx context.Context) ([]string, error)
}

// Resolver answers "which aliases may this user query".
type Resolver struct {
	store   *Store
	users   UserDirectory
	aliases AliasSource
	logger  *slog.Logger
}

// NewResolver creates a resolver. A nil logger discards.
func NewResolver(store *Store, users UserDirectory, aliases AliasSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Resolver{
		store:   store,
		users:   users,
		aliases: aliases,
		logger:  logger.With("component", "access"),
	}
}

// Allowed resolves a user's alias set. The role comes from a fresh read of
// the user row on every call; a demotion takes effect on the next request,
// whatever any session or token still claims.
//
// Admins get the full registry set. Everyone else gets their group's grants
// (the default group when unassigned), intersected with requested when
// requested is non-empty.
func (r *Resolver) Allowed(ctx context.Context, username string, requested []string) ([]string, error) {
	user, err := r.users.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fault.Wrapf(fault.ErrUserUnknown, "resolve access for %q", username)
	}

	var allowed []string
	if user.Role == identity.RoleAdmin {
		allowed, err = r.aliases.ListAliases(ctx)
		if err != nil {
			return nil, err
		}
	} else {
		group, err := r.store.GroupForUser(ctx, username)
		if err != nil {
			return nil, err
		}
		if group == "" {
			g, err := r.store.GetGroup(ctx, DefaultGroup)
			if err != nil {
				return nil, err
			}
			if g == nil {
				return nil, fault.Wrapf(fault.ErrDefaultGroupMissing, "resolve access for %q", username)
			}
			group = DefaultGroup
		}
		allowed, err = r.store.RepoAccess(ctx, group)
		if err != nil {
			return nil, err
		}
		if len(requested) > 0 {
			allowed = intersect(allowed, requested)
		}
	}

	if err := r.store.Audit(ctx, username, "resolve_aliases", strings.Join(allowed, ",")); err != nil {
		r.logger.Warn("audit write failed",
			"user", username, "code", fault.Code(err), "error", err)
	}
	return allowed, nil
}

// intersect keeps the members of allowed that appear in requested,
// preserving allowed's order.
func intersect(allowed, requested []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if slices.Contains(requested, a) {
			out = append(out, a)
		}
	}
	return out
}
