package access

import (
	"context"
	"errors"
	"testing"

	"codequarry/internal/fault"
	"codequarry/internal/identity"
)

// fakeDirectory serves user rows from a map, counting reads.
type fakeDirectory struct {
	users map[string]*identity.User
	reads int
}

func (d *fakeDirectory) GetUser(_ context.Context, username string) (*identity.User, error) {
	d.reads++
	return d.users[username], nil
}

type fakeAliases struct {
	all []string
}

func (a *fakeAliases) ListAliases(context.Context) ([]string, error) {
	return a.all, nil
}

func newTestResolver(t *testing.T, users map[string]*identity.User, all []string) (*Resolver, *Store, *fakeDirectory) {
	t.Helper()
	store, _ := openTestStore(t)
	dir := &fakeDirectory{users: users}
	return NewResolver(store, dir, &fakeAliases{all: all}, nil), store, dir
}

func TestAllowedAdminGetsFullSet(t *testing.T) {
	r, _, _ := newTestResolver(t,
		map[string]*identity.User{"root": {Username: "root", Role: identity.RoleAdmin}},
		[]string{"a", "b", "c"})

	allowed, err := r.Allowed(context.Background(), "root", []string{"a"})
	if err != nil {
		t.Fatalf("Allowed: %v", err)
	}
	if len(allowed) != 3 {
		t.Errorf("Allowed = %v, want full registry set", allowed)
	}
}

func TestAllowedGroupMemberIntersectsRequested(t *testing.T) {
	r, store, _ := newTestResolver(t,
		map[string]*identity.User{"bob": {Username: "bob", Role: identity.RoleUser}},
		[]string{"a", "b", "c"})
	ctx := context.Background()

	if err := store.PutGroup(ctx, "team", ""); err != nil {
		t.Fatalf("PutGroup: %v", err)
	}
	if err := store.AssignUser(ctx, "bob", "team"); err != nil {
		t.Fatalf("AssignUser: %v", err)
	}
	for _, alias := range []string{"a", "b"} {
		if err := store.GrantRepo(ctx, "team", alias); err != nil {
			t.Fatalf("GrantRepo: %v", err)
		}
	}

	allowed, err := r.Allowed(ctx, "bob", nil)
	if err != nil {
		t.Fatalf("Allowed: %v", err)
	}
	if len(allowed) != 2 {
		t.Errorf("Allowed = %v, want [a b]", allowed)
	}

	allowed, err = r.Allowed(ctx, "bob", []string{"b", "c"})
	if err != nil {
		t.Fatalf("Allowed with requested: %v", err)
	}
	if len(allowed) != 1 || allowed[0] != "b" {
		t.Errorf("Allowed = %v, want [b]", allowed)
	}
}

func TestAllowedUnassignedUserFallsBackToDefault(t *testing.T) {
	r, store, _ := newTestResolver(t,
		map[string]*identity.User{"carol": {Username: "carol", Role: identity.RoleUser}},
		[]string{"a", "b"})
	ctx := context.Background()

	if err := store.GrantRepo(ctx, DefaultGroup, "a"); err != nil {
		t.Fatalf("GrantRepo: %v", err)
	}
	allowed, err := r.Allowed(ctx, "carol", nil)
	if err != nil {
		t.Fatalf("Allowed: %v", err)
	}
	if len(allowed) != 1 || allowed[0] != "a" {
		t.Errorf("Allowed = %v, want [a] from default group", allowed)
	}
}

func TestAllowedMissingDefaultGroupFailsLoudly(t *testing.T) {
	r, store, _ := newTestResolver(t,
		map[string]*identity.User{"dave": {Username: "dave", Role: identity.RoleUser}},
		nil)
	ctx := context.Background()

	// Simulate an operator deleting the row out from under us.
	if _, err := store.db.ExecContext(ctx,
		"DELETE FROM groups WHERE group_name = ?", DefaultGroup); err != nil {
		t.Fatalf("delete default group: %v", err)
	}

	_, err := r.Allowed(ctx, "dave", nil)
	if !errors.Is(err, fault.ErrDefaultGroupMissing) {
		t.Errorf("err = %v, want ErrDefaultGroupMissing", err)
	}
}

func TestAllowedUnknownUser(t *testing.T) {
	r, _, _ := newTestResolver(t, map[string]*identity.User{}, nil)

	_, err := r.Allowed(context.Background(), "ghost", nil)
	if !errors.Is(err, fault.ErrUserUnknown) {
		t.Errorf("err = %v, want ErrUserUnknown", err)
	}
}

func TestAllowedRereadsRoleEachCall(t *testing.T) {
	users := map[string]*identity.User{
		"erin": {Username: "erin", Role: identity.RoleUser},
	}
	r, _, dir := newTestResolver(t, users, []string{"a", "b"})
	ctx := context.Background()

	if _, err := r.Allowed(ctx, "erin", nil); err != nil {
		t.Fatalf("Allowed: %v", err)
	}

	// Promote between calls; the next resolution must see admin.
	users["erin"] = &identity.User{Username: "erin", Role: identity.RoleAdmin}
	allowed, err := r.Allowed(ctx, "erin", nil)
	if err != nil {
		t.Fatalf("Allowed after promotion: %v", err)
	}
	if len(allowed) != 2 {
		t.Errorf("Allowed = %v, want full set after promotion", allowed)
	}
	if dir.reads != 2 {
		t.Errorf("user row read %d times, want one read per call", dir.reads)
	}
}
