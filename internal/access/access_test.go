package access

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "groups.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db, time.Now), db
}

func TestOpenSeedsDefaultGroup(t *testing.T) {
	store, _ := openTestStore(t)

	g, err := store.GetGroup(context.Background(), DefaultGroup)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if g == nil {
		t.Fatal("default group missing on fresh install")
	}
	if len(g.Members) != 0 {
		t.Errorf("default group members = %v, want empty", g.Members)
	}
}

func TestOpenTwiceKeepsDefaultGroup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "groups.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	store := NewStore(db, time.Now)
	if err := store.AssignUser(context.Background(), "alice", DefaultGroup); err != nil {
		t.Fatalf("AssignUser: %v", err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	store = NewStore(db, time.Now)
	g, err := store.GetGroup(context.Background(), DefaultGroup)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if len(g.Members) != 1 || g.Members[0] != "alice" {
		t.Errorf("members after reopen = %v, want [alice]; seed must not overwrite", g.Members)
	}
}

func TestAssignUserMovesBetweenGroups(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.PutGroup(ctx, "team-a", "first team"); err != nil {
		t.Fatalf("PutGroup: %v", err)
	}
	if err := store.PutGroup(ctx, "team-b", ""); err != nil {
		t.Fatalf("PutGroup: %v", err)
	}
	if err := store.AssignUser(ctx, "bob", "team-a"); err != nil {
		t.Fatalf("AssignUser: %v", err)
	}
	if err := store.AssignUser(ctx, "bob", "team-b"); err != nil {
		t.Fatalf("AssignUser move: %v", err)
	}

	group, err := store.GroupForUser(ctx, "bob")
	if err != nil {
		t.Fatalf("GroupForUser: %v", err)
	}
	if group != "team-b" {
		t.Errorf("GroupForUser = %q, want team-b", group)
	}
	a, err := store.GetGroup(ctx, "team-a")
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if len(a.Members) != 0 {
		t.Errorf("team-a still has members %v after move", a.Members)
	}
}

func TestAssignUserUnknownGroup(t *testing.T) {
	store, _ := openTestStore(t)

	if err := store.AssignUser(context.Background(), "bob", "nope"); err == nil {
		t.Error("AssignUser to unknown group returned nil error")
	}
}

func TestRemoveUser(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.PutGroup(ctx, "team", ""); err != nil {
		t.Fatalf("PutGroup: %v", err)
	}
	if err := store.AssignUser(ctx, "carol", "team"); err != nil {
		t.Fatalf("AssignUser: %v", err)
	}
	if err := store.RemoveUser(ctx, "carol"); err != nil {
		t.Fatalf("RemoveUser: %v", err)
	}
	group, err := store.GroupForUser(ctx, "carol")
	if err != nil {
		t.Fatalf("GroupForUser: %v", err)
	}
	if group != "" {
		t.Errorf("GroupForUser = %q after removal, want empty", group)
	}
}

func TestGrantsAndRevokes(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.PutGroup(ctx, "team", ""); err != nil {
		t.Fatalf("PutGroup: %v", err)
	}
	for _, alias := range []string{"repo-b", "repo-a"} {
		if err := store.GrantRepo(ctx, "team", alias); err != nil {
			t.Fatalf("GrantRepo %s: %v", alias, err)
		}
	}
	// Granting twice is a no-op.
	if err := store.GrantRepo(ctx, "team", "repo-a"); err != nil {
		t.Fatalf("GrantRepo twice: %v", err)
	}

	aliases, err := store.RepoAccess(ctx, "team")
	if err != nil {
		t.Fatalf("RepoAccess: %v", err)
	}
	if len(aliases) != 2 || aliases[0] != "repo-a" || aliases[1] != "repo-b" {
		t.Errorf("RepoAccess = %v, want [repo-a repo-b]", aliases)
	}

	if err := store.RevokeRepo(ctx, "team", "repo-a"); err != nil {
		t.Fatalf("RevokeRepo: %v", err)
	}
	aliases, err = store.RepoAccess(ctx, "team")
	if err != nil {
		t.Fatalf("RepoAccess: %v", err)
	}
	if len(aliases) != 1 || aliases[0] != "repo-b" {
		t.Errorf("RepoAccess after revoke = %v, want [repo-b]", aliases)
	}
}

func TestDeleteGroupCascadesGrants(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.PutGroup(ctx, "doomed", ""); err != nil {
		t.Fatalf("PutGroup: %v", err)
	}
	if err := store.GrantRepo(ctx, "doomed", "r"); err != nil {
		t.Fatalf("GrantRepo: %v", err)
	}
	if err := store.DeleteGroup(ctx, "doomed"); err != nil {
		t.Fatalf("DeleteGroup: %v", err)
	}
	aliases, err := store.RepoAccess(ctx, "doomed")
	if err != nil {
		t.Fatalf("RepoAccess: %v", err)
	}
	if len(aliases) != 0 {
		t.Errorf("grants survived group deletion: %v", aliases)
	}
}

func TestDeleteDefaultGroupRefused(t *testing.T) {
	store, _ := openTestStore(t)

	if err := store.DeleteGroup(context.Background(), DefaultGroup); err == nil {
		t.Error("deleting the default group returned nil error")
	}
}

func TestAuditRows(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for _, action := range []string{"one", "two", "three"} {
		if err := store.Audit(ctx, "alice", action, "d"); err != nil {
			t.Fatalf("Audit %s: %v", action, err)
		}
	}
	entries, err := store.RecentAudits(ctx, 2)
	if err != nil {
		t.Fatalf("RecentAudits: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("RecentAudits returned %d rows, want 2", len(entries))
	}
}
