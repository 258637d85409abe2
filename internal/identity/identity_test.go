package identity

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"codequarry/internal/fault"
	"codequarry/internal/registry"
)

func openTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := registry.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db, time.Now), db
}

func TestCreateAndAuthenticate(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	created, err := store.CreateUser(ctx, "alice", "s3cret", RoleAdmin)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if created.ID == "" {
		t.Error("expected non-empty user id")
	}

	u, err := store.Authenticate(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if u.Username != "alice" || u.Role != RoleAdmin {
		t.Errorf("Authenticate = %q/%q, want alice/admin", u.Username, u.Role)
	}

	if _, err := store.Authenticate(ctx, "alice", "wrong"); !errors.Is(err, fault.ErrUnauthenticated) {
		t.Errorf("wrong password: err = %v, want ErrUnauthenticated", err)
	}
	if _, err := store.Authenticate(ctx, "nobody", "s3cret"); !errors.Is(err, fault.ErrUnauthenticated) {
		t.Errorf("unknown user: err = %v, want ErrUnauthenticated", err)
	}
}

func TestCreateUserValidation(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, "", "pw", RoleUser); !errors.Is(err, fault.ErrInvalidParameter) {
		t.Errorf("empty username: err = %v, want ErrInvalidParameter", err)
	}
	if _, err := store.CreateUser(ctx, "bob", "pw", "superuser"); !errors.Is(err, fault.ErrInvalidParameter) {
		t.Errorf("bad role: err = %v, want ErrInvalidParameter", err)
	}
	if _, err := store.CreateUser(ctx, "bob", "pw", RoleUser); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := store.CreateUser(ctx, "bob", "pw2", RoleUser); err == nil {
		t.Error("duplicate username accepted")
	}
}

func TestGetUserMissing(t *testing.T) {
	store, _ := openTestStore(t)

	u, err := store.GetUser(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u != nil {
		t.Errorf("GetUser = %+v, want nil", u)
	}
}

func TestSetRoleVisibleImmediately(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, "carol", "pw", RoleUser); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := store.SetRole(ctx, "carol", RoleAdmin); err != nil {
		t.Fatalf("SetRole: %v", err)
	}
	u, err := store.GetUser(ctx, "carol")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Role != RoleAdmin {
		t.Errorf("Role = %q, want admin after SetRole", u.Role)
	}
	if err := store.SetRole(ctx, "ghost", RoleAdmin); !errors.Is(err, fault.ErrUserUnknown) {
		t.Errorf("SetRole unknown user: err = %v, want ErrUserUnknown", err)
	}
}

func TestSetPassword(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, "dave", "old", RoleUser); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := store.SetPassword(ctx, "dave", "new"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if _, err := store.Authenticate(ctx, "dave", "old"); err == nil {
		t.Error("old password still accepted")
	}
	if _, err := store.Authenticate(ctx, "dave", "new"); err != nil {
		t.Errorf("new password rejected: %v", err)
	}
}

func TestEnsureAdmin(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	created, err := store.EnsureAdmin(ctx, "admin", "bootstrap")
	if err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	if !created {
		t.Error("EnsureAdmin = false on fresh install, want true")
	}

	created, err = store.EnsureAdmin(ctx, "admin", "different")
	if err != nil {
		t.Fatalf("EnsureAdmin again: %v", err)
	}
	if created {
		t.Error("EnsureAdmin = true on second call, want false")
	}
	// The original password still works; EnsureAdmin never overwrites.
	if _, err := store.Authenticate(ctx, "admin", "bootstrap"); err != nil {
		t.Errorf("Authenticate after second EnsureAdmin: %v", err)
	}
}

func TestCredentialLifecycle(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, "erin", "pw", RoleUser); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	id, secret, err := store.CreateCredential(ctx, "erin")
	if err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}
	if id == "" || secret == "" {
		t.Fatal("expected non-empty credential id and secret")
	}

	u, err := store.VerifyCredentialSecret(ctx, id, secret)
	if err != nil {
		t.Fatalf("VerifyCredentialSecret: %v", err)
	}
	if u.Username != "erin" {
		t.Errorf("credential owner = %q, want erin", u.Username)
	}
	if _, err := store.VerifyCredentialSecret(ctx, id, "bogus"); !errors.Is(err, fault.ErrUnauthenticated) {
		t.Errorf("wrong secret: err = %v, want ErrUnauthenticated", err)
	}

	creds, err := store.ListCredentials(ctx, "erin")
	if err != nil {
		t.Fatalf("ListCredentials: %v", err)
	}
	if len(creds) != 1 || creds[0].ID != id {
		t.Errorf("ListCredentials = %v, want single credential %s", creds, id)
	}

	if err := store.RevokeCredential(ctx, id); err != nil {
		t.Fatalf("RevokeCredential: %v", err)
	}
	if _, err := store.VerifyCredentialSecret(ctx, id, secret); !errors.Is(err, fault.ErrUnauthenticated) {
		t.Errorf("revoked credential: err = %v, want ErrUnauthenticated", err)
	}
}

func TestCredentialForUnknownUser(t *testing.T) {
	store, _ := openTestStore(t)

	_, _, err := store.CreateCredential(context.Background(), "ghost")
	if !errors.Is(err, fault.ErrUserUnknown) {
		t.Errorf("err = %v, want ErrUserUnknown", err)
	}
}

func TestDeleteUserCascadesCredentials(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, "frank", "pw", RoleUser); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	id, _, err := store.CreateCredential(ctx, "frank")
	if err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}
	if err := store.DeleteUser(ctx, "frank"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	cred, err := store.GetCredential(ctx, id)
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if cred != nil {
		t.Errorf("credential survived user deletion: %+v", cred)
	}
}
