package alias

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"codequarry/internal/fault"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "aliases"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCreateAndRead(t *testing.T) {
	s := newTestStore(t)

	if err := s.Create("acme-api", "/data/golden-repos/acme-api"); err != nil {
		t.Fatal(err)
	}
	got, err := s.Read("acme-api")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/data/golden-repos/acme-api" {
		t.Errorf("target = %q", got)
	}
}

func TestReadUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read("missing")
	if !errors.Is(err, fault.ErrAliasUnknown) {
		t.Fatalf("error = %v, want ErrAliasUnknown", err)
	}
}

func TestCreateExistingFails(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create("a", "/x"); err != nil {
		t.Fatal(err)
	}
	if err := s.Create("a", "/y"); err == nil {
		t.Fatal("expected error creating duplicate alias")
	}
	// Original mapping untouched.
	if got, _ := s.Read("a"); got != "/x" {
		t.Errorf("target = %q, want /x", got)
	}
}

func TestSwap(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create("a", "/data/golden-repos/a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Swap("a", "/data/golden-repos/a/.versioned/v_100"); err != nil {
		t.Fatal(err)
	}
	got, err := s.Read("a")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/data/golden-repos/a/.versioned/v_100" {
		t.Errorf("target = %q", got)
	}
}

func TestSwapUnknown(t *testing.T) {
	s := newTestStore(t)
	err := s.Swap("ghost", "/x")
	if !errors.Is(err, fault.ErrAliasUnknown) {
		t.Fatalf("error = %v, want ErrAliasUnknown", err)
	}
}

func TestSwapConcurrentReaders(t *testing.T) {
	s := newTestStore(t)
	old := "/data/golden-repos/a"
	next := "/data/golden-repos/a/.versioned/v_200"
	if err := s.Create("a", old); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Go(func() {
			for {
				select {
				case <-stop:
					return
				default:
				}
				got, err := s.Read("a")
				if err != nil {
					t.Errorf("Read during swap: %v", err)
					return
				}
				if got != old && got != next {
					t.Errorf("Read observed torn value %q", got)
					return
				}
			}
		})
	}

	for range 25 {
		if err := s.Swap("a", next); err != nil {
			t.Fatal(err)
		}
		next, old = old, next
	}
	close(stop)
	wg.Wait()
}

func TestDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create("a", "/x"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("a"); err != nil {
		t.Errorf("second delete should be a no-op, got %v", err)
	}
	if _, err := s.Read("a"); !errors.Is(err, fault.ErrAliasUnknown) {
		t.Errorf("error = %v, want ErrAliasUnknown", err)
	}
}

func TestListSkipsTempEntries(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"zoo", "acme-api", "lib"} {
		if err := s.Create(name, "/data/"+name); err != nil {
			t.Fatal(err)
		}
	}
	names, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"acme-api", "lib", "zoo"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestValidation(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"", ".", "..", "a/b", ".hidden"} {
		if err := s.Create(name, "/x"); !errors.Is(err, fault.ErrAliasInvalid) {
			t.Errorf("Create(%q) error = %v, want ErrAliasInvalid", name, err)
		}
	}
	if err := s.Create("ok", "relative/path"); !errors.Is(err, fault.ErrInvalidParameter) {
		t.Errorf("relative target error = %v, want ErrInvalidParameter", err)
	}
}
