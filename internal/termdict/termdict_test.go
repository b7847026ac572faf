package termdict

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/kvdb"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
)

func TestAssignIsDenseAndStable(t *testing.T) {
	for _, backend := range []string{kvdb.Bolt, kvdb.Badger} {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "terms.db")
			d, err := Open(backend, path)
			if err != nil {
				t.Fatal(err)
			}
			for i, term := range []string{"search", "engine", "search", "index"} {
				id, err := d.Assign(term)
				if err != nil {
					t.Fatal(err)
				}
				want := map[int]uint32{0: 0, 1: 1, 2: 0, 3: 2}[i]
				if id != want {
					t.Errorf("Assign(%q) = %d, want %d", term, id, want)
				}
			}
			if err := d.AddDocument([]uint32{0, 1, 0}); err != nil {
				t.Fatal(err)
			}
			if err := d.AddDocument([]uint32{0, 2}); err != nil {
				t.Fatal(err)
			}
			if err := d.Close(); err != nil {
				t.Fatal(err)
			}

			d, err = Open(backend, path)
			if err != nil {
				t.Fatal(err)
			}
			defer d.Close()
			if d.Len() != 3 || d.DocCount() != 2 {
				t.Fatalf("reloaded Len=%d DocCount=%d", d.Len(), d.DocCount())
			}
			if id, err := d.Lookup("engine"); err != nil || id != 1 {
				t.Errorf("Lookup(engine) = %d, %v", id, err)
			}
			if term, ok := d.Term(2); !ok || term != "index" {
				t.Errorf("Term(2) = %q", term)
			}
			if d.DocFreq(0) != 2 || d.DocFreq(1) != 1 {
				t.Errorf("DocFreq = %d, %d", d.DocFreq(0), d.DocFreq(1))
			}
			if d.IDF(1) <= d.IDF(0) {
				t.Error("rarer term must have the larger idf")
			}
			if _, err := d.Lookup("missing"); !errors.Is(err, apperrors.ErrTermNotFound) {
				t.Errorf("Lookup(missing) err = %v", err)
			}
		})
	}
}

func TestFreezeIsPermanent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terms.db")
	d, err := Open(kvdb.Bolt, path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Assign("a"); err != nil {
		t.Fatal(err)
	}
	if err := d.Freeze(); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Assign("a"); err != nil {
		t.Errorf("existing term rejected after freeze: %v", err)
	}
	if _, err := d.Assign("b"); !errors.Is(err, ErrFrozen) {
		t.Errorf("Assign after freeze err = %v", err)
	}
	if err := d.AddDocument([]uint32{0}); !errors.Is(err, ErrFrozen) {
		t.Errorf("AddDocument after freeze err = %v", err)
	}
	d.Close()

	d, err = Open(kvdb.Bolt, path)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if !d.Frozen() {
		t.Error("freeze not persisted")
	}
}

func TestConcurrentAssign(t *testing.T) {
	d, err := Open(kvdb.Bolt, filepath.Join(t.TempDir(), "terms.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	terms := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, term := range terms {
				if _, err := d.Assign(term); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()
	if d.Len() != len(terms) {
		t.Fatalf("Len() = %d, want %d", d.Len(), len(terms))
	}
	seen := map[uint32]bool{}
	for _, term := range terms {
		id, _ := d.Lookup(term)
		if seen[id] || int(id) >= len(terms) {
			t.Errorf("id %d for %q is not dense and unique", id, term)
		}
		seen[id] = true
	}
}
