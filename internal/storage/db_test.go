package storage

import (
	"bytes"
	"errors"
	"testing"
)

// testDB runs the shared test suite against a DB implementation.
func testDB(t *testing.T, db DB) {
	t.Helper()

	t.Run("PutAndGet", func(t *testing.T) {
		if err := db.Put([]byte("key1"), []byte("value1")); err != nil {
			t.Fatalf("Put() error: %v", err)
		}
		val, err := db.Get([]byte("key1"))
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if !bytes.Equal(val, []byte("value1")) {
			t.Errorf("Get() = %q, want %q", val, "value1")
		}
	})

	t.Run("GetNonexistent", func(t *testing.T) {
		_, err := db.Get([]byte("nonexistent"))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() for missing key = %v, want ErrNotFound", err)
		}
	})

	t.Run("HasAndDelete", func(t *testing.T) {
		db.Put([]byte("exists"), []byte("yes"))
		ok, err := db.Has([]byte("exists"))
		if err != nil || !ok {
			t.Fatalf("Has() = %v, %v", ok, err)
		}
		if err := db.Delete([]byte("exists")); err != nil {
			t.Fatalf("Delete() error: %v", err)
		}
		ok, _ = db.Has([]byte("exists"))
		if ok {
			t.Error("Has() = true after Delete")
		}
	})

	t.Run("ForEachOrdered", func(t *testing.T) {
		db.Put([]byte("p/b"), []byte("2"))
		db.Put([]byte("p/a"), []byte("1"))
		db.Put([]byte("p/c"), []byte("3"))
		db.Put([]byte("q/a"), []byte("x"))

		var keys []string
		err := db.ForEach([]byte("p/"), func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != 3 || keys[0] != "p/a" || keys[2] != "p/c" {
			t.Errorf("keys = %v", keys)
		}

		stop := errors.New("stop")
		n := 0
		err = db.ForEach([]byte("p/"), func(_, _ []byte) error {
			n++
			return stop
		})
		if !errors.Is(err, stop) || n != 1 {
			t.Errorf("early stop: err=%v n=%d", err, n)
		}
	})

	t.Run("BatchCommit", func(t *testing.T) {
		db.Put([]byte("b/old"), []byte("x"))
		b := db.NewBatch()
		b.Put([]byte("b/1"), []byte("one"))
		b.Put([]byte("b/2"), []byte("two"))
		b.Delete([]byte("b/old"))

		if ok, _ := db.Has([]byte("b/1")); ok {
			t.Fatal("batch writes visible before Commit")
		}
		if err := b.Commit(); err != nil {
			t.Fatalf("Commit() error: %v", err)
		}
		b.Discard()

		for _, k := range []string{"b/1", "b/2"} {
			if ok, _ := db.Has([]byte(k)); !ok {
				t.Errorf("%s missing after Commit", k)
			}
		}
		if ok, _ := db.Has([]byte("b/old")); ok {
			t.Error("deleted key still present after Commit")
		}
	})

	t.Run("BatchDiscard", func(t *testing.T) {
		b := db.NewBatch()
		b.Put([]byte("d/1"), []byte("one"))
		b.Discard()
		if ok, _ := db.Has([]byte("d/1")); ok {
			t.Error("discarded write became visible")
		}
	})
}

func TestMemoryDB(t *testing.T) {
	db := NewMemory()
	defer db.Close()
	testDB(t, db)
}

func TestMemoryDB_GetReturnsCopy(t *testing.T) {
	db := NewMemory()
	db.Put([]byte("k"), []byte("abc"))
	v, _ := db.Get([]byte("k"))
	v[0] = 'z'
	again, _ := db.Get([]byte("k"))
	if string(again) != "abc" {
		t.Errorf("stored value mutated through Get result: %q", again)
	}
}

func TestBadgerDB(t *testing.T) {
	db, err := NewBadger(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	defer db.Close()
	testDB(t, db)
}

func TestBadgerDB_Persistence(t *testing.T) {
	dir := t.TempDir()
	db, err := NewBadger(dir)
	if err != nil {
		t.Fatal(err)
	}
	b := db.NewBatch()
	b.Put([]byte("persist"), []byte("me"))
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db2, err := NewBadger(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	val, err := db2.Get([]byte("persist"))
	if err != nil || string(val) != "me" {
		t.Errorf("Get() after reopen = %q, %v", val, err)
	}
}

func TestPrefixDB(t *testing.T) {
	inner := NewMemory()
	testDB(t, NewPrefixDB(inner, []byte("ns1/")))
}

func TestPrefixDB_Isolation(t *testing.T) {
	inner := NewMemory()
	a := NewPrefixDB(inner, []byte("a/"))
	b := NewPrefixDB(inner, []byte("b/"))

	a.Put([]byte("key"), []byte("from a"))
	if ok, _ := b.Has([]byte("key")); ok {
		t.Error("namespace b sees a's key")
	}
	if ok, _ := inner.Has([]byte("a/key")); !ok {
		t.Error("inner DB should hold the prefixed key")
	}

	batch := b.NewBatch()
	batch.Put([]byte("key"), []byte("from b"))
	if err := batch.Commit(); err != nil {
		t.Fatal(err)
	}
	v, _ := inner.Get([]byte("b/key"))
	if string(v) != "from b" {
		t.Errorf("inner b/key = %q", v)
	}

	var seen []string
	a.ForEach(nil, func(k, _ []byte) error {
		seen = append(seen, string(k))
		return nil
	})
	if len(seen) != 1 || seen[0] != "key" {
		t.Errorf("ForEach should strip the namespace, got %v", seen)
	}
}
