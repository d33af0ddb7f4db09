package storage

import (
	"errors"
	"fmt"
	"testing"
)

func testDatabases(t *testing.T) map[string]Database {
	t.Helper()
	ldb, err := NewLevelDB(t.TempDir())
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	t.Cleanup(ldb.Close)
	return map[string]Database{
		"memdb":   NewMemDB(),
		"leveldb": ldb,
	}
}

func TestPutGetDelete(t *testing.T) {
	for name, db := range testDatabases(t) {
		t.Run(name, func(t *testing.T) {
			key := []byte("billing/record/abc")

			if _, err := db.Get(key); !errors.Is(err, ErrKeyNotFound) {
				t.Fatalf("get missing key err = %v, want ErrKeyNotFound", err)
			}
			if err := db.Put(key, []byte("v1")); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, err := db.Get(key)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if string(got) != "v1" {
				t.Fatalf("get = %q, want %q", got, "v1")
			}
			if err := db.Put(key, []byte("v2")); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, err = db.Get(key)
			if err != nil {
				t.Fatalf("get after overwrite: %v", err)
			}
			if string(got) != "v2" {
				t.Fatalf("get = %q, want %q", got, "v2")
			}
			if err := db.Delete(key); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := db.Get(key); !errors.Is(err, ErrKeyNotFound) {
				t.Fatalf("get deleted key err = %v, want ErrKeyNotFound", err)
			}
		})
	}
}

func TestIterateHonorsPrefixAndOrder(t *testing.T) {
	for name, db := range testDatabases(t) {
		t.Run(name, func(t *testing.T) {
			entries := map[string]string{
				"billing/record/b":  "2",
				"billing/record/a":  "1",
				"billing/record/c":  "3",
				"billing/account/x": "ignored",
				"other/record/a":    "ignored",
			}
			for k, v := range entries {
				if err := db.Put([]byte(k), []byte(v)); err != nil {
					t.Fatalf("put %s: %v", k, err)
				}
			}

			var keys []string
			err := db.Iterate([]byte("billing/record/"), func(key, value []byte) (bool, error) {
				keys = append(keys, string(key))
				return true, nil
			})
			if err != nil {
				t.Fatalf("iterate: %v", err)
			}
			want := []string{"billing/record/a", "billing/record/b", "billing/record/c"}
			if len(keys) != len(want) {
				t.Fatalf("visited %v, want %v", keys, want)
			}
			for i := range want {
				if keys[i] != want[i] {
					t.Fatalf("visited %v, want %v", keys, want)
				}
			}
		})
	}
}

func TestIterateStopsAndPropagatesErrors(t *testing.T) {
	for name, db := range testDatabases(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				if err := db.Put([]byte(fmt.Sprintf("k/%d", i)), []byte{byte(i)}); err != nil {
					t.Fatalf("put: %v", err)
				}
			}

			visits := 0
			if err := db.Iterate([]byte("k/"), func(key, value []byte) (bool, error) {
				visits++
				return visits < 2, nil
			}); err != nil {
				t.Fatalf("iterate: %v", err)
			}
			if visits != 2 {
				t.Fatalf("visits = %d, want 2", visits)
			}

			sentinel := errors.New("stop")
			if err := db.Iterate([]byte("k/"), func(key, value []byte) (bool, error) {
				return true, sentinel
			}); !errors.Is(err, sentinel) {
				t.Fatalf("iterate err = %v, want sentinel", err)
			}
		})
	}
}

func TestLevelDBPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := NewLevelDB(dir)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	if err := db.Put([]byte("key"), []byte("value")); err != nil {
		t.Fatalf("put: %v", err)
	}
	db.Close()

	reopened, err := NewLevelDB(dir)
	if err != nil {
		t.Fatalf("reopen leveldb: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Get([]byte("key"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "value" {
		t.Fatalf("get = %q, want %q", got, "value")
	}
}
