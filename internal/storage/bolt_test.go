package storage

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPutGetObjectRoundTrip(t *testing.T) {
	db := openTestDB(t)
	obj := Object{CapId: 7, SchemaTag: "blob", Data: []byte("hello")}
	if err := db.PutObject(obj); err != nil {
		t.Fatalf("PutObject: %v", err)
	}

	got, err := db.GetObject(7)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if got == nil || string(got.Data) != "hello" || got.SchemaTag != "blob" {
		t.Fatalf("unexpected object: %+v", got)
	}
}

func TestGetObjectMissingReturnsNil(t *testing.T) {
	db := openTestDB(t)
	got, err := db.GetObject(999)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for a missing object, got %+v", got)
	}
}

func TestDeleteObject(t *testing.T) {
	db := openTestDB(t)
	if err := db.PutObject(Object{CapId: 1, Data: []byte("x")}); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if err := db.DeleteObject(1); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	got, err := db.GetObject(1)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if got != nil {
		t.Fatalf("expected object gone after delete")
	}
	// Deleting a non-existent object is not an error.
	if err := db.DeleteObject(1); err != nil {
		t.Fatalf("expected deleting an already-deleted object to be a no-op, got %v", err)
	}
}

func TestListObjects(t *testing.T) {
	db := openTestDB(t)
	for i := uint64(1); i <= 3; i++ {
		if err := db.PutObject(Object{CapId: i, Data: []byte("x")}); err != nil {
			t.Fatalf("PutObject %d: %v", i, err)
		}
	}
	objs, err := db.ListObjects()
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if len(objs) != 3 {
		t.Fatalf("expected 3 objects, got %d", len(objs))
	}
}

func TestReopenPreservesSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := db.PutObject(Object{CapId: 1, Data: []byte("x")}); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	got, err := db2.GetObject(1)
	if err != nil || got == nil {
		t.Fatalf("expected object to survive reopen, got %+v err=%v", got, err)
	}
}
