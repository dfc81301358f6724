// Package storage is the durable capability-object store: an external
// collaborator that can outlive a kernel process. A capability granted with
// durable=true can still be Valid after an owning task dies; this package
// is where the bytes a durable capability refers to actually live, keyed by
// capability id. The kernel's own in-memory Authority Table stays
// authoritative for ownership and validity regardless of what's persisted
// here.
//
// Schema (BoltDB bucket layout):
//
//	/objects
//	    key:   capability id, big-endian uint64
//	    value: JSON-encoded Object
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent
//     writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//
// Failure modes:
//   - Database file corruption: bbolt detects via CRC and returns an error
//     on Open(). The driver refuses to start.
//   - Disk full: bbolt.Update() returns an error; the caller should treat a
//     durable write failure the same as any other StorageOps exhaustion.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/octokernel/octokernel.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketObjects = "objects"
	bucketMeta    = "meta"
)

// Object is the persisted form of a durable capability's backing data.
type Object struct {
	CapId     uint64    `json:"cap_id"`
	SchemaTag string    `json:"schema_tag"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DB wraps a BoltDB instance with typed accessors for durable capability
// objects.
type DB struct {
	db *bolt.DB
}

// Open opens (or creates) the BoltDB database at the given path. Initialises
// all required buckets and verifies the schema version. Returns an error if
// the database is corrupt or the schema is incompatible.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketObjects, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, driver requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

func capKey(capId uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, capId)
	return key
}

// PutObject writes or updates the backing object for a durable capability
// id. Uses a single ACID write transaction.
func (d *DB) PutObject(obj Object) error {
	obj.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("PutObject marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketObjects))
		return b.Put(capKey(obj.CapId), data)
	})
}

// GetObject retrieves the backing object for a capability id. Returns
// (nil, nil) if none exists.
func (d *DB) GetObject(capId uint64) (*Object, error) {
	var obj Object
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketObjects))
		data := b.Get(capKey(capId))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &obj)
	})
	if err != nil {
		return nil, fmt.Errorf("GetObject(%d): %w", capId, err)
	}
	if !found {
		return nil, nil
	}
	return &obj, nil
}

// DeleteObject removes the backing object for a capability id. Deleting a
// non-existent object is not an error: the Authority Table, not this store,
// is the source of truth for whether the capability itself still exists.
func (d *DB) DeleteObject(capId uint64) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketObjects))
		return b.Delete(capKey(capId))
	})
}

// ListObjects returns every persisted object, for operator inspection. Not
// called on the hot path.
func (d *DB) ListObjects() ([]Object, error) {
	var objs []Object
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketObjects))
		return b.ForEach(func(_, v []byte) error {
			var obj Object
			if err := json.Unmarshal(v, &obj); err != nil {
				return err
			}
			objs = append(objs, obj)
			return nil
		})
	})
	return objs, err
}
