package coordstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	bolt "go.etcd.io/bbolt"
)

var bucketKV = []byte("kv")

// record is the on-disk representation of one path: its raw bytes and
// its version counter. Version 0 means the path has never been
// written directly (it may still exist as an implicit directory node
// because some descendant path has been written).
type record struct {
	Data    []byte `json:"data"`
	Version int    `json:"version"`
}

// kvStore is the local, bbolt-backed applied state. It is only ever
// mutated from FSM.Apply, so it needs no internal locking beyond
// bbolt's own transaction isolation — grounds on pkg/storage/boltdb.go's
// bucket-per-entity, JSON-marshal-per-value pattern, generalized here
// to one bucket keyed by hierarchical path instead of one bucket per
// struct type.
type kvStore struct {
	db *bolt.DB
}

func newKVStore(path string) (*kvStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &kvStore{db: db}, nil
}

func (s *kvStore) Close() error { return s.db.Close() }

func normalize(path string) string {
	return strings.Trim(path, "/")
}

func (s *kvStore) get(tx *bolt.Tx, path string) (*record, bool) {
	b := tx.Bucket(bucketKV)
	raw := b.Get([]byte(normalize(path)))
	if raw == nil {
		return nil, false
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

// exists reports whether path is either a written key or an implicit
// directory (some key exists at or below path).
func (s *kvStore) exists(path string) bool {
	var found bool
	s.db.View(func(tx *bolt.Tx) error {
		if _, ok := s.get(tx, path); ok {
			found = true
			return nil
		}
		found = s.hasDescendant(tx, path)
		return nil
	})
	return found
}

func (s *kvStore) hasDescendant(tx *bolt.Tx, path string) bool {
	prefix := []byte(normalize(path) + "/")
	c := tx.Bucket(bucketKV).Cursor()
	k, _ := c.Seek(prefix)
	return k != nil && strings.HasPrefix(string(k), string(prefix))
}

// children returns the immediate child path segments of path.
func (s *kvStore) children(path string) []string {
	prefix := normalize(path)
	if prefix != "" {
		prefix += "/"
	}
	set := map[string]struct{}{}
	s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			rest := strings.TrimPrefix(string(k), prefix)
			if rest == "" {
				continue
			}
			seg := strings.SplitN(rest, "/", 2)[0]
			set[seg] = struct{}{}
		}
		return nil
	})
	out := make([]string, 0, len(set))
	for seg := range set {
		out = append(out, seg)
	}
	sort.Strings(out)
	return out
}

func (s *kvStore) read(path string) ([]byte, int, bool) {
	var rec *record
	var ok bool
	s.db.View(func(tx *bolt.Tx) error {
		rec, ok = s.get(tx, path)
		return nil
	})
	if !ok {
		return nil, 0, false
	}
	return rec.Data, rec.Version, true
}

// write applies one CAS write inside an already-open transaction.
// expectedVersion == 0 means "path must not yet carry data" (create);
// any other value must match the path's current version exactly, and
// the stored version becomes expectedVersion+1 on success.
func (s *kvStore) write(tx *bolt.Tx, path string, data []byte, expectedVersion int) error {
	b := tx.Bucket(bucketKV)
	key := []byte(normalize(path))

	existing, ok := s.get(tx, path)
	current := 0
	if ok {
		current = existing.Version
	}
	if current != expectedVersion {
		return ErrVersionConflict
	}

	rec := record{Data: data, Version: expectedVersion + 1}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}

// delete removes path. If recursive, it also removes every descendant
// key under path/.
func (s *kvStore) delete(tx *bolt.Tx, path string, recursive bool) error {
	b := tx.Bucket(bucketKV)
	key := normalize(path)

	if !recursive {
		return b.Delete([]byte(key))
	}

	prefix := []byte(key + "/")
	c := b.Cursor()
	var toDelete [][]byte
	for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
		toDelete = append(toDelete, append([]byte(nil), k...))
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return b.Delete([]byte(key))
}

// snapshotAll returns every stored (path, record) pair, used by
// FSM.Snapshot.
func (s *kvStore) snapshotAll() (map[string]record, error) {
	out := map[string]record{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out[string(k)] = rec
			return nil
		})
	})
	return out, err
}

// restoreAll replaces the bucket's contents with the given snapshot,
// used by FSM.Restore.
func (s *kvStore) restoreAll(data map[string]record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketKV); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketKV)
		if err != nil {
			return err
		}
		for path, rec := range data {
			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(path), raw); err != nil {
				return err
			}
		}
		return nil
	})
}
