// Command quorumhv-migrate is an offline maintenance tool for a node's
// applied.db, the bbolt file pkg/coordstore keeps its replicated
// key/value state in. It inspects the schema version recorded at
// config/schema_version and can rename a path prefix across every key
// in the "kv" bucket, the operation a future schema bump from v0 would
// need. Grounds its dry-run/backup-first workflow on
// cmd/warren-migrate/main.go, generalized from a fixed tasks→containers
// bucket copy to an arbitrary key-prefix rename over one shared bucket.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir     = flag.String("data-dir", "/var/lib/quorumhv", "node data directory (holds applied.db)")
	dryRun      = flag.Bool("dry-run", false, "show what would change without making changes")
	backupPath  = flag.String("backup", "", "path to back up applied.db before migrating (default: <data-dir>/applied.db.backup)")
	renameFrom  = flag.String("rename-from", "", "rename every key whose path starts with this prefix")
	renameTo    = flag.String("rename-to", "", "replacement prefix for --rename-from")
	reportOnly  = flag.Bool("report", false, "print the schema version and key count, then exit")
)

var bucketKV = []byte("kv")

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("quorumhv coordination-store migration tool")
	log.Println("===========================================")

	dbPath := filepath.Join(*dataDir, "applied.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("applied.db not found at %s", dbPath)
	}
	log.Printf("database: %s", dbPath)

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	version, count, err := inspect(db)
	if err != nil {
		log.Fatalf("inspect: %v", err)
	}
	log.Printf("schema version: %s", version)
	log.Printf("keys: %d", count)

	if *reportOnly {
		return
	}

	if *renameFrom == "" {
		log.Println("no --rename-from given, nothing to migrate")
		return
	}
	if *renameTo == "" {
		log.Fatal("--rename-to is required alongside --rename-from")
	}

	log.Printf("dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("create backup: %v", err)
		}
		log.Println("backup created")
	}

	renamed, err := renamePrefix(db, *renameFrom, *renameTo, *dryRun)
	if err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	if *dryRun {
		log.Printf("\ndry run complete: %d keys would be renamed from %q to %q", renamed, *renameFrom, *renameTo)
		log.Println("run without --dry-run to perform the migration")
		return
	}
	log.Printf("\nmigration complete: %d keys renamed from %q to %q", renamed, *renameFrom, *renameTo)
}

// inspect reads config/schema_version (written by pkg/schema.Registry.Apply)
// and counts the total number of keys in the kv bucket.
func inspect(db *bolt.DB) (version string, count int, err error) {
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		if b == nil {
			return fmt.Errorf("kv bucket not found; is this a quorumhv applied.db?")
		}
		if raw := b.Get([]byte("config/schema_version")); raw != nil {
			var rec struct {
				Data    []byte `json:"data"`
				Version int    `json:"version"`
			}
			if err := json.Unmarshal(raw, &rec); err == nil {
				version = string(rec.Data)
			}
		}
		if version == "" {
			version = "(unset)"
		}
		return b.ForEach(func(k, v []byte) error {
			count++
			return nil
		})
	})
	return version, count, err
}

// renamePrefix copies every key whose normalized path starts with from
// (or equals it exactly) to the same path with from replaced by to,
// preserving the original key as well so the migration can be rolled
// back by hand, matching the teacher's "old bucket kept for rollback"
// posture.
func renamePrefix(db *bolt.DB, from, to string, dryRun bool) (int, error) {
	from = strings.Trim(from, "/")
	to = strings.Trim(to, "/")

	var matches [][2][]byte
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		return b.ForEach(func(k, v []byte) error {
			key := string(k)
			if key == from || strings.HasPrefix(key, from+"/") {
				matches = append(matches, [2][]byte{append([]byte(nil), k...), append([]byte(nil), v...)})
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	if dryRun {
		for _, m := range matches {
			log.Printf("  would rename %q -> %q", string(m[0]), to+strings.TrimPrefix(string(m[0]), from))
		}
		return len(matches), nil
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		for _, m := range matches {
			newKey := to + strings.TrimPrefix(string(m[0]), from)
			if err := b.Put([]byte(newKey), m[1]); err != nil {
				return fmt.Errorf("write %s: %w", newKey, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
