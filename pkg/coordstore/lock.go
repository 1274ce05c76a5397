package coordstore

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Lock represents a held advisory lock. Release is idempotent so it
// can safely be called from a defer even after an earlier explicit
// release (spec §4.1: "guaranteed release on all exit paths").
type Lock struct {
	session  *Session
	path     string
	holderID string
	released bool
}

func lockPath(path string) string { return "locks/" + normalize(path) }

// acquire creates the ephemeral-style lock node under lockPath(path).
// Because the coordination store as implemented here has no native
// session-scoped ephemeral nodes, the lock node instead carries the
// holder's ID as its value and is released deterministically via
// Release/defer rather than by session teardown. Nothing reads the
// stored ID back: a lock left by a crashed holder stays in place until
// its key is deleted.
func acquire(s *Session, path string) (*Lock, error) {
	p := lockPath(path)
	holderID := uuid.New().String()

	err := s.Write([]WriteOp{{Path: p, Data: []byte(holderID), ExpectedVersion: 0}})
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	return &Lock{session: s, path: p, holderID: holderID}, nil
}

// Release drops the lock. Safe to call multiple times.
func (l *Lock) Release() error {
	if l.released {
		return nil
	}
	l.released = true
	return l.session.Delete(l.path, false)
}

// ExclusiveLock acquires a single mutually-exclusive lock at path,
// used for the primary-coordinator election lock and for
// domain.migrate_lock/<uuid>.
func (s *Session) ExclusiveLock(path string) (*Lock, error) {
	return acquire(s, path)
}

// WriteLock and ReadLock are the same ephemeral-create primitive at
// the byte level; the coordination store described in spec §4.1 does
// not distinguish reader/writer lock semantics beyond naming, so both
// are aliases over the same acquire path, consistent with how the
// per-node log ring (spec §5) is documented as guarded by "a
// write-lock on its key" rather than a true multi-reader lock.
func (s *Session) WriteLock(path string) (*Lock, error) { return acquire(s, path) }
func (s *Session) ReadLock(path string) (*Lock, error)  { return acquire(s, path) }

// TryExclusiveLock attempts the lock once without blocking, returning
// ok=false (not an error) if another holder currently has it.
func (s *Session) TryExclusiveLock(path string) (*Lock, bool, error) {
	lock, err := acquire(s, path)
	if err == nil {
		return lock, true, nil
	}
	if errors.Is(err, ErrVersionConflict) {
		return nil, false, nil
	}
	return nil, false, err
}
