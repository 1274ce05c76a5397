package schema

import (
	"fmt"

	"github.com/quorumhv/quorumhv/pkg/coordstore"
)

// Validate returns the base container paths that do not yet exist
// under the current schema.
func (r *Registry) Validate(s *coordstore.Session) ([]string, error) {
	var missing []string
	for _, name := range r.baseNames() {
		path, err := r.Path(name)
		if err != nil {
			return nil, err
		}
		ok, err := s.Exists(path)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, path)
		}
	}
	return missing, nil
}

// Apply creates every missing base container with an empty value, so
// Children() on it returns an empty list rather than erroring.
func (r *Registry) Apply(s *coordstore.Session) error {
	missing, err := r.Validate(s)
	if err != nil {
		return err
	}
	for _, path := range missing {
		if err := s.Write([]coordstore.WriteOp{{Path: path, Data: []byte{}, ExpectedVersion: 0}}); err != nil {
			return fmt.Errorf("apply schema path %s: %w", path, err)
		}
	}
	return nil
}

// delta is one declarative schema migration step.
type delta struct {
	add    []string // symbolic base names to create
	remove []string // concrete paths to delete
}

// deltas maps "from version" to the step that advances it by one.
// Empty for now: schema v0 is the only version this spec names, but
// the shape exists so a future v1 delta slots in without touching
// Migrate's control flow.
var deltas = map[Version]delta{}

// Migrate idempotently advances the store from `from` to `to`,
// applying each intermediate delta in turn. Safe to re-run: every step
// only adds keys that Validate would otherwise report missing, or
// removes keys that may already be gone.
func Migrate(s *coordstore.Session, from, to Version) error {
	for v := from; v < to; v++ {
		d, ok := deltas[v]
		if !ok {
			return fmt.Errorf("schema: no migration delta from version %d", v)
		}
		for _, name := range d.add {
			reg, err := NewRegistry(v + 1)
			if err != nil {
				return err
			}
			path, err := reg.Path(name)
			if err != nil {
				return err
			}
			exists, err := s.Exists(path)
			if err != nil {
				return err
			}
			if !exists {
				if err := s.Write([]coordstore.WriteOp{{Path: path, Data: []byte{}, ExpectedVersion: 0}}); err != nil {
					return fmt.Errorf("migrate add %s: %w", path, err)
				}
			}
		}
		for _, path := range d.remove {
			if err := s.Delete(path, true); err != nil {
				return fmt.Errorf("migrate remove %s: %w", path, err)
			}
		}
	}
	return nil
}
