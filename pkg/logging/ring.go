package logging

import (
	"errors"
	"fmt"
	"strings"

	"github.com/quorumhv/quorumhv/pkg/coordstore"
	"github.com/quorumhv/quorumhv/pkg/schema"
)

// Ring is the bounded, newline-joined per-node log ring persisted in
// the coordination store (spec §4.3, §5's node_log_lines). Writes are
// serialized with a write-lock on the ring key so concurrent Appends
// from different goroutines (or, in principle, a stale second writer)
// never race on the read-modify-write cycle.
type Ring struct {
	session  *coordstore.Session
	registry *schema.Registry
	node     string
	maxLines int
}

func NewRing(session *coordstore.Session, registry *schema.Registry, node string, maxLines int) *Ring {
	if maxLines <= 0 {
		maxLines = 200
	}
	return &Ring{session: session, registry: registry, node: node, maxLines: maxLines}
}

// Append adds one line to the ring, dropping the oldest lines once the
// ring exceeds maxLines.
func (r *Ring) Append(line string) error {
	path, err := r.registry.Path("node.log_ring", r.node)
	if err != nil {
		return fmt.Errorf("log ring path: %w", err)
	}

	lock, err := r.session.WriteLock(path)
	if err != nil {
		return fmt.Errorf("lock log ring: %w", err)
	}
	defer lock.Release()

	data, version, err := r.session.Read(path)
	if err != nil {
		if !errors.Is(err, coordstore.ErrNotFound) {
			return err
		}
		version = 0
		data = nil
	}

	lines := splitLines(data)
	lines = append(lines, line)
	if len(lines) > r.maxLines {
		lines = lines[len(lines)-r.maxLines:]
	}

	joined := strings.Join(lines, "\n")
	return r.session.Write([]coordstore.WriteOp{{Path: path, Data: []byte(joined), ExpectedVersion: version}})
}

// Read returns the ring's current lines, oldest first.
func (r *Ring) Read() ([]string, error) {
	path, err := r.registry.Path("node.log_ring", r.node)
	if err != nil {
		return nil, fmt.Errorf("log ring path: %w", err)
	}
	data, _, err := r.session.Read(path)
	if err != nil {
		if errors.Is(err, coordstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return splitLines(data), nil
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	return strings.Split(string(data), "\n")
}
