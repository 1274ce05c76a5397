package coordstore

import (
	"context"
	"net"
	"testing"
	"time"
)

// freePort finds an unused TCP port on localhost so each test gets its
// own raft transport address without colliding with a previous test's
// still-shutting-down listener.
func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

// newTestSession bootstraps a single-node coordination store in a
// temporary directory and waits for it to become its own raft leader,
// which a single-node bootstrap always converges to quickly.
func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := Connect(Config{
		NodeID:   "test-node",
		BindAddr: freePort(t),
		DataDir:  t.TempDir(),
		Voter:    true,
	}, true)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { s.Shutdown() })

	deadline := time.Now().Add(5 * time.Second)
	for !s.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("session never became leader")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return s
}

func TestWriteReadRoundtrip(t *testing.T) {
	s := newTestSession(t)

	if err := s.Write([]WriteOp{{Path: "nodes/hv1/state/daemon", Data: []byte("run"), ExpectedVersion: 0}}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	data, version, err := s.Read("nodes/hv1/state/daemon")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(data) != "run" {
		t.Errorf("Read() data = %q, want %q", data, "run")
	}
	if version != 1 {
		t.Errorf("Read() version = %d, want 1", version)
	}
}

func TestReadMissingPathReturnsErrNotFound(t *testing.T) {
	s := newTestSession(t)

	if _, _, err := s.Read("nodes/does-not-exist/state/daemon"); err != ErrNotFound {
		t.Errorf("Read() error = %v, want %v", err, ErrNotFound)
	}
}

func TestWriteRejectsStaleVersion(t *testing.T) {
	s := newTestSession(t)

	if err := s.Write([]WriteOp{{Path: "nodes/hv1/state/daemon", Data: []byte("run"), ExpectedVersion: 0}}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	err := s.Write([]WriteOp{{Path: "nodes/hv1/state/daemon", Data: []byte("fence"), ExpectedVersion: 0}})
	if err != ErrVersionConflict {
		t.Errorf("Write() with stale version error = %v, want %v", err, ErrVersionConflict)
	}

	if err := s.Write([]WriteOp{{Path: "nodes/hv1/state/daemon", Data: []byte("fence"), ExpectedVersion: 1}}); err != nil {
		t.Errorf("Write() with correct version error = %v, want nil", err)
	}
}

func TestWriteIsAtomicAcrossOps(t *testing.T) {
	s := newTestSession(t)

	ops := []WriteOp{
		{Path: "nodes/hv1/state/daemon", Data: []byte("run"), ExpectedVersion: 0},
		{Path: "nodes/hv1/state/daemon", Data: []byte("conflict"), ExpectedVersion: 99}, // will fail
	}
	if err := s.Write(ops); err == nil {
		t.Fatal("Write() with one invalid op succeeded, want atomic failure")
	}

	if exists, _ := s.Exists("nodes/hv1/state/daemon"); exists {
		t.Error("Write() partially applied ops despite one op failing")
	}
}

func TestChildrenAndExists(t *testing.T) {
	s := newTestSession(t)

	for _, n := range []string{"hv1", "hv2", "hv3"} {
		path := "nodes/" + n + "/state/daemon"
		if err := s.Write([]WriteOp{{Path: path, Data: []byte("run"), ExpectedVersion: 0}}); err != nil {
			t.Fatalf("Write(%s) error = %v", path, err)
		}
	}

	exists, err := s.Exists("nodes")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if !exists {
		t.Error("Exists(\"nodes\") = false, want true (implicit directory)")
	}

	children, err := s.Children("nodes")
	if err != nil {
		t.Fatalf("Children() error = %v", err)
	}
	if len(children) != 3 {
		t.Errorf("Children() = %v, want 3 entries", children)
	}
}

func TestDeleteRecursive(t *testing.T) {
	s := newTestSession(t)

	if err := s.Write([]WriteOp{
		{Path: "domains/vm1/state", Data: []byte("start"), ExpectedVersion: 0},
		{Path: "domains/vm1/node", Data: []byte("hv1"), ExpectedVersion: 0},
	}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := s.Delete("domains/vm1", true); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if exists, _ := s.Exists("domains/vm1"); exists {
		t.Error("Delete(recursive) left domains/vm1 in place")
	}
}

func TestRenameMovesSubtree(t *testing.T) {
	s := newTestSession(t)

	if err := s.Write([]WriteOp{
		{Path: "domains/vm1/state", Data: []byte("start"), ExpectedVersion: 0},
		{Path: "domains/vm1/node", Data: []byte("hv1"), ExpectedVersion: 0},
	}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := s.Rename(context.Background(), "domains/vm1", "domains/vm1-renamed"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}

	if exists, _ := s.Exists("domains/vm1"); exists {
		t.Error("Rename() left the old subtree behind")
	}
	data, _, err := s.Read("domains/vm1-renamed/node")
	if err != nil {
		t.Fatalf("Read() after rename error = %v", err)
	}
	if string(data) != "hv1" {
		t.Errorf("Read() after rename = %q, want %q", data, "hv1")
	}
}

func TestRenameIsIdempotent(t *testing.T) {
	s := newTestSession(t)

	if err := s.Write([]WriteOp{{Path: "domains/vm1/state", Data: []byte("start"), ExpectedVersion: 0}}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := s.Rename(context.Background(), "domains/vm1", "domains/vm1-renamed"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	// Re-running against the now-nonexistent source must not error.
	if err := s.Rename(context.Background(), "domains/vm1", "domains/vm1-renamed"); err != nil {
		t.Fatalf("second Rename() error = %v, want nil (idempotent)", err)
	}
}

func TestIsLeaderTrueForBootstrappedSingleNode(t *testing.T) {
	s := newTestSession(t)
	if !s.IsLeader() {
		t.Error("IsLeader() = false for a bootstrapped single-node cluster")
	}
}
