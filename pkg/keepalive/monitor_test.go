package keepalive

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/quorumhv/quorumhv/pkg/coordstore"
	"github.com/quorumhv/quorumhv/pkg/types"
)

// fakeFencer records every node it was asked to fence.
type fakeFencer struct {
	mu     sync.Mutex
	fenced []string
}

func (f *fakeFencer) Fence(ctx context.Context, node string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fenced = append(f.fenced, node)
	return nil
}

func (f *fakeFencer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fenced)
}

func TestSweepSkipsWhenNotPrimary(t *testing.T) {
	s, registry := newTestSession(t, "hv1")
	election := NewElection(s, registry, "hv1") // never ticked: not primary
	fencer := &fakeFencer{}
	m := NewMonitor(s, registry, election, fencer, time.Millisecond, 1)

	statePath, _ := registry.Path("node.state.daemon", "peer1")
	if err := s.Write([]coordstore.WriteOp{{Path: statePath, Data: []byte(types.DaemonStateDead), ExpectedVersion: 0}}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	m.sweep(context.Background())
	if fencer.count() != 0 {
		t.Error("sweep() invoked the fencer while this node is not primary")
	}
}

func TestCheckFencesAPeerAlreadyMarkedDead(t *testing.T) {
	s, registry := newTestSession(t, "hv1")
	election := NewElection(s, registry, "hv1")
	if err := election.tick(); err != nil {
		t.Fatalf("tick() error = %v", err)
	}
	fencer := &fakeFencer{}
	m := NewMonitor(s, registry, election, fencer, time.Millisecond, 1)

	statePath, _ := registry.Path("node.state.daemon", "peer1")
	if err := s.Write([]coordstore.WriteOp{{Path: statePath, Data: []byte(types.DaemonStateDead), ExpectedVersion: 0}}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := m.check(context.Background(), "peer1"); err != nil {
		t.Fatalf("check() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for fencer.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fencer.count() != 1 {
		t.Errorf("fencer invoked %d times, want 1", fencer.count())
	}

	// A second check on an already-fenced peer must not re-fence it.
	if err := m.check(context.Background(), "peer1"); err != nil {
		t.Fatalf("second check() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if fencer.count() != 1 {
		t.Errorf("fencer invoked %d times after a second check, want 1 (no re-fence)", fencer.count())
	}
}

func TestCheckMarksAPeerDeadAfterThresholdElapses(t *testing.T) {
	s, registry := newTestSession(t, "hv1")
	election := NewElection(s, registry, "hv1")
	if err := election.tick(); err != nil {
		t.Fatalf("tick() error = %v", err)
	}
	fencer := &fakeFencer{}
	m := NewMonitor(s, registry, election, fencer, time.Millisecond, 1)

	statePath, _ := registry.Path("node.state.daemon", "peer1")
	if err := s.Write([]coordstore.WriteOp{{Path: statePath, Data: []byte(types.DaemonStateRun), ExpectedVersion: 0}}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	keepalivePath, _ := registry.Path("node.keepalive", "peer1")
	stale := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	if err := s.Write([]coordstore.WriteOp{{Path: keepalivePath, Data: []byte(stale), ExpectedVersion: 0}}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := m.check(context.Background(), "peer1"); err != nil {
		t.Fatalf("check() error = %v", err)
	}

	data, _, err := s.Read(statePath)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if types.DaemonState(data) != types.DaemonStateDead {
		t.Errorf("daemon_state = %q, want %q after threshold elapsed", data, types.DaemonStateDead)
	}
}

func TestCheckLeavesAFreshPeerAlone(t *testing.T) {
	s, registry := newTestSession(t, "hv1")
	election := NewElection(s, registry, "hv1")
	if err := election.tick(); err != nil {
		t.Fatalf("tick() error = %v", err)
	}
	fencer := &fakeFencer{}
	m := NewMonitor(s, registry, election, fencer, time.Hour, 6)

	statePath, _ := registry.Path("node.state.daemon", "peer1")
	if err := s.Write([]coordstore.WriteOp{{Path: statePath, Data: []byte(types.DaemonStateRun), ExpectedVersion: 0}}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	keepalivePath, _ := registry.Path("node.keepalive", "peer1")
	fresh := strconv.FormatInt(time.Now().Unix(), 10)
	if err := s.Write([]coordstore.WriteOp{{Path: keepalivePath, Data: []byte(fresh), ExpectedVersion: 0}}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := m.check(context.Background(), "peer1"); err != nil {
		t.Fatalf("check() error = %v", err)
	}

	data, _, err := s.Read(statePath)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if types.DaemonState(data) != types.DaemonStateRun {
		t.Errorf("daemon_state = %q, want unchanged %q for a fresh peer", data, types.DaemonStateRun)
	}
}
