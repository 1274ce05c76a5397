package domain

import (
	"context"
	"strings"
	"testing"

	"github.com/quorumhv/quorumhv/pkg/coordstore"
	"github.com/quorumhv/quorumhv/pkg/logging"
	"github.com/quorumhv/quorumhv/pkg/schema"
	"github.com/quorumhv/quorumhv/pkg/types"
)

func writeXML(t *testing.T, s *coordstore.Session, registry *schema.Registry, uuid, xml string) {
	t.Helper()
	path, err := registry.Path("domain.xml", uuid)
	if err != nil {
		t.Fatalf("Path() error = %v", err)
	}
	if err := s.Write([]coordstore.WriteOp{{Path: path, Data: []byte(xml), ExpectedVersion: 0}}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
}

func TestMigrateIsANoOpWhenThisNodeIsNotTheOwner(t *testing.T) {
	s, registry := newTestSession(t)
	c := NewController(s, registry, nil, nil, nil, "hv2", "vm-1")

	if err := c.migrate(context.Background(), "hv1"); err != nil {
		t.Errorf("migrate() on a non-owner node returned error = %v, want nil", err)
	}
}

func TestUnmigrateIsANoOpWhenThisNodeIsNotTheOwner(t *testing.T) {
	s, registry := newTestSession(t)
	c := NewController(s, registry, nil, nil, nil, "hv2", "vm-1")

	if err := c.unmigrate(context.Background(), "hv1"); err != nil {
		t.Errorf("unmigrate() on a non-owner node returned error = %v, want nil", err)
	}
}

func TestMigrationTargetReadsDomainNode(t *testing.T) {
	s, registry := newTestSession(t)
	writeDomainNode(t, s, registry, "vm-1", "hv3")

	c := NewController(s, registry, nil, nil, nil, "hv1", "vm-1")
	target, err := c.migrationTarget(false)
	if err != nil {
		t.Fatalf("migrationTarget(false) error = %v", err)
	}
	if target != "hv3" {
		t.Errorf("migrationTarget(false) = %q, want hv3", target)
	}
}

func TestMigrationTargetForRestorePriorReadsLastNode(t *testing.T) {
	s, registry := newTestSession(t)
	path, err := registry.Path("domain.last_node", "vm-1")
	if err != nil {
		t.Fatalf("Path() error = %v", err)
	}
	if err := s.Write([]coordstore.WriteOp{{Path: path, Data: []byte("hv-original"), ExpectedVersion: 0}}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	c := NewController(s, registry, nil, nil, nil, "hv1", "vm-1")
	target, err := c.migrationTarget(true)
	if err != nil {
		t.Fatalf("migrationTarget(true) error = %v", err)
	}
	if target != "hv-original" {
		t.Errorf("migrationTarget(true) = %q, want hv-original", target)
	}
}

func TestMigrationTargetForRestorePriorErrorsWithoutLastNode(t *testing.T) {
	s, registry := newTestSession(t)
	c := NewController(s, registry, nil, nil, nil, "hv1", "vm-1")

	_, err := c.migrationTarget(true)
	if err == nil {
		t.Fatal("migrationTarget(true) with no last_node recorded returned nil error")
	}
	if !strings.Contains(err.Error(), "no last_node recorded") {
		t.Errorf("migrationTarget(true) error = %v, want it to mention the missing last_node", err)
	}
}

func TestFlushLocksIsANoOpWithNoFlusherConfigured(t *testing.T) {
	s, registry := newTestSession(t)
	c := NewController(s, registry, nil, nil, nil, "hv1", "vm-1")

	if err := c.flushLocks(); err != nil {
		t.Errorf("flushLocks() with flushRBD=nil returned error = %v, want nil", err)
	}
}

const migrateSampleXML = `<domain type="kvm">
  <name>vm-1</name>
  <uuid>11111111-2222-3333-4444-555555555555</uuid>
  <memory unit="KiB">1048576</memory>
  <vcpu placement="static">2</vcpu>
  <devices>
    <disk type="network" device="disk">
      <source protocol="rbd" name="pool/vm-1-disk"/>
    </disk>
  </devices>
</domain>`

func TestFlushLocksInvokesFlusherWithRBDImages(t *testing.T) {
	s, registry := newTestSession(t)
	writeXML(t, s, registry, "vm-1", migrateSampleXML)

	var gotImages []string
	flush := func(images []string) error {
		gotImages = images
		return nil
	}

	c := NewController(s, registry, nil, nil, flush, "hv1", "vm-1")
	if err := c.flushLocks(); err != nil {
		t.Fatalf("flushLocks() error = %v", err)
	}
	if len(gotImages) != 1 || gotImages[0] != "pool/vm-1-disk" {
		t.Errorf("flushLocks() invoked flusher with %v, want [pool/vm-1-disk]", gotImages)
	}
}

func TestFlushLocksSkipsFlusherWhenNoRBDDisks(t *testing.T) {
	s, registry := newTestSession(t)
	writeXML(t, s, registry, "vm-1", `<domain type="kvm"><name>vm-1</name><devices></devices></domain>`)

	called := false
	flush := func(images []string) error {
		called = true
		return nil
	}

	c := NewController(s, registry, nil, nil, flush, "hv1", "vm-1")
	if err := c.flushLocks(); err != nil {
		t.Fatalf("flushLocks() error = %v", err)
	}
	if called {
		t.Error("flushLocks() invoked the flusher with no RBD disks present")
	}
}

func TestCommitMigrationWritesStateNodeAndLastNode(t *testing.T) {
	s, registry := newTestSession(t)
	writeDomainState(t, s, registry, "vm-1", types.DomainStateMigrate)
	writeDomainNode(t, s, registry, "vm-1", "hv1")

	c := NewController(s, registry, nil, nil, nil, "hv1", "vm-1")
	if err := c.commitMigration("hv2"); err != nil {
		t.Fatalf("commitMigration() error = %v", err)
	}

	statePath, _ := registry.Path("domain.state", "vm-1")
	state, _, _ := s.Read(statePath)
	if types.DomainState(state) != types.DomainStateStart {
		t.Errorf("domain.state = %q, want start", state)
	}

	nodePath, _ := registry.Path("domain.node", "vm-1")
	node, _, _ := s.Read(nodePath)
	if string(node) != "hv2" {
		t.Errorf("domain.node = %q, want hv2", node)
	}

	lastNodePath, _ := registry.Path("domain.last_node", "vm-1")
	lastNode, _, _ := s.Read(lastNodePath)
	if string(lastNode) != "hv1" {
		t.Errorf("domain.last_node = %q, want hv1", lastNode)
	}
}

func TestAbortMigrationRestoresSourceAndGeneratesFault(t *testing.T) {
	s, registry := newTestSession(t)
	writeDomainState(t, s, registry, "vm-1", types.DomainStateMigrate)
	writeDomainNode(t, s, registry, "vm-1", "hv1")

	faults := logging.NewFaultSink(s, registry, nil)
	c := NewController(s, registry, nil, faults, nil, "hv1", "vm-1")

	migrateErr := errMigrateBoom
	if err := c.abortMigration(migrateErr); err != migrateErr {
		t.Fatalf("abortMigration() error = %v, want the original migrate error returned unchanged", err)
	}

	statePath, _ := registry.Path("domain.state", "vm-1")
	state, _, _ := s.Read(statePath)
	if types.DomainState(state) != types.DomainStateStart {
		t.Errorf("domain.state = %q, want start", state)
	}

	nodePath, _ := registry.Path("domain.node", "vm-1")
	node, _, _ := s.Read(nodePath)
	if string(node) != "hv1" {
		t.Errorf("domain.node = %q, want hv1 (restored to source)", node)
	}

	faultsList, err := faults.List(logging.SortLastReported, 0, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(faultsList) != 1 {
		t.Errorf("faults = %v, want exactly one generated on abort", faultsList)
	}
}

var errMigrateBoom = &migrateTestError{"libvirt migrate failed"}

type migrateTestError struct{ msg string }

func (e *migrateTestError) Error() string { return e.msg }
