package keepalive

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/quorumhv/quorumhv/pkg/coordstore"
	"github.com/quorumhv/quorumhv/pkg/logging"
	"github.com/quorumhv/quorumhv/pkg/types"
)

const keepaliveSampleXML = `<domain type="kvm">
  <name>test-vm</name>
  <uuid>11111111-2222-3333-4444-555555555555</uuid>
  <memory unit="MiB">512</memory>
  <vcpu placement="static">2</vcpu>
  <devices></devices>
</domain>`

// fakeSampler is a fixed-value Sampler for exercising Keepalive.beat
// without a real libvirt connection.
type fakeSampler struct {
	total, free int64
	load        float64
	domains     []string
	err         error
}

func (f *fakeSampler) FreeMemory(ctx context.Context) (int64, int64, error) {
	return f.total, f.free, f.err
}
func (f *fakeSampler) CPULoad(ctx context.Context) (float64, error) { return f.load, f.err }
func (f *fakeSampler) RunningDomains(ctx context.Context) ([]string, error) {
	return f.domains, f.err
}

func TestNewAppliesDefaultInterval(t *testing.T) {
	s, registry := newTestSession(t, "hv1")
	k := New(s, registry, &fakeSampler{}, nil, "hv1", 0)
	if k.interval <= 0 {
		t.Error("New() with interval<=0 did not apply a default")
	}
}

func TestBeatWritesKeepaliveMemoryCPULoadAndRunningDomains(t *testing.T) {
	s, registry := newTestSession(t, "hv1")
	sampler := &fakeSampler{total: 8192, free: 2048, load: 0.42, domains: []string{"vm-a", "vm-b"}}
	k := New(s, registry, sampler, nil, "hv1", 0)

	if err := k.beat(context.Background()); err != nil {
		t.Fatalf("beat() error = %v", err)
	}

	keepalivePath, _ := registry.Path("node.keepalive", "hv1")
	if data, _, err := s.Read(keepalivePath); err != nil || string(data) == "" {
		t.Errorf("node.keepalive not written: data=%q err=%v", data, err)
	}

	memoryPath, _ := registry.Path("node.memory", "hv1")
	data, _, err := s.Read(memoryPath)
	if err != nil {
		t.Fatalf("Read(node.memory) error = %v", err)
	}
	var mem memory
	if err := json.Unmarshal(data, &mem); err != nil {
		t.Fatalf("unmarshal node.memory: %v", err)
	}
	if mem.Total != 8192 || mem.Free != 2048 || mem.Used != 6144 {
		t.Errorf("memory = %+v, want total=8192 free=2048 used=6144", mem)
	}

	cpuLoadPath, _ := registry.Path("node.cpu_load", "hv1")
	cpuData, _, err := s.Read(cpuLoadPath)
	if err != nil {
		t.Fatalf("Read(node.cpu_load) error = %v", err)
	}
	got, err := strconv.ParseFloat(string(cpuData), 64)
	if err != nil || got != 0.42 {
		t.Errorf("cpu_load = %q, want 0.42", cpuData)
	}

	runningPath, _ := registry.Path("node.running_domains", "hv1")
	runningData, _, err := s.Read(runningPath)
	if err != nil {
		t.Fatalf("Read(node.running_domains) error = %v", err)
	}
	if string(runningData) != "vm-a vm-b" {
		t.Errorf("running_domains = %q, want %q", runningData, "vm-a vm-b")
	}
}

func TestBeatSumsRunningVMXMLIntoAllocatedMemoryAndVCPU(t *testing.T) {
	s, registry := newTestSession(t, "hv1")

	xmlPath, _ := registry.Path("domain.xml", "11111111-2222-3333-4444-555555555555")
	if err := s.Write([]coordstore.WriteOp{{Path: xmlPath, Data: []byte(keepaliveSampleXML), ExpectedVersion: 0}}); err != nil {
		t.Fatalf("Write(domain.xml) error = %v", err)
	}

	sampler := &fakeSampler{total: 8192, free: 2048, domains: []string{"11111111-2222-3333-4444-555555555555"}}
	k := New(s, registry, sampler, nil, "hv1", 0)

	if err := k.beat(context.Background()); err != nil {
		t.Fatalf("beat() error = %v", err)
	}

	memoryPath, _ := registry.Path("node.memory", "hv1")
	data, _, err := s.Read(memoryPath)
	if err != nil {
		t.Fatalf("Read(node.memory) error = %v", err)
	}
	var mem memory
	if err := json.Unmarshal(data, &mem); err != nil {
		t.Fatalf("unmarshal node.memory: %v", err)
	}
	wantAllocated := int64(512) * 1024 * 1024
	if mem.Allocated != wantAllocated {
		t.Errorf("memory.Allocated = %d, want %d", mem.Allocated, wantAllocated)
	}

	vcpuPath, _ := registry.Path("node.vcpu", "hv1")
	vcpuData, _, err := s.Read(vcpuPath)
	if err != nil {
		t.Fatalf("Read(node.vcpu) error = %v", err)
	}
	if got, _ := strconv.Atoi(string(vcpuData)); got != 2 {
		t.Errorf("node.vcpu = %q, want 2", vcpuData)
	}
}

func TestBeatSkipsUnreadableOrUnparseableDomainXML(t *testing.T) {
	s, registry := newTestSession(t, "hv1")
	sampler := &fakeSampler{domains: []string{"missing-uuid"}}
	k := New(s, registry, sampler, nil, "hv1", 0)

	if err := k.beat(context.Background()); err != nil {
		t.Fatalf("beat() error = %v, want nil even when a running domain's xml can't be read", err)
	}

	vcpuPath, _ := registry.Path("node.vcpu", "hv1")
	vcpuData, _, err := s.Read(vcpuPath)
	if err != nil {
		t.Fatalf("Read(node.vcpu) error = %v", err)
	}
	if string(vcpuData) != "0" {
		t.Errorf("node.vcpu = %q, want 0 when the domain's xml is unreadable", vcpuData)
	}
}

func TestBeatWritesFullHealthWithNoFaultSink(t *testing.T) {
	s, registry := newTestSession(t, "hv1")
	k := New(s, registry, &fakeSampler{}, nil, "hv1", 0)

	if err := k.beat(context.Background()); err != nil {
		t.Fatalf("beat() error = %v", err)
	}

	healthPath, _ := registry.Path("node.health", "hv1")
	data, _, err := s.Read(healthPath)
	if err != nil {
		t.Fatalf("Read(node.health) error = %v", err)
	}
	if string(data) != "100" {
		t.Errorf("node.health = %q, want 100 with no fault sink configured", data)
	}
}

func TestBeatSubtractsActiveFaultHealthDeltaFromHealth(t *testing.T) {
	s, registry := newTestSession(t, "hv1")
	faults := logging.NewFaultSink(s, registry, nil)
	if err := faults.Generate("disk-io-errors", time.Unix(1, 0), 30, "elevated I/O errors", ""); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	k := New(s, registry, &fakeSampler{}, faults, "hv1", 0)
	if err := k.beat(context.Background()); err != nil {
		t.Fatalf("beat() error = %v", err)
	}

	healthPath, _ := registry.Path("node.health", "hv1")
	data, _, err := s.Read(healthPath)
	if err != nil {
		t.Fatalf("Read(node.health) error = %v", err)
	}
	if string(data) != "70" {
		t.Errorf("node.health = %q, want 70 (100 - 30)", data)
	}

	if err := faults.Acknowledge("disk-io-errors", time.Unix(2, 0)); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if err := k.beat(context.Background()); err != nil {
		t.Fatalf("second beat() error = %v", err)
	}
	data, _, err = s.Read(healthPath)
	if err != nil {
		t.Fatalf("Read(node.health) error = %v", err)
	}
	if string(data) != "100" {
		t.Errorf("node.health = %q, want 100 after the fault is acknowledged", data)
	}
}

func TestRegisterNodeSetsInitState(t *testing.T) {
	s, registry := newTestSession(t, "hv1")
	if err := RegisterNode(s, registry, types.Node{Name: "hv1"}); err != nil {
		t.Fatalf("RegisterNode() error = %v", err)
	}

	statePath, _ := registry.Path("node.state.daemon", "hv1")
	data, _, err := s.Read(statePath)
	if err != nil {
		t.Fatalf("Read(node.state.daemon) error = %v", err)
	}
	if types.DaemonState(data) != types.DaemonStateInit {
		t.Errorf("daemon_state = %q, want %q", data, types.DaemonStateInit)
	}
}

func TestBuildOpsResolvesCurrentVersion(t *testing.T) {
	s, registry := newTestSession(t, "hv1")
	path, _ := registry.Path("node.state.daemon", "hv1")

	ops, err := buildOps(s, map[string][]byte{path: []byte("init")})
	if err != nil {
		t.Fatalf("buildOps() error = %v", err)
	}
	if err := s.Write(ops); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	ops2, err := buildOps(s, map[string][]byte{path: []byte("run")})
	if err != nil {
		t.Fatalf("buildOps() second call error = %v", err)
	}
	if ops2[0].ExpectedVersion == 0 {
		t.Error("buildOps() did not pick up the version written by the prior op")
	}
	if err := s.Write(ops2); err != nil {
		t.Fatalf("Write() with resolved version error = %v", err)
	}
}
