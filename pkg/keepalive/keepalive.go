// Package keepalive owns node membership: the periodic heartbeat that
// publishes this node's liveness and resource state (C4, spec §4.4),
// and the coordinator election layered on top of it (election.go).
// Grounds on pkg/worker/worker.go's heartbeatLoop/sendHeartbeat
// ticker idiom, rebuilt here against the coordination store instead
// of a gRPC Heartbeat RPC.
package keepalive

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/quorumhv/quorumhv/pkg/coordstore"
	"github.com/quorumhv/quorumhv/pkg/domain/xmldef"
	"github.com/quorumhv/quorumhv/pkg/logging"
	"github.com/quorumhv/quorumhv/pkg/schema"
	"github.com/quorumhv/quorumhv/pkg/types"
)

// maxHealth is the ceiling health score (spec §3 "health ∈ [0,100]").
const maxHealth = 100

// Sampler reports this node's current resource state, satisfied by
// pkg/libvirt.Client in production and a fake in tests.
type Sampler interface {
	FreeMemory(ctx context.Context) (total, free int64, err error)
	CPULoad(ctx context.Context) (float64, error)
	RunningDomains(ctx context.Context) ([]string, error)
}

// Keepalive drives the periodic heartbeat for one node.
type Keepalive struct {
	session  *coordstore.Session
	registry *schema.Registry
	sampler  Sampler
	faults   *logging.FaultSink
	node     string
	interval time.Duration
}

func New(session *coordstore.Session, registry *schema.Registry, sampler Sampler, faults *logging.FaultSink, node string, interval time.Duration) *Keepalive {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Keepalive{session: session, registry: registry, sampler: sampler, faults: faults, node: node, interval: interval}
}

// Run blocks, sending one heartbeat per interval until ctx is
// cancelled. Errors are logged and swallowed — a single missed
// heartbeat is the mechanism peers use to detect death, not a fatal
// condition for this node.
func (k *Keepalive) Run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := k.beat(ctx); err != nil {
				logging.Errorf("keepalive beat failed", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// memory is the JSON shape stored at node.memory.
type memory struct {
	Total     int64 `json:"total"`
	Free      int64 `json:"free"`
	Used      int64 `json:"used"`
	Allocated int64 `json:"allocated"`
}

// beat writes keepalive=now, memory, cpu_load, vcpu, health and
// running_domains in one batch (spec §4.4 step 3). Each path's expected version is
// resolved immediately before the write; a version-conflict here means
// another writer touched the same node record in the same instant
// (e.g. a concurrent flush/fence role-cleanup write) and is retried on
// the next tick rather than blocking the heartbeat loop.
func (k *Keepalive) beat(ctx context.Context) error {
	total, free, err := k.sampler.FreeMemory(ctx)
	if err != nil {
		return fmt.Errorf("sample memory: %w", err)
	}
	load, err := k.sampler.CPULoad(ctx)
	if err != nil {
		return fmt.Errorf("sample cpu load: %w", err)
	}
	domains, err := k.sampler.RunningDomains(ctx)
	if err != nil {
		return fmt.Errorf("sample running domains: %w", err)
	}
	allocMemory, allocVCPU, err := k.allocatedResources(domains)
	if err != nil {
		return fmt.Errorf("sum allocated resources: %w", err)
	}
	health, err := k.computeHealth()
	if err != nil {
		return fmt.Errorf("compute health: %w", err)
	}

	keepalivePath, err := k.registry.Path("node.keepalive", k.node)
	if err != nil {
		return err
	}
	memoryPath, err := k.registry.Path("node.memory", k.node)
	if err != nil {
		return err
	}
	cpuLoadPath, err := k.registry.Path("node.cpu_load", k.node)
	if err != nil {
		return err
	}
	vcpuPath, err := k.registry.Path("node.vcpu", k.node)
	if err != nil {
		return err
	}
	healthPath, err := k.registry.Path("node.health", k.node)
	if err != nil {
		return err
	}
	runningPath, err := k.registry.Path("node.running_domains", k.node)
	if err != nil {
		return err
	}

	memData, err := json.Marshal(memory{Total: total, Free: free, Used: total - free, Allocated: allocMemory})
	if err != nil {
		return err
	}

	ops, err := buildOps(k.session, map[string][]byte{
		keepalivePath: []byte(strconv.FormatInt(time.Now().Unix(), 10)),
		memoryPath:    memData,
		cpuLoadPath:   []byte(strconv.FormatFloat(load, 'f', -1, 64)),
		vcpuPath:      []byte(strconv.Itoa(allocVCPU)),
		healthPath:    []byte(strconv.Itoa(health)),
		runningPath:   []byte(strings.Join(domains, " ")),
	})
	if err != nil {
		return err
	}
	return k.session.Write(ops)
}

// allocatedResources sums the XML-declared memory and vcpu count of
// every currently-running VM, so node.memory.allocated and node.vcpu
// reflect what this node has actually committed rather than what
// libvirt reports free (spec §4.4 step 3, §6 placement selectors
// "mem"/"vcpus"). A domain whose XML can't be read or parsed is
// skipped rather than failing the whole heartbeat — a stale or
// mid-write XML blob shouldn't stop liveness reporting.
func (k *Keepalive) allocatedResources(uuids []string) (memoryBytes int64, vcpus int, err error) {
	for _, uuid := range uuids {
		path, err := k.registry.Path("domain.xml", uuid)
		if err != nil {
			return 0, 0, err
		}
		raw, _, err := k.session.Read(path)
		if err != nil {
			continue
		}
		d, err := xmldef.Parse(string(raw))
		if err != nil {
			continue
		}
		memoryBytes += d.Memory.Bytes()
		vcpus += d.VCPU.Count
	}
	return memoryBytes, vcpus, nil
}

// computeHealth scores this node as maxHealth minus the sum of every
// active fault's HealthDelta (spec §3 health ∈ [0,100]), clamped to
// that range. Acknowledged faults carry HealthDelta=0 (FaultSink.
// Acknowledge zeroes it), so they stop contributing automatically.
// Grounds on original_source's health daemon, which derives a node's
// health from its outstanding fault events rather than tracking it as
// independent state.
func (k *Keepalive) computeHealth() (int, error) {
	if k.faults == nil {
		return maxHealth, nil
	}
	faults, err := k.faults.List(logging.SortHealthDelta, 0, 0)
	if err != nil {
		return 0, err
	}
	health := maxHealth
	for _, f := range faults {
		health -= f.HealthDelta
	}
	if health < 0 {
		health = 0
	}
	if health > maxHealth {
		health = maxHealth
	}
	return health, nil
}

// buildOps reads each path's current version and returns the matching
// create-or-update WriteOp, so callers never have to track versions
// themselves for simple "just set this value" writes.
func buildOps(session *coordstore.Session, values map[string][]byte) ([]coordstore.WriteOp, error) {
	ops := make([]coordstore.WriteOp, 0, len(values))
	for path, data := range values {
		_, version, err := session.Read(path)
		if err != nil {
			version = 0
		}
		ops = append(ops, coordstore.WriteOp{Path: path, Data: data, ExpectedVersion: version})
	}
	return ops, nil
}

// RegisterNode creates or refreshes this node's record at startup
// (spec §4.4 step 2): daemon_state=init. IPMI credentials are written
// once by registerInventory (called from Bootstrap) and left untouched
// on subsequent restarts.
func RegisterNode(session *coordstore.Session, registry *schema.Registry, node types.Node) error {
	statePath, err := registry.Path("node.state.daemon", node.Name)
	if err != nil {
		return err
	}
	ops, err := buildOps(session, map[string][]byte{statePath: []byte(types.DaemonStateInit)})
	if err != nil {
		return err
	}
	return session.Write(ops)
}
