// Package node implements the per-node state machine (C5, spec §4.5):
// init → ready → flush → flushed → unflush → ready, plus shutdown and
// the dead/fence-flush states a peer (the fence executor) drives on
// this node's behalf. Grounds on pkg/worker/worker.go's
// containerExecutorLoop/syncContainers polling shape, converted here
// to a watch-driven reaction to node.state.domain writes instead of a
// fixed poll.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/quorumhv/quorumhv/pkg/coordstore"
	"github.com/quorumhv/quorumhv/pkg/logging"
	"github.com/quorumhv/quorumhv/pkg/placement"
	"github.com/quorumhv/quorumhv/pkg/schema"
	"github.com/quorumhv/quorumhv/pkg/types"
)

// Config tunes the state machine's behaviour.
type Config struct {
	Node           string
	Pacing         time.Duration // delay between migrations during flush, default 1s
	PlacementMetric types.PlacementMetric
}

// Machine drives one node's domain_state transitions.
type Machine struct {
	session  *coordstore.Session
	registry *schema.Registry
	cfg      Config
}

func New(session *coordstore.Session, registry *schema.Registry, cfg Config) *Machine {
	if cfg.Pacing <= 0 {
		cfg.Pacing = time.Second
	}
	if cfg.PlacementMetric == "" {
		cfg.PlacementMetric = types.MetricLoad
	}
	return &Machine{session: session, registry: registry, cfg: cfg}
}

// Ready marks daemon_state=run, to be called once keepalive has
// succeeded at least once and the schema is current (spec §4.5
// "init → ready").
func (m *Machine) Ready() error {
	return m.setDaemonState(types.DaemonStateRun)
}

// Run installs the watch on this node's domain_state and dispatches
// every change until ctx is cancelled.
func (m *Machine) Run(ctx context.Context) error {
	path, err := m.registry.Path("node.state.domain", m.cfg.Node)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	m.session.WatchData(path, func(ev coordstore.WatchEvent) any {
		select {
		case <-done:
			return coordstore.StopWatch
		default:
		}
		if ev.Type != coordstore.WatchEventChanged {
			return nil
		}
		if err := m.react(ctx); err != nil {
			logging.Errorf("node state reaction failed", err)
		}
		return nil
	})

	<-ctx.Done()
	close(done)
	return nil
}

// react reads the current domain_state and dispatches to the
// corresponding handler.
func (m *Machine) react(ctx context.Context) error {
	path, err := m.registry.Path("node.state.domain", m.cfg.Node)
	if err != nil {
		return err
	}
	data, _, err := m.session.Read(path)
	if err != nil {
		return err
	}

	switch types.NodeDomainState(data) {
	case types.NodeDomainFlush:
		return m.flush(ctx)
	case types.NodeDomainUnflush:
		return m.unflush()
	default:
		return nil
	}
}

// flush enumerates running_domains in deterministic order and
// migrates each to a placement target, pacing between migrations
// (spec §4.5 "ready → flush"). It writes flushed only if
// running_domains is already empty when drain returns; otherwise it
// returns without writing flushed, and nothing re-checks later.
func (m *Machine) flush(ctx context.Context) error {
	if err := m.drain(ctx); err != nil {
		return err
	}

	remaining, err := m.orderedRunningDomains()
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		return m.setDomainState(types.NodeDomainFlushed)
	}
	return nil
}

// drain migrates every running VM off this node in deterministic
// order, pacing between migrations. Shared by flush and Shutdown,
// which both need to empty this node of VMs before proceeding.
func (m *Machine) drain(ctx context.Context) error {
	uuids, err := m.orderedRunningDomains()
	if err != nil {
		return err
	}

	for _, uuid := range uuids {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := m.migrateAway(uuid); err != nil {
			logging.Errorf(fmt.Sprintf("drain: migrate %s failed", uuid), err)
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.cfg.Pacing):
		}
	}
	return nil
}

// Shutdown implements the node state machine's "Any live → shutdown"
// transition (spec §4.5: "drain like flush, then exit"; §5's
// drain-then-disconnect sequence): it marks daemon_state=shutdown so
// peers stop scheduling new work here, then drains running VMs the
// same way flush does. The caller disconnects from the coordination
// store once this returns.
func (m *Machine) Shutdown(ctx context.Context) error {
	if err := m.setDaemonState(types.DaemonStateShutdown); err != nil {
		return err
	}
	return m.drain(ctx)
}

// unflush re-enables scheduling and autostarts VMs whose last_node is
// this node (spec §4.5 "flushed → unflush → ready").
func (m *Machine) unflush() error {
	names, err := m.session.Children(mustPath(m.registry, "base.domain"))
	if err != nil {
		return err
	}
	for _, uuid := range names {
		if err := m.maybeAutostart(uuid); err != nil {
			logging.Errorf(fmt.Sprintf("unflush: autostart %s failed", uuid), err)
		}
	}
	return m.setDomainState(types.NodeDomainReady)
}

func (m *Machine) maybeAutostart(uuid string) error {
	lastNodePath, err := m.registry.Path("domain.last_node", uuid)
	if err != nil {
		return err
	}
	lastNode, _, err := m.session.Read(lastNodePath)
	if err != nil {
		return nil // no last_node recorded, nothing to autostart
	}
	if string(lastNode) != m.cfg.Node {
		return nil
	}

	autostartPath, err := m.registry.Path("domain.meta.autostart", uuid)
	if err != nil {
		return err
	}
	autostart, _, err := m.session.Read(autostartPath)
	if err != nil || string(autostart) != "true" {
		return nil
	}

	statePath, err := m.registry.Path("domain.state", uuid)
	if err != nil {
		return err
	}
	_, version, err := m.session.Read(statePath)
	if err != nil {
		version = 0
	}
	return m.session.Write([]coordstore.WriteOp{{Path: statePath, Data: []byte(types.DomainStateStart), ExpectedVersion: version}})
}

// migrateAway picks a placement target for uuid and writes it into
// migrate state; the per-VM controller (pkg/domain) carries out the
// actual libvirt migration handshake on observing the write.
func (m *Machine) migrateAway(uuid string) error {
	target, ok, err := m.pickTarget(uuid)
	if err != nil {
		return err
	}
	if !ok {
		// No viable target: fall back to shutdown, per spec §4.7's
		// caller contract for the flush case.
		statePath, err := m.registry.Path("domain.state", uuid)
		if err != nil {
			return err
		}
		_, version, err := m.session.Read(statePath)
		if err != nil {
			version = 0
		}
		return m.session.Write([]coordstore.WriteOp{{Path: statePath, Data: []byte(types.DomainStateShutdown), ExpectedVersion: version}})
	}

	statePath, err := m.registry.Path("domain.state", uuid)
	if err != nil {
		return err
	}
	nodePath, err := m.registry.Path("domain.node", uuid)
	if err != nil {
		return err
	}

	_, stateVersion, err := m.session.Read(statePath)
	if err != nil {
		stateVersion = 0
	}
	_, nodeVersion, err := m.session.Read(nodePath)
	if err != nil {
		nodeVersion = 0
	}

	return m.session.Write([]coordstore.WriteOp{
		{Path: statePath, Data: []byte(types.DomainStateMigrate), ExpectedVersion: stateVersion},
		{Path: nodePath, Data: []byte(target), ExpectedVersion: nodeVersion},
	})
}

func (m *Machine) pickTarget(uuid string) (string, bool, error) {
	base, err := m.registry.Path("base.node")
	if err != nil {
		return "", false, err
	}
	names, err := m.session.Children(base)
	if err != nil {
		return "", false, err
	}

	var candidates []placement.Candidate
	for _, name := range names {
		n, err := m.readNode(name)
		if err != nil {
			continue
		}
		candidates = append(candidates, placement.Filter([]types.Node{n}, m.cfg.Node)...)
	}
	return placement.Select(candidates, m.cfg.PlacementMetric)
}

// nodeMemory mirrors pkg/keepalive's memory JSON shape written at
// node.memory; kept as a local decode target to avoid a cross-package
// dependency for one small struct.
type nodeMemory struct {
	Total     int64 `json:"total"`
	Free      int64 `json:"free"`
	Used      int64 `json:"used"`
	Allocated int64 `json:"allocated"`
}

func (m *Machine) readNode(name string) (types.Node, error) {
	daemonPath, err := m.registry.Path("node.state.daemon", name)
	if err != nil {
		return types.Node{}, err
	}
	daemonState, _, err := m.session.Read(daemonPath)
	if err != nil {
		return types.Node{}, err
	}
	domainPath, err := m.registry.Path("node.state.domain", name)
	if err != nil {
		return types.Node{}, err
	}
	domainState, _, err := m.session.Read(domainPath)
	if err != nil {
		return types.Node{}, err
	}
	runningPath, err := m.registry.Path("node.running_domains", name)
	if err != nil {
		return types.Node{}, err
	}
	running, _, err := m.session.Read(runningPath)
	if err != nil {
		running = nil
	}

	var mem nodeMemory
	if memoryPath, err := m.registry.Path("node.memory", name); err == nil {
		if data, _, err := m.session.Read(memoryPath); err == nil {
			_ = json.Unmarshal(data, &mem)
		}
	}
	var cpuLoad float64
	if cpuLoadPath, err := m.registry.Path("node.cpu_load", name); err == nil {
		if data, _, err := m.session.Read(cpuLoadPath); err == nil {
			cpuLoad, _ = strconv.ParseFloat(string(data), 64)
		}
	}
	var vcpu int
	if vcpuPath, err := m.registry.Path("node.vcpu", name); err == nil {
		if data, _, err := m.session.Read(vcpuPath); err == nil {
			vcpu, _ = strconv.Atoi(string(data))
		}
	}

	return types.Node{
		Name:            name,
		DaemonState:     types.DaemonState(daemonState),
		DomainState:     types.NodeDomainState(domainState),
		RunningDomains:  splitWhitespace(string(running)),
		MemoryTotal:     mem.Total,
		MemoryAllocated: mem.Allocated,
		CPULoad:         cpuLoad,
		VCPUAllocated:   vcpu,
	}, nil
}

// orderedRunningDomains returns this node's running VM UUIDs sorted by
// (state_priority, uuid): migrate first, then start, then everything
// else (spec §4.5 "deterministic... state_priority puts migrate before
// start before others").
func (m *Machine) orderedRunningDomains() ([]string, error) {
	runningPath, err := m.registry.Path("node.running_domains", m.cfg.Node)
	if err != nil {
		return nil, err
	}
	data, _, err := m.session.Read(runningPath)
	if err != nil {
		return nil, nil
	}
	uuids := splitWhitespace(string(data))

	type entry struct {
		uuid     string
		priority int
	}
	entries := make([]entry, 0, len(uuids))
	for _, uuid := range uuids {
		entries = append(entries, entry{uuid: uuid, priority: m.statePriority(uuid)})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority < entries[j].priority
		}
		return entries[i].uuid < entries[j].uuid
	})

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.uuid
	}
	return out, nil
}

func (m *Machine) statePriority(uuid string) int {
	statePath, err := m.registry.Path("domain.state", uuid)
	if err != nil {
		return 2
	}
	data, _, err := m.session.Read(statePath)
	if err != nil {
		return 2
	}
	switch types.DomainState(data) {
	case types.DomainStateMigrate:
		return 0
	case types.DomainStateStart:
		return 1
	default:
		return 2
	}
}

func (m *Machine) setDaemonState(state types.DaemonState) error {
	path, err := m.registry.Path("node.state.daemon", m.cfg.Node)
	if err != nil {
		return err
	}
	_, version, err := m.session.Read(path)
	if err != nil {
		version = 0
	}
	return m.session.Write([]coordstore.WriteOp{{Path: path, Data: []byte(state), ExpectedVersion: version}})
}

func (m *Machine) setDomainState(state types.NodeDomainState) error {
	path, err := m.registry.Path("node.state.domain", m.cfg.Node)
	if err != nil {
		return err
	}
	_, version, err := m.session.Read(path)
	if err != nil {
		version = 0
	}
	return m.session.Write([]coordstore.WriteOp{{Path: path, Data: []byte(state), ExpectedVersion: version}})
}

func splitWhitespace(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func mustPath(r *schema.Registry, name string, args ...string) string {
	path, err := r.Path(name, args...)
	if err != nil {
		return ""
	}
	return path
}
