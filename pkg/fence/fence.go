// Package fence implements the fence executor (C8, spec §4.8): on a
// confirmed peer death, it performs saving throws, an IPMI power
// reset, a stabilization wait, role cleanup, and migrate-on-fence of
// every VM that was running on the dead peer. Runs only on the primary
// coordinator (pkg/keepalive.Election.IsPrimary). Grounds on
// pkg/health/exec.go's command-invocation idiom for the IPMI calls and
// on the fencing algorithm shape in
// original_source/node-daemon/pvcnoded/fencing.py.
package fence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/quorumhv/quorumhv/pkg/coordstore"
	"github.com/quorumhv/quorumhv/pkg/ipmi"
	"github.com/quorumhv/quorumhv/pkg/logging"
	"github.com/quorumhv/quorumhv/pkg/placement"
	"github.com/quorumhv/quorumhv/pkg/schema"
	"github.com/quorumhv/quorumhv/pkg/security"
	"github.com/quorumhv/quorumhv/pkg/types"
)

// RBDLockFlusher releases a VM's exclusive RBD locks before the
// executor reassigns it, the same external seam pkg/domain's migration
// handshake uses.
type RBDLockFlusher func(uuid string) error

// Config tunes fencing against the constants spec §6 and §4.8 name.
type Config struct {
	SavingThrows    int                  // F, default 6
	KeepaliveT      time.Duration        // T_k, default 5s
	SuccessfulFence types.FenceAction    // what to do with VMs after a successful reset
	FailedFence     types.FenceAction    // what to do with VMs if the reset itself failed
	PlacementMetric types.PlacementMetric
}

func defaultConfig(cfg Config) Config {
	if cfg.SavingThrows <= 0 {
		cfg.SavingThrows = 6
	}
	if cfg.KeepaliveT <= 0 {
		cfg.KeepaliveT = 5 * time.Second
	}
	if cfg.PlacementMetric == "" {
		cfg.PlacementMetric = types.MetricLoad
	}
	return cfg
}

// Executor drives the fencing algorithm for dead peers.
type Executor struct {
	session  *coordstore.Session
	registry *schema.Registry
	ipmi     *ipmi.Client
	faults   *logging.FaultSink
	flushRBD RBDLockFlusher
	secrets  *security.SecretsManager
	cfg      Config
}

// New builds an Executor. secrets may be nil, in which case node.ipmi
// is read as plaintext — matches pkg/keepalive.Bootstrap's symmetric
// nil handling on the write side.
func New(session *coordstore.Session, registry *schema.Registry, ipmiClient *ipmi.Client, faults *logging.FaultSink, flushRBD RBDLockFlusher, secrets *security.SecretsManager, cfg Config) *Executor {
	return &Executor{session: session, registry: registry, ipmi: ipmiClient, faults: faults, flushRBD: flushRBD, secrets: secrets, cfg: defaultConfig(cfg)}
}

// Fence runs the full 7-step algorithm against node n (spec §4.8).
func (e *Executor) Fence(ctx context.Context, n string) error {
	survived, err := e.savingThrows(ctx, n)
	if err != nil {
		return err
	}
	if survived {
		logging.Info(fmt.Sprintf("fence: %s resumed keepalives during saving throws, aborting", n))
		return nil
	}

	maintenance, err := e.maintenanceMode()
	if err != nil {
		return err
	}
	if maintenance {
		e.generateFault(n, "fencing skipped: cluster in maintenance mode")
		return nil
	}

	target, err := e.readIPMITarget(n)
	if err != nil {
		return err
	}
	reset := e.powerReset(ctx, target)

	select {
	case <-time.After(2 * e.cfg.KeepaliveT):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := e.roleCleanup(n); err != nil {
		return err
	}

	action := e.cfg.SuccessfulFence
	if !reset {
		action = e.cfg.FailedFence
	}
	return e.migrateOnFence(n, action)
}

// savingThrows re-reads daemon_state[n] for SavingThrows iterations of
// duration KeepaliveT; if it ever differs from dead, the node has
// recovered and fencing aborts (spec §4.8 step 1, §8 property 4).
func (e *Executor) savingThrows(ctx context.Context, n string) (survived bool, err error) {
	path, err := e.registry.Path("node.state.daemon", n)
	if err != nil {
		return false, err
	}

	for i := 0; i < e.cfg.SavingThrows; i++ {
		select {
		case <-time.After(e.cfg.KeepaliveT):
		case <-ctx.Done():
			return false, ctx.Err()
		}

		data, _, err := e.session.Read(path)
		if err != nil {
			continue
		}
		if types.DaemonState(data) != types.DaemonStateDead {
			return true, nil
		}
		logging.Warn(fmt.Sprintf("node %s failed saving throw %d/%d", n, i+1, e.cfg.SavingThrows))
	}
	return false, nil
}

func (e *Executor) maintenanceMode() (bool, error) {
	path, err := e.registry.Path("config.maintenance")
	if err != nil {
		return false, err
	}
	data, _, err := e.session.Read(path)
	if err != nil {
		return false, nil
	}
	return string(data) == "true", nil
}

func (e *Executor) readIPMITarget(n string) (ipmi.Target, error) {
	path, err := e.registry.Path("node.ipmi", n)
	if err != nil {
		return ipmi.Target{}, err
	}
	data, _, err := e.session.Read(path)
	if err != nil {
		return ipmi.Target{}, fmt.Errorf("fence %s: no ipmi credentials: %w", n, err)
	}
	blob := string(data)
	if e.secrets != nil {
		decrypted, err := e.secrets.DecryptIPMIBlob(blob)
		if err != nil {
			return ipmi.Target{}, fmt.Errorf("fence %s: decrypt ipmi credentials: %w", n, err)
		}
		blob = decrypted
	}
	// node.ipmi is newline-separated hostname/username/password, the
	// shape bootstrap.registerInventory writes.
	fields := splitThree(blob)
	return ipmi.Target{Hostname: fields[0], Username: fields[1], Password: fields[2]}, nil
}

// powerReset implements step 3: reset, then on non-success retry with
// status, then issue "on" if the chassis turns out to be off.
func (e *Executor) powerReset(ctx context.Context, target ipmi.Target) bool {
	ok, err := e.ipmi.PowerReset(ctx, target)
	if err != nil {
		logging.Errorf("fence: ipmi power reset call failed", err)
		return false
	}
	if ok {
		return true
	}

	on, err := e.ipmi.PowerStatus(ctx, target)
	if err != nil {
		logging.Errorf("fence: ipmi power status call failed", err)
		return false
	}
	if on {
		return true
	}

	ok, err = e.ipmi.PowerOn(ctx, target)
	if err != nil {
		logging.Errorf("fence: ipmi power on call failed", err)
		return false
	}
	return ok
}

// roleCleanup implements step 5: if n was a coordinator, demote it;
// if n was the primary, clear primary_node so a peer can take over.
func (e *Executor) roleCleanup(n string) error {
	routerPath, err := e.registry.Path("node.state.router", n)
	if err != nil {
		return err
	}
	data, version, err := e.session.Read(routerPath)
	if err == nil && types.RouterState(data) != "" {
		if writeErr := e.session.Write([]coordstore.WriteOp{{Path: routerPath, Data: []byte(types.RouterStateSecondary), ExpectedVersion: version}}); writeErr != nil {
			return writeErr
		}
	}

	primaryPath, err := e.registry.Path("config.primary_node")
	if err != nil {
		return err
	}
	primary, _, err := e.session.Read(primaryPath)
	if err == nil && string(primary) == n {
		if delErr := e.session.Delete(primaryPath, false); delErr != nil {
			return delErr
		}
	}
	return nil
}

// migrateOnFence implements steps 6 and 7: set domain_state=fence-flush,
// then for every uuid in running_domains either reassign it to a
// placement target or leave it stopped+autostart for n's eventual
// return, then write domain_state=flushed.
func (e *Executor) migrateOnFence(n string, action types.FenceAction) error {
	domainStatePath, err := e.registry.Path("node.state.domain", n)
	if err != nil {
		return err
	}
	_, version, err := e.session.Read(domainStatePath)
	if err != nil {
		version = 0
	}
	if err := e.session.Write([]coordstore.WriteOp{{Path: domainStatePath, Data: []byte(types.DaemonStateFenceFlush), ExpectedVersion: version}}); err != nil {
		return err
	}

	runningPath, err := e.registry.Path("node.running_domains", n)
	if err != nil {
		return err
	}
	if data, _, err := e.session.Read(runningPath); err == nil {
		for _, uuid := range splitFields(string(data)) {
			if err := e.reassign(uuid, n, action); err != nil {
				logging.Errorf(fmt.Sprintf("fence: reassign %s failed", uuid), err)
			}
		}
	}

	_, version, err = e.session.Read(domainStatePath)
	if err != nil {
		version = 0
	}
	return e.session.Write([]coordstore.WriteOp{{Path: domainStatePath, Data: []byte(types.NodeDomainFlushed), ExpectedVersion: version}})
}

// reassign retries the conditional (state, node) write up to 3 times
// against a freshly re-read version before falling back to
// stopped+autostart, resolving the VersionConflict open question for
// fence-triggered migration (see DESIGN.md).
func (e *Executor) reassign(uuid, deadNode string, action types.FenceAction) error {
	if e.flushRBD != nil {
		if err := e.flushRBD(uuid); err != nil {
			logging.Errorf(fmt.Sprintf("fence: flush rbd locks for %s failed, proceeding anyway", uuid), err)
		}
	}

	if action == types.FenceActionNone {
		return e.stopWithAutostart(uuid)
	}

	target, ok, err := e.pickTarget(deadNode)
	if err != nil {
		return err
	}
	if !ok {
		return e.stopWithAutostart(uuid)
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := e.writeReassignment(uuid, target, deadNode); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	logging.Errorf(fmt.Sprintf("fence: reassign %s exhausted retries, falling back to stopped+autostart", uuid), lastErr)
	return e.stopWithAutostart(uuid)
}

func (e *Executor) writeReassignment(uuid, target, deadNode string) error {
	statePath, err := e.registry.Path("domain.state", uuid)
	if err != nil {
		return err
	}
	nodePath, err := e.registry.Path("domain.node", uuid)
	if err != nil {
		return err
	}
	lastNodePath, err := e.registry.Path("domain.last_node", uuid)
	if err != nil {
		return err
	}

	_, stateVersion, err := e.session.Read(statePath)
	if err != nil {
		stateVersion = 0
	}
	_, nodeVersion, err := e.session.Read(nodePath)
	if err != nil {
		nodeVersion = 0
	}
	_, lastNodeVersion, err := e.session.Read(lastNodePath)
	if err != nil {
		lastNodeVersion = 0
	}

	return e.session.Write([]coordstore.WriteOp{
		{Path: statePath, Data: []byte(types.DomainStateStart), ExpectedVersion: stateVersion},
		{Path: nodePath, Data: []byte(target), ExpectedVersion: nodeVersion},
		{Path: lastNodePath, Data: []byte(deadNode), ExpectedVersion: lastNodeVersion},
	})
}

func (e *Executor) stopWithAutostart(uuid string) error {
	statePath, err := e.registry.Path("domain.state", uuid)
	if err != nil {
		return err
	}
	autostartPath, err := e.registry.Path("domain.meta.autostart", uuid)
	if err != nil {
		return err
	}

	_, stateVersion, err := e.session.Read(statePath)
	if err != nil {
		stateVersion = 0
	}
	_, autostartVersion, err := e.session.Read(autostartPath)
	if err != nil {
		autostartVersion = 0
	}

	return e.session.Write([]coordstore.WriteOp{
		{Path: statePath, Data: []byte(types.DomainStateStop), ExpectedVersion: stateVersion},
		{Path: autostartPath, Data: []byte("true"), ExpectedVersion: autostartVersion},
	})
}

func (e *Executor) pickTarget(excludeOwner string) (string, bool, error) {
	base, err := e.registry.Path("base.node")
	if err != nil {
		return "", false, err
	}
	names, err := e.session.Children(base)
	if err != nil {
		return "", false, err
	}

	var candidates []placement.Candidate
	for _, name := range names {
		if name == excludeOwner {
			continue
		}
		n, err := e.readNode(name)
		if err != nil {
			continue
		}
		candidates = append(candidates, placement.Filter([]types.Node{n}, excludeOwner)...)
	}
	return placement.Select(candidates, e.cfg.PlacementMetric)
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

func (e *Executor) readNode(name string) (types.Node, error) {
	daemonPath, err := e.registry.Path("node.state.daemon", name)
	if err != nil {
		return types.Node{}, err
	}
	daemonState, _, err := e.session.Read(daemonPath)
	if err != nil {
		return types.Node{}, err
	}
	domainPath, err := e.registry.Path("node.state.domain", name)
	if err != nil {
		return types.Node{}, err
	}
	domainState, _, err := e.session.Read(domainPath)
	if err != nil {
		return types.Node{}, err
	}
	runningPath, err := e.registry.Path("node.running_domains", name)
	if err != nil {
		return types.Node{}, err
	}
	running, _, err := e.session.Read(runningPath)
	if err != nil {
		running = nil
	}

	var mem nodeMemory
	if memoryPath, err := e.registry.Path("node.memory", name); err == nil {
		if data, _, err := e.session.Read(memoryPath); err == nil {
			_ = json.Unmarshal(data, &mem)
		}
	}
	var cpuLoad float64
	if cpuLoadPath, err := e.registry.Path("node.cpu_load", name); err == nil {
		if data, _, err := e.session.Read(cpuLoadPath); err == nil {
			cpuLoad, _ = strconv.ParseFloat(string(data), 64)
		}
	}
	var vcpu int
	if vcpuPath, err := e.registry.Path("node.vcpu", name); err == nil {
		if data, _, err := e.session.Read(vcpuPath); err == nil {
			vcpu, _ = strconv.Atoi(string(data))
		}
	}

	return types.Node{
		Name:            name,
		DaemonState:     types.DaemonState(daemonState),
		DomainState:     types.NodeDomainState(domainState),
		RunningDomains:  splitFields(string(running)),
		MemoryTotal:     mem.Total,
		MemoryAllocated: mem.Allocated,
		CPULoad:         cpuLoad,
		VCPUAllocated:   vcpu,
	}, nil
}

func (e *Executor) generateFault(n, message string) {
	if e.faults == nil {
		return
	}
	_ = e.faults.Generate(fmt.Sprintf("fence-skipped/%s", n), time.Now(), 0, message, "")
}

func splitFields(s string) []string {
	return strings.Fields(s)
}

func splitThree(s string) [3]string {
	var out [3]string
	parts := strings.SplitN(s, "\n", 3)
	copy(out[:], parts)
	return out
}
