package keepalive

import (
	"context"
	"strconv"
	"time"

	"github.com/quorumhv/quorumhv/pkg/coordstore"
	"github.com/quorumhv/quorumhv/pkg/logging"
	"github.com/quorumhv/quorumhv/pkg/schema"
	"github.com/quorumhv/quorumhv/pkg/types"
)

// Fencer is invoked once a peer is confirmed dead. Satisfied by
// *pkg/fence.Executor; kept as an interface here so pkg/keepalive
// never has to import pkg/fence (which would import pkg/keepalive's
// Election for the primary-only restriction, were the dependency not
// cut here).
type Fencer interface {
	Fence(ctx context.Context, node string) error
}

// Monitor periodically checks every peer's keepalive timestamp and, on
// the primary coordinator only, declares a peer dead once it has
// exceeded T_dead = fenceIntervals × T_k without a fresh heartbeat
// (spec §4.5 "only a peer may write dead and only after T_dead has
// elapsed").
type Monitor struct {
	session        *coordstore.Session
	registry       *schema.Registry
	election       *Election
	fencer         Fencer
	interval       time.Duration
	deadThreshold  time.Duration
	fenced         map[string]bool
}

func NewMonitor(session *coordstore.Session, registry *schema.Registry, election *Election, fencer Fencer, keepaliveInterval time.Duration, fenceIntervals int) *Monitor {
	if keepaliveInterval <= 0 {
		keepaliveInterval = 5 * time.Second
	}
	if fenceIntervals <= 0 {
		fenceIntervals = 6
	}
	return &Monitor{
		session:       session,
		registry:      registry,
		election:      election,
		fencer:        fencer,
		interval:      keepaliveInterval,
		deadThreshold: time.Duration(fenceIntervals) * keepaliveInterval,
		fenced:        make(map[string]bool),
	}
}

// Run polls every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	if !m.election.IsPrimary() {
		return
	}

	base, err := m.registry.Path("base.node")
	if err != nil {
		logging.Errorf("monitor: resolve base.node failed", err)
		return
	}
	peers, err := m.session.Children(base)
	if err != nil {
		logging.Errorf("monitor: list peers failed", err)
		return
	}

	for _, peer := range peers {
		if err := m.check(ctx, peer); err != nil {
			logging.Errorf("monitor: check peer failed", err)
		}
	}
}

func (m *Monitor) check(ctx context.Context, peer string) error {
	statePath, err := m.registry.Path("node.state.daemon", peer)
	if err != nil {
		return err
	}
	stateData, stateVersion, err := m.session.Read(statePath)
	if err != nil {
		return nil // no record yet
	}
	if types.DaemonState(stateData) == types.DaemonStateDead {
		if !m.fenced[peer] {
			m.fenced[peer] = true
			go func() {
				if err := m.fencer.Fence(ctx, peer); err != nil {
					logging.Errorf("monitor: fence failed", err)
				}
			}()
		}
		return nil
	}

	keepalivePath, err := m.registry.Path("node.keepalive", peer)
	if err != nil {
		return err
	}
	keepaliveData, _, err := m.session.Read(keepalivePath)
	if err != nil {
		return nil
	}
	last, err := strconv.ParseInt(string(keepaliveData), 10, 64)
	if err != nil {
		return nil
	}

	if time.Since(time.Unix(last, 0)) < m.deadThreshold {
		delete(m.fenced, peer) // peer recovered; allow re-fencing if it dies again later
		return nil
	}

	return m.session.Write([]coordstore.WriteOp{{Path: statePath, Data: []byte(types.DaemonStateDead), ExpectedVersion: stateVersion}})
}
