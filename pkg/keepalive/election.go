package keepalive

import (
	"context"
	"fmt"
	"time"

	"github.com/quorumhv/quorumhv/pkg/coordstore"
	"github.com/quorumhv/quorumhv/pkg/logging"
	"github.com/quorumhv/quorumhv/pkg/schema"
	"github.com/quorumhv/quorumhv/pkg/types"
)

// Election runs the primary/secondary coordinator role for one
// coordinator-mode node (spec §4.4). It is distinct from the raft
// leadership that underlies the coordination store itself: a node can
// be the raft leader without holding the primary_node lock, and vice
// versa during a takeover window.
type Election struct {
	session  *coordstore.Session
	registry *schema.Registry
	node     string
	lock     *coordstore.Lock
}

func NewElection(session *coordstore.Session, registry *schema.Registry, node string) *Election {
	return &Election{session: session, registry: registry, node: node}
}

// Run polls for the primary_node lock every interval until ctx is
// cancelled, maintaining router_state accordingly. Call from a
// coordinator-mode node only; hypervisor-only nodes run as
// router_state=client and never call this.
func (e *Election) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := e.tick(); err != nil {
			logging.Errorf("election tick failed", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			e.relinquish()
			return
		}
	}
}

// tick attempts to hold (or keep holding) the primary lock. If it
// already holds the lock, it does nothing further (the lock is not
// renewed/leased — see pkg/coordstore/lock.go's documented
// simplification — so it simply persists until Release or process
// exit). If it does not hold the lock, it attempts to acquire it; on
// success it performs a takeover, on failure it ensures it is recorded
// as secondary.
func (e *Election) tick() error {
	if e.lock != nil {
		return nil
	}

	lockPath, err := e.registry.Path("config.primary_node.lock")
	if err != nil {
		return err
	}

	lock, acquired, err := e.session.TryExclusiveLock(lockPath)
	if err != nil {
		return fmt.Errorf("try primary lock: %w", err)
	}
	if !acquired {
		return e.setRouterState(types.RouterStateSecondary)
	}

	e.lock = lock
	return e.takeover()
}

// takeover writes this node as the new primary (transiently passing
// through `takeover`) and records it in config.primary_node.
func (e *Election) takeover() error {
	if err := e.setRouterState(types.RouterStateTakeover); err != nil {
		return err
	}

	primaryPath, err := e.registry.Path("config.primary_node")
	if err != nil {
		return err
	}
	ops, err := buildOps(e.session, map[string][]byte{primaryPath: []byte(e.node)})
	if err != nil {
		return err
	}
	if err := e.session.Write(ops); err != nil {
		return fmt.Errorf("write primary_node: %w", err)
	}

	return e.setRouterState(types.RouterStatePrimary)
}

// relinquish releases the primary lock (if held) and transitions
// through `relinquish` back to secondary, for graceful shutdown.
func (e *Election) relinquish() {
	if e.lock == nil {
		return
	}
	if err := e.setRouterState(types.RouterStateRelinquish); err != nil {
		logging.Errorf("relinquish: set router_state failed", err)
	}
	if err := e.lock.Release(); err != nil {
		logging.Errorf("relinquish: release primary lock failed", err)
	}
	e.lock = nil
	if err := e.setRouterState(types.RouterStateSecondary); err != nil {
		logging.Errorf("relinquish: set router_state failed", err)
	}
}

// IsPrimary reports whether this node currently holds the lock, used
// by the fence executor (only the primary coordinator fences peers).
func (e *Election) IsPrimary() bool { return e.lock != nil }

func (e *Election) setRouterState(state types.RouterState) error {
	path, err := e.registry.Path("node.state.router", e.node)
	if err != nil {
		return err
	}
	ops, err := buildOps(e.session, map[string][]byte{path: []byte(state)})
	if err != nil {
		return err
	}
	return e.session.Write(ops)
}
