// Package coordstore implements the coordination store client (C1):
// typed-at-the-byte-level, hierarchical, watchable, versioned key-value
// access backed by a Raft-replicated bbolt keyspace. It grounds on
// pkg/manager/manager.go (Bootstrap/Join/Apply) and
// pkg/manager/fsm.go (the FSM itself), generalized from a fixed set of
// CRUD entities to a generic path-keyed store, because the coordination
// store this spec describes is schema-agnostic: the Schema registry
// (pkg/schema) is what gives paths their meaning.
package coordstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/quorumhv/quorumhv/pkg/coordstore/rpc"
	"github.com/quorumhv/quorumhv/pkg/logging"
)

// SessionState names a session transition delivered to listeners
// registered with OnStateChange. Only StateConnected is ever emitted,
// once, from inside Connect; StateSuspended and StateLost are declared
// but nothing emits them.
type SessionState string

const (
	StateConnected SessionState = "CONNECTED"
	StateSuspended SessionState = "SUSPENDED"
	StateLost      SessionState = "LOST"
)

// Config configures a single node's Session.
type Config struct {
	NodeID   string
	BindAddr string // raft transport address, host:port
	DataDir  string
	Voter    bool // coordinators are voters; hypervisor-only nodes join as nonvoters
}

// Session is a connected handle to the coordination store. It is safe
// for concurrent use from every long-lived task in the daemon (spec
// §5: "the store handle itself ... is safe for concurrent use").
type Session struct {
	cfg    Config
	logger zerolog.Logger

	raft   *raft.Raft
	kv     *kvStore
	broker *broker

	rpcServer *rpc.Server

	listeners []func(SessionState)
	expired   bool
}

// Connect establishes a session against the given raft cluster
// configuration. When bootstrap is true, this node forms a brand new
// single-node cluster; otherwise it expects to be added to an existing
// one via AddVoter/AddNonvoter called against the current leader
// (mirrors pkg/manager/manager.go's Bootstrap vs Join split).
func Connect(cfg Config, bootstrap bool) (*Session, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	kv, err := newKVStore(filepath.Join(cfg.DataDir, "applied.db"))
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:    cfg,
		logger: logging.WithComponent("coordstore"),
		kv:     kv,
		broker: newBroker(),
	}

	f := newFSM(kv, func(path string, ev WatchEvent) { s.broker.publish(path, ev) })

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	// Tuned for LAN/edge deployments rather than raft's WAN-oriented
	// defaults, same rationale pkg/manager/manager.go uses.
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, f, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}
	s.raft = r

	if bootstrap {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil {
			return nil, fmt.Errorf("bootstrap cluster: %w", err)
		}
	}

	// Every node, voter or not, answers forward-to-leader RPCs for the
	// writes it cannot commit locally (see pkg/coordstore/rpc).
	s.rpcServer = rpc.NewServer(s)
	if err := s.rpcServer.Listen(cfg.BindAddr); err != nil {
		s.logger.Warn().Err(err).Msg("coordstore rpc listener unavailable")
	}

	s.emit(StateConnected)
	return s, nil
}

// AddVoter joins nodeID (reachable at address) to the raft cluster as
// a full voting member — a coordinator. Must be called against the
// current leader.
func (s *Session) AddVoter(nodeID, address string) error {
	if !s.IsLeader() {
		return ErrNotLeader
	}
	future := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

// AddNonvoter joins nodeID as a nonvoting member — a hypervisor-only
// node that replicates and can read locally but never decides
// elections. This is the Go-native rendering of "coordinator vs
// hypervisor" sharing one coordination store.
func (s *Session) AddNonvoter(nodeID, address string) error {
	if !s.IsLeader() {
		return ErrNotLeader
	}
	future := s.raft.AddNonvoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

func (s *Session) IsLeader() bool { return s.raft.State() == raft.Leader }

func (s *Session) LeaderAddr() string {
	addr, _ := s.raft.LeaderWithID()
	return string(addr)
}

func (s *Session) emit(state SessionState) {
	for _, l := range s.listeners {
		l(state)
	}
}

// OnStateChange registers a listener for session transitions. The one
// transition emitted (StateConnected) happens inside Connect, before a
// caller can register, so a listener added afterwards is not called.
func (s *Session) OnStateChange(fn func(SessionState)) {
	s.listeners = append(s.listeners, fn)
}

// Exists reports whether path carries data or has descendants.
func (s *Session) Exists(path string) (bool, error) {
	return s.kv.exists(path), nil
}

// Children returns the immediate child path segments of path.
func (s *Session) Children(path string) ([]string, error) {
	return s.kv.children(path), nil
}

// Read returns the current bytes and version of path.
func (s *Session) Read(path string) ([]byte, int, error) {
	data, version, ok := s.kv.read(path)
	if !ok {
		return nil, 0, ErrNotFound
	}
	return data, version, nil
}

// ReadMany batches Read over several paths. A missing path contributes
// a nil slice at its index rather than failing the whole call, since
// callers frequently read a sibling set one of which may not exist yet.
func (s *Session) ReadMany(paths []string) ([][]byte, error) {
	out := make([][]byte, len(paths))
	for i, p := range paths {
		data, _, ok := s.kv.read(p)
		if ok {
			out[i] = data
		}
	}
	return out, nil
}

// Write performs the documented atomic multi-op write. If this node is
// not the raft leader, the batch is forwarded over pkg/coordstore/rpc
// to whichever node is.
func (s *Session) Write(ops []WriteOp) error {
	if s.expired {
		return ErrSessionExpired
	}
	if !s.IsLeader() {
		return s.forwardWrite(ops)
	}

	payload, err := json.Marshal(ops)
	if err != nil {
		return err
	}
	cmd := command{Op: opWrite, Data: payload}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	future := s.raft.Apply(raw, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	res, ok := future.Response().(applyResult)
	if !ok {
		return fmt.Errorf("coordstore: unexpected apply response")
	}
	return res.Err
}

// Delete removes path, recursively if requested.
func (s *Session) Delete(path string, recursive bool) error {
	if s.expired {
		return ErrSessionExpired
	}
	if !s.IsLeader() {
		return s.forwardDelete(path, recursive)
	}

	payload, err := json.Marshal(deleteCmd{Path: path, Recursive: recursive})
	if err != nil {
		return err
	}
	raw, err := json.Marshal(command{Op: opDelete, Data: payload})
	if err != nil {
		return err
	}

	future := s.raft.Apply(raw, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	res, ok := future.Response().(applyResult)
	if !ok {
		return fmt.Errorf("coordstore: unexpected apply response")
	}
	return res.Err
}

func (s *Session) forwardWrite(ops []WriteOp) error {
	leader := s.LeaderAddr()
	if leader == "" {
		return ErrDisconnected
	}
	return rpc.CallWrite(leader, toRPCOps(ops))
}

func (s *Session) forwardDelete(path string, recursive bool) error {
	leader := s.LeaderAddr()
	if leader == "" {
		return ErrDisconnected
	}
	return rpc.CallDelete(leader, path, recursive)
}

// WatchData invokes fn on every change to path until fn returns
// StopWatch or the session expires.
func (s *Session) WatchData(path string, fn WatchFunc) {
	s.broker.watchData(path, fn)
}

// WatchChildren invokes fn on every change to a direct child of path.
func (s *Session) WatchChildren(path string, fn WatchFunc) {
	s.broker.watchChildren(path, fn)
}

// Rename performs the documented non-transactional recursive
// copy-then-delete. Re-running it converges: the copy step overwrites
// each destination key with the source bytes at whatever version the
// destination holds (bumping that version), and the delete step is a
// no-op once the source is already gone (spec §9 design note).
func (s *Session) Rename(ctx context.Context, oldPath, newPath string) error {
	children, err := s.Children(oldPath)
	if err != nil {
		return err
	}
	data, version, err := s.Read(oldPath)
	if err != nil && err != ErrNotFound {
		return err
	}
	if err == nil {
		if copyErr := s.copyLeaf(newPath, data); copyErr != nil {
			return copyErr
		}
		_ = version
	}
	for _, child := range children {
		if err := s.Rename(ctx, oldPath+"/"+child, newPath+"/"+child); err != nil {
			return err
		}
	}
	return s.Delete(oldPath, true)
}

func (s *Session) copyLeaf(path string, data []byte) error {
	_, version, err := s.Read(path)
	if err != nil && err != ErrNotFound {
		return err
	}
	if err == ErrNotFound {
		version = 0
	}
	return s.Write([]WriteOp{{Path: path, Data: data, ExpectedVersion: version}})
}

// Shutdown disconnects the session and releases local resources. Lock
// keys still held by this node (see lock.go) are not deleted here and
// do not expire on their own.
func (s *Session) Shutdown() error {
	s.expired = true
	s.broker.cancelAll()
	s.broker.close()
	if s.rpcServer != nil {
		s.rpcServer.Close()
	}
	if s.raft != nil {
		s.raft.Shutdown()
	}
	return s.kv.Close()
}
