// Package rpc is the forward-to-leader channel a nonvoting (hypervisor
// -only) node uses when it needs to commit a write but isn't the raft
// leader. It grounds on pkg/manager/manager.go's Join-contacts-leader
// idiom, but drops that teacher's grpc/protobuf transport (the
// generated api/proto stubs it depended on were never part of the
// retrieved example pack) in favor of the standard library's net/rpc,
// which is sufficient for a single small Write/Delete call pair.
package rpc

import (
	"fmt"
	"net"
	"net/rpc"
	"strconv"
	"time"
)

// Op mirrors coordstore.WriteOp without importing package coordstore,
// which in turn imports this package to serve forwarded calls.
type Op struct {
	Path            string
	Data            []byte
	ExpectedVersion int
}

// Backend is the subset of *coordstore.Session the RPC server needs to
// actually commit a forwarded call.
type Backend interface {
	ApplyWrite(ops []Op) error
	ApplyDelete(path string, recursive bool) error
}

// service is the net/rpc-registered receiver.
type service struct {
	backend Backend
}

type WriteArgs struct{ Ops []Op }
type DeleteArgs struct {
	Path      string
	Recursive bool
}
type Reply struct{ Err string }

func (s *service) Write(args WriteArgs, reply *Reply) error {
	if err := s.backend.ApplyWrite(args.Ops); err != nil {
		reply.Err = err.Error()
	}
	return nil
}

func (s *service) Delete(args DeleteArgs, reply *Reply) error {
	if err := s.backend.ApplyDelete(args.Path, args.Recursive); err != nil {
		reply.Err = err.Error()
	}
	return nil
}

// Server listens for forwarded writes/deletes and applies them via
// Backend.
type Server struct {
	rpcServer *rpc.Server
	listener  net.Listener
}

// NewServer wraps backend for serving.
func NewServer(backend Backend) *Server {
	srv := rpc.NewServer()
	srv.RegisterName("CoordStore", &service{backend: backend})
	return &Server{rpcServer: srv}
}

// Listen starts accepting connections on rpcAddr(raftAddr) —
// one port above the raft transport's own bind address, so the two
// services can coexist without a second configuration knob.
func (s *Server) Listen(raftAddr string) error {
	addr := rpcAddr(raftAddr)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = l
	go s.rpcServer.Accept(l)
	return nil
}

func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// CallWrite forwards a write batch to the leader reachable at
// raftLeaderAddr (the raft transport address; the RPC port is derived
// from it, see rpcAddr).
func CallWrite(raftLeaderAddr string, ops []Op) error {
	client, err := dial(raftLeaderAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	var reply Reply
	if err := client.Call("CoordStore.Write", WriteArgs{Ops: ops}, &reply); err != nil {
		return fmt.Errorf("forward write: %w", err)
	}
	if reply.Err != "" {
		return fmt.Errorf("%s", reply.Err)
	}
	return nil
}

// CallDelete forwards a delete to the leader.
func CallDelete(raftLeaderAddr, path string, recursive bool) error {
	client, err := dial(raftLeaderAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	var reply Reply
	if err := client.Call("CoordStore.Delete", DeleteArgs{Path: path, Recursive: recursive}, &reply); err != nil {
		return fmt.Errorf("forward delete: %w", err)
	}
	if reply.Err != "" {
		return fmt.Errorf("%s", reply.Err)
	}
	return nil
}

func dial(raftAddr string) (*rpc.Client, error) {
	addr := rpcAddr(raftAddr)
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial leader rpc %s: %w", addr, err)
	}
	return rpc.NewClient(conn), nil
}

func rpcAddr(raftAddr string) string {
	host, portStr, err := net.SplitHostPort(raftAddr)
	if err != nil {
		return raftAddr
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return raftAddr
	}
	return net.JoinHostPort(host, strconv.Itoa(port+1))
}
