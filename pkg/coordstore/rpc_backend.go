package coordstore

import "github.com/quorumhv/quorumhv/pkg/coordstore/rpc"

// ApplyWrite implements rpc.Backend: it is invoked on the leader when
// a nonvoting peer forwards a write it could not commit itself.
func (s *Session) ApplyWrite(ops []rpc.Op) error {
	return s.Write(fromRPCOps(ops))
}

// ApplyDelete implements rpc.Backend.
func (s *Session) ApplyDelete(path string, recursive bool) error {
	return s.Delete(path, recursive)
}

func toRPCOps(ops []WriteOp) []rpc.Op {
	out := make([]rpc.Op, len(ops))
	for i, op := range ops {
		out[i] = rpc.Op{Path: op.Path, Data: op.Data, ExpectedVersion: op.ExpectedVersion}
	}
	return out
}

func fromRPCOps(ops []rpc.Op) []WriteOp {
	out := make([]WriteOp, len(ops))
	for i, op := range ops {
		out[i] = WriteOp{Path: op.Path, Data: op.Data, ExpectedVersion: op.ExpectedVersion}
	}
	return out
}
