package coordstore

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"
	bolt "go.etcd.io/bbolt"
)

// WriteOp is one entry in an atomic multi-op write (spec §4.1's
// "write(pairs[])"). ExpectedVersion is the version the caller last
// observed for Path; 0 means "path has no data yet" (create). On
// success the path's stored version becomes ExpectedVersion+1.
type WriteOp struct {
	Path            string `json:"path"`
	Data            []byte `json:"data"`
	ExpectedVersion int    `json:"expected_version"`
}

// command is the Raft log entry envelope, grounded on
// pkg/manager/fsm.go's Command{Op,Data}.
type command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opWrite  = "write"
	opDelete = "delete"
)

type deleteCmd struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

// applyResult is what FSM.Apply returns for a write/delete command;
// Session.Write/Delete type-assert this back out of the raft.ApplyFuture.
type applyResult struct {
	Err error
}

// fsm implements raft.FSM over a kvStore, the coordination store's
// replicated log -> local-state bridge. Grounds on
// pkg/manager/fsm.go's WarrenFSM.
type fsm struct {
	kv *kvStore
	// publish is invoked after every successfully committed write or
	// delete, once per affected path, to drive watch dispatch (see
	// watch.go). It must not block.
	publish func(path string, event WatchEvent)
}

func newFSM(kv *kvStore, publish func(string, WatchEvent)) *fsm {
	return &fsm{kv: kv, publish: publish}
}

func (f *fsm) Apply(l *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return applyResult{Err: fmt.Errorf("unmarshal command: %w", err)}
	}

	switch cmd.Op {
	case opWrite:
		var ops []WriteOp
		if err := json.Unmarshal(cmd.Data, &ops); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Err: f.applyWrite(ops)}

	case opDelete:
		var d deleteCmd
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Err: f.applyDelete(d)}

	default:
		return applyResult{Err: fmt.Errorf("unknown command: %s", cmd.Op)}
	}
}

func (f *fsm) applyWrite(ops []WriteOp) error {
	// The whole batch commits or fails together (spec §4.1): every CAS
	// check and mutation happens inside one bbolt transaction, so a
	// mismatched version anywhere in the batch rolls back the lot.
	err := f.kv.db.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			if err := f.kv.write(tx, op.Path, op.Data, op.ExpectedVersion); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, op := range ops {
		f.publish(op.Path, WatchEvent{Type: WatchEventChanged})
	}
	return nil
}

func (f *fsm) applyDelete(d deleteCmd) error {
	err := f.kv.db.Update(func(tx *bolt.Tx) error {
		return f.kv.delete(tx, d.Path, d.Recursive)
	})
	if err != nil {
		return err
	}
	f.publish(d.Path, WatchEvent{Type: WatchEventDeleted})
	return nil
}

// Snapshot implements raft.FSM.
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	data, err := f.kv.snapshotAll()
	if err != nil {
		return nil, fmt.Errorf("snapshot kv store: %w", err)
	}
	return &fsmSnapshot{data: data}, nil
}

// Restore implements raft.FSM.
func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var data map[string]record
	if err := json.NewDecoder(rc).Decode(&data); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return f.kv.restoreAll(data)
}

// fsmSnapshot implements raft.FSMSnapshot, grounded on
// pkg/manager/fsm.go's WarrenSnapshot.
type fsmSnapshot struct {
	data map[string]record
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.data); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
