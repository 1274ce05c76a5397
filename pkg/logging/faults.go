package logging

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/quorumhv/quorumhv/pkg/coordstore"
	"github.com/quorumhv/quorumhv/pkg/schema"
	"github.com/quorumhv/quorumhv/pkg/types"
)

// FaultSink generates and stores fault records in the coordination
// store, keyed by fault ID under schema's "fault" container.
type FaultSink struct {
	session     *coordstore.Session
	registry    *schema.Registry
	maintenance func() bool
}

func NewFaultSink(session *coordstore.Session, registry *schema.Registry, maintenance func() bool) *FaultSink {
	return &FaultSink{session: session, registry: registry, maintenance: maintenance}
}

// Generate coalesces a fault onto name: if a record already exists it
// is updated in place (last_reported, delta, message); otherwise it is
// created. Suppressed entirely while the cluster is in maintenance
// mode, per spec §4.3.
func (f *FaultSink) Generate(name string, now time.Time, delta int, message string, details string) error {
	if f.maintenance != nil && f.maintenance() {
		return nil
	}

	path, err := f.registry.Path("fault", name)
	if err != nil {
		return fmt.Errorf("fault path: %w", err)
	}

	data, version, ok := f.read(path)
	fault := types.Fault{ID: name, Status: types.FaultStatusNew}
	if ok {
		if err := json.Unmarshal(data, &fault); err != nil {
			return fmt.Errorf("decode existing fault %s: %w", name, err)
		}
	} else {
		fault.FirstReported = now
	}
	fault.LastReported = now
	fault.HealthDelta = delta
	fault.Message = message
	fault.Details = details

	encoded, err := json.Marshal(fault)
	if err != nil {
		return fmt.Errorf("encode fault %s: %w", name, err)
	}
	return f.session.Write([]coordstore.WriteOp{{Path: path, Data: encoded, ExpectedVersion: version}})
}

// Acknowledge sets status=ack, acknowledged_at=now, delta:=0.
func (f *FaultSink) Acknowledge(name string, now time.Time) error {
	path, err := f.registry.Path("fault", name)
	if err != nil {
		return fmt.Errorf("fault path: %w", err)
	}
	data, version, ok := f.read(path)
	if !ok {
		return fmt.Errorf("acknowledge: no such fault %q", name)
	}
	var fault types.Fault
	if err := json.Unmarshal(data, &fault); err != nil {
		return fmt.Errorf("decode fault %s: %w", name, err)
	}
	fault.Status = types.FaultStatusAck
	fault.AckedAt = now
	fault.HealthDelta = 0

	encoded, err := json.Marshal(fault)
	if err != nil {
		return fmt.Errorf("encode fault %s: %w", name, err)
	}
	return f.session.Write([]coordstore.WriteOp{{Path: path, Data: encoded, ExpectedVersion: version}})
}

// Delete removes a fault record explicitly.
func (f *FaultSink) Delete(name string) error {
	path, err := f.registry.Path("fault", name)
	if err != nil {
		return fmt.Errorf("fault path: %w", err)
	}
	return f.session.Delete(path, false)
}

// SortField is one of the columns List can sort on.
type SortField string

const (
	SortFirstReported SortField = "first_reported"
	SortLastReported  SortField = "last_reported"
	SortAckedAt       SortField = "acked_at"
	SortStatus        SortField = "status"
	SortHealthDelta   SortField = "health_delta"
	SortMessage       SortField = "message"
)

// List returns all fault records under the fault container, sorted by
// field (time-valued fields sort newest-first) and paginated by
// offset/limit. limit <= 0 means "no limit".
func (f *FaultSink) List(field SortField, offset, limit int) ([]types.Fault, error) {
	base, err := f.registry.Path("base.fault")
	if err != nil {
		return nil, err
	}
	names, err := f.session.Children(base)
	if err != nil {
		return nil, err
	}

	faults := make([]types.Fault, 0, len(names))
	for _, name := range names {
		path, err := f.registry.Path("fault", name)
		if err != nil {
			return nil, err
		}
		data, _, err := f.session.Read(path)
		if err != nil {
			if errors.Is(err, coordstore.ErrNotFound) {
				continue
			}
			return nil, err
		}
		var fault types.Fault
		if err := json.Unmarshal(data, &fault); err != nil {
			return nil, fmt.Errorf("decode fault %s: %w", name, err)
		}
		faults = append(faults, fault)
	}

	sortFaults(faults, field)

	if offset >= len(faults) {
		return []types.Fault{}, nil
	}
	faults = faults[offset:]
	if limit > 0 && limit < len(faults) {
		faults = faults[:limit]
	}
	return faults, nil
}

func sortFaults(faults []types.Fault, field SortField) {
	sort.Slice(faults, func(i, j int) bool {
		a, b := faults[i], faults[j]
		switch field {
		case SortFirstReported:
			return a.FirstReported.After(b.FirstReported)
		case SortLastReported:
			return a.LastReported.After(b.LastReported)
		case SortAckedAt:
			return a.AckedAt.After(b.AckedAt)
		case SortStatus:
			return a.Status < b.Status
		case SortHealthDelta:
			return a.HealthDelta < b.HealthDelta
		case SortMessage:
			return a.Message < b.Message
		default:
			return a.LastReported.After(b.LastReported)
		}
	})
}

func (f *FaultSink) read(path string) ([]byte, int, bool) {
	data, version, err := f.session.Read(path)
	if err != nil {
		return nil, 0, false
	}
	return data, version, true
}
