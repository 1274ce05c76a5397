// Package domain implements the per-VM instance controller (C6, spec
// §4.6): one goroutine per VM assigned to this node, watching
// domain.state and domain.node, dispatching to libvirt, and writing
// the resulting state back. Grounds on pkg/worker/worker.go's
// executeContainer/stopContainer dispatch and pkg/worker/health_monitor.go's
// per-resource monitor-loop shape, converted from a container lifecycle
// to the VM lifecycle table in spec §4.6.
package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/quorumhv/quorumhv/pkg/coordstore"
	"github.com/quorumhv/quorumhv/pkg/libvirt"
	"github.com/quorumhv/quorumhv/pkg/logging"
	"github.com/quorumhv/quorumhv/pkg/schema"
	"github.com/quorumhv/quorumhv/pkg/types"
)

// RBDLockFlusher releases a VM's exclusive RBD locks before migration
// or fencing (spec §4.6 step 2, §4.8 step 6), an external call the
// controller doesn't implement itself — it shells out via whatever the
// storage layer provides, kept as a narrow seam so domain package
// doesn't need a Ceph client dependency.
type RBDLockFlusher func(rbdImages []string) error

// Controller drives one VM's lifecycle on this node.
type Controller struct {
	session  *coordstore.Session
	registry *schema.Registry
	lv       *libvirt.Client
	node     string
	uuid     string
	flushRBD RBDLockFlusher
	faults   *logging.FaultSink
}

func NewController(session *coordstore.Session, registry *schema.Registry, lv *libvirt.Client, faults *logging.FaultSink, flushRBD RBDLockFlusher, node, uuid string) *Controller {
	return &Controller{session: session, registry: registry, lv: lv, node: node, uuid: uuid, flushRBD: flushRBD, faults: faults}
}

// Run installs the watch on domain.state and reacts until ctx is
// cancelled or the watch explicitly stops (VM removed).
func (c *Controller) Run(ctx context.Context) error {
	statePath, err := c.registry.Path("domain.state", c.uuid)
	if err != nil {
		return err
	}

	c.session.WatchData(statePath, func(ev coordstore.WatchEvent) any {
		select {
		case <-ctx.Done():
			return coordstore.StopWatch
		default:
		}
		if ev.Type == coordstore.WatchEventDeleted {
			return coordstore.StopWatch
		}
		if err := c.react(ctx); err != nil {
			logging.Errorf(fmt.Sprintf("domain %s: reaction failed", c.uuid), err)
		}
		return nil
	})

	<-ctx.Done()
	return nil
}

// react implements the table in spec §4.6: the action taken depends
// both on the desired state and on whether this node is the domain's
// current owner.
func (c *Controller) react(ctx context.Context) error {
	state, owner, err := c.read()
	if err != nil {
		return err
	}
	isOwner := owner == c.node

	switch state {
	case types.DomainStateStart:
		if !isOwner {
			return nil
		}
		return c.start()
	case types.DomainStateShutdown:
		if !isOwner {
			return nil
		}
		return c.shutdown()
	case types.DomainStateStop:
		if !isOwner {
			return nil
		}
		return c.stop()
	case types.DomainStateDisable:
		if !isOwner {
			return nil
		}
		return c.shutdown()
	case types.DomainStateMigrate:
		return c.migrate(ctx, owner)
	case types.DomainStateUnmigrate:
		return c.unmigrate(ctx, owner)
	case types.DomainStateRestart:
		if !isOwner {
			return nil
		}
		if err := c.shutdown(); err != nil {
			return err
		}
		return c.start()
	case types.DomainStateProvision, types.DomainStateFail:
		return nil // terminal/observational, no action
	default:
		return nil
	}
}

func (c *Controller) start() error {
	xml, err := c.readXML()
	if err != nil {
		return err
	}
	if err := c.lv.Start(c.uuid, xml); err != nil {
		c.fail(fmt.Sprintf("start failed: %v", err))
		return err
	}
	return nil
}

func (c *Controller) shutdown() error {
	if err := c.lv.Shutdown(c.uuid); err != nil {
		return err
	}
	return c.writeState(types.DomainStateStop)
}

func (c *Controller) stop() error {
	return c.lv.Destroy(c.uuid)
}

func (c *Controller) fail(reason string) {
	path, err := c.registry.Path("domain.state", c.uuid)
	if err != nil {
		return
	}
	_, version, err := c.session.Read(path)
	if err != nil {
		version = 0
	}
	_ = c.session.Write([]coordstore.WriteOp{{Path: path, Data: []byte(types.DomainStateFail), ExpectedVersion: version}})
	if c.faults != nil {
		_ = c.faults.Generate(fmt.Sprintf("domain-fail/%s", c.uuid), time.Now(), 5, reason, "")
	}
}

func (c *Controller) read() (types.DomainState, string, error) {
	statePath, err := c.registry.Path("domain.state", c.uuid)
	if err != nil {
		return "", "", err
	}
	stateData, _, err := c.session.Read(statePath)
	if err != nil {
		return "", "", err
	}
	nodePath, err := c.registry.Path("domain.node", c.uuid)
	if err != nil {
		return "", "", err
	}
	nodeData, _, err := c.session.Read(nodePath)
	if err != nil {
		nodeData = nil
	}
	return types.DomainState(stateData), string(nodeData), nil
}

func (c *Controller) readXML() (string, error) {
	path, err := c.registry.Path("domain.xml", c.uuid)
	if err != nil {
		return "", err
	}
	data, _, err := c.session.Read(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *Controller) writeState(state types.DomainState) error {
	path, err := c.registry.Path("domain.state", c.uuid)
	if err != nil {
		return err
	}
	_, version, err := c.session.Read(path)
	if err != nil {
		version = 0
	}
	return c.session.Write([]coordstore.WriteOp{{Path: path, Data: []byte(state), ExpectedVersion: version}})
}
