package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/quorumhv/quorumhv/pkg/coordstore"
	"github.com/quorumhv/quorumhv/pkg/domain/xmldef"
	"github.com/quorumhv/quorumhv/pkg/logging"
	"github.com/quorumhv/quorumhv/pkg/types"
)

// migrate implements the source-driven migration handshake (spec §4.6
// "Migration handshake"). owner is domain.node's current value: if it
// equals this controller's node, this side is the source and carries
// out steps 1-5; otherwise this side is the target, which does
// nothing but wait to observe itself as domain.node (react() will then
// dispatch to start() once the source's final write lands).
func (c *Controller) migrate(ctx context.Context, owner string) error {
	if owner != c.node {
		return nil // we are the target; nothing to do until ownership transfers
	}
	return c.runMigration(ctx, false)
}

// unmigrate is symmetric to migrate but restores a VM to a prior
// placement; the source for an unmigrate is the node currently
// running it, and the target is read from last_node rather than node
// (spec §4.6 "unmigrate... restores a prior placement (source was
// prior last_node)").
func (c *Controller) unmigrate(ctx context.Context, owner string) error {
	if owner != c.node {
		return nil
	}
	return c.runMigration(ctx, true)
}

func (c *Controller) runMigration(ctx context.Context, restorePrior bool) error {
	lockPath, err := c.registry.Path("domain.migrate_lock", c.uuid)
	if err != nil {
		return err
	}
	lock, err := c.session.ExclusiveLock(lockPath)
	if err != nil {
		return fmt.Errorf("migrate %s: acquire lock: %w", c.uuid, err)
	}
	defer lock.Release()

	target, err := c.migrationTarget(restorePrior)
	if err != nil {
		return err
	}

	if err := c.flushLocks(); err != nil {
		logging.Errorf(fmt.Sprintf("migrate %s: flush RBD locks failed, proceeding anyway", c.uuid), err)
	}

	if err := c.lv.Migrate(c.uuid, target); err != nil {
		return c.abortMigration(err)
	}

	return c.commitMigration(target)
}

func (c *Controller) migrationTarget(restorePrior bool) (string, error) {
	if !restorePrior {
		path, err := c.registry.Path("domain.node", c.uuid)
		if err != nil {
			return "", err
		}
		data, _, err := c.session.Read(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	path, err := c.registry.Path("domain.last_node", c.uuid)
	if err != nil {
		return "", err
	}
	data, _, err := c.session.Read(path)
	if err != nil {
		return "", fmt.Errorf("unmigrate %s: no last_node recorded: %w", c.uuid, err)
	}
	return string(data), nil
}

func (c *Controller) flushLocks() error {
	if c.flushRBD == nil {
		return nil
	}
	xml, err := c.readXML()
	if err != nil {
		return err
	}
	def, err := xmldef.Parse(xml)
	if err != nil {
		return err
	}
	images := def.RBDDisks()
	if len(images) == 0 {
		return nil
	}
	return c.flushRBD(images)
}

// commitMigration writes (state=start, node=target, last_node=source)
// as one transaction — the single write that transfers ownership
// (spec §4.6 step 4, "at-most-one invariant").
func (c *Controller) commitMigration(target string) error {
	statePath, err := c.registry.Path("domain.state", c.uuid)
	if err != nil {
		return err
	}
	nodePath, err := c.registry.Path("domain.node", c.uuid)
	if err != nil {
		return err
	}
	lastNodePath, err := c.registry.Path("domain.last_node", c.uuid)
	if err != nil {
		return err
	}

	_, stateVersion, err := c.session.Read(statePath)
	if err != nil {
		stateVersion = 0
	}
	_, nodeVersion, err := c.session.Read(nodePath)
	if err != nil {
		nodeVersion = 0
	}
	_, lastNodeVersion, err := c.session.Read(lastNodePath)
	if err != nil {
		lastNodeVersion = 0
	}

	return c.session.Write([]coordstore.WriteOp{
		{Path: statePath, Data: []byte(types.DomainStateStart), ExpectedVersion: stateVersion},
		{Path: nodePath, Data: []byte(target), ExpectedVersion: nodeVersion},
		{Path: lastNodePath, Data: []byte(c.node), ExpectedVersion: lastNodeVersion},
	})
}

// abortMigration writes (state=start, node=source) — the migration
// failure path (spec §4.6 step 5) — and logs a fault.
func (c *Controller) abortMigration(migrateErr error) error {
	statePath, err := c.registry.Path("domain.state", c.uuid)
	if err != nil {
		return err
	}
	nodePath, err := c.registry.Path("domain.node", c.uuid)
	if err != nil {
		return err
	}

	_, stateVersion, err := c.session.Read(statePath)
	if err != nil {
		stateVersion = 0
	}
	_, nodeVersion, err := c.session.Read(nodePath)
	if err != nil {
		nodeVersion = 0
	}

	writeErr := c.session.Write([]coordstore.WriteOp{
		{Path: statePath, Data: []byte(types.DomainStateStart), ExpectedVersion: stateVersion},
		{Path: nodePath, Data: []byte(c.node), ExpectedVersion: nodeVersion},
	})
	if writeErr != nil {
		return writeErr
	}

	if c.faults != nil {
		_ = c.faults.Generate(fmt.Sprintf("migrate-fail/%s", c.uuid), time.Now(), 3, migrateErr.Error(), "")
	}
	return migrateErr
}
