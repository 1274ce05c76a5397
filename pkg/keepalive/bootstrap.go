package keepalive

import (
	"fmt"

	"github.com/quorumhv/quorumhv/pkg/coordstore"
	"github.com/quorumhv/quorumhv/pkg/schema"
	"github.com/quorumhv/quorumhv/pkg/security"
	"github.com/quorumhv/quorumhv/pkg/types"
)

// Bootstrap runs a daemon's startup sequence against an already
// connected session (spec §4.4 steps 1-2): validate/apply schema,
// then register the node record. Step 3 (keepalive loop) and step 4
// (peer watches) are the caller's responsibility via Keepalive.Run and
// WatchPeers, since they run for the process lifetime rather than once
// at startup. secrets may be nil, in which case node.ipmi is written
// as plaintext (e.g. for a test cluster with no cluster ID configured).
func Bootstrap(session *coordstore.Session, registry *schema.Registry, node types.Node, secrets *security.SecretsManager) error {
	if _, err := registry.Validate(session); err != nil {
		return fmt.Errorf("bootstrap: validate schema: %w", err)
	}
	if err := registry.Apply(session); err != nil {
		return fmt.Errorf("bootstrap: apply schema: %w", err)
	}
	if err := registerInventory(session, registry, node, secrets); err != nil {
		return fmt.Errorf("bootstrap: register node: %w", err)
	}
	if err := RegisterNode(session, registry, node); err != nil {
		return fmt.Errorf("bootstrap: set daemon_state: %w", err)
	}
	return nil
}

// registerInventory writes the node's IPMI credentials (node.ipmi, the
// only inventory path the schema has) only if not already present, so a
// restart never
// clobbers operator-set values such as ipmi credentials rotated out of
// band. The ipmi blob is encrypted at rest with secrets when provided
// (spec §6/§7).
func registerInventory(session *coordstore.Session, registry *schema.Registry, node types.Node, secrets *security.SecretsManager) error {
	ipmiBlob := fmt.Sprintf("%s\n%s\n%s", node.IPMIHostname, node.IPMIUsername, node.IPMIPassword)
	if secrets != nil {
		encrypted, err := secrets.EncryptIPMIBlob(ipmiBlob)
		if err != nil {
			return fmt.Errorf("encrypt ipmi credentials: %w", err)
		}
		ipmiBlob = encrypted
	}
	fields := map[string]string{
		"node.ipmi": ipmiBlob,
	}
	for name, value := range fields {
		path, err := registry.Path(name, node.Name)
		if err != nil {
			return err
		}
		exists, err := session.Exists(path)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := session.Write([]coordstore.WriteOp{{Path: path, Data: []byte(value), ExpectedVersion: 0}}); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}

// WatchPeers subscribes to children(base.node) and installs the given
// watch function on every peer currently present, plus any that join
// later (spec §4.4 step 4). The caller supplies onPeer so that C5/C8
// each wire up only the specific data paths they care about
// (daemon_state for the fencer, domain_state for the local state
// machine, etc.) rather than this package hard-coding one shape.
func WatchPeers(session *coordstore.Session, registry *schema.Registry, onPeer func(name string)) error {
	base, err := registry.Path("base.node")
	if err != nil {
		return err
	}

	peers, err := session.Children(base)
	if err != nil {
		return err
	}
	for _, peer := range peers {
		onPeer(peer)
	}

	session.WatchChildren(base, func(ev coordstore.WatchEvent) any {
		if ev.Type == coordstore.WatchEventChanged {
			children, err := session.Children(base)
			if err == nil {
				for _, peer := range children {
					onPeer(peer)
				}
			}
		}
		return nil
	})
	return nil
}
