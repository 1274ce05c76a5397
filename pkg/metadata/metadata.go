// Package metadata implements the DHCP-lease-to-VM lookup (C9, spec
// §4.9/§3 "Network"): given a lease IP, find the VM profile the
// external metadata service should return. Deliberately
// request-scoped with no caching — leases and VM placement can change
// between requests, and the coordination store read is cheap. Grounds
// on pkg/storage/boltdb.go's bucket-scan List idiom, rebuilt here as a
// coordination-store children()+read() walk, and on
// original_source/.../MetadataAPIInstance.py's lookup shape (match a
// request IP against lease tables, then resolve to a domain profile).
package metadata

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quorumhv/quorumhv/pkg/coordstore"
	"github.com/quorumhv/quorumhv/pkg/domain/xmldef"
	"github.com/quorumhv/quorumhv/pkg/schema"
	"github.com/quorumhv/quorumhv/pkg/types"
)

// Lookup resolves an incoming DHCP client IP to the VM profile the
// metadata service hands back to the guest.
type Lookup struct {
	session  *coordstore.Session
	registry *schema.Registry
}

func New(session *coordstore.Session, registry *schema.Registry) *Lookup {
	return &Lookup{session: session, registry: registry}
}

// Profile is the subset of a Domain's state the metadata service
// exposes to a guest that looks itself up by IP.
type Profile struct {
	UUID    string `json:"uuid"`
	Profile string `json:"profile"`
	Node    string `json:"node"`
}

// ByIP finds the VM whose DHCP lease matches ip, then confirms that
// match by enumerating every VM and checking which one's interfaces
// actually carry the lease's MAC (spec §4.9 "enumerate all VMs; return
// the VM whose interfaces include that MAC" — the lease's clientid is
// the provisioner's record of who requested the lease, not a trusted
// pointer to the owning domain, so it's only used to recover the MAC).
// Returns (nil, nil) if no lease matches, or if no domain's interfaces
// carry the matched MAC — "not found" is a normal response for this
// lookup, not an error.
func (l *Lookup) ByIP(ctx context.Context, ip string) (*Profile, error) {
	networksBase, err := l.registry.Path("base.network")
	if err != nil {
		return nil, err
	}
	vnis, err := l.session.Children(networksBase)
	if err != nil {
		return nil, err
	}

	for _, vni := range vnis {
		mac, err := l.findInNetwork(vni, ip)
		if err != nil {
			return nil, err
		}
		if mac == "" {
			continue
		}
		uuid, err := l.domainByMAC(mac)
		if err != nil {
			return nil, err
		}
		if uuid == "" {
			return nil, nil
		}
		return l.profileFor(uuid)
	}
	return nil, nil
}

// findInNetwork returns the MAC address of the lease matching ip
// within vni's lease table, or "" if none matches.
func (l *Lookup) findInNetwork(vni, ip string) (string, error) {
	leasesPath, err := l.registry.Path("network.dhcp_leases", vni)
	if err != nil {
		return "", err
	}
	macs, err := l.session.Children(leasesPath)
	if err != nil {
		return "", nil
	}

	for _, mac := range macs {
		leasePath, err := l.registry.Path("network.dhcp_lease", vni, mac)
		if err != nil {
			continue
		}
		data, _, err := l.session.Read(leasePath)
		if err != nil {
			continue
		}
		var lease types.DHCPLease
		if err := json.Unmarshal(data, &lease); err != nil {
			continue
		}
		if lease.IPAddr == ip {
			return lease.MAC, nil
		}
	}
	return "", nil
}

// domainByMAC enumerates every registered VM and returns the UUID of
// the one whose parsed domain XML carries an interface with mac, or
// "" if none does.
func (l *Lookup) domainByMAC(mac string) (string, error) {
	domainsBase, err := l.registry.Path("base.domain")
	if err != nil {
		return "", err
	}
	uuids, err := l.session.Children(domainsBase)
	if err != nil {
		return "", err
	}

	for _, uuid := range uuids {
		xmlPath, err := l.registry.Path("domain.xml", uuid)
		if err != nil {
			continue
		}
		raw, _, err := l.session.Read(xmlPath)
		if err != nil {
			continue
		}
		def, err := xmldef.Parse(string(raw))
		if err != nil {
			continue
		}
		if def.HasMAC(mac) {
			return uuid, nil
		}
	}
	return "", nil
}

// profileFor resolves a domain UUID to its metadata profile.
func (l *Lookup) profileFor(uuid string) (*Profile, error) {
	nodePath, err := l.registry.Path("domain.node", uuid)
	if err != nil {
		return nil, err
	}
	nodeData, _, err := l.session.Read(nodePath)
	if err != nil {
		return nil, fmt.Errorf("metadata: domain %s has no node recorded: %w", uuid, err)
	}

	profilePath, err := l.registry.Path("domain.meta.profile", uuid)
	if err != nil {
		return nil, err
	}
	profileData, _, err := l.session.Read(profilePath)
	if err != nil {
		profileData = nil
	}

	return &Profile{UUID: uuid, Node: string(nodeData), Profile: string(profileData)}, nil
}
