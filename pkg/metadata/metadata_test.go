package metadata

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/quorumhv/quorumhv/pkg/coordstore"
	"github.com/quorumhv/quorumhv/pkg/schema"
	"github.com/quorumhv/quorumhv/pkg/types"
)

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func newTestSession(t *testing.T) (*coordstore.Session, *schema.Registry) {
	t.Helper()
	s, err := coordstore.Connect(coordstore.Config{
		NodeID:   "test-node",
		BindAddr: freePort(t),
		DataDir:  t.TempDir(),
		Voter:    true,
	}, true)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { s.Shutdown() })

	deadline := time.Now().Add(5 * time.Second)
	for !s.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("session never became leader")
		}
		time.Sleep(10 * time.Millisecond)
	}

	registry, err := schema.NewRegistry(schema.CurrentVersion)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if err := registry.Apply(s); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	return s, registry
}

func writeLease(t *testing.T, s *coordstore.Session, registry *schema.Registry, vni, mac string, lease types.DHCPLease) {
	t.Helper()
	path, err := registry.Path("network.dhcp_lease", vni, mac)
	if err != nil {
		t.Fatalf("Path() error = %v", err)
	}
	data, err := json.Marshal(lease)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if err := s.Write([]coordstore.WriteOp{{Path: path, Data: data, ExpectedVersion: 0}}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
}

func domainXMLWithMAC(mac string) string {
	return `<domain type="kvm"><name>vm</name><devices>` +
		`<interface type="bridge"><mac address="` + mac + `"/></interface>` +
		`</devices></domain>`
}

func writeDomain(t *testing.T, s *coordstore.Session, registry *schema.Registry, uuid, xml, node, profile string) {
	t.Helper()
	xmlPath, _ := registry.Path("domain.xml", uuid)
	if err := s.Write([]coordstore.WriteOp{{Path: xmlPath, Data: []byte(xml), ExpectedVersion: 0}}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	nodePath, _ := registry.Path("domain.node", uuid)
	if err := s.Write([]coordstore.WriteOp{{Path: nodePath, Data: []byte(node), ExpectedVersion: 0}}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	profilePath, _ := registry.Path("domain.meta.profile", uuid)
	if err := s.Write([]coordstore.WriteOp{{Path: profilePath, Data: []byte(profile), ExpectedVersion: 0}}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
}

func TestByIPResolvesTheDomainWhoseInterfaceCarriesTheLeaseMAC(t *testing.T) {
	s, registry := newTestSession(t)
	lookup := New(s, registry)

	const mac = "aa:bb:cc:dd:ee:ff"
	writeLease(t, s, registry, "vlan10", mac, types.DHCPLease{
		MAC: mac, IPAddr: "10.0.10.5", ClientID: "some-other-tracking-id",
	})
	writeDomain(t, s, registry, "vm-uuid-1", domainXMLWithMAC(mac), "hv1", "web-server")

	profile, err := lookup.ByIP(context.Background(), "10.0.10.5")
	if err != nil {
		t.Fatalf("ByIP() error = %v", err)
	}
	if profile == nil {
		t.Fatal("ByIP() = nil, want a matched profile")
	}
	if profile.UUID != "vm-uuid-1" || profile.Node != "hv1" || profile.Profile != "web-server" {
		t.Errorf("profile = %+v, want uuid=vm-uuid-1 node=hv1 profile=web-server", profile)
	}
}

func TestByIPIgnoresLeaseClientIDAsAnUntrustedShortcut(t *testing.T) {
	s, registry := newTestSession(t)
	lookup := New(s, registry)

	const mac = "aa:bb:cc:dd:ee:ff"
	// clientid claims a uuid that doesn't actually exist as a domain;
	// only the MAC-to-interface match should be trusted.
	writeLease(t, s, registry, "vlan10", mac, types.DHCPLease{
		MAC: mac, IPAddr: "10.0.10.5", ClientID: "vm-uuid-does-not-exist",
	})
	writeDomain(t, s, registry, "vm-uuid-real", domainXMLWithMAC(mac), "hv1", "web-server")

	profile, err := lookup.ByIP(context.Background(), "10.0.10.5")
	if err != nil {
		t.Fatalf("ByIP() error = %v", err)
	}
	if profile == nil || profile.UUID != "vm-uuid-real" {
		t.Errorf("ByIP() = %+v, want the domain matched by interface MAC (vm-uuid-real), not the lease's clientid", profile)
	}
}

func TestByIPReturnsNilWhenNoLeaseMatches(t *testing.T) {
	s, registry := newTestSession(t)
	lookup := New(s, registry)

	writeLease(t, s, registry, "vlan10", "aa:bb:cc:dd:ee:ff", types.DHCPLease{
		MAC: "aa:bb:cc:dd:ee:ff", IPAddr: "10.0.10.5", ClientID: "vm-uuid-1",
	})

	profile, err := lookup.ByIP(context.Background(), "10.0.10.99")
	if err != nil {
		t.Fatalf("ByIP() error = %v", err)
	}
	if profile != nil {
		t.Errorf("ByIP() = %+v, want nil for an unmatched IP", profile)
	}
}

func TestByIPReturnsNilWhenNoDomainHasTheLeaseMAC(t *testing.T) {
	s, registry := newTestSession(t)
	lookup := New(s, registry)

	writeLease(t, s, registry, "vlan10", "aa:bb:cc:dd:ee:ff", types.DHCPLease{
		MAC: "aa:bb:cc:dd:ee:ff", IPAddr: "10.0.10.5", ClientID: "vm-uuid-1",
	})
	// No domain registered at all, so the MAC can't resolve to anything.

	profile, err := lookup.ByIP(context.Background(), "10.0.10.5")
	if err != nil {
		t.Fatalf("ByIP() error = %v", err)
	}
	if profile != nil {
		t.Errorf("ByIP() = %+v, want nil when no domain's interfaces carry the lease MAC", profile)
	}
}

func TestByIPNoNetworksRegistered(t *testing.T) {
	s, registry := newTestSession(t)
	lookup := New(s, registry)

	profile, err := lookup.ByIP(context.Background(), "10.0.10.5")
	if err != nil {
		t.Fatalf("ByIP() error = %v", err)
	}
	if profile != nil {
		t.Errorf("ByIP() = %+v, want nil with no networks registered", profile)
	}
}
