// Package libvirt wraps github.com/digitalocean/go-libvirt into the
// small per-verb surface the VM controller (C6) and keepalive sampler
// need: connect, list/lookup domains, start/shutdown/destroy, migrate,
// and the two node-capacity queries (spec §6 "Libvirt endpoint").
// Grounds on pkg/runtime's wrapper shape (one method per lifecycle
// verb, a single long-lived connection per node) and on
// tommylidal-vic's connection-lifecycle idiom, rebuilt against a real
// libvirtd endpoint instead of an OCI runtime.
package libvirt

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
)

// Client wraps one persistent libvirt connection to a single
// hypervisor's endpoint, qemu+tcp://<hostname>/system (spec §6).
type Client struct {
	host string
	l    *golibvirt.Libvirt
}

// Connect dials hostname's libvirt daemon over plain TCP (port 16509,
// libvirt's default unencrypted listener) and performs the protocol
// handshake.
func Connect(ctx context.Context, hostname string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(hostname, "16509"), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("libvirt: dial %s: %w", hostname, err)
	}

	l := golibvirt.New(conn)
	if err := l.ConnectToURI(golibvirt.QEMUSystem); err != nil {
		conn.Close()
		return nil, fmt.Errorf("libvirt: connect %s: %w", hostname, err)
	}

	return &Client{host: hostname, l: l}, nil
}

func (c *Client) Close() error {
	return c.l.Disconnect()
}

// domainByUUID converts a textual UUID to libvirt's 16-byte form and
// looks up the domain, swallowing every lookup error (not only
// "domain not found") into (zero-value, false) rather than an error
// return, per
// spec §6's "swallows transient lookup errors" note — a VM that has
// not yet been defined on this node is a normal, frequent condition
// (e.g. right after a migration target is chosen), not a fault.
func (c *Client) domainByUUID(uuid string) (golibvirt.Domain, bool, error) {
	raw, err := parseUUID(uuid)
	if err != nil {
		return golibvirt.Domain{}, false, fmt.Errorf("libvirt: bad uuid %q: %w", uuid, err)
	}
	dom, err := c.l.DomainLookupByUUID(raw)
	if err != nil {
		return golibvirt.Domain{}, false, nil
	}
	return dom, true, nil
}

// Start ensures the domain is running, defining it from xml first if
// it has never been seen on this node.
func (c *Client) Start(uuid, xml string) error {
	dom, ok, err := c.domainByUUID(uuid)
	if err != nil {
		return err
	}
	if !ok {
		dom, err = c.l.DomainDefineXML(xml)
		if err != nil {
			return fmt.Errorf("libvirt: define %s: %w", uuid, err)
		}
	}
	if err := c.l.DomainCreate(dom); err != nil {
		return fmt.Errorf("libvirt: create %s: %w", uuid, err)
	}
	return nil
}

// Shutdown issues an ACPI shutdown request. Completion is observed by
// the caller polling domain state, not by this call blocking.
func (c *Client) Shutdown(uuid string) error {
	dom, ok, err := c.domainByUUID(uuid)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := c.l.DomainShutdown(dom); err != nil {
		return fmt.Errorf("libvirt: shutdown %s: %w", uuid, err)
	}
	return nil
}

// Destroy forcibly stops the domain.
func (c *Client) Destroy(uuid string) error {
	dom, ok, err := c.domainByUUID(uuid)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := c.l.DomainDestroy(dom); err != nil {
		return fmt.Errorf("libvirt: destroy %s: %w", uuid, err)
	}
	return nil
}

// Running reports whether uuid is currently active on this node.
func (c *Client) Running(uuid string) (bool, error) {
	dom, ok, err := c.domainByUUID(uuid)
	if err != nil || !ok {
		return false, err
	}
	state, _, _, _, _, err := c.l.DomainGetInfo(dom)
	if err != nil {
		return false, fmt.Errorf("libvirt: info %s: %w", uuid, err)
	}
	return golibvirt.DomainState(state) == golibvirt.DomainRunning, nil
}

// Migrate initiates live migration of uuid to destHostname's libvirt
// endpoint (spec §4.6 migration handshake step 3). Blocks until the
// migration completes or fails.
func (c *Client) Migrate(uuid, destHostname string) error {
	dom, ok, err := c.domainByUUID(uuid)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("libvirt: migrate %s: not running on %s", uuid, c.host)
	}

	destURI := fmt.Sprintf("qemu+tcp://%s/system", destHostname)
	const liveAndPeer2Peer = golibvirt.MigrateLive | golibvirt.MigratePeer2peer
	if err := c.l.DomainMigrateToURI3(dom, destURI, nil, liveAndPeer2Peer, 0); err != nil {
		return fmt.Errorf("libvirt: migrate %s to %s: %w", uuid, destHostname, err)
	}
	return nil
}

// FreeMemory implements keepalive.Sampler: total and free bytes on
// this node, via the node-level getFreeMemory call.
func (c *Client) FreeMemory(ctx context.Context) (total, free int64, err error) {
	freeBytes, err := c.l.NodeGetFreeMemory()
	if err != nil {
		return 0, 0, fmt.Errorf("libvirt: getFreeMemory: %w", err)
	}
	info, err := c.l.NodeGetInfo()
	if err != nil {
		return 0, 0, fmt.Errorf("libvirt: nodeinfo: %w", err)
	}
	return int64(info.Memory) * 1024, int64(freeBytes), nil
}

// CPULoad implements keepalive.Sampler via getCPUMap, reporting the
// fraction of logical CPUs currently online (online/total); it does
// not measure how busy they are. A fuller
// load-average sample is out of scope for the libvirt RPC surface;
// this is the node-level signal the spec names.
func (c *Client) CPULoad(ctx context.Context) (float64, error) {
	cpus, online, _, err := c.l.NodeGetCPUMap(0)
	if err != nil {
		return 0, fmt.Errorf("libvirt: getCPUMap: %w", err)
	}
	if cpus == 0 {
		return 0, nil
	}
	return float64(online) / float64(cpus), nil
}

// RunningDomains implements keepalive.Sampler: the UUIDs of every
// domain currently active on this node.
func (c *Client) RunningDomains(ctx context.Context) ([]string, error) {
	domains, _, err := c.l.ConnectListAllDomains(1, golibvirt.ConnectListDomainsActive)
	if err != nil {
		return nil, fmt.Errorf("libvirt: list domains: %w", err)
	}
	uuids := make([]string, 0, len(domains))
	for _, d := range domains {
		uuids = append(uuids, formatUUID(d.UUID))
	}
	return uuids, nil
}

func parseUUID(s string) (golibvirt.UUID, error) {
	var out golibvirt.UUID
	clean := make([]byte, 0, 32)
	for _, r := range s {
		if r == '-' {
			continue
		}
		clean = append(clean, byte(r))
	}
	decoded, err := hex.DecodeString(string(clean))
	if err != nil || len(decoded) != 16 {
		return out, fmt.Errorf("invalid uuid %q", s)
	}
	copy(out[:], decoded)
	return out, nil
}

func formatUUID(raw golibvirt.UUID) string {
	hexStr := hex.EncodeToString(raw[:])
	return fmt.Sprintf("%s-%s-%s-%s-%s", hexStr[0:8], hexStr[8:12], hexStr[12:16], hexStr[16:20], hexStr[20:32])
}
