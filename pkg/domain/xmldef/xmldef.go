// Package xmldef parses the subset of libvirt domain XML this daemon
// needs to read back out of a VM's stored definition (spec §9's design
// note: "XML is the source of truth for a domain's hardware
// configuration; the coordination store holds it as an opaque blob
// except where a field must be inspected directly", e.g. vcpu count
// for placement accounting). No teacher equivalent exists — the
// teacher's workloads are OCI containers described in JSON — so this
// is built directly against stdlib encoding/xml, which is also what
// every XML-consuming file elsewhere in the retrieved pack uses.
package xmldef

import (
	"encoding/xml"
	"strings"
)

// Domain is the minimal libvirt <domain> shape this daemon reads.
type Domain struct {
	XMLName xml.Name `xml:"domain"`
	Type    string   `xml:"type,attr"`
	Name    string   `xml:"name"`
	UUID    string   `xml:"uuid"`
	Memory  Memory   `xml:"memory"`
	VCPU    VCPU     `xml:"vcpu"`
	Devices Devices  `xml:"devices"`
}

type Memory struct {
	Unit  string `xml:"unit,attr"`
	Value int64  `xml:",chardata"`
}

// Bytes converts Value into bytes according to Unit, defaulting to
// KiB when Unit is empty (libvirt's own default when the attribute is
// omitted).
func (m Memory) Bytes() int64 {
	switch strings.ToLower(m.Unit) {
	case "b", "bytes":
		return m.Value
	case "", "k", "kib":
		return m.Value * 1024
	case "kb":
		return m.Value * 1000
	case "m", "mib":
		return m.Value * 1024 * 1024
	case "mb":
		return m.Value * 1000 * 1000
	case "g", "gib":
		return m.Value * 1024 * 1024 * 1024
	case "gb":
		return m.Value * 1000 * 1000 * 1000
	default:
		return m.Value * 1024
	}
}

type VCPU struct {
	Placement string `xml:"placement,attr"`
	Count     int    `xml:",chardata"`
}

type Devices struct {
	Disks      []Disk      `xml:"disk"`
	Interfaces []Interface `xml:"interface"`
}

// Interface is a libvirt <interface> device — only the MAC address is
// needed, to resolve a DHCP lease's MAC back to the VM it belongs to
// (spec §4.9 "enumerate all VMs; return the VM whose interfaces
// include that MAC").
type Interface struct {
	Type string `xml:"type,attr"`
	MAC  MAC    `xml:"mac"`
}

type MAC struct {
	Address string `xml:"address,attr"`
}

type Disk struct {
	Type   string `xml:"type,attr"`
	Device string `xml:"device,attr"`
	Source Source `xml:"source"`
}

type Source struct {
	Protocol string `xml:"protocol,attr,omitempty"`
	Name     string `xml:"name,attr,omitempty"`
	File     string `xml:"file,attr,omitempty"`
}

// Parse decodes a domain XML blob.
func Parse(raw string) (*Domain, error) {
	var d Domain
	if err := xml.Unmarshal([]byte(raw), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// RBDDisks returns the source names of every disk backed by Ceph RBD
// (protocol="rbd"), which the migration handshake and fence executor
// need in order to flush exclusive locks before moving the VM.
func (d *Domain) RBDDisks() []string {
	var out []string
	for _, disk := range d.Devices.Disks {
		if disk.Source.Protocol == "rbd" && disk.Source.Name != "" {
			out = append(out, disk.Source.Name)
		}
	}
	return out
}

// HasMAC reports whether any of the domain's network interfaces has
// the given MAC address.
func (d *Domain) HasMAC(mac string) bool {
	for _, iface := range d.Devices.Interfaces {
		if iface.MAC.Address == mac {
			return true
		}
	}
	return false
}
