// Package types defines the cluster data model: nodes, VM domains,
// networks, and faults. These are the values that travel through the
// coordination store; JSON tags mirror the symbolic key names the
// schema registry resolves them under.
package types

import "time"

// NodeMode distinguishes nodes that contend for the primary lock from
// plain hypervisors.
type NodeMode string

const (
	NodeModeCoordinator NodeMode = "coordinator"
	NodeModeHypervisor  NodeMode = "hypervisor"
)

// DaemonState is the node state machine's state (§4.5).
type DaemonState string

const (
	DaemonStateInit       DaemonState = "init"
	DaemonStateRun        DaemonState = "run"
	DaemonStateStop       DaemonState = "stop"
	DaemonStateDead       DaemonState = "dead"
	DaemonStateShutdown   DaemonState = "shutdown"
	DaemonStateFenceFlush DaemonState = "fence-flush"
)

// RouterState is the coordinator-election role (§4.4).
type RouterState string

const (
	RouterStatePrimary    RouterState = "primary"
	RouterStateSecondary  RouterState = "secondary"
	RouterStateClient     RouterState = "client"
	RouterStateTakeover   RouterState = "takeover"
	RouterStateRelinquish RouterState = "relinquish"
)

// DomainState as it applies to a whole node's flush cycle, distinct
// from a single VM's DomainState below.
type NodeDomainState string

const (
	NodeDomainReady   NodeDomainState = "ready"
	NodeDomainFlush   NodeDomainState = "flush"
	NodeDomainFlushed NodeDomainState = "flushed"
	NodeDomainUnflush NodeDomainState = "unflush"
)

// Node represents a physical host running one daemon instance.
type Node struct {
	Name string `json:"name"`

	Mode         NodeMode        `json:"mode"`
	DaemonState  DaemonState     `json:"daemon_state"`
	RouterState  RouterState     `json:"router_state"`
	DomainState  NodeDomainState `json:"domain_state"`
	Health       int             `json:"health"` // 0..100

	MemoryTotal       int64 `json:"memory_total"`
	MemoryUsed        int64 `json:"memory_used"`
	MemoryFree        int64 `json:"memory_free"`
	MemoryAllocated   int64 `json:"memory_allocated"`
	MemoryProvisioned int64 `json:"memory_provisioned"`

	VCPUAllocated int     `json:"vcpu_allocated"`
	CPULoad       float64 `json:"cpu_load"`

	// RunningDomains is the whitespace-joined list of VM IDs, per spec
	// §3 — kept as a slice here; pkg/keepalive joins it with spaces when
	// writing node.running_domains, and pkg/node and pkg/fence split it
	// with strings.Fields when reading.
	RunningDomains []string `json:"running_domains"`

	Keepalive int64 `json:"keepalive"` // epoch seconds

	IPMIHostname string `json:"ipmi_hostname"`
	IPMIUsername string `json:"ipmi_username"`
	IPMIPassword string `json:"ipmi_password"` // stored encrypted, see pkg/security

	CPUs   int    `json:"cpus"`
	Kernel string `json:"kernel"`
	OS     string `json:"os"`
	Arch   string `json:"arch"`

	ActiveSchema int `json:"active_schema"`
	LatestSchema int `json:"latest_schema"`

	LogRing string `json:"log_ring"`
}

// DomainState is a VM's lifecycle state (§3, §4.6).
type DomainState string

const (
	DomainStateStart     DomainState = "start"
	DomainStateRestart   DomainState = "restart"
	DomainStateShutdown  DomainState = "shutdown"
	DomainStateStop      DomainState = "stop"
	DomainStateDisable   DomainState = "disable"
	DomainStateFail      DomainState = "fail"
	DomainStateMigrate   DomainState = "migrate"
	DomainStateUnmigrate DomainState = "unmigrate"
	DomainStateProvision DomainState = "provision"
)

// Domain represents a managed virtual machine.
type Domain struct {
	UUID string `json:"uuid"`

	State    DomainState `json:"state"`
	Node     string      `json:"node"`      // current placement
	LastNode string      `json:"last_node"` // previous placement

	XML        string `json:"xml"` // libvirt domain XML, source of truth
	ConsoleLog string `json:"console_log"`

	MetaAutostart bool   `json:"meta_autostart"`
	Profile       string `json:"profile"`

	FailReason string `json:"fail_reason,omitempty"`
}

// NetworkType distinguishes fully-managed VNIs from simple bridged ones.
type NetworkType string

const (
	NetworkManaged NetworkType = "managed"
	NetworkBridged NetworkType = "bridged"
)

// DHCPLease is one entry in a network's lease table, consulted only by
// the metadata lookup (C9).
type DHCPLease struct {
	MAC      string    `json:"mac"`
	IPAddr   string    `json:"ipaddr"`
	Hostname string    `json:"hostname"`
	ClientID string    `json:"clientid"`
	Expiry   time.Time `json:"expiry"`
}

// Network represents an overlay VNI.
type Network struct {
	VNI    string      `json:"vni"`
	Type   NetworkType `json:"type"`
	Leases []DHCPLease `json:"dhcp_leases"`
}

// FaultStatus is whether a fault has been acknowledged.
type FaultStatus string

const (
	FaultStatusNew FaultStatus = "new"
	FaultStatusAck FaultStatus = "ack"
)

// Fault is a coalesced health event, keyed by a symbolic fault name.
type Fault struct {
	ID            string      `json:"id"`
	FirstReported time.Time   `json:"first_reported"`
	LastReported  time.Time   `json:"last_reported"`
	AckedAt       time.Time   `json:"acknowledged_at"`
	Status        FaultStatus `json:"status"`
	HealthDelta   int         `json:"health_delta"`
	Message       string      `json:"message"`
	Details       string      `json:"details,omitempty"`
}

// FenceAction is a policy knob for what happens to a fenced node's VMs.
type FenceAction string

const (
	FenceActionMigrate FenceAction = "migrate"
	FenceActionNone    FenceAction = "none"
)

// PlacementMetric selects which of the four placement selectors to use.
type PlacementMetric string

const (
	MetricMem   PlacementMetric = "mem"
	MetricLoad  PlacementMetric = "load"
	MetricVCPUs PlacementMetric = "vcpus"
	MetricVMs   PlacementMetric = "vms"
)
