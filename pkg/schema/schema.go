// Package schema maps symbolic names like ("node.state.daemon", "hv1")
// to concrete coordination-store paths for one fixed schema version
// (C2, spec §4.2). It declares the node.active_schema and
// base.schema.version paths but does not compare them: nothing here
// holds back a schema upgrade until every node has loaded it.
package schema

import (
	"fmt"
	"strings"
)

// Version identifies one schema generation.
type Version int

const CurrentVersion Version = 0

// template is one symbolic name's path pattern; %s placeholders are
// filled positionally by Path's args.
type template struct {
	pattern string
	args    int
}

// v0 is the schema-v0 layout from spec §6's "Persisted state layout"
// example.
var v0 = map[string]template{
	"base.node":                  {pattern: "nodes", args: 0},
	"node.state.daemon":          {pattern: "nodes/%s/state/daemon", args: 1},
	"node.state.router":          {pattern: "nodes/%s/state/router", args: 1},
	"node.state.domain":          {pattern: "nodes/%s/state/domain", args: 1},
	"node.keepalive":             {pattern: "nodes/%s/keepalive", args: 1},
	"node.memory":                {pattern: "nodes/%s/memory", args: 1},
	"node.cpu_load":              {pattern: "nodes/%s/cpu_load", args: 1},
	"node.vcpu":                  {pattern: "nodes/%s/vcpu", args: 1},
	"node.health":                {pattern: "nodes/%s/health", args: 1},
	"node.running_domains":       {pattern: "nodes/%s/running_domains", args: 1},
	"node.ipmi":                  {pattern: "nodes/%s/ipmi", args: 1},
	"node.active_schema":         {pattern: "nodes/%s/active_schema", args: 1},
	"node.log_ring":              {pattern: "logs/%s/messages", args: 1},

	"base.domain":                {pattern: "domains", args: 0},
	"domain.state":               {pattern: "domains/%s/state", args: 1},
	"domain.node":                {pattern: "domains/%s/node", args: 1},
	"domain.last_node":           {pattern: "domains/%s/last_node", args: 1},
	"domain.xml":                 {pattern: "domains/%s/xml", args: 1},
	"domain.console_log":         {pattern: "domains/%s/consolelog", args: 1},
	"domain.meta.autostart":      {pattern: "domains/%s/meta/autostart", args: 1},
	"domain.meta.profile":        {pattern: "domains/%s/meta/profile", args: 1},
	"domain.migrate_lock":        {pattern: "domains/%s/migrate_lock", args: 1},

	"base.network":               {pattern: "networks", args: 0},
	"network.dhcp_leases":        {pattern: "networks/%s/dhcp_leases", args: 1},
	"network.dhcp_lease":         {pattern: "networks/%s/dhcp_leases/%s", args: 2},

	"base.config":                {pattern: "config", args: 0},
	"config.maintenance":         {pattern: "config/maintenance", args: 0},
	"config.primary_node":        {pattern: "config/primary_node", args: 0},
	"config.primary_node.lock":   {pattern: "locks/config/primary_node", args: 0},

	"base.fault":                 {pattern: "faults", args: 0},
	"fault":                      {pattern: "faults/%s", args: 1},

	"base.schema.version":        {pattern: "config/schema_version", args: 0},
}

// Registry resolves symbolic names against a fixed schema version.
type Registry struct {
	version Version
	table   map[string]template
}

// NewRegistry returns the registry for the given schema version.
func NewRegistry(version Version) (*Registry, error) {
	switch version {
	case 0:
		return &Registry{version: version, table: v0}, nil
	default:
		return nil, fmt.Errorf("schema: unknown version %d", version)
	}
}

// Path resolves a symbolic name to a concrete coordination-store path.
func (r *Registry) Path(name string, args ...string) (string, error) {
	t, ok := r.table[name]
	if !ok {
		return "", fmt.Errorf("schema: unknown symbolic name %q", name)
	}
	if len(args) != t.args {
		return "", fmt.Errorf("schema: %q expects %d args, got %d", name, t.args, len(args))
	}
	if t.args == 0 {
		return t.pattern, nil
	}
	anys := make([]any, len(args))
	for i, a := range args {
		anys[i] = a
	}
	return fmt.Sprintf(t.pattern, anys...), nil
}

// baseNames returns every container symbolic name ("base.*") this
// schema version expects to exist, used by Validate/Apply.
func (r *Registry) baseNames() []string {
	var out []string
	for name := range r.table {
		if strings.HasPrefix(name, "base.") {
			out = append(out, name)
		}
	}
	return out
}

