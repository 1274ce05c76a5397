// Command quorumhvd is the per-node cluster daemon (spec §4, C1-C9):
// it joins the coordination store, registers this node, runs the
// keepalive/election/fence machinery, drives the per-node and per-VM
// state machines, and exposes /healthz and /metrics. Grounds on
// cmd/warren/main.go's cobra root-command-plus-subcommands shape and
// signal-driven shutdown sequence, collapsed from warren's many
// cluster/worker/manager/service/... subcommands down to the single
// "run" a hypervisor node needs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quorumhv/quorumhv/pkg/config"
	"github.com/quorumhv/quorumhv/pkg/coordstore"
	"github.com/quorumhv/quorumhv/pkg/domain"
	"github.com/quorumhv/quorumhv/pkg/domain/xmldef"
	"github.com/quorumhv/quorumhv/pkg/fence"
	"github.com/quorumhv/quorumhv/pkg/health"
	"github.com/quorumhv/quorumhv/pkg/ipmi"
	"github.com/quorumhv/quorumhv/pkg/keepalive"
	"github.com/quorumhv/quorumhv/pkg/libvirt"
	"github.com/quorumhv/quorumhv/pkg/logging"
	"github.com/quorumhv/quorumhv/pkg/metadata"
	"github.com/quorumhv/quorumhv/pkg/metrics"
	"github.com/quorumhv/quorumhv/pkg/node"
	"github.com/quorumhv/quorumhv/pkg/schema"
	"github.com/quorumhv/quorumhv/pkg/security"
	"github.com/quorumhv/quorumhv/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "quorumhvd",
	Short:   "quorumhvd is the quorumhv hypervisor cluster daemon",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("quorumhvd version %s (%s)\n", Version, Commit))
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the quorumhv daemon on this node",
	RunE:  runDaemon,
}

func init() {
	runCmd.Flags().String("node", "", "this node's name, as recorded in the coordination store (required)")
	runCmd.Flags().String("bind-addr", "127.0.0.1:8300", "raft transport address for the coordination store")
	runCmd.Flags().String("data-dir", "./quorumhv-data", "data directory for the coordination store")
	runCmd.Flags().Bool("bootstrap", false, "bootstrap a brand new single-node coordination store (only the first node in a cluster uses this)")
	runCmd.Flags().Bool("voter", true, "join the coordination store as a voter (coordinator) rather than a nonvoter (hypervisor-only)")
	runCmd.Flags().String("health-addr", "127.0.0.1:9090", "address for the /healthz and /metrics HTTP server")
	runCmd.Flags().String("libvirt-host", "localhost", "libvirt daemon hostname for this node")
	runCmd.Flags().Bool("log-json", false, "emit structured JSON logs instead of console-formatted ones")
	runCmd.MarkFlagRequired("node")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	nodeName, _ := cmd.Flags().GetString("node")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")
	voter, _ := cmd.Flags().GetBool("voter")
	healthAddr, _ := cmd.Flags().GetString("health-addr")
	libvirtHost, _ := cmd.Flags().GetString("libvirt-host")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:      logging.InfoLevel,
		JSONOutput: logJSON,
		LogColours: cfg.LogColours,
	})
	log := logging.WithNode(nodeName)
	log.Info().Msg("starting quorumhvd")

	registry, err := schema.NewRegistry(schema.CurrentVersion)
	if err != nil {
		return fmt.Errorf("schema registry: %w", err)
	}

	session, err := coordstore.Connect(coordstore.Config{
		NodeID:   nodeName,
		BindAddr: bindAddr,
		DataDir:  dataDir,
		Voter:    voter,
	}, bootstrap)
	if err != nil {
		return fmt.Errorf("connect coordination store: %w", err)
	}
	defer session.Shutdown()

	secrets, err := security.NewSecretsManagerFromClusterID(strings.Join(cfg.Coordinators, ","))
	if err != nil {
		log.Warn().Err(err).Msg("no cluster id to derive an encryption key from; ipmi credentials will be stored in plaintext")
		secrets = nil
	}

	self := types.Node{
		Name:         nodeName,
		Mode:         types.NodeModeHypervisor,
		IPMIHostname: cfg.IPMIHostname,
		IPMIUsername: cfg.IPMIUsername,
		IPMIPassword: cfg.IPMIPassword,
		ActiveSchema: int(schema.CurrentVersion),
		LatestSchema: int(schema.CurrentVersion),
	}
	if err := keepalive.Bootstrap(session, registry, self, secrets); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lv, err := libvirt.Connect(ctx, libvirtHost)
	if err != nil {
		return fmt.Errorf("connect libvirt: %w", err)
	}
	defer lv.Close()

	faults := logging.NewFaultSink(session, registry, func() bool {
		maintenance, _, err := session.Read(mustPath(registry, "config.maintenance"))
		return err == nil && string(maintenance) == "true"
	})

	keepaliveInterval := time.Duration(cfg.KeepaliveInterval) * time.Second
	ka := keepalive.New(session, registry, lv, faults, nodeName, keepaliveInterval)
	go ka.Run(ctx)

	election := keepalive.NewElection(session, registry, nodeName)
	if voter {
		go election.Run(ctx, keepaliveInterval)
	}

	ipmiClient := ipmi.New()
	fencer := fence.New(session, registry, ipmiClient, faults, rbdLockFlushByUUID(session, registry), secrets, fence.Config{
		SavingThrows:    cfg.FenceIntervals,
		KeepaliveT:      keepaliveInterval,
		SuccessfulFence: types.FenceAction(cfg.SuccessfulFence),
		FailedFence:     types.FenceAction(cfg.FailedFence),
		PlacementMetric: types.MetricLoad,
	})

	monitor := keepalive.NewMonitor(session, registry, election, fencer, keepaliveInterval, cfg.FenceIntervals)
	go monitor.Run(ctx)

	machine := node.New(session, registry, node.Config{Node: nodeName, PlacementMetric: types.MetricLoad})
	if err := machine.Ready(); err != nil {
		return fmt.Errorf("mark node ready: %w", err)
	}
	go machine.Run(ctx)

	dm := newDomainSupervisor(session, registry, lv, faults, nodeName, cfg)
	go dm.run(ctx)

	lookup := metadata.New(session, registry)
	_ = lookup // exposed to any future embedder/CLI that wants a direct lookup; no HTTP surface in this spec

	ring := logging.NewRing(session, registry, nodeName, cfg.NodeLogLines)
	_ = ring

	healthSrv := health.NewServer(healthAddr, func() (bool, string) {
		if !session.IsLeader() && !election.IsPrimary() {
			return true, "follower"
		}
		return true, "ok"
	})
	go func() {
		if err := healthSrv.Start(ctx); err != nil {
			log.Error().Err(err).Msg("health server stopped")
		}
	}()
	log.Info().Str("addr", healthAddr).Msg("health/metrics server listening")

	go refreshRaftGauges(ctx, session, keepaliveInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down: draining VMs")

	drainCtx, drainCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := machine.Shutdown(drainCtx); err != nil {
		log.Error().Err(err).Msg("graceful drain failed, disconnecting anyway")
	}
	drainCancel()

	log.Info().Msg("drain complete, disconnecting")
	cancel()
	return nil
}

// refreshRaftGauges keeps quorumhv_raft_is_leader current on a ticker,
// since raft leadership can change at any moment independent of a
// write ever happening on this node.
func refreshRaftGauges(ctx context.Context, session *coordstore.Session, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if session.IsLeader() {
				metrics.RaftLeader.Set(1)
			} else {
				metrics.RaftLeader.Set(0)
			}
		}
	}
}

func mustPath(r *schema.Registry, name string, args ...string) string {
	p, err := r.Path(name, args...)
	if err != nil {
		return ""
	}
	return p
}

// rbdLockFlushByUUID adapts fence.RBDLockFlusher (keyed by VM UUID) to
// the same `rbd lock rm` external call domainSupervisor's per-VM
// controllers use, by reading the VM's XML to find its RBD disks
// first (spec §9: "XML is the source of truth" for a VM's storage
// backing).
func rbdLockFlushByUUID(session *coordstore.Session, registry *schema.Registry) fence.RBDLockFlusher {
	return func(uuid string) error {
		xmlPath, err := registry.Path("domain.xml", uuid)
		if err != nil {
			return err
		}
		raw, _, err := session.Read(xmlPath)
		if err != nil {
			return nil // no record yet, nothing to flush
		}
		dom, err := xmldef.Parse(string(raw))
		if err != nil {
			return err
		}
		return flushRBDLocks(dom.RBDDisks())
	}
}

// flushRBDLocks shells out to `rbd lock rm` for every image still
// exclusively locked by this host (spec §4.6's migration handshake
// step 2, §9's Ceph/RBD external call). Ceph itself is out of scope
// for this daemon beyond this one call.
func flushRBDLocks(images []string) error {
	for _, image := range images {
		out, err := exec.Command("rbd", "lock", "ls", image).CombinedOutput()
		if err != nil {
			return fmt.Errorf("rbd lock ls %s: %w: %s", image, err, out)
		}
		locker := parseRBDLocker(string(out))
		if locker == "" {
			continue
		}
		if out, err := exec.Command("rbd", "lock", "rm", image, "auto-lock", locker).CombinedOutput(); err != nil {
			return fmt.Errorf("rbd lock rm %s: %w: %s", image, err, out)
		}
	}
	return nil
}

// parseRBDLocker pulls the locker ID out of `rbd lock ls`'s tabular
// output (header line, then "Locker ID Address" rows).
func parseRBDLocker(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) < 2 {
		return ""
	}
	fields := strings.Fields(lines[1])
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// domainSupervisor watches base.domain's children and runs one
// domain.Controller + domain.ConsoleTailer per VM for the lifetime of
// this process, tearing them down when a VM is deleted.
type domainSupervisor struct {
	session  *coordstore.Session
	registry *schema.Registry
	lv       *libvirt.Client
	faults   *logging.FaultSink
	node     string
	cfg      *config.Config

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func newDomainSupervisor(session *coordstore.Session, registry *schema.Registry, lv *libvirt.Client, faults *logging.FaultSink, node string, cfg *config.Config) *domainSupervisor {
	return &domainSupervisor{
		session:  session,
		registry: registry,
		lv:       lv,
		faults:   faults,
		node:     node,
		cfg:      cfg,
		running:  make(map[string]context.CancelFunc),
	}
}

func (d *domainSupervisor) run(ctx context.Context) {
	base, err := d.registry.Path("base.domain")
	if err != nil {
		logging.Errorf("domain supervisor: resolve base.domain failed", err)
		return
	}

	reconcile := func() {
		uuids, err := d.session.Children(base)
		if err != nil {
			logging.Errorf("domain supervisor: list domains failed", err)
			return
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		seen := make(map[string]bool, len(uuids))
		for _, uuid := range uuids {
			seen[uuid] = true
			if _, ok := d.running[uuid]; ok {
				continue
			}
			domainCtx, cancel := context.WithCancel(ctx)
			d.running[uuid] = cancel
			go d.supervise(domainCtx, uuid)
		}
		for uuid, cancel := range d.running {
			if !seen[uuid] {
				cancel()
				delete(d.running, uuid)
			}
		}
	}

	reconcile()
	d.session.WatchChildren(base, func(ev coordstore.WatchEvent) any {
		if ev.Type == coordstore.WatchEventChanged {
			reconcile()
		}
		return nil
	})
	<-ctx.Done()
}

func (d *domainSupervisor) supervise(ctx context.Context, uuid string) {
	rbdFlush := func(images []string) error { return flushRBDLocks(images) }
	controller := domain.NewController(d.session, d.registry, d.lv, d.faults, rbdFlush, d.node, uuid)

	consoleDir := d.cfg.ConsoleLogDirectory
	if consoleDir == "" {
		consoleDir = filepath.Join(os.TempDir(), "quorumhv-console")
	}
	tailer := domain.NewConsoleTailer(controller, consoleDir, d.cfg.ConsoleLogLines, 2*time.Second)
	go tailer.Run(ctx)

	if err := controller.Run(ctx); err != nil {
		logging.Errorf("domain controller exited", err)
	}
}
