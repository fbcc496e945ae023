// Command gogiod is the monitoring core's process entrypoint. It wires
// the registry, state machine, scheduler, command runner, notification
// engine, downtime/comment managers, external command bus, persistence
// snapshotter and (optionally) the cluster messenger and NRDP relay
// into a single running daemon, the way gogios's cmd/gogios wires its
// own subsystems together in runDaemon — generalized from Nagios' flat
// ObjectStore onto this core's shared Checkable registry.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/icinga-go/gogiod/internal/checkable"
	"github.com/icinga-go/gogiod/internal/clock"
	"github.com/icinga-go/gogiod/internal/cluster"
	"github.com/icinga-go/gogiod/internal/config"
	"github.com/icinga-go/gogiod/internal/dependency"
	"github.com/icinga-go/gogiod/internal/downtime"
	"github.com/icinga-go/gogiod/internal/extcmd"
	"github.com/icinga-go/gogiod/internal/logging"
	"github.com/icinga-go/gogiod/internal/macros"
	"github.com/icinga-go/gogiod/internal/metrics"
	"github.com/icinga-go/gogiod/internal/notify"
	"github.com/icinga-go/gogiod/internal/nrdp"
	"github.com/icinga-go/gogiod/internal/persist"
	"github.com/icinga-go/gogiod/internal/registry"
	"github.com/icinga-go/gogiod/internal/runner"
	"github.com/icinga-go/gogiod/internal/scheduler"
	"github.com/icinga-go/gogiod/internal/topology"
	"github.com/spf13/cobra"
)

// daemonFlags collects every -- flag runDaemon consults, mirroring
// gogios's flat set of daemon options without its combined-short-flag
// parsing (cobra/pflag already give us --long and -x forms for free).
type daemonFlags struct {
	topologyPath string
	resourceFile string
	varDir       string
	checkWorkers int
	maxConcurrent int

	clusterEnabled bool
	nodeName       string
	zone           string
	gossipBind     string
	gossipPort     int
	raftBind       string
	raftDataDir    string
	bootstrap      bool
	joinAddrs      []string

	nrdpEnabled   bool
	nrdpListen    string
	nrdpTokenHash string
	nrdpDynamic   bool

	metricsEnabled bool
	metricsListen  string

	extcmdPipe string
}

func main() {
	flags := &daemonFlags{}

	root := &cobra.Command{
		Use:   "gogiod",
		Short: "gogiod is a distributed monitoring core daemon",
	}

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the monitoring core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(flags)
		},
	}
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Parse and validate the topology file without running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(flags)
		},
	}

	for _, c := range []*cobra.Command{daemonCmd, verifyCmd} {
		c.Flags().StringVar(&flags.topologyPath, "topology", "topology.yaml", "path to the topology YAML document")
		c.Flags().StringVar(&flags.resourceFile, "resource-file", "", "path to a Nagios-style resource file defining $USERn$ macros (empty disables $USERn$ resolution)")
		c.Flags().StringVar(&flags.varDir, "var-dir", "/var/lib/gogiod", "directory for persistence/log state")
		c.Flags().IntVar(&flags.checkWorkers, "check-workers", 16, "Command Runner worker pool size")
		c.Flags().IntVar(&flags.maxConcurrent, "max-concurrent-checks", 256, "scheduler concurrency ceiling")

		c.Flags().BoolVar(&flags.clusterEnabled, "cluster", false, "enable the cluster messenger")
		c.Flags().StringVar(&flags.nodeName, "node-name", hostnameOrDefault(), "this node's cluster identity")
		c.Flags().StringVar(&flags.zone, "zone", "master", "this node's cluster zone")
		c.Flags().StringVar(&flags.gossipBind, "gossip-bind", "0.0.0.0", "memberlist gossip bind address")
		c.Flags().IntVar(&flags.gossipPort, "gossip-port", 7946, "memberlist gossip bind port")
		c.Flags().StringVar(&flags.raftBind, "raft-bind", "127.0.0.1:7373", "raft transport bind address")
		c.Flags().StringVar(&flags.raftDataDir, "raft-data-dir", "", "raft log/snapshot directory (defaults under --var-dir)")
		c.Flags().BoolVar(&flags.bootstrap, "bootstrap", false, "bootstrap a new raft cluster as this zone's single voter")
		c.Flags().StringSliceVar(&flags.joinAddrs, "join", nil, "gossip addresses of existing cluster members to join")

		c.Flags().BoolVar(&flags.nrdpEnabled, "nrdp", false, "enable the NRDP passive-result relay")
		c.Flags().StringVar(&flags.nrdpListen, "nrdp-listen", ":5668", "NRDP listen address")
		c.Flags().StringVar(&flags.nrdpTokenHash, "nrdp-token-hash", "", "bcrypt hash of the accepted NRDP token")
		c.Flags().BoolVar(&flags.nrdpDynamic, "nrdp-dynamic", true, "auto-register hosts/services NRDP reports that aren't in the topology")

		c.Flags().BoolVar(&flags.metricsEnabled, "metrics", true, "enable the Prometheus /metrics endpoint")
		c.Flags().StringVar(&flags.metricsListen, "metrics-listen", ":9090", "Prometheus scrape endpoint listen address")

		c.Flags().StringVar(&flags.extcmdPipe, "command-pipe", "", "external command FIFO path (empty disables the pipe reader; the bus still accepts Dispatch calls from NRDP/the API)")
	}

	root.AddCommand(daemonCmd, verifyCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil {
		return "gogiod"
	}
	return h
}

// runVerify loads the topology file and reports how many hosts/services
// it describes, without starting any subsystem, the way gogios's -v
// flag checks a config file before committing to a full run.
func runVerify(flags *daemonFlags) error {
	doc, err := topology.Load(flags.topologyPath)
	if err != nil {
		return err
	}
	reg := registry.New("host", "service")
	builder := topology.NewBuilder(doc, reg)
	if err := config.RunBuilders([]config.ObjectBuilder{builder}); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if flags.resourceFile != "" {
		if _, err := topology.LoadUserMacros(flags.resourceFile); err != nil {
			return fmt.Errorf("verify: resource file: %w", err)
		}
	}
	hosts := registry.GetObjectsByType[*checkable.Checkable](reg, "host")
	services := registry.GetObjectsByType[*checkable.Checkable](reg, "service")
	fmt.Printf("topology OK: %d hosts, %d services, %d commands, %d dependencies\n",
		len(hosts), len(services), len(doc.Commands), len(doc.Dependencies))
	return nil
}

// runDaemon builds every subsystem and blocks until a termination
// signal arrives, tearing components down in reverse dependency order.
func runDaemon(flags *daemonFlags) error {
	if err := os.MkdirAll(flags.varDir, 0755); err != nil {
		return fmt.Errorf("var dir: %w", err)
	}

	logMgr, err := logging.New(flags.varDir+"/gogiod.log", flags.varDir+"/archive", 0, false)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logMgr.Close()
	log := logMgr.Component("main")
	log.Info().Msg("starting gogiod")

	gcfg := config.NewGlobalConfig()
	gcfg.MaxConcurrentChecks = flags.maxConcurrent
	gcfg.CheckWorkers = flags.checkWorkers
	gcfg.ProgramStart = time.Now()

	doc, err := topology.Load(flags.topologyPath)
	if err != nil {
		return fmt.Errorf("topology: %w", err)
	}

	reg := registry.New("host", "service")
	builder := topology.NewBuilder(doc, reg)
	if err := config.RunBuilders([]config.ObjectBuilder{builder}); err != nil {
		return fmt.Errorf("loading topology: %w", err)
	}
	periods := builder.Periods()

	depGraph := dependency.NewRegistry()
	topology.RegisterDependencies(doc, depGraph)

	comments := downtime.NewCommentManager()
	downtimeMgr := downtime.NewManager(comments)
	downtimeMgr.SetLogger(func(format string, args ...any) {
		logMgr.Component("downtime").Info().Msgf(format, args...)
	})

	var messenger *cluster.Messenger
	if flags.clusterEnabled {
		raftDir := flags.raftDataDir
		if raftDir == "" {
			raftDir = flags.varDir + "/raft"
		}
		messenger, err = cluster.NewMessenger(cluster.Config{
			NodeName:    flags.nodeName,
			Zone:        flags.zone,
			GossipBind:  flags.gossipBind,
			GossipPort:  flags.gossipPort,
			RaftBind:    flags.raftBind,
			RaftDataDir: raftDir,
			Bootstrap:   flags.bootstrap,
			Log:         logMgr.Component("cluster"),
		})
		if err != nil {
			return fmt.Errorf("cluster messenger: %w", err)
		}
		if len(flags.joinAddrs) > 0 {
			if _, err := messenger.Join(flags.joinAddrs); err != nil {
				log.Warn().Err(err).Msg("failed to join gossip cluster")
			}
		}
	}

	runnerCfg := runner.Config{
		Clock:    clock.New(),
		Log:      logMgr.Component("runner"),
		Workers:  flags.checkWorkers,
		NodeName: flags.nodeName,
	}
	cmdRunner := runner.New(runnerCfg)
	topology.RegisterCommands(doc, cmdRunner)
	if messenger != nil {
		cmdRunner.Messenger = messenger
	}

	notifyEngine := notify.NewEngine(notify.Config{
		Clock:   clock.New(),
		Log:     logMgr.Component("notify"),
		Enabled: gcfg.EnableNotifications,
	})
	notifyEngine.Runner = cmdRunner
	notifyEngine.LookupPeriod = func(name string) scheduler.Period {
		if p, ok := periods[name]; ok {
			return p
		}
		return nil
	}
	builder.RegisterNotifications(notifyEngine)

	if flags.resourceFile != "" {
		userMacros, err := topology.LoadUserMacros(flags.resourceFile)
		if err != nil {
			return fmt.Errorf("resource file: %w", err)
		}
		cmdRunner.BuildResolvers = func(c *checkable.Checkable) []macros.Resolver {
			return []macros.Resolver{macros.ArgResolver(nil, userMacros)}
		}
		notifyEngine.BuildResolvers = func(c *checkable.Checkable, n *notify.Notification, u *notify.User, typ notify.Type, cr *checkable.CheckResult, author, text string) []macros.Resolver {
			return append(notifyEngine.DefaultResolvers(c, n, u, typ, cr, author, text), macros.ArgResolver(nil, userMacros))
		}
	}

	hostOf := func(svc *checkable.Checkable) *checkable.Checkable {
		if svc.Service == nil {
			return nil
		}
		return svc.Service.Host
	}

	isReachable := func(c *checkable.Checkable) bool {
		groups := depGraph.GroupsForChild(c.Name)
		if len(groups) == 0 {
			return true
		}
		status := func(parent string) (reachable, available bool) {
			obj, ok := reg.GetByName("host", parent)
			if !ok {
				obj, ok = reg.GetByName("service", parent)
			}
			if !ok {
				return true, false
			}
			pc := obj.(*checkable.Checkable)
			return true, checkable.IsOK(pc.Kind, pc.EffectiveState())
		}
		reachable := dependency.IsReachable(groups, c.Name, status, 0)
		metrics.ReachabilityTotal.WithLabelValues(boolLabel(reachable)).Inc()
		return reachable
	}

	handler := &checkable.Handler{
		Clock:                  clock.New(),
		FlapThresholdHigh:      gcfg.FlapThresholdHigh,
		FlapThresholdLow:       gcfg.FlapThresholdLow,
		IntervalLength:         time.Minute,
		HostOf:                 hostOf,
		IsReachable:            isReachable,
		RecomputeDowntimeDepth: downtimeMgr.RecomputeDowntimeDepth,
		OnStateChange: func(c *checkable.Checkable, oldState, newState checkable.State, hardChange bool) {
			if hardChange {
				metrics.StateChangesTotal.WithLabelValues(c.Kind.String(), fmt.Sprint(newState)).Inc()
			}
		},
		OnNotificationsRequested: func(c *checkable.Checkable, typ checkable.NotificationType, cr *checkable.CheckResult, author, text string, force bool) {
			notifyEngine.HandleStateMachineEvent(c, typ, cr, author, text, force)
		},
	}
	cmdRunner.OnResult = func(c *checkable.Checkable, cr *checkable.CheckResult) {
		if err := handler.ProcessCheckResult(c, cr); err != nil {
			log.Warn().Err(err).Str("checkable", c.Name).Msg("bad check result")
		}
	}

	var lookupEndpoint func(name string) scheduler.Endpoint
	if messenger != nil {
		lookupEndpoint = func(name string) scheduler.Endpoint {
			ep := messenger.Endpoint(name)
			if ep == nil {
				return nil
			}
			return ep
		}
	}

	sched := scheduler.New(scheduler.Config{
		Clock:               clock.New(),
		Log:                 logMgr.Component("scheduler"),
		Dispatcher:          cmdRunner,
		MaxConcurrentChecks: gcfg.MaxConcurrentChecks,
		GlobalChecksEnabled: func(kind checkable.Kind) bool {
			if kind == checkable.KindHost {
				return gcfg.ExecuteHostChecks
			}
			return gcfg.ExecuteServiceChecks
		},
		IsReachable: isReachable,
		LookupPeriod: func(name string) scheduler.Period {
			if p, ok := periods[name]; ok {
				return p
			}
			return nil
		},
		LookupEndpoint:    lookupEndpoint,
		ProgramStart:      gcfg.ProgramStart,
		ColdStartupWindow: gcfg.ColdStartupWindow,
	})

	for _, h := range registry.ActiveObjectsByType[*checkable.Checkable](reg, "host") {
		sched.Insert(h)
	}
	for _, s := range registry.ActiveObjectsByType[*checkable.Checkable](reg, "service") {
		sched.Insert(s)
	}

	db, err := persist.Open(flags.varDir + "/retention.db")
	if err != nil {
		return fmt.Errorf("persistence: %w", err)
	}
	defer db.Close()
	snapshotter := persist.New(db, reg, gcfg.PersistSnapshotInterval, clock.New(), logMgr.Component("persist"))
	if err := snapshotter.Restore(); err != nil {
		log.Warn().Err(err).Msg("failed to restore retained state")
	}
	snapshotter.Start()
	defer snapshotter.Stop()

	cmdProcessor := extcmd.NewProcessor(flags.extcmdPipe, 256, logMgr.Component("extcmd"))
	bus := extcmd.NewBus(cmdProcessor, logMgr.Component("extcmd"))
	bus.Registry = reg
	bus.Handler = handler
	bus.Notify = notifyEngine
	bus.Downtime = downtimeMgr
	bus.Comments = comments
	bus.Reschedule = sched.RescheduleCheck
	bus.OnShutdown = func() { sched.Stop() }

	if flags.extcmdPipe != "" {
		if err := cmdProcessor.Start(); err != nil {
			log.Warn().Err(err).Msg("failed to start external command pipe")
		} else {
			go func() {
				// readLoop has already run each command's handler; the
				// channel is drained here so it never fills.
				for cmd := range cmdProcessor.CommandChan() {
					log.Debug().Str("command", cmd.Name).Msg("external command processed")
				}
			}()
			defer cmdProcessor.Stop()
		}
	}

	var nrdpServer *nrdp.Server
	if flags.nrdpEnabled {
		nrdpServer = nrdp.New(nrdp.Config{
			Listen:         flags.nrdpListen,
			Path:           "/nrdp/",
			TokenHash:      flags.nrdpTokenHash,
			DynamicEnabled: flags.nrdpDynamic,
			DynamicTTL:     10 * time.Minute,
			DynamicPrune:   time.Minute,
		}, bus, reg, logMgr.Component("nrdp"))
		if err := nrdpServer.Start(); err != nil {
			log.Warn().Err(err).Msg("failed to start NRDP server")
		} else {
			defer nrdpServer.Stop()
		}
	}

	var metricsSrv *http.Server
	if flags.metricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: flags.metricsListen, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	if messenger != nil {
		messenger.OnMessage = func(origin, method string, params json.RawMessage) {
			metrics.ClusterMessagesTotal.WithLabelValues(method, "in").Inc()
			if method != "event::ExecutedCommand" {
				log.Debug().Str("method", method).Str("origin", origin).Msg("unhandled cluster event")
				return
			}
			var payload struct {
				ExecutionID string `json:"execution_id"`
				State       int    `json:"state"`
				Output      string `json:"output"`
				Perfdata    string `json:"perfdata"`
			}
			if err := json.Unmarshal(params, &payload); err != nil {
				log.Warn().Err(err).Msg("malformed event::ExecutedCommand")
				return
			}
			cmdRunner.CompleteRemoteExecution(payload.ExecutionID, &checkable.CheckResult{
				State:          checkable.State(payload.State),
				Output:         payload.Output,
				Perfdata:       payload.Perfdata,
				ExecutionStart: time.Now(),
				ExecutionEnd:   time.Now(),
				Source:         "cluster:" + origin,
			})
		}
		defer messenger.Shutdown()
	}

	log.Info().Int("hosts", len(registry.ActiveObjectsByType[*checkable.Checkable](reg, "host"))).
		Int("services", len(registry.ActiveObjectsByType[*checkable.Checkable](reg, "service"))).
		Msg("initial state loaded")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	go func() {
		sched.Run()
	}()

	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")
	sched.Stop()
	if err := snapshotter.Snapshot(); err != nil {
		log.Warn().Err(err).Msg("final snapshot failed")
	}
	if metricsSrv != nil {
		metricsSrv.Close()
	}
	return nil
}

func boolLabel(b bool) string {
	if b {
		return "reachable"
	}
	return "unreachable"
}
