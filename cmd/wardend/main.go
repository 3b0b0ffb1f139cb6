// Command wardend is the controller daemon. It wires the persistence
// store, the executor, the recovery engine, the failure detector, and the
// RPC facade, then serves until stopped.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/orcharddb/warden/infrastructure/config"
	"github.com/orcharddb/warden/infrastructure/logging"
	"github.com/orcharddb/warden/infrastructure/metrics"
	"github.com/orcharddb/warden/internal/detector"
	"github.com/orcharddb/warden/internal/events"
	"github.com/orcharddb/warden/internal/executor"
	"github.com/orcharddb/warden/internal/fleet"
	"github.com/orcharddb/warden/internal/ha"
	"github.com/orcharddb/warden/internal/locking"
	"github.com/orcharddb/warden/internal/recovery"
	"github.com/orcharddb/warden/internal/rpc"
	"github.com/orcharddb/warden/internal/store"
)

const version = "1.0.0"

// paramFlags collects repeated --param section.name=value flags.
type paramFlags []string

func (p *paramFlags) String() string { return fmt.Sprint(*p) }

func (p *paramFlags) Set(value string) error {
	*p = append(*p, value)
	return nil
}

// monitorProxy defers the detector binding: the HA actions are registered
// before the detector exists.
type monitorProxy struct {
	mu     sync.Mutex
	target ha.Monitor
}

func (m *monitorProxy) bind(target ha.Monitor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target = target
}

func (m *monitorProxy) RegisterGroup(groupID string) {
	m.mu.Lock()
	target := m.target
	m.mu.Unlock()
	if target != nil {
		target.RegisterGroup(groupID)
	}
}

func (m *monitorProxy) UnregisterGroup(groupID string) {
	m.mu.Lock()
	target := m.target
	m.mu.Unlock()
	if target != nil {
		target.UnregisterGroup(groupID)
	}
}

func main() {
	var (
		configFile   = flag.String("config", config.SiteConfig, "site-wide configuration file")
		overrideFile = flag.String("extra-config", "", "override configuration file")
		ignoreSite   = flag.Bool("ignore-site-config", false, "ignore a missing site configuration file")
		params       paramFlags
	)
	flag.Var(&params, "param", "override option as section.name=value (repeatable)")
	flag.Parse()

	cfg, err := config.Load(*configFile, *overrideFile, []string(params), *ignoreSite)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wardend: %v\n", err)
		os.Exit(1)
	}

	log := logging.InitDefault("wardend",
		cfg.GetString("logging.level"), cfg.GetString("logging.format"))
	if target := cfg.GetString("logging.url"); target != "" {
		file, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "wardend: opening log file (%s): %v\n", target, err)
			os.Exit(1)
		}
		defer file.Close()
		log.SetOutput(file)
	}
	log.WithField("version", version).Info("starting controller")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("controller failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logging.Logger) error {
	ctx := context.Background()

	// --- Persistence store ---
	st, err := store.Open(cfg, log.Component("store"))
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Setup(ctx); err != nil {
		return err
	}

	// --- Shared infrastructure ---
	m := metrics.New()
	node := rpc.NewNode(version)
	locks := locking.NewManager()
	control := fleet.NewMySQLControl()

	probeTimeout, err := cfg.GetDuration("failure_detector.probe_timeout")
	if err != nil {
		return err
	}

	// --- Actions and events ---
	monitor := &monitorProxy{}
	actionRegistry := executor.NewRegistry()
	haActions := ha.NewActions(monitor, m, log.Component("ha"), probeTimeout)
	haActions.Register(actionRegistry)

	// --- Executor ---
	workers, err := cfg.GetInt("executor.workers")
	if err != nil {
		return err
	}
	exec := executor.New(st, locks, actionRegistry, control, m,
		log.Component("executor"), workers)
	if err := exec.Start(); err != nil {
		return err
	}
	defer exec.Shutdown()

	eventRegistry := events.NewRegistry(exec, log.Component("events"))
	ha.RegisterEvents(eventRegistry)

	// --- Recovery, before anything feeds new work ---
	if failed := recovery.New(st, exec, log.Component("recovery")).Run(ctx); failed {
		log.Warn("recovery completed with failures, continuing")
	}

	// --- Failure detector ---
	period, err := cfg.GetDuration("failure_detector.period")
	if err != nil {
		return err
	}
	suspectAfter, err := cfg.GetInt("failure_detector.failures_to_suspect")
	if err != nil {
		return err
	}
	downAfter, err := cfg.GetInt("failure_detector.failures_to_down")
	if err != nil {
		return err
	}
	det := detector.New(detector.Config{
		Period:            period,
		FailuresToSuspect: suspectAfter,
		FailuresToDown:    downAfter,
		ProbeTimeout:      probeTimeout,
	}, st, eventRegistry, control, m, log.Component("detector"))
	if err := det.Start(ctx); err != nil {
		return err
	}
	defer det.Stop()
	monitor.bind(det)

	// --- Housekeeping ---
	retention, err := cfg.GetDuration("executor.procedure_retention")
	if err != nil {
		return err
	}
	housekeeper := cron.New()
	if _, err := housekeeper.AddFunc("@every 1h", func() {
		purged, err := st.Procedures().PurgeTerminatedBefore(ctx, time.Now().Add(-retention))
		if err != nil {
			log.WithError(err).Warn("purging terminal procedures")
			return
		}
		if purged > 0 {
			log.WithField("rows", purged).Info("purged terminal procedures")
		}
	}); err != nil {
		return err
	}
	if _, err := housekeeper.AddFunc("@every 15s", func() {
		m.Uptime.Set(node.Uptime().Seconds())
	}); err != nil {
		return err
	}
	housekeeper.Start()
	defer housekeeper.Stop()

	// --- RPC facade ---
	stopCh := make(chan struct{})
	var stopOnce sync.Once
	requestStop := func() {
		stopOnce.Do(func() { close(stopCh) })
	}

	runtime := &rpc.Runtime{
		Config:      cfg,
		Store:       st,
		Executor:    exec,
		Events:      eventRegistry,
		Locks:       locks,
		Detector:    det,
		Control:     control,
		Node:        node,
		Metrics:     m,
		Log:         log,
		RequestStop: requestStop,
	}
	server := rpc.NewServer(runtime, rpc.BuildRegistry())
	if err := server.Start(); err != nil {
		return err
	}
	server.Enable()
	log.Info("controller ready")

	// --- Wait for a stop signal ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case <-stopCh:
		log.Info("shutting down on RPC request")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("stopping rpc server")
	}
	// Deferred stops run in reverse order: housekeeper, detector,
	// executor drain, store close.
	return nil
}
