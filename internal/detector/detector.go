// Package detector implements the failure detector. One monitor per ACTIVE
// group probes the group's servers on a fixed period and feeds SERVER_LOST
// and FAIL_OVER events into the executor on state transitions.
package detector

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"

	"github.com/orcharddb/warden/infrastructure/logging"
	"github.com/orcharddb/warden/infrastructure/metrics"
	"github.com/orcharddb/warden/internal/events"
	"github.com/orcharddb/warden/internal/fleet"
	"github.com/orcharddb/warden/internal/store"
)

// Event names the detector emits. Handlers are registered elsewhere.
const (
	EventServerLost = "SERVER_LOST"
	EventFailOver   = "FAIL_OVER"
)

// Probe states of a monitored server.
type probeState int

const (
	stateUp probeState = iota
	stateSuspect
	stateDown
)

// Config carries the failure_detector.* options.
type Config struct {
	// Period is the time between probe rounds of a group.
	Period time.Duration
	// FailuresToSuspect is the consecutive failure count that moves a
	// server from UP to SUSPECT.
	FailuresToSuspect int
	// FailuresToDown is the consecutive failure count that moves a server
	// to DOWN and emits events.
	FailuresToDown int
	// ProbeTimeout bounds one connectivity check.
	ProbeTimeout time.Duration
}

// serverProbe tracks one server's probe state machine.
type serverProbe struct {
	state    probeState
	failures int
}

// Detector owns the per-group monitors.
type Detector struct {
	cfg     Config
	store   *store.Store
	events  *events.Registry
	control fleet.Control
	metrics *metrics.Metrics
	log     *logging.Logger

	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
	states  map[string]map[uuid.UUID]*serverProbe
	running bool

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a detector. Start must be called to begin probing.
func New(cfg Config, st *store.Store, reg *events.Registry, control fleet.Control,
	m *metrics.Metrics, log *logging.Logger) *Detector {
	if cfg.Period <= 0 {
		cfg.Period = time.Second
	}
	if cfg.FailuresToSuspect <= 0 {
		cfg.FailuresToSuspect = 1
	}
	if cfg.FailuresToDown < cfg.FailuresToSuspect {
		cfg.FailuresToDown = cfg.FailuresToSuspect + 1
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	return &Detector{
		cfg:     cfg,
		store:   st,
		events:  reg,
		control: control,
		metrics: m,
		log:     log,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
		states:  make(map[string]map[uuid.UUID]*serverProbe),
	}
}

// Start registers a monitor for every ACTIVE group and begins probing.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.baseCtx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	groups, err := d.store.Groups().ByStatus(ctx, d.store.DB(), fleet.GroupActive)
	if err != nil {
		return err
	}
	for _, group := range groups {
		d.RegisterGroup(group.ID)
	}

	d.cron.Start()
	d.log.WithField("groups", len(groups)).Info("failure detector started")
	return nil
}

// Stop halts all monitors and waits for in-flight probe rounds.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	d.cancel()
	<-d.cron.Stop().Done()
	d.log.Info("failure detector stopped")
}

// RegisterGroup starts monitoring a group. Registering a monitored group is
// a no-op.
func (d *Detector) RegisterGroup(groupID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[groupID]; ok {
		return
	}
	entry, err := d.cron.AddFunc(fmt.Sprintf("@every %s", d.cfg.Period), func() {
		d.probeGroup(groupID)
	})
	if err != nil {
		d.log.WithError(err).WithField("group_id", groupID).Error("scheduling monitor")
		return
	}
	d.entries[groupID] = entry
	d.states[groupID] = make(map[uuid.UUID]*serverProbe)
	d.log.WithField("group_id", groupID).Info("monitoring group")
}

// UnregisterGroup stops monitoring a group.
func (d *Detector) UnregisterGroup(groupID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.entries[groupID]
	if !ok {
		return
	}
	d.cron.Remove(entry)
	delete(d.entries, groupID)
	delete(d.states, groupID)
	d.log.WithField("group_id", groupID).Info("stopped monitoring group")
}

// Monitored returns the ids of the currently monitored groups.
func (d *Detector) Monitored() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.entries))
	for groupID := range d.entries {
		out = append(out, groupID)
	}
	return out
}

// probeGroup runs one probe round. The detector never dies: every failure
// is logged and the next round proceeds.
func (d *Detector) probeGroup(groupID string) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithFields(map[string]interface{}{
				"group_id": groupID,
				"panic":    fmt.Sprint(r),
				"stack":    string(debug.Stack()),
			}).Error("probe round panicked")
		}
	}()

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	ctx := d.baseCtx
	d.mu.Unlock()

	group, err := d.store.Groups().Fetch(ctx, d.store.DB(), groupID)
	if err != nil {
		d.log.WithError(err).WithField("group_id", groupID).Warn("fetching group")
		return
	}
	if group == nil || group.Status != fleet.GroupActive {
		d.UnregisterGroup(groupID)
		return
	}

	servers, err := d.store.Servers().InGroup(ctx, d.store.DB(), groupID)
	if err != nil {
		d.log.WithError(err).WithField("group_id", groupID).Warn("listing servers")
		return
	}

	for _, server := range servers {
		if ctx.Err() != nil {
			return
		}
		if !server.Status.Monitorable() {
			d.forget(groupID, server.UUID)
			continue
		}
		alive := d.control.Probe(ctx, server, d.cfg.ProbeTimeout) == nil
		result := "success"
		if !alive {
			result = "failure"
		}
		d.metrics.ProbesTotal.WithLabelValues(groupID, result).Inc()
		d.transition(ctx, group, server, alive)
	}
}

// transition advances one server's probe state machine and emits events on
// the SUSPECT to DOWN edge.
func (d *Detector) transition(ctx context.Context, group *fleet.Group, server *fleet.Server, alive bool) {
	d.mu.Lock()
	probes, ok := d.states[group.ID]
	if !ok {
		d.mu.Unlock()
		return
	}
	probe, ok := probes[server.UUID]
	if !ok {
		probe = &serverProbe{state: stateUp}
		probes[server.UUID] = probe
	}

	if alive {
		// Any success resets SUSPECT. A DOWN server comes back only after
		// an operator re-activated it, which this branch observes as a
		// monitorable status plus a successful probe.
		if probe.state != stateUp {
			d.log.WithFields(map[string]interface{}{
				"group_id":    group.ID,
				"server_uuid": server.UUID.String(),
			}).Info("server reachable again")
		}
		probe.state = stateUp
		probe.failures = 0
		d.mu.Unlock()
		return
	}

	probe.failures++
	switch probe.state {
	case stateUp:
		if probe.failures >= d.cfg.FailuresToSuspect {
			probe.state = stateSuspect
		}
	case stateSuspect:
	case stateDown:
		d.mu.Unlock()
		return
	}
	emitted := false
	if probe.state == stateSuspect && probe.failures >= d.cfg.FailuresToDown {
		probe.state = stateDown
		emitted = true
	}
	d.mu.Unlock()

	if !emitted {
		return
	}
	d.serverDown(ctx, group, server)
}

// serverDown emits the loss events for a server that just went DOWN.
func (d *Detector) serverDown(ctx context.Context, group *fleet.Group, server *fleet.Server) {
	isMaster := group.MasterUUID == server.UUID
	d.log.WithFields(map[string]interface{}{
		"group_id":    group.ID,
		"server_uuid": server.UUID.String(),
		"is_master":   isMaster,
	}).Warn("server lost")

	d.metrics.ServersLost.Inc()
	if _, err := d.events.Trigger(ctx, EventServerLost, []string{group.ID},
		group.ID, server.UUID.String()); err != nil {
		d.log.WithError(err).Warn("triggering SERVER_LOST")
	}

	if !isMaster {
		return
	}

	// A lost master is immediately marked FAULTY so the detector skips it
	// and the failover handler elects among the survivors.
	err := d.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return d.store.Servers().SetStatus(ctx, tx, server.UUID, fleet.StatusFaulty)
	})
	if err != nil {
		d.log.WithError(err).WithField("server_uuid", server.UUID.String()).
			Warn("marking lost master faulty")
	}

	d.metrics.Failovers.Inc()
	if _, err := d.events.Trigger(ctx, EventFailOver, []string{group.ID}, group.ID); err != nil {
		d.log.WithError(err).Warn("triggering FAIL_OVER")
	}
}

// forget drops probe state of servers the detector no longer watches.
func (d *Detector) forget(groupID string, serverUUID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if probes, ok := d.states[groupID]; ok {
		delete(probes, serverUUID)
	}
}
