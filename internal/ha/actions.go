// Package ha implements the procedure actions behind the controller's
// administrative commands and failure handling: group lifecycle, server
// membership, promotion, demotion, and failover.
package ha

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
	"github.com/orcharddb/warden/infrastructure/logging"
	"github.com/orcharddb/warden/infrastructure/metrics"
	"github.com/orcharddb/warden/internal/executor"
	"github.com/orcharddb/warden/internal/fleet"
)

// Action names resolved through the executor's registry.
const (
	ActionGroupCreate      = "group.create"
	ActionGroupCreateUndo  = "group.create.undo"
	ActionGroupDestroy     = "group.destroy"
	ActionServerAdd        = "server.add"
	ActionServerAddUndo    = "server.add.undo"
	ActionServerRemove     = "server.remove"
	ActionGroupPromote     = "group.promote"
	ActionGroupPromoteUndo = "group.promote.undo"
	ActionGroupDemote      = "group.demote"
	ActionGroupActivate    = "group.activate"
	ActionGroupDeactivate  = "group.deactivate"
	ActionServerLost       = "ha.server_lost"
	ActionFailOver         = "ha.fail_over"
)

// Monitor is the slice of the failure detector the actions need.
type Monitor interface {
	RegisterGroup(groupID string)
	UnregisterGroup(groupID string)
}

// Actions binds the HA procedure actions to their dependencies.
type Actions struct {
	monitor Monitor
	metrics *metrics.Metrics
	log     *logging.Logger

	probeTimeout time.Duration
}

// NewActions creates the action set.
func NewActions(monitor Monitor, m *metrics.Metrics, log *logging.Logger, probeTimeout time.Duration) *Actions {
	if probeTimeout <= 0 {
		probeTimeout = 3 * time.Second
	}
	return &Actions{
		monitor:      monitor,
		metrics:      m,
		log:          log,
		probeTimeout: probeTimeout,
	}
}

// Register adds every HA action to the executor's registry.
func (a *Actions) Register(reg *executor.Registry) {
	reg.Register(executor.ActionSpec{Name: ActionGroupCreate, Undo: ActionGroupCreateUndo, Func: a.groupCreate})
	reg.Register(executor.ActionSpec{Name: ActionGroupCreateUndo, Func: a.groupCreateUndo})
	reg.Register(executor.ActionSpec{Name: ActionGroupDestroy, Func: a.groupDestroy})
	reg.Register(executor.ActionSpec{Name: ActionServerAdd, Undo: ActionServerAddUndo, Func: a.serverAdd})
	reg.Register(executor.ActionSpec{Name: ActionServerAddUndo, Func: a.serverAddUndo})
	reg.Register(executor.ActionSpec{Name: ActionServerRemove, Func: a.serverRemove})
	reg.Register(executor.ActionSpec{Name: ActionGroupPromote, Undo: ActionGroupPromoteUndo, Func: a.groupPromote})
	reg.Register(executor.ActionSpec{Name: ActionGroupPromoteUndo, Func: a.groupPromoteUndo})
	reg.Register(executor.ActionSpec{Name: ActionGroupDemote, Func: a.groupDemote})
	reg.Register(executor.ActionSpec{Name: ActionGroupActivate, Func: a.groupActivate})
	reg.Register(executor.ActionSpec{Name: ActionGroupDeactivate, Func: a.groupDeactivate})
	reg.Register(executor.ActionSpec{Name: ActionServerLost, Func: a.serverLost})
	reg.Register(executor.ActionSpec{Name: ActionFailOver, Func: a.failOver})
}

// groupCreate creates an empty INACTIVE group. Args: group_id, description.
func (a *Actions) groupCreate(ctx context.Context, run *executor.Run) error {
	groupID, err := run.ArgString(0)
	if err != nil {
		return err
	}
	if err := fleet.ValidateGroupID(groupID); err != nil {
		return err
	}
	description, err := run.OptionalArgString(1, "")
	if err != nil {
		return err
	}

	existing, err := run.Store.Groups().Fetch(ctx, run.Tx, groupID)
	if err != nil {
		return err
	}
	if existing != nil {
		return werrors.Group("group (%s) already exists", groupID)
	}
	return run.Store.Groups().Add(ctx, run.Tx, &fleet.Group{
		ID:          groupID,
		Description: description,
		Status:      fleet.GroupInactive,
	})
}

// groupCreateUndo removes a group created by an interrupted procedure.
func (a *Actions) groupCreateUndo(ctx context.Context, run *executor.Run) error {
	groupID, err := run.ArgString(0)
	if err != nil {
		return err
	}
	group, err := run.Store.Groups().Fetch(ctx, run.Tx, groupID)
	if err != nil {
		return err
	}
	if group == nil {
		return nil
	}
	servers, err := run.Store.Servers().InGroup(ctx, run.Tx, groupID)
	if err != nil {
		return err
	}
	if len(servers) > 0 {
		return werrors.Group("group (%s) is not empty, refusing to undo create", groupID)
	}
	return run.Store.Groups().Remove(ctx, run.Tx, groupID)
}

// groupDestroy deletes an empty group. Args: group_id.
func (a *Actions) groupDestroy(ctx context.Context, run *executor.Run) error {
	groupID, err := run.ArgString(0)
	if err != nil {
		return err
	}
	group, err := run.Store.Groups().Fetch(ctx, run.Tx, groupID)
	if err != nil {
		return err
	}
	if group == nil {
		return werrors.Group("group (%s) does not exist", groupID)
	}
	servers, err := run.Store.Servers().InGroup(ctx, run.Tx, groupID)
	if err != nil {
		return err
	}
	if len(servers) > 0 {
		return werrors.Group("group (%s) still has %d servers", groupID, len(servers))
	}
	if err := run.Store.Groups().Remove(ctx, run.Tx, groupID); err != nil {
		return err
	}
	a.monitor.UnregisterGroup(groupID)
	return nil
}

// serverAdd registers a server with a group as a read-only secondary.
// Args: group_id, address, user, passwd.
func (a *Actions) serverAdd(ctx context.Context, run *executor.Run) error {
	groupID, err := run.ArgString(0)
	if err != nil {
		return err
	}
	address, err := run.ArgString(1)
	if err != nil {
		return err
	}
	user, err := run.OptionalArgString(2, "")
	if err != nil {
		return err
	}
	passwd, err := run.OptionalArgString(3, "")
	if err != nil {
		return err
	}

	group, err := run.Store.Groups().Fetch(ctx, run.Tx, groupID)
	if err != nil {
		return err
	}
	if group == nil {
		return werrors.Group("group (%s) does not exist", groupID)
	}
	existing, err := run.Store.Servers().FetchByAddress(ctx, run.Tx, address)
	if err != nil {
		return err
	}
	if existing != nil {
		return werrors.Server("server at (%s) already belongs to group (%s)",
			address, existing.GroupID)
	}

	server := &fleet.Server{
		UUID:    uuid.New(),
		GroupID: groupID,
		Address: address,
		User:    user,
		Passwd:  passwd,
		Mode:    fleet.ModeReadOnly,
		Status:  fleet.StatusSecondary,
		Weight:  1.0,
	}
	if err := server.Validate(); err != nil {
		return err
	}
	if err := run.Control.Probe(ctx, server, a.probeTimeout); err != nil {
		return werrors.Wrap(werrors.KindServer, err, "server at (%s) is unreachable", address)
	}
	if err := run.Control.SetReadOnly(ctx, server, true); err != nil {
		return err
	}
	return run.Store.Servers().Add(ctx, run.Tx, server)
}

// serverAddUndo removes the server added by an interrupted procedure.
func (a *Actions) serverAddUndo(ctx context.Context, run *executor.Run) error {
	address, err := run.ArgString(1)
	if err != nil {
		return err
	}
	server, err := run.Store.Servers().FetchByAddress(ctx, run.Tx, address)
	if err != nil {
		return err
	}
	if server == nil {
		return nil
	}
	if server.Status == fleet.StatusPrimary {
		return werrors.Server("server at (%s) became primary, refusing to undo add", address)
	}
	return run.Store.Servers().Remove(ctx, run.Tx, server.UUID)
}

// serverRemove drops a non-primary server from its group.
// Args: group_id, server_uuid.
func (a *Actions) serverRemove(ctx context.Context, run *executor.Run) error {
	groupID, err := run.ArgString(0)
	if err != nil {
		return err
	}
	rawUUID, err := run.ArgString(1)
	if err != nil {
		return err
	}
	serverUUID, err := uuid.Parse(rawUUID)
	if err != nil {
		return werrors.Server("invalid server uuid (%s)", rawUUID)
	}

	server, err := run.Store.Servers().Fetch(ctx, run.Tx, serverUUID)
	if err != nil {
		return err
	}
	if server == nil || server.GroupID != groupID {
		return werrors.Server("server (%s) is not a member of group (%s)", rawUUID, groupID)
	}
	if server.Status == fleet.StatusPrimary {
		return werrors.Server("server (%s) is the primary of group (%s), demote it first",
			rawUUID, groupID)
	}
	return run.Store.Servers().Remove(ctx, run.Tx, serverUUID)
}

// electCandidate picks the promotion candidate among secondaries: highest
// weight, ties broken by lowest uuid for determinism.
func electCandidate(servers []*fleet.Server) *fleet.Server {
	candidates := make([]*fleet.Server, 0, len(servers))
	for _, server := range servers {
		if server.Status == fleet.StatusSecondary {
			candidates = append(candidates, server)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Weight != candidates[j].Weight {
			return candidates[i].Weight > candidates[j].Weight
		}
		return candidates[i].UUID.String() < candidates[j].UUID.String()
	})
	return candidates[0]
}

// promote makes candidate the group's primary. Shared by groupPromote and
// failOver, both of which run with the group lock held.
func (a *Actions) promote(ctx context.Context, run *executor.Run, group *fleet.Group, candidate *fleet.Server) error {
	if err := run.Store.Servers().SetStatus(ctx, run.Tx, candidate.UUID, fleet.StatusPrimary); err != nil {
		return err
	}
	if err := run.Store.Servers().SetMode(ctx, run.Tx, candidate.UUID, fleet.ModeReadWrite); err != nil {
		return err
	}
	if err := run.Store.Groups().SetMaster(ctx, run.Tx, group.ID, candidate.UUID); err != nil {
		return err
	}
	if err := run.Control.SetReadOnly(ctx, candidate, false); err != nil {
		return err
	}
	a.metrics.Promotions.WithLabelValues(group.ID).Inc()
	run.BumpPromotion(group.ID)
	a.log.WithFields(map[string]interface{}{
		"group_id":    group.ID,
		"server_uuid": candidate.UUID.String(),
	}).Info("promoted new primary")
	return nil
}

// groupPromote elects and promotes a primary. A group that already has a
// healthy primary is a no-op success and records no promotion.
// Args: group_id, optional candidate server_uuid.
func (a *Actions) groupPromote(ctx context.Context, run *executor.Run) error {
	groupID, err := run.ArgString(0)
	if err != nil {
		return err
	}
	group, err := run.Store.Groups().Fetch(ctx, run.Tx, groupID)
	if err != nil {
		return err
	}
	if group == nil {
		return werrors.Group("group (%s) does not exist", groupID)
	}
	if group.HasMaster() {
		master, err := run.Store.Servers().Fetch(ctx, run.Tx, group.MasterUUID)
		if err != nil {
			return err
		}
		if master != nil && master.Status == fleet.StatusPrimary {
			a.log.WithField("group_id", groupID).Info("group already has a primary")
			return nil
		}
	}

	servers, err := run.Store.Servers().InGroup(ctx, run.Tx, groupID)
	if err != nil {
		return err
	}

	var candidate *fleet.Server
	rawCandidate, err := run.OptionalArgString(1, "")
	if err != nil {
		return err
	}
	if rawCandidate != "" {
		candidateUUID, err := uuid.Parse(rawCandidate)
		if err != nil {
			return werrors.Server("invalid server uuid (%s)", rawCandidate)
		}
		for _, server := range servers {
			if server.UUID == candidateUUID {
				candidate = server
				break
			}
		}
		if candidate == nil {
			return werrors.Server("server (%s) is not a member of group (%s)", rawCandidate, groupID)
		}
		if candidate.Status != fleet.StatusSecondary {
			return werrors.Server("server (%s) has status %s, only secondaries can be promoted",
				rawCandidate, candidate.Status)
		}
	} else {
		candidate = electCandidate(servers)
		if candidate == nil {
			return werrors.Group("group (%s) has no promotable secondary", groupID)
		}
	}

	return a.promote(ctx, run, group, candidate)
}

// groupPromoteUndo demotes the primary installed by an interrupted
// promotion, restoring a masterless group.
func (a *Actions) groupPromoteUndo(ctx context.Context, run *executor.Run) error {
	groupID, err := run.ArgString(0)
	if err != nil {
		return err
	}
	return a.demote(ctx, run, groupID, false)
}

// groupDemote demotes a group's primary and leaves the group masterless.
// Args: group_id.
func (a *Actions) groupDemote(ctx context.Context, run *executor.Run) error {
	groupID, err := run.ArgString(0)
	if err != nil {
		return err
	}
	return a.demote(ctx, run, groupID, true)
}

// demote clears the group's primary. The counted flag separates an
// operator demotion, which records statistics, from an undo.
func (a *Actions) demote(ctx context.Context, run *executor.Run, groupID string, counted bool) error {
	group, err := run.Store.Groups().Fetch(ctx, run.Tx, groupID)
	if err != nil {
		return err
	}
	if group == nil {
		return werrors.Group("group (%s) does not exist", groupID)
	}
	if !group.HasMaster() {
		if counted {
			return werrors.Group("group (%s) has no primary to demote", groupID)
		}
		return nil
	}

	master, err := run.Store.Servers().Fetch(ctx, run.Tx, group.MasterUUID)
	if err != nil {
		return err
	}
	if master != nil && master.Status == fleet.StatusPrimary {
		if err := run.Store.Servers().SetStatus(ctx, run.Tx, master.UUID, fleet.StatusSecondary); err != nil {
			return err
		}
		if err := run.Store.Servers().SetMode(ctx, run.Tx, master.UUID, fleet.ModeReadOnly); err != nil {
			return err
		}
		if err := run.Control.SetReadOnly(ctx, master, true); err != nil {
			return err
		}
	}
	if err := run.Store.Groups().SetMaster(ctx, run.Tx, groupID, uuid.Nil); err != nil {
		return err
	}
	if counted {
		a.metrics.Demotions.WithLabelValues(groupID).Inc()
		run.BumpDemotion(groupID)
	}
	return nil
}

// groupActivate marks a group ACTIVE and starts monitoring it.
// Args: group_id.
func (a *Actions) groupActivate(ctx context.Context, run *executor.Run) error {
	groupID, err := run.ArgString(0)
	if err != nil {
		return err
	}
	group, err := run.Store.Groups().Fetch(ctx, run.Tx, groupID)
	if err != nil {
		return err
	}
	if group == nil {
		return werrors.Group("group (%s) does not exist", groupID)
	}
	if err := run.Store.Groups().SetStatus(ctx, run.Tx, groupID, fleet.GroupActive); err != nil {
		return err
	}
	a.monitor.RegisterGroup(groupID)
	return nil
}

// groupDeactivate marks a group INACTIVE and stops monitoring it.
// Args: group_id.
func (a *Actions) groupDeactivate(ctx context.Context, run *executor.Run) error {
	groupID, err := run.ArgString(0)
	if err != nil {
		return err
	}
	group, err := run.Store.Groups().Fetch(ctx, run.Tx, groupID)
	if err != nil {
		return err
	}
	if group == nil {
		return werrors.Group("group (%s) does not exist", groupID)
	}
	if err := run.Store.Groups().SetStatus(ctx, run.Tx, groupID, fleet.GroupInactive); err != nil {
		return err
	}
	a.monitor.UnregisterGroup(groupID)
	return nil
}

// serverLost marks a lost non-primary server FAULTY so the detector stops
// probing it. Args: group_id, server_uuid.
func (a *Actions) serverLost(ctx context.Context, run *executor.Run) error {
	groupID, err := run.ArgString(0)
	if err != nil {
		return err
	}
	rawUUID, err := run.ArgString(1)
	if err != nil {
		return err
	}
	serverUUID, err := uuid.Parse(rawUUID)
	if err != nil {
		return werrors.Server("invalid server uuid (%s)", rawUUID)
	}

	server, err := run.Store.Servers().Fetch(ctx, run.Tx, serverUUID)
	if err != nil {
		return err
	}
	if server == nil || server.GroupID != groupID {
		// The server disappeared between detection and handling.
		return nil
	}
	if server.Status == fleet.StatusFaulty || server.Status == fleet.StatusPrimary {
		// Faulty already handled; a lost primary is the failover's job.
		return nil
	}
	return run.Store.Servers().SetStatus(ctx, run.Tx, serverUUID, fleet.StatusFaulty)
}

// failOver elects a new primary after the old one was lost and marked
// FAULTY. Args: group_id.
func (a *Actions) failOver(ctx context.Context, run *executor.Run) error {
	groupID, err := run.ArgString(0)
	if err != nil {
		return err
	}
	group, err := run.Store.Groups().Fetch(ctx, run.Tx, groupID)
	if err != nil {
		return err
	}
	if group == nil {
		return werrors.Group("group (%s) does not exist", groupID)
	}

	if group.HasMaster() {
		master, err := run.Store.Servers().Fetch(ctx, run.Tx, group.MasterUUID)
		if err != nil {
			return err
		}
		if master != nil && master.Status == fleet.StatusPrimary {
			// The old primary survived after all; nothing to fail over.
			a.log.WithField("group_id", groupID).Info("primary healthy, skipping failover")
			return nil
		}
		if err := run.Store.Groups().SetMaster(ctx, run.Tx, groupID, uuid.Nil); err != nil {
			return err
		}
	}

	servers, err := run.Store.Servers().InGroup(ctx, run.Tx, groupID)
	if err != nil {
		return err
	}
	candidate := electCandidate(servers)
	if candidate == nil {
		return werrors.Group("group (%s) has no promotable secondary for failover", groupID)
	}
	return a.promote(ctx, run, group, candidate)
}
