package rpc

import (
	werrors "github.com/orcharddb/warden/infrastructure/errors"
	"github.com/orcharddb/warden/internal/fleet"
	"github.com/orcharddb/warden/internal/ha"
)

// registerGroupCommands fills in the group.* namespace.
func registerGroupCommands(reg *Registry) {
	reg.Register(&Command{
		GroupName:   "group",
		CommandName: "create",
		Help:        "group.create(group_id, [description]): create a new replication group.",
		Execute: func(call *Call) (*Result, error) {
			groupID, err := call.StringParam(0)
			if err != nil {
				return nil, err
			}
			description, err := call.OptionalString(1, "")
			if err != nil {
				return nil, err
			}
			return runProcedures(call, ha.EventGroupCreate.Name(), []string{groupID},
				groupID, description)
		},
	})

	reg.Register(&Command{
		GroupName:   "group",
		CommandName: "destroy",
		Help:        "group.destroy(group_id): destroy an empty replication group.",
		Execute: func(call *Call) (*Result, error) {
			groupID, err := call.StringParam(0)
			if err != nil {
				return nil, err
			}
			return runProcedures(call, ha.EventGroupDestroy.Name(), []string{groupID}, groupID)
		},
	})

	reg.Register(&Command{
		GroupName:   "group",
		CommandName: "add",
		Help:        "group.add(group_id, address, [user], [passwd]): add a server to a group.",
		Execute: func(call *Call) (*Result, error) {
			groupID, err := call.StringParam(0)
			if err != nil {
				return nil, err
			}
			address, err := call.StringParam(1)
			if err != nil {
				return nil, err
			}
			user, err := call.OptionalString(2, "")
			if err != nil {
				return nil, err
			}
			passwd, err := call.OptionalString(3, "")
			if err != nil {
				return nil, err
			}
			return runProcedures(call, ha.EventNewServerAdd.Name(),
				[]string{groupID, address}, groupID, address, user, passwd)
		},
	})

	reg.Register(&Command{
		GroupName:   "group",
		CommandName: "remove",
		Help:        "group.remove(group_id, server_uuid): remove a server from a group.",
		Execute: func(call *Call) (*Result, error) {
			groupID, err := call.StringParam(0)
			if err != nil {
				return nil, err
			}
			serverUUID, err := call.StringParam(1)
			if err != nil {
				return nil, err
			}
			return runProcedures(call, ha.EventServerRemove.Name(),
				[]string{groupID, serverUUID}, groupID, serverUUID)
		},
	})

	reg.Register(&Command{
		GroupName:   "group",
		CommandName: "promote",
		Help:        "group.promote(group_id, [server_uuid]): promote a secondary to primary.",
		Execute: func(call *Call) (*Result, error) {
			groupID, err := call.StringParam(0)
			if err != nil {
				return nil, err
			}
			candidate, err := call.OptionalString(1, "")
			if err != nil {
				return nil, err
			}
			args := []interface{}{groupID}
			if candidate != "" {
				args = append(args, candidate)
			}
			return runProcedures(call, ha.EventGroupPromote.Name(), []string{groupID}, args...)
		},
	})

	reg.Register(&Command{
		GroupName:   "group",
		CommandName: "demote",
		Help:        "group.demote(group_id): demote the group's primary.",
		Execute: func(call *Call) (*Result, error) {
			groupID, err := call.StringParam(0)
			if err != nil {
				return nil, err
			}
			return runProcedures(call, ha.EventGroupDemote.Name(), []string{groupID}, groupID)
		},
	})

	reg.Register(&Command{
		GroupName:   "group",
		CommandName: "activate",
		Help:        "group.activate(group_id): activate failure detection for a group.",
		Execute: func(call *Call) (*Result, error) {
			groupID, err := call.StringParam(0)
			if err != nil {
				return nil, err
			}
			return runProcedures(call, ha.EventGroupActivate.Name(), []string{groupID}, groupID)
		},
	})

	reg.Register(&Command{
		GroupName:   "group",
		CommandName: "deactivate",
		Help:        "group.deactivate(group_id): deactivate failure detection for a group.",
		Execute: func(call *Call) (*Result, error) {
			groupID, err := call.StringParam(0)
			if err != nil {
				return nil, err
			}
			return runProcedures(call, ha.EventGroupDeactivate.Name(), []string{groupID}, groupID)
		},
	})

	reg.Register(&Command{
		GroupName:   "group",
		CommandName: "lookup_groups",
		Help:        "group.lookup_groups([group_id]): list groups, or one group's details.",
		Execute:     lookupGroups,
	})

	reg.Register(&Command{
		GroupName:   "group",
		CommandName: "lookup_servers",
		Help:        "group.lookup_servers(group_id, [server_uuid]): list a group's servers.",
		Execute:     lookupServers,
	})

	reg.Register(&Command{
		GroupName:   "group",
		CommandName: "health",
		Help:        "group.health(group_id): probe every member and report liveness.",
		Execute:     groupHealth,
	})
}

func lookupGroups(call *Call) (*Result, error) {
	rt := call.Runtime
	pattern, err := call.OptionalString(0, "")
	if err != nil {
		return nil, err
	}

	set := NewResultSet(
		[]string{"group_id", "description", "failure_detector", "master_uuid"},
		[]string{"string", "string", "bool", "string"},
	)

	var groups []*fleet.Group
	if pattern == "" {
		groups, err = rt.Store.Groups().All(call.Ctx, rt.Store.DB())
	} else {
		var group *fleet.Group
		group, err = rt.Store.Groups().Fetch(call.Ctx, rt.Store.DB(), pattern)
		if group != nil {
			groups = []*fleet.Group{group}
		}
	}
	if err != nil {
		return nil, err
	}

	for _, group := range groups {
		master := ""
		if group.HasMaster() {
			master = group.MasterUUID.String()
		}
		set.AppendRow(group.ID, group.Description, group.Status == fleet.GroupActive, master)
	}
	return &Result{Sets: []*ResultSet{set}}, nil
}

func lookupServers(call *Call) (*Result, error) {
	rt := call.Runtime
	groupID, err := call.StringParam(0)
	if err != nil {
		return nil, err
	}
	filter, err := call.OptionalString(1, "")
	if err != nil {
		return nil, err
	}

	group, err := rt.Store.Groups().Fetch(call.Ctx, rt.Store.DB(), groupID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, werrors.Group("group (%s) does not exist", groupID)
	}

	servers, err := rt.Store.Servers().InGroup(call.Ctx, rt.Store.DB(), groupID)
	if err != nil {
		return nil, err
	}

	set := NewResultSet(
		[]string{"server_uuid", "address", "status", "mode", "weight"},
		[]string{"string", "string", "string", "string", "float"},
	)
	for _, server := range servers {
		if filter != "" && server.UUID.String() != filter {
			continue
		}
		set.AppendRow(server.UUID.String(), server.Address,
			string(server.Status), string(server.Mode), server.Weight)
	}
	return &Result{Sets: []*ResultSet{set}}, nil
}

func groupHealth(call *Call) (*Result, error) {
	rt := call.Runtime
	groupID, err := call.StringParam(0)
	if err != nil {
		return nil, err
	}

	group, err := rt.Store.Groups().Fetch(call.Ctx, rt.Store.DB(), groupID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, werrors.Group("group (%s) does not exist", groupID)
	}
	servers, err := rt.Store.Servers().InGroup(call.Ctx, rt.Store.DB(), groupID)
	if err != nil {
		return nil, err
	}

	timeout, err := rt.Config.GetDuration("failure_detector.probe_timeout")
	if err != nil {
		return nil, err
	}

	info := NewResultSet(
		[]string{"uuid", "is_alive", "status", "mode", "weight"},
		[]string{"string", "bool", "string", "string", "float"},
	)
	issues := NewResultSet([]string{"issue"}, []string{"string"})

	for _, server := range servers {
		alive := rt.Control.Probe(call.Ctx, server, timeout) == nil
		info.AppendRow(server.UUID.String(), alive,
			string(server.Status), string(server.Mode), server.Weight)
		if !alive && server.Status.Monitorable() {
			issues.AppendRow("Server (" + server.UUID.String() + ") is not reachable.")
		}
	}
	if !group.HasMaster() {
		issues.AppendRow("Group has no primary.")
	} else if master, err := rt.Store.Servers().Fetch(call.Ctx, rt.Store.DB(), group.MasterUUID); err == nil {
		if master == nil || master.Status != fleet.StatusPrimary {
			issues.AppendRow("Registered primary (" + group.MasterUUID.String() + ") is not PRIMARY.")
		}
	}

	return &Result{Sets: []*ResultSet{info, issues}}, nil
}
