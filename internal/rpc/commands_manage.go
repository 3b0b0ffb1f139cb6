package rpc

import (
	werrors "github.com/orcharddb/warden/infrastructure/errors"
)

// registerManageCommands fills in the manage.* namespace.
func registerManageCommands(reg *Registry) {
	reg.Register(&Command{
		GroupName:   "manage",
		CommandName: "ping",
		Help:        "manage.ping(): check that the controller is alive.",
		Execute: func(call *Call) (*Result, error) {
			rt := call.Runtime
			set := NewResultSet(
				[]string{"controller_uuid", "uptime_seconds"},
				[]string{"string", "float"},
			)
			set.AppendRow(rt.Node.UUID.String(), rt.Node.Uptime().Seconds())
			return &Result{Sets: []*ResultSet{set}}, nil
		},
	})

	reg.Register(&Command{
		GroupName:   "manage",
		CommandName: "start",
		Help:        "manage.start(): always fails; the controller is started by the daemon and is already running.",
		Execute: func(call *Call) (*Result, error) {
			// The daemon starts through its own entry point; a controller
			// answering this command is running already.
			return nil, werrors.Procedure("controller is already running")
		},
	})

	reg.Register(&Command{
		GroupName:   "manage",
		CommandName: "stop",
		Help:        "manage.stop(): shut the controller down gracefully.",
		Execute: func(call *Call) (*Result, error) {
			rt := call.Runtime
			if rt.RequestStop == nil {
				return nil, werrors.Procedure("shutdown is not wired on this controller")
			}
			rt.Log.Info("shutdown requested over RPC")
			// Deferred so the response reaches the caller first.
			go rt.RequestStop()

			set := NewResultSet([]string{"status"}, []string{"string"})
			set.AppendRow("shutting down")
			return &Result{Sets: []*ResultSet{set}}, nil
		},
	})

	reg.Register(&Command{
		GroupName:   "manage",
		CommandName: "logging_level",
		Help:        "manage.logging_level(level): change the logging level at runtime.",
		Execute: func(call *Call) (*Result, error) {
			level, err := call.StringParam(0)
			if err != nil {
				return nil, err
			}
			rt := call.Runtime
			if err := rt.Log.SetLevelName(level); err != nil {
				return nil, werrors.Procedure("unknown logging level (%s)", level)
			}

			set := NewResultSet([]string{"level"}, []string{"string"})
			set.AppendRow(rt.Log.LevelName())
			return &Result{Sets: []*ResultSet{set}}, nil
		},
	})

	reg.Register(&Command{
		GroupName:   "manage",
		CommandName: "list_commands",
		Help:        "manage.list_commands(): list every available command.",
		Execute: func(call *Call) (*Result, error) {
			set := NewResultSet(
				[]string{"command", "help"},
				[]string{"string", "string"},
			)
			for _, cmd := range reg.All() {
				set.AppendRow(cmd.FullName(), cmd.Help)
			}
			return &Result{Sets: []*ResultSet{set}}, nil
		},
	})

	reg.Register(&Command{
		GroupName:   "manage",
		CommandName: "help",
		Help:        "manage.help(group, command): show a command's help text.",
		Execute: func(call *Call) (*Result, error) {
			group, err := call.StringParam(0)
			if err != nil {
				return nil, err
			}
			name, err := call.StringParam(1)
			if err != nil {
				return nil, err
			}
			cmd, err := reg.Lookup(group + "." + name)
			if err != nil {
				return nil, err
			}

			set := NewResultSet([]string{"help"}, []string{"string"})
			set.AppendRow(cmd.Help)
			return &Result{Sets: []*ResultSet{set}}, nil
		},
	})
}
