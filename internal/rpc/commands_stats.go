package rpc

import (
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// registerStatisticsCommands fills in the statistics.* namespace.
func registerStatisticsCommands(reg *Registry) {
	reg.Register(&Command{
		GroupName:   "statistics",
		CommandName: "node",
		Help:        "statistics.node(): report the controller's identity, uptime, and host load.",
		Execute: func(call *Call) (*Result, error) {
			rt := call.Runtime

			load1 := 0.0
			if avg, err := load.Avg(); err == nil {
				load1 = avg.Load1
			}
			memUsed := 0.0
			if vm, err := mem.VirtualMemory(); err == nil {
				memUsed = vm.UsedPercent
			}

			set := NewResultSet(
				[]string{"controller_uuid", "uptime_seconds", "started_at", "load1", "mem_used_pct"},
				[]string{"string", "float", "string", "float", "float"},
			)
			set.AppendRow(
				rt.Node.UUID.String(),
				rt.Node.Uptime().Seconds(),
				rt.Node.Startup.Format("2006-01-02 15:04:05"),
				load1,
				memUsed,
			)
			return &Result{Sets: []*ResultSet{set}}, nil
		},
	})

	reg.Register(&Command{
		GroupName:   "statistics",
		CommandName: "group",
		Help:        "statistics.group([pattern]): promotion and demotion counters per group.",
		Execute: func(call *Call) (*Result, error) {
			pattern, err := call.OptionalString(0, "")
			if err != nil {
				return nil, err
			}
			rt := call.Runtime
			rows, err := rt.Store.Procedures().GroupStats(call.Ctx, rt.Store.DB(), pattern)
			if err != nil {
				return nil, err
			}

			set := NewResultSet(
				[]string{"group_id", "call_count", "call_abort"},
				[]string{"string", "int", "int"},
			)
			for _, row := range rows {
				set.AppendRow(row.Name, row.CallCount, row.CallAbort)
			}
			return &Result{Sets: []*ResultSet{set}}, nil
		},
	})

	reg.Register(&Command{
		GroupName:   "statistics",
		CommandName: "procedure",
		Help:        "statistics.procedure([pattern]): call and abort counters per procedure name.",
		Execute: func(call *Call) (*Result, error) {
			pattern, err := call.OptionalString(0, "")
			if err != nil {
				return nil, err
			}
			rt := call.Runtime
			rows, err := rt.Store.Procedures().ProcedureStats(call.Ctx, rt.Store.DB(), pattern)
			if err != nil {
				return nil, err
			}

			set := NewResultSet(
				[]string{"proc_name", "call_count", "call_abort"},
				[]string{"string", "int", "int"},
			)
			for _, row := range rows {
				set.AppendRow(row.Name, row.CallCount, row.CallAbort)
			}
			return &Result{Sets: []*ResultSet{set}}, nil
		},
	})
}
