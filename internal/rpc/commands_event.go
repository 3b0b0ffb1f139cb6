package rpc

import (
	"strings"

	"github.com/google/uuid"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
)

// registerEventCommands fills in the event.* namespace.
func registerEventCommands(reg *Registry) {
	reg.Register(&Command{
		GroupName:   "event",
		CommandName: "trigger",
		Help:        "event.trigger(event, [args...]): trigger an event and return the procedure uuids.",
		Execute: func(call *Call) (*Result, error) {
			event, err := call.StringParam(0)
			if err != nil {
				return nil, err
			}
			args := call.Params[1:]

			// The first string argument, by convention the group id, is the
			// lockable object protecting the handlers.
			var locks []string
			if len(args) > 0 {
				if key, ok := args[0].(string); ok && key != "" {
					locks = []string{key}
				}
			}
			return runProcedures(call, event, locks, args...)
		},
	})

	reg.Register(&Command{
		GroupName:   "event",
		CommandName: "wait_for_procedures",
		Help:        "event.wait_for_procedures(uuid[,uuid...]): block until the procedures are terminal.",
		Execute: func(call *Call) (*Result, error) {
			raw, err := call.StringParam(0)
			if err != nil {
				return nil, err
			}
			rt := call.Runtime

			var ids []uuid.UUID
			for _, part := range strings.Split(raw, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				id, err := uuid.Parse(part)
				if err != nil {
					return nil, werrors.Procedure("invalid procedure uuid (%s)", part)
				}
				if rt.Executor.Procedure(id) == nil {
					return nil, werrors.Procedure("procedure (%s) was not found", part)
				}
				ids = append(ids, id)
			}

			set := NewResultSet(
				[]string{"uuid", "success", "result"},
				[]string{"string", "bool", "string"},
			)
			for _, id := range ids {
				proc := rt.Executor.Procedure(id)
				if err := proc.Wait(call.Ctx); err != nil {
					return nil, err
				}
				last := proc.LastStatus()
				set.AppendRow(id.String(), !proc.Aborted(), last.Description)
			}
			return &Result{Sets: []*ResultSet{set}, Procs: ids}, nil
		},
	})
}
