// Package rpc exposes the controller's administrative commands over a
// simple JSON-over-HTTP request/response protocol.
//
// A request names a command as "group_name.command_name" plus positional
// parameters; every response carries the controller identity envelope and
// one or more tabular result sets. The command table is compiled in: every
// command is registered explicitly at startup.
package rpc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/orcharddb/warden/infrastructure/config"
	werrors "github.com/orcharddb/warden/infrastructure/errors"
	"github.com/orcharddb/warden/infrastructure/logging"
	"github.com/orcharddb/warden/infrastructure/metrics"
	"github.com/orcharddb/warden/internal/detector"
	"github.com/orcharddb/warden/internal/events"
	"github.com/orcharddb/warden/internal/executor"
	"github.com/orcharddb/warden/internal/fleet"
	"github.com/orcharddb/warden/internal/locking"
	"github.com/orcharddb/warden/internal/store"
)

// Request is the decoded wire request.
type Request struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// ResultSet is one table of a response.
type ResultSet struct {
	Names []string        `json:"names"`
	Types []string        `json:"types"`
	Rows  [][]interface{} `json:"rows"`
}

// NewResultSet creates an empty result set with the given columns.
func NewResultSet(names []string, types []string) *ResultSet {
	return &ResultSet{Names: names, Types: types, Rows: [][]interface{}{}}
}

// AppendRow adds one row.
func (s *ResultSet) AppendRow(values ...interface{}) {
	s.Rows = append(s.Rows, values)
}

// Response is the wire response envelope.
type Response struct {
	ControllerUUID string       `json:"controller_uuid"`
	VersionToken   uint64       `json:"version_token"`
	TTL            int          `json:"ttl"`
	Results        []*ResultSet `json:"results"`
	Error          string       `json:"error"`
}

// Result is what a command execution produces before enveloping.
type Result struct {
	Sets  []*ResultSet
	Procs []uuid.UUID
}

// Runtime is the explicit per-process context threaded through every
// command. One Runtime per process is a convention, not an enforced
// singleton.
type Runtime struct {
	Config   *config.Config
	Store    *store.Store
	Executor *executor.Executor
	Events   *events.Registry
	Locks    *locking.Manager
	Detector *detector.Detector
	Control  fleet.Control
	Node     *Node
	Metrics  *metrics.Metrics
	Log      *logging.Logger

	// RequestStop asks the daemon to shut down gracefully. Wired by main.
	RequestStop func()
}

// Call is one command invocation.
type Call struct {
	Ctx         context.Context
	Runtime     *Runtime
	Params      []interface{}
	Synchronous bool
}

// StringParam returns positional parameter i as a string.
func (c *Call) StringParam(i int) (string, error) {
	if i >= len(c.Params) {
		return "", werrors.Procedure("missing parameter %d", i)
	}
	value, ok := c.Params[i].(string)
	if !ok {
		return "", werrors.Procedure("parameter %d is %T, expected string", i, c.Params[i])
	}
	return value, nil
}

// OptionalString returns positional parameter i or a default when absent.
func (c *Call) OptionalString(i int, def string) (string, error) {
	if i >= len(c.Params) {
		return def, nil
	}
	return c.StringParam(i)
}

// Command is one entry of the compile-time command table.
type Command struct {
	GroupName   string
	CommandName string
	Help        string
	Execute     func(call *Call) (*Result, error)
}

// FullName returns "group_name.command_name".
func (c *Command) FullName() string {
	return c.GroupName + "." + c.CommandName
}

// Registry is the command table.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command
}

// NewCommandRegistry creates an empty command table.
func NewCommandRegistry() *Registry {
	return &Registry{commands: make(map[string]*Command)}
}

// Register adds a command. Duplicate registrations are a startup bug.
func (r *Registry) Register(cmd *Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[cmd.FullName()]; exists {
		panic(fmt.Sprintf("command (%s) registered twice", cmd.FullName()))
	}
	r.commands[cmd.FullName()] = cmd
}

// Lookup resolves a "group.command" name.
func (r *Registry) Lookup(method string) (*Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[strings.TrimSpace(method)]
	if !ok {
		return nil, werrors.Procedure("unknown command (%s)", method)
	}
	return cmd, nil
}

// All returns every command sorted by full name.
func (r *Registry) All() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FullName() < out[j].FullName()
	})
	return out
}

// procedureSet renders procedures as the standard result set.
func procedureSet(rt *Runtime, ids []uuid.UUID) *ResultSet {
	set := NewResultSet(
		[]string{"uuid", "finished", "success", "result"},
		[]string{"string", "bool", "bool", "string"},
	)
	for _, id := range ids {
		proc := rt.Executor.Procedure(id)
		if proc == nil {
			set.AppendRow(id.String(), false, false, "")
			continue
		}
		last := proc.LastStatus()
		set.AppendRow(id.String(), proc.Terminal(), proc.Terminal() && !proc.Aborted(), last.Description)
	}
	return set
}

// runProcedures triggers an event and resolves the call's synchronous
// contract: asynchronous calls return the procedure UUIDs immediately;
// synchronous calls wait for every handler and fail when any aborted.
func runProcedures(call *Call, event string, locks []string, args ...interface{}) (*Result, error) {
	rt := call.Runtime
	ids, err := rt.Events.Trigger(call.Ctx, event, locks, args...)
	if err != nil {
		return nil, err
	}
	result := &Result{Procs: ids}

	if !call.Synchronous {
		result.Sets = []*ResultSet{procedureSet(rt, ids)}
		return result, nil
	}

	for _, id := range ids {
		proc := rt.Executor.Procedure(id)
		if proc == nil {
			continue
		}
		if err := proc.Wait(call.Ctx); err != nil {
			return nil, err
		}
		if proc.Aborted() {
			result.Sets = []*ResultSet{procedureSet(rt, ids)}
			return result, werrors.Procedure("%s", proc.LastStatus().Description)
		}
	}
	result.Sets = []*ResultSet{procedureSet(rt, ids)}
	return result, nil
}
