package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
	"github.com/orcharddb/warden/internal/fleet"
	"github.com/orcharddb/warden/internal/store"
)

// ActionFunc is the body of a job. It runs inside a store transaction; any
// error rolls the transaction back and aborts the owning procedure.
type ActionFunc func(ctx context.Context, run *Run) error

// ActionSpec pairs an action with its compensating undo action. The undo
// name refers to another registered action.
type ActionSpec struct {
	Name string
	Undo string
	Func ActionFunc
}

// Registry resolves action names to callable code. It is populated once at
// program start; there is no runtime discovery.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*ActionSpec
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]*ActionSpec)}
}

// Register adds an action. Registering the same name twice is a programming
// error and panics during startup.
func (r *Registry) Register(spec ActionSpec) {
	if spec.Name == "" || spec.Func == nil {
		panic(fmt.Sprintf("invalid action registration (%q)", spec.Name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[spec.Name]; exists {
		panic(fmt.Sprintf("action (%s) registered twice", spec.Name))
	}
	r.actions[spec.Name] = &spec
}

// Resolve returns the spec for a name.
func (r *Registry) Resolve(name string) (*ActionSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.actions[name]
	if !ok {
		return nil, werrors.NotCallable("action (%s) is not registered", name)
	}
	return spec, nil
}

// followUp is a job produced by a running action.
type followUp struct {
	do          string
	undo        string
	description string
	args        []interface{}
}

// groupBump is a deferred statistics increment applied in the same
// transaction as the procedure's final checkpoint.
type groupBump struct {
	groupID  string
	demotion bool
}

// Run is the context handed to an action.
type Run struct {
	Tx      *sqlx.Tx
	Store   *store.Store
	Control fleet.Control
	Args    []interface{}

	followUps []followUp
	bumps     []groupBump
}

// Queue schedules a follow-up job after the current one succeeds. The new
// job inherits the procedure's lock set.
func (r *Run) Queue(do, undo, description string, args ...interface{}) {
	r.followUps = append(r.followUps, followUp{
		do:          do,
		undo:        undo,
		description: description,
		args:        args,
	})
}

// BumpPromotion defers a group promotion counter increment to the
// procedure's final checkpoint transaction.
func (r *Run) BumpPromotion(groupID string) {
	r.bumps = append(r.bumps, groupBump{groupID: groupID})
}

// BumpDemotion defers a group demotion counter increment to the procedure's
// final checkpoint transaction.
func (r *Run) BumpDemotion(groupID string) {
	r.bumps = append(r.bumps, groupBump{groupID: groupID, demotion: true})
}

// ArgString returns argument i as a string.
func (r *Run) ArgString(i int) (string, error) {
	if i >= len(r.Args) {
		return "", werrors.Procedure("missing argument %d", i)
	}
	value, ok := r.Args[i].(string)
	if !ok {
		return "", werrors.Procedure("argument %d is %T, expected string", i, r.Args[i])
	}
	return value, nil
}

// ArgFloat returns argument i as a float64. JSON round-trips turn every
// number into float64, so this covers numeric arguments.
func (r *Run) ArgFloat(i int) (float64, error) {
	if i >= len(r.Args) {
		return 0, werrors.Procedure("missing argument %d", i)
	}
	switch value := r.Args[i].(type) {
	case float64:
		return value, nil
	case int:
		return float64(value), nil
	}
	return 0, werrors.Procedure("argument %d is %T, expected number", i, r.Args[i])
}

// OptionalArgString returns argument i or a default when absent.
func (r *Run) OptionalArgString(i int, def string) (string, error) {
	if i >= len(r.Args) {
		return def, nil
	}
	return r.ArgString(i)
}
