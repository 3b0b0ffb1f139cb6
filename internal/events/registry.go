// Package events maps named events onto the handler procedures they fan
// out to. The mapping is static: handlers are registered during program
// start and never discovered at runtime.
package events

import (
	"context"
	"sync"

	"github.com/google/uuid"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
	"github.com/orcharddb/warden/infrastructure/logging"
	"github.com/orcharddb/warden/internal/executor"
)

// Event is a named trigger. Events carry no persistent state; triggering
// one creates procedures.
type Event struct {
	name string
}

// New creates an event value. Typically assigned to a package-level
// variable next to its handlers.
func New(name string) *Event {
	return &Event{name: name}
}

// Name returns the event's identification.
func (e *Event) Name() string {
	return e.name
}

// Handler describes one procedure triggered by an event: the action that
// runs and the human-readable description stamped on the procedure.
type Handler struct {
	Action      string
	Description string
}

// Registry holds the event-to-handlers mapping and submits procedures to
// the executor on trigger.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	exec     *executor.Executor
	log      *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(exec *executor.Executor, log *logging.Logger) *Registry {
	return &Registry{
		handlers: make(map[string][]Handler),
		exec:     exec,
		log:      log,
	}
}

// Register appends a handler to an event's ordered list.
func (r *Registry) Register(event *Event, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event.Name()] = append(r.handlers[event.Name()], handler)
}

// Handlers returns the ordered handler list of an event.
func (r *Registry) Handlers(name string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handler, len(r.handlers[name]))
	copy(out, r.handlers[name])
	return out
}

// Trigger enqueues one procedure per registered handler, in registration
// order, and returns the new procedure UUIDs. An event with no registered
// handlers (including an unknown event name) is a procedure error.
func (r *Registry) Trigger(ctx context.Context, name string, locks []string, args ...interface{}) ([]uuid.UUID, error) {
	handlers := r.Handlers(name)
	if len(handlers) == 0 {
		return nil, werrors.Procedure("event (%s) has no registered handlers", name)
	}

	ids := make([]uuid.UUID, 0, len(handlers))
	for _, handler := range handlers {
		proc, err := r.exec.EnqueueProcedure(ctx, false, handler.Action,
			handler.Description, locks, args...)
		if err != nil {
			return ids, err
		}
		r.log.WithFields(map[string]interface{}{
			"event":     name,
			"action":    handler.Action,
			"proc_uuid": proc.UUID.String(),
		}).Debug("event triggered")
		ids = append(ids, proc.UUID)
	}
	return ids, nil
}
