package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
)

// Job states recorded in a status history.
const (
	StateEnqueued   = "ENQUEUED"
	StateProcessing = "PROCESSING"
	StateComplete   = "COMPLETE"
)

// Status is one record of a job's (and by extension a procedure's) history.
type Status struct {
	State       string    `json:"state"`
	Success     bool      `json:"success"`
	When        time.Time `json:"when"`
	Description string    `json:"description"`
}

// Job is a single transactional unit within a procedure.
type Job struct {
	UUID        uuid.UUID
	DoAction    string
	UndoAction  string
	Description string
	Args        []interface{}
	undo        bool // true for compensating jobs created during rollback
}

// Procedure is a durable, serially executed sequence of jobs. All fields
// behind mu are mutated only by the owning worker; readers take copies.
type Procedure struct {
	UUID  uuid.UUID
	Name  string
	Locks []string

	mu       sync.Mutex
	jobs     []*Job
	next     int
	status   []Status
	terminal bool
	aborted  bool
	waits    int
	done     chan struct{}
}

func newProcedure(name string, locks []string) *Procedure {
	return &Procedure{
		UUID:  uuid.New(),
		Name:  name,
		Locks: locks,
		done:  make(chan struct{}),
	}
}

// appendJob adds a job to the tail of the queue.
func (p *Procedure) appendJob(job *Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	p.status = append(p.status, Status{
		State:       StateEnqueued,
		When:        time.Now().UTC(),
		Description: "Enqueued action (" + job.DoAction + ").",
	})
}

// nextJob returns the next job to run, or nil when the queue is exhausted.
func (p *Procedure) nextJob() *Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next >= len(p.jobs) {
		return nil
	}
	job := p.jobs[p.next]
	p.next++
	return job
}

// hasMoreJobs reports whether jobs remain after the current one.
func (p *Procedure) hasMoreJobs() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next < len(p.jobs)
}

// completedJobs returns the jobs that already ran, in execution order,
// excluding compensating jobs.
func (p *Procedure) completedJobs() []*Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	jobs := make([]*Job, 0, p.next)
	for _, job := range p.jobs[:p.next] {
		if !job.undo {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// dropPending removes jobs that have not started yet. Used when a failure
// switches the procedure to compensating rollback.
func (p *Procedure) dropPending() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = p.jobs[:p.next]
}

func (p *Procedure) addStatus(status Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = append(p.status, status)
}

// Status returns a copy of the status history.
func (p *Procedure) Status() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, len(p.status))
	copy(out, p.status)
	return out
}

// LastStatus returns the most recent status record.
func (p *Procedure) LastStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.status) == 0 {
		return Status{}
	}
	return p.status[len(p.status)-1]
}

// Terminal reports whether the procedure finished, successfully or not.
func (p *Procedure) Terminal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminal
}

// Aborted reports whether the procedure ended in compensating rollback.
func (p *Procedure) Aborted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborted
}

// markTerminal stamps the outcome and wakes waiters.
func (p *Procedure) markTerminal(aborted bool) {
	p.mu.Lock()
	if p.terminal {
		p.mu.Unlock()
		return
	}
	p.terminal = true
	p.aborted = aborted
	p.mu.Unlock()
	close(p.done)
}

// bumpWait increments and returns the requeue counter.
func (p *Procedure) bumpWait() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits++
	return p.waits
}

// Wait blocks until the procedure reaches a terminal state or the context
// is canceled. A canceled wait returns a timeout error; the procedure keeps
// running.
func (p *Procedure) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return werrors.Timeout("procedure (%s) still running", p.UUID)
	}
}

// Done exposes the completion channel.
func (p *Procedure) Done() <-chan struct{} {
	return p.done
}
