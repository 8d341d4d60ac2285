// Package worker runs flash operations on a background goroutine so a
// front-end stays responsive. One job runs at a time; a job submitted
// while another is pending or running is rejected. Progress lines and
// step updates are relayed through channels the front-end drains, and a
// completion callback fires when the job returns.
package worker

import (
	"sync"

	"artemisflash/internal/firmware"
)

// Job is one queued operation. Run receives the sink that relays
// progress back to the front-end.
type Job struct {
	Name string
	Run  func(sink firmware.ProgressSink) error
	Done func(err error)
}

// StepUpdate is one transfer-progress tick.
type StepUpdate struct {
	Phase   string
	Current int
	Total   int
}

// Runner owns the worker goroutine.
type Runner struct {
	jobs chan Job

	// Lines and Steps stream progress out of the running job. Both are
	// buffered; if the front-end stops draining, further updates are
	// dropped rather than stalling the flash operation.
	Lines chan string
	Steps chan StepUpdate

	busy    bool
	mu      sync.Mutex
	stopped chan struct{}
}

// New starts the worker goroutine.
func New() *Runner {
	r := &Runner{
		jobs:    make(chan Job, 4),
		Lines:   make(chan string, 64),
		Steps:   make(chan StepUpdate, 64),
		stopped: make(chan struct{}),
	}
	go r.loop()
	return r
}

// Submit queues a job. It returns false if a job is already queued or
// running, matching the one-operation-per-port ownership rule.
func (r *Runner) Submit(job Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return false
	}
	r.busy = true
	r.jobs <- job
	return true
}

// Busy reports whether a job is queued or running.
func (r *Runner) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

// Stop shuts the worker down after the current job finishes.
func (r *Runner) Stop() {
	close(r.jobs)
	<-r.stopped
}

func (r *Runner) loop() {
	defer close(r.stopped)
	for job := range r.jobs {
		err := job.Run(&runnerSink{r: r})
		r.mu.Lock()
		r.busy = false
		r.mu.Unlock()
		if job.Done != nil {
			job.Done(err)
		}
	}
}

// runnerSink relays sink calls from the job goroutine onto the Runner
// channels.
type runnerSink struct {
	r *Runner
}

func (s *runnerSink) Message(msg string) {
	select {
	case s.r.Lines <- msg:
	default:
	}
}

func (s *runnerSink) Step(phase string, current, total int) {
	select {
	case s.r.Steps <- StepUpdate{Phase: phase, Current: current, Total: total}:
	default:
	}
}
