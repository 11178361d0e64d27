// Package jobmgr runs named long-lived jobs (adapter loops, the dispatcher,
// the media-center keep-alive) and tracks which of them are alive.
//
//	jm := jobmgr.NewManager(jobmgr.LogReporter)
//	_ = jm.StartAsync(ctx, "adapter:xmpp", link.Run)
//	...
//	jm.StopAll()
//	jm.Wait()
package jobmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrJobRunning    = errors.New("job is already running")
	ErrJobNotRunning = errors.New("job is not running")
)

type State string

const (
	Running State = "running"
	Done    State = "done"
	Failed  State = "error"
)

// Event is one lifecycle step of a job.
type Event struct {
	Job   string
	State State
	Err   error
}

// String renders "running:name", "done:name" or "error:name:reason".
func (e Event) String() string {
	s := string(e.State) + ":" + e.Job
	if e.Err != nil {
		s += ":" + e.Err.Error()
	}
	return s
}

type Reporter func(Event)

// LogReporter writes job events to the global logger.
func LogReporter(e Event) {
	if e.State == Failed {
		log.Error().Err(e.Err).Str("job", e.Job).Msg("job failed")
		return
	}
	log.Debug().Str("job", e.Job).Str("state", string(e.State)).Msg("job")
}

// Job is a running unit of work.
type Job struct {
	Name    string
	Started time.Time
	cancel  context.CancelFunc
}

// Manager is safe for concurrent use.
type Manager struct {
	report Reporter

	mu   sync.Mutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

// NewManager creates a Manager; report may be nil.
func NewManager(report Reporter) *Manager {
	if report == nil {
		report = func(Event) {}
	}
	return &Manager{report: report, jobs: make(map[string]*Job)}
}

// StartSync runs the job in the calling goroutine. It is not tracked by List.
func (m *Manager) StartSync(ctx context.Context, name string, run func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.report(Event{Job: name, State: Running})
	err := run(ctx)
	m.finished(name, err)
	return err
}

// StartAsync starts the job in its own goroutine. It ends when run returns,
// ctx is done or Stop is called, and is forgotten afterwards.
func (m *Manager) StartAsync(ctx context.Context, name string, run func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	job := &Job{Name: name, Started: time.Now(), cancel: cancel}

	m.mu.Lock()
	if _, ok := m.jobs[name]; ok {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("job %q: %w", name, ErrJobRunning)
	}
	m.jobs[name] = job
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer cancel()
		m.report(Event{Job: name, State: Running})
		err := run(ctx)
		m.finished(name, err)

		// a job restarted under the same name after Stop is not ours to remove
		m.mu.Lock()
		if m.jobs[name] == job {
			delete(m.jobs, name)
		}
		m.mu.Unlock()
	}()
	return nil
}

func (m *Manager) finished(name string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		m.report(Event{Job: name, State: Failed, Err: err})
		return
	}
	m.report(Event{Job: name, State: Done})
}

// Stop cancels a job by name.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[name]
	if !ok {
		return fmt.Errorf("job %q: %w", name, ErrJobNotRunning)
	}
	job.cancel()
	delete(m.jobs, name)
	return nil
}

func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, job := range m.jobs {
		job.cancel()
		delete(m.jobs, name)
	}
}

// Wait blocks until every job started with StartAsync has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Jobs returns the running jobs sorted by name.
func (m *Manager) Jobs() []Job {
	m.mu.Lock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, Job{Name: j.Name, Started: j.Started})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// List returns the sorted names of running jobs.
func (m *Manager) List() []string {
	jobs := m.Jobs()
	names := make([]string, len(jobs))
	for i, j := range jobs {
		names[i] = j.Name
	}
	return names
}

// Status is a one-line summary: "Running jobs: a, b" or "No jobs are running."
func (m *Manager) Status() string {
	names := m.List()
	if len(names) == 0 {
		return "No jobs are running."
	}
	return "Running jobs: " + strings.Join(names, ", ")
}
