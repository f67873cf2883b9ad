// Package scheduler provides the background work queue shared by the sync
// coordinator and the media upload pipeline.
//
// Work is keyed by a logical unit (an entity id, or the media queue's
// single key). Scheduling is idempotent per key: requesting work that is
// already queued is a no-op, and requesting work that is currently running
// flags a single follow-up run. At most one run per key is ever in flight,
// which is the engine's core mutual-exclusion discipline.
//
// Failed runs are retried under linear backoff: the delay before attempt n
// is n times the configured minimum. Exponential backoff is deliberately
// not implemented.
package scheduler

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// Result is the only thing a run reports back to the queue.
type Result int

const (
	// ResultSuccess completes the run; the key is dequeued unless a
	// follow-up was requested while it ran.
	ResultSuccess Result = iota

	// ResultRetry reschedules the key under the backoff policy.
	ResultRetry

	// ResultPermanentFailure dequeues the key without rescheduling.
	ResultPermanentFailure

	// ResultCancelled reschedules the key without counting an attempt;
	// the run was interrupted, it did not fail.
	ResultCancelled
)

// String returns the metrics label for a result.
func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultRetry:
		return "retry"
	case ResultPermanentFailure:
		return "permanent_failure"
	case ResultCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Runner executes one unit of work. attempt is the number of consecutive
// failed runs for this key before the current one.
//
// Runners must not panic across this boundary and must not let errors
// escape: every outcome is expressed as a Result.
type Runner interface {
	Run(ctx context.Context, key string, attempt int) Result
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, key string, attempt int) Result

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, key string, attempt int) Result {
	return f(ctx, key, attempt)
}

// Config holds queue tuning.
type Config struct {
	// Name labels the queue in logs and metrics ("sync", "media").
	Name string

	// Backoff is the linear backoff step. Default 30 seconds.
	Backoff time.Duration

	// Workers bounds concurrent runs across keys. Default 4.
	Workers int

	// PollInterval is how often due work and network constraints are
	// re-checked when nothing else wakes the dispatcher. Default 1 second.
	PollInterval time.Duration

	// Constraint returns the network requirement for this queue. It is
	// re-evaluated at every dispatch, not cached at enqueue time, so a
	// changed preference applies to already-queued work. Nil means
	// ConnectionAny.
	Constraint func() Constraint

	// Connectivity reports the current network state. Nil means always
	// unmetered (useful in tests).
	Connectivity Connectivity

	// Logger for queue activity. Nil means a default stderr logger.
	Logger *log.Logger
}

// Queue is a coalescing per-key work queue.
type Queue struct {
	runner Runner
	cfg    Config
	logger *log.Logger

	mu     sync.Mutex
	states map[string]*workState
	wake   chan struct{}
	sem    chan struct{}
	wg     sync.WaitGroup
}

// workState tracks one key's position in the queue.
type workState struct {
	attempt   int       // consecutive failed runs
	notBefore time.Time // backoff gate; zero means runnable now
	running   bool
	rerun     bool // a request arrived while running
}

// New creates a queue that dispatches to runner.
func New(runner Runner, cfg Config) *Queue {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}
	return &Queue{
		runner: runner,
		cfg:    cfg,
		logger: logger,
		states: make(map[string]*workState),
		wake:   make(chan struct{}, 1),
		sem:    make(chan struct{}, cfg.Workers),
	}
}

// Request schedules work for key. Fire-and-forget and never blocking:
// repeated requests for a queued key coalesce, and a request for a running
// key schedules exactly one follow-up run.
func (q *Queue) Request(key string) {
	q.mu.Lock()
	st, ok := q.states[key]
	if !ok {
		q.states[key] = &workState{}
		queueDepth.WithLabelValues(q.cfg.Name).Inc()
	} else if st.running {
		st.rerun = true
	}
	q.mu.Unlock()

	q.signal()
}

// Start launches the dispatcher. It returns immediately; the queue runs
// until ctx is cancelled. Wait blocks until in-flight runs drain.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go q.dispatch(ctx)
}

// Wait blocks until the dispatcher and all in-flight runs have stopped.
// Call after cancelling the context passed to Start.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Depth returns the number of keys currently queued or running.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.states)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatch(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		q.dispatchDue(ctx)

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// dispatchDue starts runs for every key that is runnable right now:
// not already running, past its backoff gate, and with the network
// constraint satisfied.
func (q *Queue) dispatchDue(ctx context.Context) {
	if !q.constraintSatisfied() {
		return
	}
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	for key, st := range q.states {
		if st.running || now.Before(st.notBefore) {
			continue
		}
		select {
		case q.sem <- struct{}{}:
		default:
			return // worker pool exhausted; the ticker retries
		}
		st.running = true
		runsStarted.WithLabelValues(q.cfg.Name).Inc()
		q.wg.Add(1)
		go q.exec(ctx, key, st.attempt)
	}
}

func (q *Queue) exec(ctx context.Context, key string, attempt int) {
	defer q.wg.Done()
	defer func() { <-q.sem }()

	result := q.runner.Run(ctx, key, attempt)
	runResults.WithLabelValues(q.cfg.Name, result.String()).Inc()

	q.mu.Lock()
	st := q.states[key]
	st.running = false

	switch result {
	case ResultSuccess:
		if st.rerun {
			st.rerun = false
			st.attempt = 0
			st.notBefore = time.Time{}
		} else {
			delete(q.states, key)
			queueDepth.WithLabelValues(q.cfg.Name).Dec()
		}
	case ResultRetry:
		st.attempt++
		st.rerun = false
		delay := time.Duration(st.attempt) * q.cfg.Backoff
		st.notBefore = time.Now().Add(delay)
		retriesScheduled.WithLabelValues(q.cfg.Name).Inc()
		q.logger.Printf("%s: %s failed (attempt %d), retrying in %v", q.cfg.Name, key, st.attempt, delay)
	case ResultPermanentFailure:
		if st.rerun {
			// New work arrived during the failing run; give it a fresh
			// attempt budget.
			st.rerun = false
			st.attempt = 0
			st.notBefore = time.Time{}
		} else {
			delete(q.states, key)
			queueDepth.WithLabelValues(q.cfg.Name).Dec()
			q.logger.Printf("%s: %s permanently failed, not rescheduling", q.cfg.Name, key)
		}
	case ResultCancelled:
		// Interrupted, not failed: keep the key runnable with the same
		// attempt count.
		st.rerun = false
		st.notBefore = time.Time{}
	}
	q.mu.Unlock()

	q.signal()
}

func (q *Queue) constraintSatisfied() bool {
	constraint := ConnectionAny
	if q.cfg.Constraint != nil {
		constraint = q.cfg.Constraint()
	}
	network := NetworkUnmetered
	if q.cfg.Connectivity != nil {
		network = q.cfg.Connectivity.Network()
	}
	return constraint.Satisfied(network)
}
