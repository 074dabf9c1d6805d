package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/capsule-forge/internal/observability"
)

// ErrStopped is returned by Schedule after Stop
var ErrStopped = errors.New("scheduler stopped")

// InProcess runs invocations on timers in the current process. A job is never run by two
// goroutines at once: a schedule that arrives while the job is running is deferred until
// the running invocation returns.
type InProcess struct {
	handler Handler
	log     *observability.Logger
	sem     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[uuid.UUID]*entry
	running map[uuid.UUID]bool
	// rerun holds schedules received while the job was running
	rerun   map[uuid.UUID]time.Duration
	stopped bool
	idle    chan struct{}
	wg      sync.WaitGroup
}

type entry struct {
	timer *time.Timer
	due   time.Time
}

// NewInProcess creates an InProcess scheduler. concurrency < 1 uses DefaultConcurrency.
func NewInProcess(handler Handler, concurrency int, log *observability.Logger) *InProcess {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	if log == nil {
		log = observability.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &InProcess{
		handler: handler,
		log:     log,
		sem:     make(chan struct{}, concurrency),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uuid.UUID]*entry),
		running: make(map[uuid.UUID]bool),
		rerun:   make(map[uuid.UUID]time.Duration),
		idle:    idle,
	}
}

// SetHandler replaces the handler. It must be called before the first Schedule.
func (s *InProcess) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Schedule runs the job after delay. If the job is already pending, the earlier due time wins.
func (s *InProcess) Schedule(_ context.Context, jobID uuid.UUID, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}

	if s.running[jobID] {
		if prev, ok := s.rerun[jobID]; !ok || delay < prev {
			s.rerun[jobID] = delay
		}
		return nil
	}

	due := time.Now().Add(delay)
	if e, ok := s.pending[jobID]; ok {
		if !due.Before(e.due) {
			return nil
		}
		if !e.timer.Stop() {
			// already fired and about to run
			return nil
		}
		e.due = due
		e.timer.Reset(delay)
		return nil
	}

	s.markBusy()
	s.startTimer(jobID, delay)
	return nil
}

// startTimer must be called with mu held. Each timer holds one wg slot until it is
// stopped or its invocation returns.
func (s *InProcess) startTimer(jobID uuid.UUID, delay time.Duration) {
	s.wg.Add(1)
	e := &entry{due: time.Now().Add(delay)}
	e.timer = time.AfterFunc(delay, func() { s.fire(jobID) })
	s.pending[jobID] = e
}

// markBusy must be called with mu held
func (s *InProcess) markBusy() {
	if len(s.pending) == 0 && len(s.running) == 0 {
		s.idle = make(chan struct{})
	}
}

// markMaybeIdle must be called with mu held
func (s *InProcess) markMaybeIdle() {
	if len(s.pending) == 0 && len(s.running) == 0 {
		select {
		case <-s.idle:
		default:
			close(s.idle)
		}
	}
}

func (s *InProcess) fire(jobID uuid.UUID) {
	defer s.wg.Done()

	select {
	case s.sem <- struct{}{}:
	case <-s.ctx.Done():
		s.mu.Lock()
		delete(s.pending, jobID)
		s.markMaybeIdle()
		s.mu.Unlock()
		return
	}
	defer func() { <-s.sem }()

	s.mu.Lock()
	delete(s.pending, jobID)
	s.running[jobID] = true
	handler := s.handler
	s.mu.Unlock()

	if handler == nil {
		s.log.Error("no handler registered; dropping invocation", "job_id", jobID)
	} else if err := handler(s.ctx, jobID); err != nil {
		s.log.Warn("scheduled invocation returned error", "job_id", jobID, "error", err)
	}

	s.mu.Lock()
	delete(s.running, jobID)
	delay, again := s.rerun[jobID]
	delete(s.rerun, jobID)
	if again && !s.stopped {
		s.startTimer(jobID, delay)
	}
	s.markMaybeIdle()
	s.mu.Unlock()
}

// Pending reports how many jobs are waiting on a timer
func (s *InProcess) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// WaitIdle blocks until no job is pending or running, or ctx ends
func (s *InProcess) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := s.idle
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
		// a new schedule may have raced the close
		s.mu.Lock()
		done := len(s.pending) == 0 && len(s.running) == 0
		s.mu.Unlock()
		if done {
			return nil
		}
	}
}

// Stop cancels pending timers and waits for running invocations to return
func (s *InProcess) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, e := range s.pending {
		if e.timer.Stop() {
			delete(s.pending, id)
			s.wg.Done()
		}
	}
	s.markMaybeIdle()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
