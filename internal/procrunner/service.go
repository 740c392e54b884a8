package procrunner

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"podlink/cli/internal/model"
)

type State string

const (
	StateStarting State = "starting"
	StatePolling  State = "polling"
	StateReady    State = "ready"
	StateFailed   State = "failed"
)

type EventType string

const (
	EventError EventType = "error"
	EventExit  EventType = "exit"
	EventClose EventType = "close"
	EventReady EventType = "ready"
)

type Event struct {
	Type   EventType
	Code   model.ErrorCode
	Err    error
	Result *Result
	At     time.Time
}

type Retry struct {
	Count int
	Wait  time.Duration
}

var DefaultRetry = Retry{Count: 15, Wait: time.Second}

func (r Retry) normalized() Retry {
	if r.Count <= 0 {
		r.Count = DefaultRetry.Count
	}
	if r.Wait <= 0 {
		r.Wait = DefaultRetry.Wait
	}
	return r
}

type ServiceOptions struct {
	Options
	// CheckStatus reports whether the service is up. Every call counts against Retry.Count.
	CheckStatus func(ctx context.Context) bool
	Retry       Retry
	Observer    func(Event)
}

// Service is the handle of one background-service start attempt.
type Service struct {
	mu     sync.Mutex
	state  State
	err    error
	proc   Process
	checks int

	observer func(Event)
	done     chan struct{}
}

// RunService starts launcher as a background service unless CheckStatus already
// reports it running, then polls CheckStatus until it succeeds or the retry
// budget is spent. It returns immediately, use Wait for the outcome.
func RunService(ctx context.Context, e Exec, launcher string, args []string, opts ServiceOptions) *Service {
	s := &Service{
		state:    StateStarting,
		observer: opts.Observer,
		done:     make(chan struct{}),
	}
	go s.run(ctx, e, launcher, args, opts)
	return s
}

func (s *Service) run(ctx context.Context, e Exec, launcher string, args []string, opts ServiceOptions) {
	retry := opts.Retry.normalized()
	check := opts.CheckStatus
	if check == nil {
		check = func(context.Context) bool { return false }
	}

	remaining := retry.Count
	remaining--
	if s.check(ctx, check) {
		s.finish(StateReady, nil)
		return
	}
	// a failed pre-check always spawns and polls at least once
	if remaining < 1 {
		remaining = 1
	}

	proc, err := e.Start(ctx, launcher, args, opts.Options)
	if err != nil {
		s.emit(Event{Type: EventError, Code: model.CodeProcessSpawn, Err: err})
		s.finish(StateFailed, model.NewError(model.CodeProcessSpawn, "unable to start service", err))
		return
	}
	s.mu.Lock()
	s.proc = proc
	s.state = StatePolling
	s.mu.Unlock()

	exited := make(chan Result, 1)
	go func() {
		res := proc.Wait()
		s.emit(Event{Type: EventExit, Result: &res})
		s.emit(Event{Type: EventClose, Result: &res})
		exited <- res
	}()

	ticker := time.NewTicker(retry.Wait)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = proc.Stop()
			s.finish(StateFailed, ctx.Err())
			return
		case res := <-exited:
			// Launchers that daemonize exit early, polling decides the outcome.
			log.WithFields(log.Fields{"command": res.Command, "code": res.Code}).Debug("service launcher exited")
			exited = nil
		case <-ticker.C:
			remaining--
			if s.check(ctx, check) {
				s.finish(StateReady, nil)
				return
			}
			if remaining <= 0 {
				s.failMaxRetries(retry)
				return
			}
		}
	}
}

func (s *Service) check(ctx context.Context, fn func(context.Context) bool) bool {
	s.mu.Lock()
	s.checks++
	s.mu.Unlock()
	return fn(ctx)
}

func (s *Service) failMaxRetries(retry Retry) {
	err := model.NewError(model.CodeMaxRetries, "service did not become ready", nil)
	log.WithFields(log.Fields{"count": retry.Count, "wait": retry.Wait}).Warn("service start exhausted retries")
	s.emit(Event{Type: EventError, Code: model.CodeMaxRetries, Err: err})
	s.finish(StateFailed, err)
}

func (s *Service) finish(state State, err error) {
	s.mu.Lock()
	s.state = state
	s.err = err
	s.mu.Unlock()
	if state == StateReady {
		s.emit(Event{Type: EventReady})
	}
	close(s.done)
}

func (s *Service) emit(ev Event) {
	if s.observer == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.observer(ev)
}

// Wait blocks until the service is ready or failed.
func (s *Service) Wait(ctx context.Context) (State, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.err
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Checks returns how many times CheckStatus was called.
func (s *Service) Checks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checks
}

// PID is zero when the service was already running or failed to spawn.
func (s *Service) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

func (s *Service) Stop() error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Stop()
}

func (s *Service) Kill() error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Kill()
}
