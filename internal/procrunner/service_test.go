package procrunner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"podlink/cli/internal/model"
)

type fakeProcess struct {
	pid     int
	stopped atomic.Int32
	killed  atomic.Int32
	exit    chan struct{}
	once    sync.Once
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exit: make(chan struct{})}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Wait() Result {
	<-p.exit
	return Result{PID: p.pid, Code: 0, Success: true, Command: "fake"}
}

func (p *fakeProcess) Stop() error {
	p.stopped.Add(1)
	p.once.Do(func() { close(p.exit) })
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Add(1)
	p.once.Do(func() { close(p.exit) })
	return nil
}

type FakeExec struct {
	mu       sync.Mutex
	Started  []string
	StartErr error
	Proc     *fakeProcess
	Results  map[string]Result
	RunCalls []string
}

func (f *FakeExec) Run(_ context.Context, launcher string, args []string, opts Options) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := strings.Join(append([]string{launcher}, args...), " ")
	f.RunCalls = append(f.RunCalls, cmd)
	if res, ok := f.Results[cmd]; ok {
		return res
	}
	return Result{Code: 1, Command: cmd}
}

func (f *FakeExec) Start(_ context.Context, launcher string, args []string, opts Options) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Started = append(f.Started, strings.Join(append([]string{launcher}, args...), " "))
	if f.StartErr != nil {
		return nil, f.StartErr
	}
	if f.Proc == nil {
		f.Proc = newFakeProcess(4242)
	}
	return f.Proc, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(typ EventType, code model.ErrorCode) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == typ && ev.Code == code {
			n++
		}
	}
	return n
}

func TestRunService_MaxRetriesEmittedOnceWithoutExtraChecks(t *testing.T) {
	fake := &FakeExec{}
	events := &eventLog{}
	var calls atomic.Int32
	svc := RunService(context.Background(), fake, "podman", []string{"system", "service"}, ServiceOptions{
		CheckStatus: func(context.Context) bool {
			calls.Add(1)
			return false
		},
		Retry:    Retry{Count: 3, Wait: 10 * time.Millisecond},
		Observer: events.add,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := svc.Wait(ctx)
	if state != StateFailed {
		t.Fatalf("expected failed state, got %s", state)
	}
	if !errors.Is(err, model.ErrServiceStartTimeout) {
		t.Fatalf("expected max retries error, got %v", err)
	}
	if got := events.count(EventError, model.CodeMaxRetries); got != 1 {
		t.Fatalf("expected exactly one max-retries event, got %d", got)
	}

	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 status checks, got %d", got)
	}
	if svc.Checks() != 3 {
		t.Fatalf("expected Checks()=3, got %d", svc.Checks())
	}
}

func TestRunService_AlreadyRunningDoesNotSpawn(t *testing.T) {
	fake := &FakeExec{}
	events := &eventLog{}
	svc := RunService(context.Background(), fake, "podman", nil, ServiceOptions{
		CheckStatus: func(context.Context) bool { return true },
		Retry:       Retry{Count: 3, Wait: 10 * time.Millisecond},
		Observer:    events.add,
	})
	state, err := svc.Wait(context.Background())
	if err != nil || state != StateReady {
		t.Fatalf("expected ready without error, got state=%s err=%v", state, err)
	}
	if len(fake.Started) != 0 {
		t.Fatalf("expected no spawn, got %v", fake.Started)
	}
	if events.count(EventReady, "") != 1 {
		t.Fatal("expected one ready event")
	}
	if svc.PID() != 0 {
		t.Fatalf("expected zero pid, got %d", svc.PID())
	}
}

func TestRunService_BecomesReadyAfterPolling(t *testing.T) {
	fake := &FakeExec{}
	var calls atomic.Int32
	svc := RunService(context.Background(), fake, "podman", []string{"system", "service", "--time=0"}, ServiceOptions{
		CheckStatus: func(context.Context) bool {
			return calls.Add(1) >= 3
		},
		Retry: Retry{Count: 5, Wait: 5 * time.Millisecond},
	})
	state, err := svc.Wait(context.Background())
	if err != nil || state != StateReady {
		t.Fatalf("expected ready, got state=%s err=%v", state, err)
	}
	if len(fake.Started) != 1 || fake.Started[0] != "podman system service --time=0" {
		t.Fatalf("unexpected spawn: %v", fake.Started)
	}
	if svc.PID() != 4242 {
		t.Fatalf("unexpected pid: %d", svc.PID())
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if fake.Proc.stopped.Load() != 1 {
		t.Fatal("expected process to be stopped")
	}
}

func TestRunService_SpawnFailureIsProcessError(t *testing.T) {
	fake := &FakeExec{StartErr: errors.New("exec: not found")}
	events := &eventLog{}
	svc := RunService(context.Background(), fake, "missing", nil, ServiceOptions{
		Retry:    Retry{Count: 3, Wait: 5 * time.Millisecond},
		Observer: events.add,
	})
	state, err := svc.Wait(context.Background())
	if state != StateFailed {
		t.Fatalf("expected failed, got %s", state)
	}
	if model.CodeOf(err) != model.CodeProcessSpawn {
		t.Fatalf("expected process error, got %v", err)
	}
	if events.count(EventError, model.CodeProcessSpawn) != 1 {
		t.Fatal("expected one process.error event")
	}
	if events.count(EventError, model.CodeMaxRetries) != 0 {
		t.Fatal("spawn failure must not report max retries")
	}
}

func TestRunService_CancelStopsProcess(t *testing.T) {
	fake := &FakeExec{}
	ctx, cancel := context.WithCancel(context.Background())
	svc := RunService(ctx, fake, "podman", nil, ServiceOptions{
		Retry: Retry{Count: 1000, Wait: 5 * time.Millisecond},
	})
	time.Sleep(20 * time.Millisecond)
	cancel()
	state, err := svc.Wait(context.Background())
	if state != StateFailed || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled failure, got state=%s err=%v", state, err)
	}
	if fake.Proc.stopped.Load() != 1 {
		t.Fatal("expected process to be stopped on cancel")
	}
}

func TestRunService_SingleAttemptStillSpawnsAfterFailedPreCheck(t *testing.T) {
	fake := &FakeExec{}
	var calls atomic.Int32
	svc := RunService(context.Background(), fake, "podman", []string{"system", "service"}, ServiceOptions{
		CheckStatus: func(context.Context) bool {
			return calls.Add(1) > 1
		},
		Retry: Retry{Count: 1, Wait: 10 * time.Millisecond},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := svc.Wait(ctx)
	if state != StateReady || err != nil {
		t.Fatalf("expected ready after one poll, got %s %v", state, err)
	}
	fake.mu.Lock()
	started := append([]string(nil), fake.Started...)
	fake.mu.Unlock()
	if len(started) != 1 || started[0] != "podman system service" {
		t.Fatalf("expected the service to be spawned once, got %v", started)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected pre-check plus one poll, got %d", got)
	}
}

func TestRunService_SingleAttemptFailsAfterOnePoll(t *testing.T) {
	fake := &FakeExec{}
	svc := RunService(context.Background(), fake, "podman", nil, ServiceOptions{
		CheckStatus: func(context.Context) bool { return false },
		Retry:       Retry{Count: 1, Wait: 5 * time.Millisecond},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := svc.Wait(ctx)
	if state != StateFailed || !errors.Is(err, model.ErrServiceStartTimeout) {
		t.Fatalf("expected max retries, got %s %v", state, err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.Started) != 1 {
		t.Fatalf("expected one spawn, got %v", fake.Started)
	}
	if svc.Checks() != 2 {
		t.Fatalf("expected Checks()=2, got %d", svc.Checks())
	}
}
