package lifecycle

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultShutdownTimeout bounds each shutdown job.
const DefaultShutdownTimeout = 10 * time.Second

type job struct {
	name string
	run  func(context.Context) error
}

// Manager runs long-lived jobs until one fails or the context ends, then runs
// the shutdown jobs in reverse registration order.
type Manager struct {
	mu              sync.Mutex
	runJobs         []job
	shutdownJobs    []job
	shutdownTimeout time.Duration
}

func NewManager() *Manager {
	return &Manager{shutdownTimeout: DefaultShutdownTimeout}
}

func (m *Manager) SetShutdownTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.shutdownTimeout = d
	}
}

func (m *Manager) AddRun(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.runJobs = append(m.runJobs, job{name: name, run: fn})
	m.mu.Unlock()
}

// AddShutdown registers fn to run after every run job returned. Jobs added
// later run first.
func (m *Manager) AddShutdown(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.shutdownJobs = append(m.shutdownJobs, job{name: name, run: fn})
	m.mu.Unlock()
}

func (m *Manager) StartAndWait(parent context.Context, sig ...os.Signal) error {
	ctx := parent
	stopSignal := func() {}
	if len(sig) > 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(parent, sig...)
		stopSignal = stop
	}
	defer stopSignal()

	runCtx, cancelRuns := context.WithCancel(ctx)
	defer cancelRuns()

	runJobs, shutdownJobs, timeout := m.snapshot()

	errCh := make(chan error, len(runJobs))
	var wg sync.WaitGroup
	for _, j := range runJobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.WithField("job", j.name).Debug("lifecycle job started")
			if err := j.run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).WithField("job", j.name).Error("lifecycle job failed")
				errCh <- pkgerrors.Wrap(err, j.name)
				cancelRuns()
				return
			}
			log.WithField("job", j.name).Debug("lifecycle job stopped")
		}()
	}

	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		cancelRuns()
	case err := <-errCh:
		runErr = err
		cancelRuns()
	case <-doneCh:
	}

	<-doneCh
	// a job may fail during the drain
	close(errCh)
	for err := range errCh {
		if runErr == nil {
			runErr = err
		}
	}

	var shutdownErr error
	for i := len(shutdownJobs) - 1; i >= 0; i-- {
		j := shutdownJobs[i]
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := j.run(sctx)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).WithField("job", j.name).Warn("shutdown job failed")
			shutdownErr = errors.Join(shutdownErr, pkgerrors.Wrap(err, j.name))
		}
	}
	return errors.Join(runErr, shutdownErr)
}

func (m *Manager) snapshot() ([]job, []job, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]job(nil), m.runJobs...), append([]job(nil), m.shutdownJobs...), m.shutdownTimeout
}
