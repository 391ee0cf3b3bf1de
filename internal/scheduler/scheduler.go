package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"verifier/pkg/logger"
	"verifier/pkg/verifier"
)

// Runner performs one batch pass.
type Runner interface {
	Run(ctx context.Context) (verifier.RunResult, error)
	LastRun() (verifier.RunResult, bool)
}

// Sweeper evicts expired entries from a namespace.
type Sweeper interface {
	Sweep(ctx context.Context, ns string) (int, error)
}

// Manager fires the batch processor on a cron schedule. A firing that
// lands while a run is still going is skipped.
type Manager struct {
	cron      string
	runner    Runner
	sweeper   Sweeper
	namespace string
	nextTick  func(now time.Time) (time.Time, error)
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex   sync.Mutex
	running bool
	next    time.Time
	skipped int
}

// Options tunes a Manager. Zero values are fine.
type Options struct {
	// Sweeper and Namespace enable an expiry sweep after every run.
	Sweeper   Sweeper
	Namespace string
	Now       func() time.Time
}

// New validates cron and returns a stopped Manager.
func New(cron string, runner Runner, opts Options) (*Manager, error) {
	if !gronx.New().IsValid(cron) {
		return nil, fmt.Errorf("invalid cron expression %q", cron)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		cron:      cron,
		runner:    runner,
		sweeper:   opts.Sweeper,
		namespace: opts.Namespace,
		now:       now,
		nextTick: func(t time.Time) (time.Time, error) {
			return gronx.NextTickAfter(cron, t, false)
		},
	}, nil
}

// Start launches the schedule loop. The returned cancel stops it; Wait
// blocks until the loop and any in-flight run have returned.
func (m *Manager) Start(ctx context.Context) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	logger.Info("scheduler_enabled", "cron", m.cron)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.scheduleLoop(ctx)
	}()
	return cancel
}

// Wait blocks until the schedule loop and any fired run have exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Stop cancels the loop and waits for it.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// NextRun returns the next planned firing, zero before Start.
func (m *Manager) NextRun() time.Time {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.next
}

// Skipped counts firings dropped because a run was still in progress.
func (m *Manager) Skipped() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.skipped
}

// LastRun returns the most recent run result, timer or operator triggered.
func (m *Manager) LastRun() (verifier.RunResult, bool) {
	return m.runner.LastRun()
}

// RunImmediate runs the processor now, outside the schedule. It fails with
// verifier.ErrRunInProgress if a run is underway.
func (m *Manager) RunImmediate(ctx context.Context) (verifier.RunResult, error) {
	return m.runOnce(ctx)
}

func (m *Manager) scheduleLoop(ctx context.Context) {
	for {
		next, err := m.nextTick(m.now())
		if err != nil {
			logger.Error("scheduler_nexttick_failed", "cron", m.cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		m.mutex.Lock()
		m.next = next
		m.mutex.Unlock()

		wait := next.Sub(m.now())
		if wait <= 0 {
			m.fire(ctx)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(wait):
			m.fire(ctx)
		case <-ctx.Done():
			logger.Info("scheduler_stopped", "cron", m.cron)
			return
		}
	}
}

// fire starts runJob in the background so the loop keeps ticking; a firing
// that lands during a long run is then counted as skipped.
func (m *Manager) fire(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runJob(ctx)
	}()
}

// runJob is the timer path: overlap is a skip, errors and panics are logged
// and never escape.
func (m *Manager) runJob(ctx context.Context) {
	m.mutex.Lock()
	if m.running {
		m.skipped++
		m.mutex.Unlock()
		logger.Warn("scheduler_firing_skipped", "reason", "run_in_progress")
		return
	}
	m.running = true
	m.mutex.Unlock()

	defer func() {
		m.mutex.Lock()
		m.running = false
		m.mutex.Unlock()
	}()

	if _, err := m.runOnce(ctx); err != nil {
		if errors.Is(err, verifier.ErrRunInProgress) {
			m.mutex.Lock()
			m.skipped++
			m.mutex.Unlock()
			logger.Warn("scheduler_firing_skipped", "reason", "operator_run_in_progress")
			return
		}
		logger.Error("scheduler_run_error", "error", err)
	}
}

func (m *Manager) runOnce(ctx context.Context) (res verifier.RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("scheduler_run_panic", "panic", r)
			err = fmt.Errorf("batch run panicked: %v", r)
		}
	}()

	res, err = m.runner.Run(ctx)
	if errors.Is(err, verifier.ErrRunInProgress) {
		return res, err
	}

	if m.sweeper != nil && m.namespace != "" {
		n, serr := m.sweeper.Sweep(ctx, m.namespace)
		if serr != nil {
			logger.Warn("scheduler_sweep_failed", "ns", m.namespace, "error", serr)
		} else if n > 0 {
			logger.Info("scheduler_swept", "ns", m.namespace, "evicted", n)
		}
	}
	return res, err
}
