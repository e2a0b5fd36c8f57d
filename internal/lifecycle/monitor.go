package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/semmy-space/credkeep/internal/audit"
)

// DefaultInterval is the time between scheduled checks.
const DefaultInterval = 5 * time.Minute

// Monitor runs CheckAndFix for one account immediately on Start and then
// on a fixed interval. Overlapping ticks are dropped, not queued.
type Monitor struct {
	mgr       *Manager
	accountID string
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	sched   *cron.Cron
	runCtx  context.Context
	running bool
	wg      sync.WaitGroup

	busy sync.Mutex

	checkMu    sync.Mutex
	lastCheck  time.Time
	lastResult *CheckResult
	lastErr    string
}

// MonitorStatus is a snapshot of a Monitor.
type MonitorStatus struct {
	Monitoring     bool          `json:"monitoring"`
	AccountID      string        `json:"account_id"`
	Interval       time.Duration `json:"interval"`
	CurrentAttempt int           `json:"current_attempt"`
	MaxAttempts    int           `json:"max_attempts"`
	LastCheck      time.Time     `json:"last_check,omitzero"`
	LastResult     *CheckResult  `json:"last_result,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
}

// NewMonitor returns a stopped monitor. interval <= 0 uses DefaultInterval.
func NewMonitor(mgr *Manager, accountID string, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		mgr:       mgr,
		accountID: accountID,
		interval:  interval,
		logger:    logger,
	}
}

// Start schedules checks and runs the first one right away. ctx bounds the
// checks themselves; use Stop to end the schedule.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyRunning
	}

	cl := cronLogger{l: m.logger}
	sched := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", m.interval), m.tick); err != nil {
		return fmt.Errorf("schedule credential check: %w", err)
	}

	m.sched = sched
	m.runCtx = ctx
	m.running = true
	sched.Start()

	m.logger.InfoContext(ctx, "credential monitor started", audit.KeyAccount, m.accountID, "interval", m.interval)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.tick()
	}()

	return nil
}

// Stop ends the schedule. Checks already running are not interrupted; the
// returned context is done once they have finished, along with any
// regeneration they started even if the Start context was cancelled.
func (m *Monitor) Stop() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	done, cancel := context.WithCancel(context.Background())
	if !m.running {
		cancel()
		return done
	}

	cronDone := m.sched.Stop()
	m.running = false
	m.sched = nil

	go func() {
		<-cronDone.Done()
		m.wg.Wait()
		m.mgr.Wait()
		cancel()
	}()

	m.logger.Info("credential monitor stopped", audit.KeyAccount, m.accountID)
	return done
}

// Trigger runs an extra check now, unless one is already running.
func (m *Monitor) Trigger() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.tick()
	}()
}

// Status returns the current monitor state.
func (m *Monitor) Status() MonitorStatus {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	st := MonitorStatus{
		Monitoring:     running,
		AccountID:      m.accountID,
		Interval:       m.interval,
		CurrentAttempt: m.mgr.Attempt(m.accountID),
		MaxAttempts:    m.mgr.MaxRetries(),
	}

	m.checkMu.Lock()
	defer m.checkMu.Unlock()
	st.LastCheck = m.lastCheck
	st.LastError = m.lastErr
	if m.lastResult != nil {
		r := *m.lastResult
		st.LastResult = &r
	}
	return st
}

// tick runs one check. A tick that finds another in progress returns.
func (m *Monitor) tick() {
	if !m.busy.TryLock() {
		m.logger.Debug("credential check already in progress", audit.KeyAccount, m.accountID)
		return
	}
	defer m.busy.Unlock()

	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := m.mgr.CheckAndFix(ctx, m.accountID)

	m.checkMu.Lock()
	m.lastCheck = res.CheckedAt
	m.lastResult = &res
	m.lastErr = ""
	if err != nil {
		m.lastErr = err.Error()
	}
	m.checkMu.Unlock()

	switch {
	case err != nil && IsFatal(err):
		m.logger.Error("credential check could not recover", audit.KeyAccount, m.accountID, "error", err)
	case err != nil:
		m.logger.Warn("credential check interrupted", audit.KeyAccount, m.accountID, "error", err)
	default:
		m.logger.Info("credential check complete",
			audit.KeyAccount, m.accountID,
			"source", res.Source,
			"healthy", res.Healthy,
			"regenerated", res.Regenerated)
	}
}

// cronLogger adapts slog to cron.Logger. cron's routine chatter goes to
// debug level.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
