// Package degraded tracks provider credentials that failed validation and re-checks
// them in the background until they work again.
package degraded

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config controls the recovery schedule.
type Config struct {
	// RetryInitial is the first delay of the Fibonacci schedule.
	RetryInitial time.Duration
	// RetryMax caps the schedule; no delay exceeds it.
	RetryMax time.Duration
	// AttemptTimeout bounds a single validation call.
	AttemptTimeout time.Duration
	// Degrades reports whether a validation error means the credential is bad.
	// Errors it rejects (network trouble, timeouts) leave the credential marked healthy.
	// Nil treats every error as a bad credential.
	Degrades func(error) bool
	// OnExhausted is called when a credential is still failing after the whole schedule.
	OnExhausted func(name string)
}

// Monitor records which named credentials are failing. It is safe for concurrent use.
type Monitor struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	failing  map[string]error
	checking map[string]bool
	wg       sync.WaitGroup
}

// NewMonitor creates a Monitor. Zero durations fall back to 1m initial, 13m max and 10s per attempt.
func NewMonitor(cfg Config, logger *zap.Logger) *Monitor {
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = time.Minute
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = 13 * cfg.RetryInitial
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:      cfg,
		logger:   logger,
		failing:  make(map[string]error),
		checking: make(map[string]bool),
	}
}

// Check validates the named credential once. On a degrading failure the credential is
// marked failing and a recovery loop is started on ctx; Check itself does not wait for it.
// It returns the validation error, if any.
func (m *Monitor) Check(ctx context.Context, name string, validate ValidateFunc) error {
	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
	err := validate(attemptCtx)
	cancel()
	if err == nil {
		m.clear(name)
		return nil
	}
	if m.cfg.Degrades != nil && !m.cfg.Degrades(err) {
		m.logger.Warn("credential check inconclusive", zap.String("credential", name), zap.Error(err))
		return err
	}

	m.mu.Lock()
	m.failing[name] = err
	alreadyChecking := m.checking[name]
	m.checking[name] = true
	m.mu.Unlock()

	m.logger.Error("credential rejected; entering degraded mode",
		zap.String("credential", name),
		zap.Duration("retry_initial", m.cfg.RetryInitial),
		zap.Error(err))
	if alreadyChecking {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		recovered := runRecovery(ctx, validate, m.cfg.RetryInitial, m.cfg.RetryMax, m.cfg.AttemptTimeout)

		m.mu.Lock()
		m.checking[name] = false
		m.mu.Unlock()

		switch {
		case recovered:
			m.clear(name)
			m.logger.Info("credential recovered", zap.String("credential", name))
		case ctx.Err() == nil:
			m.logger.Error("credential recovery exhausted", zap.String("credential", name))
			if m.cfg.OnExhausted != nil {
				m.cfg.OnExhausted(name)
			}
		}
	}()
	return err
}

// Failing reports whether the named credential is currently marked failing.
func (m *Monitor) Failing(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.failing[name]
	return ok
}

// Probe returns a health probe that fails while the named credential is marked failing.
func (m *Monitor) Probe(name string) func() error {
	return func() error {
		m.mu.Lock()
		err, ok := m.failing[name]
		m.mu.Unlock()
		if ok {
			return fmt.Errorf("%s credential rejected: %w", name, err)
		}
		return nil
	}
}

// Wait blocks until every running recovery loop has returned.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) clear(name string) {
	m.mu.Lock()
	delete(m.failing, name)
	m.mu.Unlock()
}
