package tiers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/recalld/internal/memory"
	"github.com/fyrsmithlabs/recalld/internal/relstore"
)

// tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("recalld.tiers")

// Manager owns the background sweeper and the consolidation passes.
type Manager struct {
	store   Store
	config  Config
	logger  *zap.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// sweepMu serializes sweep passes. Cursors and strikes are only
	// touched while it is held.
	sweepMu sync.Mutex
	cursors map[memory.Tier]relstore.PageToken
	strikes map[string]int

	// totalsMu guards the lifetime counters so Totals never blocks on
	// an in-flight sweep.
	totalsMu sync.Mutex
	totals   Totals
}

// Totals accumulates sweep outcomes since process start, for the stats
// API. Prometheus carries the same counters for scraping.
type Totals struct {
	Sweeps             int64 `json:"sweeps"`
	MigratedToSession  int64 `json:"migrated_to_session"`
	MigratedToLongTerm int64 `json:"migrated_to_long_term"`
	Merged             int64 `json:"merged"`
	Evicted            int64 `json:"evicted"`
	Quarantined        int64 `json:"quarantined"`
	Errors             int64 `json:"errors"`
}

// NewManager creates a tier manager over the repository. Call Start to
// begin periodic sweeps; ForceMigrate runs one synchronously.
func NewManager(store Store, cfg Config, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", memory.ErrInvalid)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}

	return &Manager{
		store:   store,
		config:  cfg,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		now:     time.Now,
		cursors: make(map[memory.Tier]relstore.PageToken),
		strikes: make(map[string]int),
	}, nil
}

// Start launches the sweeper. The first sweep runs one interval after
// start; ForceMigrate covers immediate needs.
func (tm *Manager) Start(ctx context.Context) {
	tm.mu.Lock()
	if tm.running {
		tm.mu.Unlock()
		return
	}
	tm.running = true
	tm.stopCh = make(chan struct{})
	tm.doneCh = make(chan struct{})
	stopCh, doneCh := tm.stopCh, tm.doneCh
	tm.mu.Unlock()

	tm.logger.Info("starting tier sweeper",
		zap.Duration("sweep_interval", tm.config.SweepInterval),
		zap.Int("sweep_batch", tm.config.SweepBatch),
		zap.Float64("rate_per_sec", tm.config.RatePerSec),
	)

	go func() {
		defer close(doneCh)
		tm.sweepLoop(ctx, stopCh)
	}()
}

// Stop halts the sweeper. A row transition already underway completes;
// the rest of the sweep is abandoned.
func (tm *Manager) Stop() {
	tm.mu.Lock()
	if !tm.running {
		tm.mu.Unlock()
		return
	}
	tm.running = false
	stopCh, doneCh := tm.stopCh, tm.doneCh
	tm.mu.Unlock()

	tm.logger.Info("stopping tier sweeper")
	close(stopCh)
	<-doneCh
}

// ForceMigrate runs one full sweep synchronously: every tier is
// scanned from the start, ignoring the periodic batch budget.
func (tm *Manager) ForceMigrate(ctx context.Context) (*SweepReport, error) {
	return tm.sweep(ctx, 0, false, nil)
}

// Totals returns the lifetime sweep counters.
func (tm *Manager) Totals() Totals {
	tm.totalsMu.Lock()
	defer tm.totalsMu.Unlock()
	return tm.totals
}

// addTotals folds one sweep's report into the lifetime counters.
func (tm *Manager) addTotals(report *SweepReport) {
	tm.totalsMu.Lock()
	defer tm.totalsMu.Unlock()
	tm.totals.Sweeps++
	tm.totals.MigratedToSession += int64(report.MigratedToSession)
	tm.totals.MigratedToLongTerm += int64(report.MigratedToLongTerm)
	tm.totals.Merged += int64(report.Merged)
	tm.totals.Evicted += int64(report.Evicted)
	tm.totals.Quarantined += int64(report.Quarantined)
	tm.totals.Errors += int64(report.Errors)
}

func (tm *Manager) sweepLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			tm.logger.Error("sweeper goroutine panicked",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	ticker := time.NewTicker(tm.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tm.safeSweep(ctx, stopCh)
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// safeSweep wraps one periodic sweep in panic recovery so a bad row
// cannot kill the sweeper.
func (tm *Manager) safeSweep(ctx context.Context, stopCh <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			tm.logger.Error("sweep panicked",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	if _, err := tm.sweep(ctx, tm.config.SweepBatch, true, stopCh); err != nil {
		tm.logger.Error("sweep failed", zap.Error(err))
	}
}

// stopped reports whether the stop channel is closed. A nil channel
// never stops.
func stopped(stopCh <-chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}
