package tiers

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/memory"
	"github.com/fyrsmithlabs/recalld/internal/relstore"
)

const (
	// pageSize bounds rows fetched per ListPage call.
	pageSize = 100

	// quarantineStrikes is how many consecutive failures a row survives
	// before being flagged.
	quarantineStrikes = 3
)

// Edge labels for migration metrics.
const (
	edgeWorkingToSession  = "working_to_session"
	edgeSessionToLongTerm = "session_to_long_term"
)

type action int

const (
	actionNone action = iota
	actionMigrate
	actionEvict
)

// sweepState carries scan artifacts into the consolidation passes.
type sweepState struct {
	// moved marks rows already transitioned this sweep, so a later
	// tier scan cannot apply a second transition.
	moved map[string]bool

	// groups collects session and long_term rows by dedup key.
	groups map[dedupKey][]*memory.Memory

	// nearDup lists rows accessed or migrated within the sweep window.
	nearDup []dupCandidate

	// windowStart bounds the recently-touched test.
	windowStart time.Time

	// stopCh aborts the sweep between rows when the sweeper stops.
	stopCh <-chan struct{}
}

type dedupKey struct {
	hash  string
	scope memory.VaultScope
}

type dupCandidate struct {
	id   string
	tier memory.Tier
}

// sweep runs one pass: scan tiers in lifecycle order applying at most
// one transition per row, then consolidate. budget <= 0 scans
// everything; resume continues from the previous sweep's cursors.
// Per-row failures are counted and the sweep continues; the returned
// error reflects pagination failures only.
func (tm *Manager) sweep(ctx context.Context, budget int, resume bool, stopCh <-chan struct{}) (*SweepReport, error) {
	tm.sweepMu.Lock()
	defer tm.sweepMu.Unlock()

	ctx, span := tracer.Start(ctx, "Tiers.Sweep")
	defer span.End()

	start := tm.now()
	report := &SweepReport{}
	st := &sweepState{
		moved:       make(map[string]bool),
		groups:      make(map[dedupKey][]*memory.Memory),
		windowStart: start.Add(-tm.config.SweepInterval),
		stopCh:      stopCh,
	}

	var pageErr error
	for _, tier := range memory.Tiers {
		if budget > 0 && report.Scanned >= budget {
			break
		}
		if err := tm.scanTier(ctx, tier, budget, resume, report, st); err != nil && pageErr == nil {
			pageErr = err
		}
		if ctx.Err() != nil || stopped(stopCh) {
			break
		}
	}

	if pageErr == nil && ctx.Err() == nil && !stopped(stopCh) {
		tm.consolidate(ctx, st, report)
	}

	report.Duration = tm.now().Sub(start)
	SweepDuration.Observe(report.Duration.Seconds())
	result := "ok"
	if pageErr != nil {
		result = "error"
	}
	Sweeps.WithLabelValues(result).Inc()

	span.SetAttributes(
		attribute.Int("sweep.scanned", report.Scanned),
		attribute.Int("sweep.migrated_to_session", report.MigratedToSession),
		attribute.Int("sweep.migrated_to_long_term", report.MigratedToLongTerm),
		attribute.Int("sweep.merged", report.Merged),
		attribute.Int("sweep.evicted", report.Evicted),
		attribute.Int("sweep.quarantined", report.Quarantined),
		attribute.Int("sweep.errors", report.Errors),
	)
	if pageErr != nil {
		span.RecordError(pageErr)
		span.SetStatus(codes.Error, pageErr.Error())
	} else {
		span.SetStatus(codes.Ok, "swept")
	}

	fields := []zap.Field{
		zap.Int("scanned", report.Scanned),
		zap.Int("migrated_to_session", report.MigratedToSession),
		zap.Int("migrated_to_long_term", report.MigratedToLongTerm),
		zap.Int("merged", report.Merged),
		zap.Int("evicted", report.Evicted),
		zap.Int("quarantined", report.Quarantined),
		zap.Int("errors", report.Errors),
		zap.Duration("duration", report.Duration),
	}
	if report.activity() > 0 || report.Errors > 0 {
		tm.logger.Info("sweep completed", fields...)
	} else {
		tm.logger.Debug("sweep completed", fields...)
	}

	tm.addTotals(report)
	return report, pageErr
}

// scanTier pages one tier and evaluates each row, stopping when the
// budget is spent or the tier is exhausted. Exhaustion resets the
// cursor so the next periodic sweep starts the tier over.
func (tm *Manager) scanTier(ctx context.Context, tier memory.Tier, budget int, resume bool, report *SweepReport, st *sweepState) error {
	var cursor relstore.PageToken
	if resume {
		cursor = tm.cursors[tier]
	}

	for {
		if ctx.Err() != nil || stopped(st.stopCh) {
			return nil
		}
		limit := pageSize
		if budget > 0 {
			remaining := budget - report.Scanned
			if remaining <= 0 {
				return nil
			}
			if remaining < limit {
				limit = remaining
			}
		}

		rows, next, err := tm.store.ListPage(ctx, tier, cursor, limit)
		if err != nil {
			report.Errors++
			tm.logger.Error("sweep page failed",
				zap.String("tier", string(tier)),
				zap.Error(err),
			)
			return err
		}

		for _, m := range rows {
			if ctx.Err() != nil || stopped(st.stopCh) {
				return nil
			}
			if st.moved[m.ID] {
				continue
			}
			report.Scanned++
			SweptRows.Inc()
			tm.sweepRow(ctx, m, report, st)
		}

		cursor = next
		if resume {
			tm.cursors[tier] = next
		}
		if next.IsZero() {
			return nil
		}
	}
}

// sweepRow applies the row's single transition for this sweep and
// collects consolidation candidates from its post-transition state.
func (tm *Manager) sweepRow(ctx context.Context, m *memory.Memory, report *SweepReport, st *sweepState) {
	act, target := tm.plan(m, tm.now())

	migrated := false
	switch act {
	case actionEvict:
		if err := tm.limiter.Wait(ctx); err != nil {
			return
		}
		if err := tm.store.Delete(ctx, m.ID); err != nil {
			tm.logger.Warn("eviction failed", zap.String("id", m.ID), zap.Error(err))
			tm.recordFailure(ctx, m.ID, report)
			return
		}
		st.moved[m.ID] = true
		report.Evicted++
		Evictions.Inc()
		delete(tm.strikes, m.ID)
		return

	case actionMigrate:
		if err := tm.limiter.Wait(ctx); err != nil {
			return
		}
		if err := tm.store.UpdateTier(ctx, m.ID, target); err != nil {
			tm.logger.Warn("tier migration failed",
				zap.String("id", m.ID),
				zap.String("tier", string(target)),
				zap.Error(err),
			)
			tm.recordFailure(ctx, m.ID, report)
			return
		}
		st.moved[m.ID] = true
		m.Tier = target
		migrated = true
		switch target {
		case memory.TierSession:
			report.MigratedToSession++
			Migrations.WithLabelValues(edgeWorkingToSession).Inc()
		case memory.TierLongTerm:
			report.MigratedToLongTerm++
			Migrations.WithLabelValues(edgeSessionToLongTerm).Inc()
		}
		delete(tm.strikes, m.ID)

	default:
		delete(tm.strikes, m.ID)
	}

	if m.Tier != memory.TierWorking {
		key := dedupKey{hash: m.ContentHash, scope: m.VaultScope}
		st.groups[key] = append(st.groups[key], m)
	}
	if migrated || m.LastAccessedAt.After(st.windowStart) {
		st.nearDup = append(st.nearDup, dupCandidate{id: m.ID, tier: m.Tier})
	}
}

// plan decides the single transition a row takes this sweep. Eviction
// is checked first so a low-value row cannot age into session instead.
func (tm *Manager) plan(m *memory.Memory, now time.Time) (action, memory.Tier) {
	age := m.Age(now)
	switch m.Tier {
	case memory.TierWorking:
		if m.Importance < tm.config.EvictMinImportance && age > tm.config.EvictAge {
			return actionEvict, ""
		}
		if age > tm.config.WorkingToSessionAge && tm.underAccessRate(m, now) {
			return actionMigrate, memory.TierSession
		}
	case memory.TierSession:
		if age > tm.config.SessionToLongAge && m.Importance >= tm.config.LongTermMinImportance {
			return actionMigrate, memory.TierLongTerm
		}
	}
	return actionNone, ""
}

// underAccessRate reports whether the row is cold enough to leave the
// working set. A non-positive threshold disables the guard.
func (tm *Manager) underAccessRate(m *memory.Memory, now time.Time) bool {
	if tm.config.LowAccessPerWeek <= 0 {
		return true
	}
	return m.AccessesPerWeek(now) < tm.config.LowAccessPerWeek
}

// recordFailure counts a strike against the row; the third consecutive
// failure quarantines it.
func (tm *Manager) recordFailure(ctx context.Context, id string, report *SweepReport) {
	report.Errors++
	RowErrors.Inc()
	tm.strikes[id]++
	if tm.strikes[id] < quarantineStrikes {
		return
	}

	flagged, err := tm.quarantine(ctx, id)
	if err != nil {
		tm.logger.Error("quarantine failed", zap.String("id", id), zap.Error(err))
		return
	}
	delete(tm.strikes, id)
	if flagged {
		report.Quarantined++
		Quarantines.Inc()
	}
}

// quarantine flags the row so sweeps and retrieval skip it.
func (tm *Manager) quarantine(ctx context.Context, id string) (bool, error) {
	m, err := tm.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	m.Quarantined = true
	if err := tm.store.Update(ctx, m); err != nil {
		return false, err
	}
	tm.logger.Warn("memory quarantined after repeated sweep failures",
		zap.String("id", id),
		zap.String("tier", string(m.Tier)),
	)
	return true, nil
}
