package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/polymirror/copytrader/internal/domain"
)

// archiveNotifier is told about completed runs; nil-safe at the caller.
type archiveNotifier interface {
	ArchiveComplete(ctx context.Context, trades, attempts, entries int64)
}

// Archiver exports aged pipeline rows to cold storage on a cron schedule.
// Nothing is deleted from Postgres; pruning happens manually after the
// export is verified.
type Archiver struct {
	blob          domain.Archiver
	audit         domain.AuditStore
	notifier      archiveNotifier
	locks         domain.LockManager
	retentionDays int
	logger        *slog.Logger
}

// NewArchiver wires the job. audit and notifier may be nil.
func NewArchiver(blob domain.Archiver, audit domain.AuditStore, notifier archiveNotifier, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blob:          blob,
		audit:         audit,
		notifier:      notifier,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// WithLock guards runs with a distributed lock so exactly one replica
// exports per schedule slot.
func (a *Archiver) WithLock(locks domain.LockManager) *Archiver {
	a.locks = locks
	return a
}

// archiveLockTTL bounds a run that dies without releasing its lock.
const archiveLockTTL = time.Hour

// Run executes one archive pass over everything older than the retention
// window.
func (a *Archiver) Run(ctx context.Context) error {
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, "archive_run", archiveLockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.InfoContext(ctx, "archive run already in progress elsewhere, skipping")
			return nil
		}
		if err != nil {
			return fmt.Errorf("pipeline: acquire archive lock: %w", err)
		}
		defer unlock()
	}

	cutoff := time.Now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.InfoContext(ctx, "archive run started",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	trades, err := a.blob.ArchiveTradeEvents(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archive trade events before %v: %w", cutoff, err)
	}
	attempts, err := a.blob.ArchiveCopyAttempts(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archive copy attempts before %v: %w", cutoff, err)
	}
	entries, err := a.blob.ArchiveLedgerEntries(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archive ledger entries before %v: %w", cutoff, err)
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("trade_events", trades),
		slog.Int64("copy_attempts", attempts),
		slog.Int64("ledger_entries", entries),
	)
	if a.audit != nil {
		_ = a.audit.Log(ctx, "archive_complete", map[string]any{
			"cutoff":        cutoff,
			"tradeEvents":   trades,
			"copyAttempts":  attempts,
			"ledgerEntries": entries,
		})
	}
	if a.notifier != nil {
		a.notifier.ArchiveComplete(ctx, trades, attempts, entries)
	}
	return nil
}

// RunCron fires Run on a standard 5-field cron expression
// ("minute hour day-of-month month day-of-week") until ctx ends.
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	a.logger.InfoContext(ctx, "archiver scheduled", slog.String("cron", expr))

	for {
		next, err := nextCronTime(expr, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("pipeline: cron %q: %w", expr, err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// cronField matches one position of the expression: a wildcard or an
// explicit value list.
type cronField struct {
	wildcard bool
	values   []int
}

func (f cronField) matches(v int) bool {
	if f.wildcard {
		return true
	}
	for _, want := range f.values {
		if want == v {
			return true
		}
	}
	return false
}

func parseCronField(field string) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}
	parts := strings.Split(field, ",")
	values := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return cronField{}, fmt.Errorf("bad cron value %q: %w", p, err)
		}
		values = append(values, v)
	}
	return cronField{values: values}, nil
}

type parsedCron struct {
	minute, hour, dom, month, dow cronField
}

func (c parsedCron) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dom.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dow.matches(int(t.Weekday()))
}

func parseCron(expr string) (parsedCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return parsedCron{}, fmt.Errorf("want 5 cron fields, got %d", len(fields))
	}

	var c parsedCron
	for i, dst := range []*cronField{&c.minute, &c.hour, &c.dom, &c.month, &c.dow} {
		f, err := parseCronField(fields[i])
		if err != nil {
			return parsedCron{}, err
		}
		*dst = f
	}
	return c, nil
}

// nextCronTime finds the first minute after `after` matching the
// expression, scanning at most a year ahead.
func nextCronTime(expr string, after time.Time) (time.Time, error) {
	c, err := parseCron(expr)
	if err != nil {
		return time.Time{}, err
	}

	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if c.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching time within a year for %q", expr)
}
