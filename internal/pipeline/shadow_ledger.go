// Package pipeline contains the copy-decision stages between ingestion
// and execution: the shadow ledger, the aggregation window, the
// small-trade buffer, config resolution and portfolio snapshotting.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polymirror/copytrader/internal/domain"
)

// ShadowLedger consumes ingestEvents: it mirrors every observed leader
// fill and activity into SHADOW_USER ledger entries, then forwards trade
// events to the aggregation queue.
type ShadowLedger struct {
	trades domain.TradeEventStore
	acts   domain.ActivityEventStore
	ledger domain.LedgerStore
	queue  domain.JobQueue
	logger *slog.Logger
}

// NewShadowLedger wires the stage.
func NewShadowLedger(
	trades domain.TradeEventStore,
	acts domain.ActivityEventStore,
	ledger domain.LedgerStore,
	queue domain.JobQueue,
	logger *slog.Logger,
) *ShadowLedger {
	return &ShadowLedger{
		trades: trades,
		acts:   acts,
		ledger: ledger,
		queue:  queue,
		logger: logger.With(slog.String("component", "shadow_ledger")),
	}
}

// HandleIngestJob processes one ingestEvents delivery. Every write is an
// upsert on (scope, refId, entryType), so redeliveries are no-ops.
func (s *ShadowLedger) HandleIngestJob(ctx context.Context, job domain.Job) error {
	var payload domain.IngestJob
	if err := job.DecodePayload(&payload); err != nil {
		s.logger.WarnContext(ctx, "malformed ingest job dropped",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	var entries []domain.LedgerEntry

	var trades []domain.TradeEvent
	if len(payload.TradeEventIDs) > 0 {
		var err error
		trades, err = s.trades.GetByIDs(ctx, payload.TradeEventIDs)
		if err != nil {
			return fmt.Errorf("pipeline: load trade events: %w", err)
		}
		for _, ev := range trades {
			entries = append(entries, domain.TradeFillEntry(ev))
		}
	}

	if len(payload.ActivityEventIDs) > 0 {
		acts, err := s.acts.GetByIDs(ctx, payload.ActivityEventIDs)
		if err != nil {
			return fmt.Errorf("pipeline: load activity events: %w", err)
		}
		for _, act := range acts {
			entries = append(entries, ActivityEntries(act)...)
		}
	}

	if len(entries) > 0 {
		if err := s.ledger.UpsertBatch(ctx, entries); err != nil {
			return fmt.Errorf("pipeline: shadow ledger write: %w", err)
		}
	}

	if len(trades) > 0 {
		// Deterministic id: a redelivered ingest job forwards the same
		// group job, which the queue dedups.
		fwd, err := domain.NewJob("group_"+job.ID, domain.JobKindGroup,
			domain.GroupJob{TradeEventIDs: payload.TradeEventIDs})
		if err != nil {
			return err
		}
		if err := s.queue.Enqueue(ctx, domain.QueueGroupEvents, fwd); err != nil {
			return fmt.Errorf("pipeline: forward to aggregator: %w", err)
		}
	}

	s.logger.DebugContext(ctx, "ingest job mirrored",
		slog.String("job_id", job.ID),
		slog.Int("trades", len(trades)),
		slog.Int("entries", len(entries)),
	)
	return nil
}

// ActivityEntries fans one activity event out into its ledger rows. MERGE
// burns outcome shares for collateral, SPLIT is its mirror, REDEEM settles
// a resolved position.
func ActivityEntries(act domain.ActivityEvent) []domain.LedgerEntry {
	uid := act.FollowedUserID

	var entryType domain.LedgerEntryType
	shareSign, cashSign := int64(-1), int64(+1)
	switch act.Type {
	case domain.ActivityMerge:
		entryType = domain.EntryMerge
	case domain.ActivitySplit:
		entryType = domain.EntrySplit
		shareSign, cashSign = +1, -1
	case domain.ActivityRedeem:
		entryType = domain.EntrySettlement
	default:
		return nil
	}

	var out []domain.LedgerEntry
	for _, leg := range act.Payload.Assets {
		out = append(out, domain.LedgerEntry{
			Scope:            domain.ScopeShadowUser,
			FollowedUserID:   &uid,
			EntryType:        entryType,
			AssetID:          leg.AssetID,
			ShareDeltaMicros: shareSign * leg.AmountMicros,
			RefID:            domain.ActivityRefID(act.ID, leg.AssetID),
		})
	}
	if act.Payload.CollateralAmountMicros != 0 {
		out = append(out, domain.LedgerEntry{
			Scope:           domain.ScopeShadowUser,
			FollowedUserID:  &uid,
			EntryType:       entryType,
			CashDeltaMicros: cashSign * act.Payload.CollateralAmountMicros,
			RefID:           domain.ActivityRefID(act.ID, domain.ActivityCollateralLeg),
		})
	}
	return out
}
