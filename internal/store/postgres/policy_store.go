package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polymirror/copytrader/internal/domain"
)

// PolicyStore implements domain.PolicyStore using PostgreSQL.
type PolicyStore struct {
	pool *pgxpool.Pool
}

// NewPolicyStore creates a new PolicyStore backed by the given connection pool.
func NewPolicyStore(pool *pgxpool.Pool) *PolicyStore {
	return &PolicyStore{pool: pool}
}

const policySelectCols = `id, scope, followed_user_id,
	max_worsening_vs_their_fill_micros, max_over_mid_micros, max_spread_micros,
	min_depth_multiplier_bps, decision_latency_ms, jitter_ms_max,
	no_new_opens_within_minutes_to_close, max_total_exposure_bps,
	max_exposure_per_market_bps, max_exposure_per_user_bps,
	daily_loss_limit_bps, weekly_loss_limit_bps, max_drawdown_limit_bps,
	copy_pct_notional_bps, min_trade_notional_micros, max_trade_notional_micros,
	max_trade_bankroll_bps,
	buffering_enabled, notional_threshold_micros, flush_min_notional_micros,
	min_exec_notional_micros, max_buffer_ms, quiet_flush_ms, netting_mode,
	updated_at`

func scanPolicyRow(row pgx.Row) (domain.PolicyOverride, error) {
	var o domain.PolicyOverride
	var scope string
	var nettingMode *string

	err := row.Scan(
		&o.ID, &scope, &o.FollowedUserID,
		&o.MaxWorseningVsTheirFillMicros, &o.MaxOverMidMicros, &o.MaxSpreadMicros,
		&o.MinDepthMultiplierBps, &o.DecisionLatencyMs, &o.JitterMsMax,
		&o.NoNewOpensWithinMinutesToClose, &o.MaxTotalExposureBps,
		&o.MaxExposurePerMarketBps, &o.MaxExposurePerUserBps,
		&o.DailyLossLimitBps, &o.WeeklyLossLimitBps, &o.MaxDrawdownLimitBps,
		&o.CopyPctNotionalBps, &o.MinTradeNotionalMicros, &o.MaxTradeNotionalMicros,
		&o.MaxTradeBankrollBps,
		&o.BufferingEnabled, &o.NotionalThresholdMicros, &o.FlushMinNotionalMicros,
		&o.MinExecNotionalMicros, &o.MaxBufferMs, &o.QuietFlushMs, &nettingMode,
		&o.UpdatedAt,
	)
	if err != nil {
		return domain.PolicyOverride{}, err
	}
	o.Scope = domain.ConfigScope(scope)
	if nettingMode != nil {
		m := domain.NettingMode(*nettingMode)
		o.NettingMode = &m
	}
	return o, nil
}

// GetGlobal retrieves the GLOBAL override row, or domain.ErrNotFound when
// no global overrides are stored (the resolver then uses pure defaults).
func (s *PolicyStore) GetGlobal(ctx context.Context) (domain.PolicyOverride, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+policySelectCols+` FROM policy_overrides
		 WHERE scope = $1 AND followed_user_id IS NULL`,
		string(domain.ConfigScopeGlobal))

	o, err := scanPolicyRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.PolicyOverride{}, domain.ErrNotFound
		}
		return domain.PolicyOverride{}, fmt.Errorf("postgres: get global policy: %w", err)
	}
	return o, nil
}

// GetForUser retrieves the USER override row for one followed user, or
// domain.ErrNotFound when the user has no overrides.
func (s *PolicyStore) GetForUser(ctx context.Context, followedUserID int64) (domain.PolicyOverride, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+policySelectCols+` FROM policy_overrides
		 WHERE scope = $1 AND followed_user_id = $2`,
		string(domain.ConfigScopeUser), followedUserID)

	o, err := scanPolicyRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.PolicyOverride{}, domain.ErrNotFound
		}
		return domain.PolicyOverride{}, fmt.Errorf("postgres: get policy for user %d: %w", followedUserID, err)
	}
	return o, nil
}

// Upsert writes an override row, replacing every override column. NULLs in
// the new row mean "inherit" and overwrite previous values.
func (s *PolicyStore) Upsert(ctx context.Context, o domain.PolicyOverride) error {
	var nettingMode *string
	if o.NettingMode != nil {
		m := string(*o.NettingMode)
		nettingMode = &m
	}

	const query = `
		INSERT INTO policy_overrides (
			scope, followed_user_id,
			max_worsening_vs_their_fill_micros, max_over_mid_micros, max_spread_micros,
			min_depth_multiplier_bps, decision_latency_ms, jitter_ms_max,
			no_new_opens_within_minutes_to_close, max_total_exposure_bps,
			max_exposure_per_market_bps, max_exposure_per_user_bps,
			daily_loss_limit_bps, weekly_loss_limit_bps, max_drawdown_limit_bps,
			copy_pct_notional_bps, min_trade_notional_micros, max_trade_notional_micros,
			max_trade_bankroll_bps,
			buffering_enabled, notional_threshold_micros, flush_min_notional_micros,
			min_exec_notional_micros, max_buffer_ms, quiet_flush_ms, netting_mode
		) VALUES (
			$1, $2,
			$3, $4, $5,
			$6, $7, $8,
			$9, $10,
			$11, $12,
			$13, $14, $15,
			$16, $17, $18,
			$19,
			$20, $21, $22,
			$23, $24, $25, $26
		)
		ON CONFLICT (scope, COALESCE(followed_user_id, -1)) DO UPDATE SET
			max_worsening_vs_their_fill_micros   = EXCLUDED.max_worsening_vs_their_fill_micros,
			max_over_mid_micros                  = EXCLUDED.max_over_mid_micros,
			max_spread_micros                    = EXCLUDED.max_spread_micros,
			min_depth_multiplier_bps             = EXCLUDED.min_depth_multiplier_bps,
			decision_latency_ms                  = EXCLUDED.decision_latency_ms,
			jitter_ms_max                        = EXCLUDED.jitter_ms_max,
			no_new_opens_within_minutes_to_close = EXCLUDED.no_new_opens_within_minutes_to_close,
			max_total_exposure_bps               = EXCLUDED.max_total_exposure_bps,
			max_exposure_per_market_bps          = EXCLUDED.max_exposure_per_market_bps,
			max_exposure_per_user_bps            = EXCLUDED.max_exposure_per_user_bps,
			daily_loss_limit_bps                 = EXCLUDED.daily_loss_limit_bps,
			weekly_loss_limit_bps                = EXCLUDED.weekly_loss_limit_bps,
			max_drawdown_limit_bps               = EXCLUDED.max_drawdown_limit_bps,
			copy_pct_notional_bps                = EXCLUDED.copy_pct_notional_bps,
			min_trade_notional_micros            = EXCLUDED.min_trade_notional_micros,
			max_trade_notional_micros            = EXCLUDED.max_trade_notional_micros,
			max_trade_bankroll_bps               = EXCLUDED.max_trade_bankroll_bps,
			buffering_enabled                    = EXCLUDED.buffering_enabled,
			notional_threshold_micros            = EXCLUDED.notional_threshold_micros,
			flush_min_notional_micros            = EXCLUDED.flush_min_notional_micros,
			min_exec_notional_micros             = EXCLUDED.min_exec_notional_micros,
			max_buffer_ms                        = EXCLUDED.max_buffer_ms,
			quiet_flush_ms                       = EXCLUDED.quiet_flush_ms,
			netting_mode                         = EXCLUDED.netting_mode,
			updated_at                           = NOW()`

	_, err := s.pool.Exec(ctx, query,
		string(o.Scope), o.FollowedUserID,
		o.MaxWorseningVsTheirFillMicros, o.MaxOverMidMicros, o.MaxSpreadMicros,
		o.MinDepthMultiplierBps, o.DecisionLatencyMs, o.JitterMsMax,
		o.NoNewOpensWithinMinutesToClose, o.MaxTotalExposureBps,
		o.MaxExposurePerMarketBps, o.MaxExposurePerUserBps,
		o.DailyLossLimitBps, o.WeeklyLossLimitBps, o.MaxDrawdownLimitBps,
		o.CopyPctNotionalBps, o.MinTradeNotionalMicros, o.MaxTradeNotionalMicros,
		o.MaxTradeBankrollBps,
		o.BufferingEnabled, o.NotionalThresholdMicros, o.FlushMinNotionalMicros,
		o.MinExecNotionalMicros, o.MaxBufferMs, o.QuietFlushMs, nettingMode,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert policy override %s: %w", o.Scope, err)
	}
	return nil
}
