package domain

import "time"

// ConfigScope says which layer a stored config row overrides.
type ConfigScope string

const (
	ConfigScopeGlobal ConfigScope = "GLOBAL"
	ConfigScopeUser   ConfigScope = "USER"
)

// Guardrails bounds the executor's willingness to chase a leader.
// All price fields are micros, all ratios basis points.
type Guardrails struct {
	MaxWorseningVsTheirFillMicros  int64
	MaxOverMidMicros               int64
	MaxSpreadMicros                int64
	MinDepthMultiplierBps          int64
	DecisionLatencyMs              int64
	JitterMsMax                    int64
	NoNewOpensWithinMinutesToClose int64
	MaxTotalExposureBps            int64
	MaxExposurePerMarketBps        int64
	MaxExposurePerUserBps          int64
	DailyLossLimitBps              int64
	WeeklyLossLimitBps             int64
	MaxDrawdownLimitBps            int64
}

// Sizing scales the leader's notional into ours.
type Sizing struct {
	CopyPctNotionalBps     int64
	MinTradeNotionalMicros int64
	MaxTradeNotionalMicros int64
	MaxTradeBankrollBps    int64
}

// NettingMode selects how the small-trade buffer keys its buckets.
type NettingMode string

const (
	NettingSameSideOnly NettingMode = "sameSideOnly"
	NettingNetBuySell   NettingMode = "netBuySell"
)

// SmallTradeBuffering configures sub-threshold trade accumulation.
type SmallTradeBuffering struct {
	Enabled                 bool
	NotionalThresholdMicros int64
	FlushMinNotionalMicros  int64
	MinExecNotionalMicros   int64
	MaxBufferMs             int64
	QuietFlushMs            int64
	NettingMode             NettingMode
}

// EffectiveConfig is the fully resolved policy for one followed user:
// defaults, overlaid by the GLOBAL row, overlaid by the USER row.
type EffectiveConfig struct {
	Guardrails Guardrails
	Sizing     Sizing
	Buffering  SmallTradeBuffering
}

// DefaultGuardrails returns the built-in guardrail layer.
func DefaultGuardrails() Guardrails {
	return Guardrails{
		MaxWorseningVsTheirFillMicros:  10_000,
		MaxOverMidMicros:               15_000,
		MaxSpreadMicros:                20_000,
		MinDepthMultiplierBps:          12_500,
		DecisionLatencyMs:              0,
		JitterMsMax:                    0,
		NoNewOpensWithinMinutesToClose: 30,
		MaxTotalExposureBps:            7_000,
		MaxExposurePerMarketBps:        500,
		MaxExposurePerUserBps:          2_000,
		DailyLossLimitBps:              300,
		WeeklyLossLimitBps:             800,
		MaxDrawdownLimitBps:            1_200,
	}
}

// DefaultSizing returns the built-in sizing layer.
func DefaultSizing() Sizing {
	return Sizing{
		CopyPctNotionalBps:     100,
		MinTradeNotionalMicros: 5_000_000,
		MaxTradeNotionalMicros: 250_000_000,
		MaxTradeBankrollBps:    75,
	}
}

// DefaultBuffering returns the built-in buffering layer (disabled).
func DefaultBuffering() SmallTradeBuffering {
	return SmallTradeBuffering{
		Enabled:                 false,
		NotionalThresholdMicros: 250_000,
		FlushMinNotionalMicros:  500_000,
		MinExecNotionalMicros:   100_000,
		MaxBufferMs:             2_500,
		QuietFlushMs:            600,
		NettingMode:             NettingSameSideOnly,
	}
}

// DefaultConfig returns the full built-in layer.
func DefaultConfig() EffectiveConfig {
	return EffectiveConfig{
		Guardrails: DefaultGuardrails(),
		Sizing:     DefaultSizing(),
		Buffering:  DefaultBuffering(),
	}
}

// PolicyOverride is one stored config row. Nil fields mean "inherit from
// the layer below"; the resolver merges field-wise.
type PolicyOverride struct {
	ID             int64
	Scope          ConfigScope
	FollowedUserID *int64 // nil for GLOBAL

	MaxWorseningVsTheirFillMicros  *int64
	MaxOverMidMicros               *int64
	MaxSpreadMicros                *int64
	MinDepthMultiplierBps          *int64
	DecisionLatencyMs              *int64
	JitterMsMax                    *int64
	NoNewOpensWithinMinutesToClose *int64
	MaxTotalExposureBps            *int64
	MaxExposurePerMarketBps        *int64
	MaxExposurePerUserBps          *int64
	DailyLossLimitBps              *int64
	WeeklyLossLimitBps             *int64
	MaxDrawdownLimitBps            *int64

	CopyPctNotionalBps     *int64
	MinTradeNotionalMicros *int64
	MaxTradeNotionalMicros *int64
	MaxTradeBankrollBps    *int64

	BufferingEnabled        *bool
	NotionalThresholdMicros *int64
	FlushMinNotionalMicros  *int64
	MinExecNotionalMicros   *int64
	MaxBufferMs             *int64
	QuietFlushMs            *int64
	NettingMode             *NettingMode

	UpdatedAt time.Time
}

// Apply overlays the override's set fields onto cfg.
func (o PolicyOverride) Apply(cfg *EffectiveConfig) {
	setI := func(dst *int64, src *int64) {
		if src != nil {
			*dst = *src
		}
	}

	g := &cfg.Guardrails
	setI(&g.MaxWorseningVsTheirFillMicros, o.MaxWorseningVsTheirFillMicros)
	setI(&g.MaxOverMidMicros, o.MaxOverMidMicros)
	setI(&g.MaxSpreadMicros, o.MaxSpreadMicros)
	setI(&g.MinDepthMultiplierBps, o.MinDepthMultiplierBps)
	setI(&g.DecisionLatencyMs, o.DecisionLatencyMs)
	setI(&g.JitterMsMax, o.JitterMsMax)
	setI(&g.NoNewOpensWithinMinutesToClose, o.NoNewOpensWithinMinutesToClose)
	setI(&g.MaxTotalExposureBps, o.MaxTotalExposureBps)
	setI(&g.MaxExposurePerMarketBps, o.MaxExposurePerMarketBps)
	setI(&g.MaxExposurePerUserBps, o.MaxExposurePerUserBps)
	setI(&g.DailyLossLimitBps, o.DailyLossLimitBps)
	setI(&g.WeeklyLossLimitBps, o.WeeklyLossLimitBps)
	setI(&g.MaxDrawdownLimitBps, o.MaxDrawdownLimitBps)

	s := &cfg.Sizing
	setI(&s.CopyPctNotionalBps, o.CopyPctNotionalBps)
	setI(&s.MinTradeNotionalMicros, o.MinTradeNotionalMicros)
	setI(&s.MaxTradeNotionalMicros, o.MaxTradeNotionalMicros)
	setI(&s.MaxTradeBankrollBps, o.MaxTradeBankrollBps)

	b := &cfg.Buffering
	if o.BufferingEnabled != nil {
		b.Enabled = *o.BufferingEnabled
	}
	setI(&b.NotionalThresholdMicros, o.NotionalThresholdMicros)
	setI(&b.FlushMinNotionalMicros, o.FlushMinNotionalMicros)
	setI(&b.MinExecNotionalMicros, o.MinExecNotionalMicros)
	setI(&b.MaxBufferMs, o.MaxBufferMs)
	setI(&b.QuietFlushMs, o.QuietFlushMs)
	if o.NettingMode != nil {
		b.NettingMode = *o.NettingMode
	}
}
