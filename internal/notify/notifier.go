// Package notify pushes operator alerts to chat webhooks. Delivery is
// fire-and-forget: a dead webhook never blocks or fails the caller.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polymirror/copytrader/internal/domain"
)

// Event types operators can subscribe to.
const (
	EventCircuitBreaker  = "circuit_breaker"
	EventRateLimited     = "ws_rate_limited"
	EventLargeExecute    = "large_execute"
	EventArchiveComplete = "archive_complete"
)

// sendTimeout bounds one delivery fan-out.
const sendTimeout = 10 * time.Second

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans events out to the configured senders, filtered by the
// allowed event set. An empty set allows everything.
type Notifier struct {
	senders            []Sender
	events             map[string]bool
	largeExecuteMicros int64
	logger             *slog.Logger
}

// New creates a Notifier. largeExecuteMicros is the filled-notional floor
// below which EXECUTE decisions are not announced; 0 announces every one.
func New(senders []Sender, events []string, largeExecuteMicros int64, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:            senders,
		events:             allowed,
		largeExecuteMicros: largeExecuteMicros,
		logger:             logger.With(slog.String("component", "notifier")),
	}
}

// CircuitBreaker announces a tripped loss or drawdown limit.
func (n *Notifier) CircuitBreaker(ctx context.Context, reason domain.ReasonCode, lossMicros, limitMicros int64) {
	n.notify(ctx, EventCircuitBreaker, "Circuit breaker tripped",
		fmt.Sprintf("%s: loss %s exceeds limit %s — execution paused by guardrail",
			reason, usd(lossMicros), usd(limitMicros)))
}

// Executed announces an EXECUTE decision when it clears the size floor.
func (n *Notifier) Executed(ctx context.Context, attempt domain.CopyAttempt) {
	if attempt.FilledNotionalMicros < n.largeExecuteMicros {
		return
	}
	n.notify(ctx, EventLargeExecute, "Copy executed",
		fmt.Sprintf("%s %s for %s (%d bps of target) at vwap %s, following user %d",
			attempt.Side, attempt.TokenID, usd(attempt.FilledNotionalMicros),
			attempt.FilledRatioBps, usd(attempt.VwapPriceMicros), attempt.FollowedUserID))
}

// RateLimited announces a WebSocket provider entering a backoff schedule.
func (n *Notifier) RateLimited(ctx context.Context, source string, until time.Time) {
	n.notify(ctx, EventRateLimited, "Provider rate limited",
		fmt.Sprintf("%s is backing off until %s", source, until.UTC().Format(time.RFC3339)))
}

// ArchiveComplete announces a finished cold-storage run.
func (n *Notifier) ArchiveComplete(ctx context.Context, trades, attempts, entries int64) {
	n.notify(ctx, EventArchiveComplete, "Archive run complete",
		fmt.Sprintf("exported %d trade events, %d copy attempts, %d ledger entries",
			trades, attempts, entries))
}

// notify dispatches asynchronously so callers never wait on a webhook.
func (n *Notifier) notify(ctx context.Context, event, title, message string) {
	if len(n.senders) == 0 {
		return
	}
	if len(n.events) > 0 && !n.events[event] {
		return
	}
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		for _, s := range n.senders {
			if err := s.Send(sendCtx, title, message); err != nil {
				n.logger.Warn("notification failed",
					slog.String("sender", s.Name()),
					slog.String("event", event),
					slog.String("error", err.Error()),
				)
			}
		}
	}()
}

// usd renders micros as a dollar amount.
func usd(micros int64) string {
	return "$" + decimal.NewFromInt(micros).Div(decimal.NewFromInt(domain.MicrosPerUnit)).StringFixed(2)
}
