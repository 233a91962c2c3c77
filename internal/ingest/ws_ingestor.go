package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/polymirror/copytrader/internal/domain"
	"github.com/polymirror/copytrader/internal/platform/alchemy"
)

// ConnState is the supervisor's connection state, exported for the status
// endpoint.
type ConnState string

const (
	StateDisconnected  ConnState = "DISCONNECTED"
	StateConnecting    ConnState = "CONNECTING"
	StateConnected     ConnState = "CONNECTED"
	StateSubscribed    ConnState = "SUBSCRIBED"
	StateResubscribing ConnState = "RESUBSCRIBING"
)

// WsIngestorConfig tunes the supervisor.
type WsIngestorConfig struct {
	WsURL             string
	ExchangeAddresses []string
	ConnectTimeout    time.Duration // socket open deadline
	BackoffBase       time.Duration // reconnect schedule
	BackoffCap        time.Duration
	RateLimitBase     time.Duration // separate 429 schedule
	RateLimitCap      time.Duration
	ReconcileWindow   time.Duration // API pull span after a regained stream
}

// WsIngestor owns the single streaming RPC connection. It subscribes to
// OrderFilled logs for the tracked wallet set, decodes and persists
// canonical trades, and hands them to the ingest queue.
type WsIngestor struct {
	cfg    WsIngestorConfig
	trades domain.TradeEventStore
	users  domain.FollowedUserStore
	chkpts domain.CheckpointStore
	queue  domain.JobQueue
	gate   domain.RetryGate
	track  *WalletTracker
	logger *slog.Logger

	notifier rateLimitNotifier

	state         atomic.Value // ConnState
	rateFailures  int          // consecutive rate-limited connects
	droppedOnce   bool         // a prior session existed, reconcile on regain
	logCh         chan types.Log
	exchangeAddrs []common.Address
}

// NewWsIngestor wires the supervisor. Run does the work.
func NewWsIngestor(
	cfg WsIngestorConfig,
	trades domain.TradeEventStore,
	users domain.FollowedUserStore,
	chkpts domain.CheckpointStore,
	queue domain.JobQueue,
	gate domain.RetryGate,
	track *WalletTracker,
	logger *slog.Logger,
) *WsIngestor {
	addrs := make([]common.Address, 0, len(cfg.ExchangeAddresses))
	for _, a := range cfg.ExchangeAddresses {
		addrs = append(addrs, common.HexToAddress(a))
	}
	w := &WsIngestor{
		cfg:           cfg,
		trades:        trades,
		users:         users,
		chkpts:        chkpts,
		queue:         queue,
		gate:          gate,
		track:         track,
		logger:        logger.With(slog.String("component", "ws_ingestor")),
		logCh:         make(chan types.Log, 256),
		exchangeAddrs: addrs,
	}
	w.state.Store(StateDisconnected)
	return w
}

// rateLimitNotifier is told when the supervisor enters a 429 schedule.
// Implementations must not block.
type rateLimitNotifier interface {
	RateLimited(ctx context.Context, source string, until time.Time)
}

// SetNotifier wires an optional alert sink for rate-limit schedules.
func (w *WsIngestor) SetNotifier(n rateLimitNotifier) {
	w.notifier = n
}

// State returns the current connection state.
func (w *WsIngestor) State() ConnState {
	return w.state.Load().(ConnState)
}

// Connected reports whether the stream is live, for the health endpoint.
func (w *WsIngestor) Connected() bool {
	s := w.State()
	return s == StateSubscribed || s == StateResubscribing
}

func (w *WsIngestor) setState(s ConnState) {
	w.state.Store(s)
}

// Run drives the connect-subscribe-consume loop until ctx ends. Every
// failure path funnels back through the backoff and the persisted
// rate-limit gate.
func (w *WsIngestor) Run(ctx context.Context) error {
	backoffAttempt := 0

	for {
		if err := ctx.Err(); err != nil {
			w.setState(StateDisconnected)
			return err
		}

		if err := w.honorRetryGate(ctx); err != nil {
			return err
		}

		w.setState(StateConnecting)
		client, subs, err := w.connect(ctx)
		if err != nil {
			w.setState(StateDisconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, domain.ErrRateLimited) {
				w.scheduleRateLimitRetry(ctx, err)
				continue
			}
			backoffAttempt++
			wait := jitter(expBackoff(w.cfg.BackoffBase, w.cfg.BackoffCap, backoffAttempt))
			w.logger.WarnContext(ctx, "connect failed, backing off",
				slog.String("error", err.Error()),
				slog.Duration("wait", wait),
				slog.Int("attempt", backoffAttempt),
			)
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			continue
		}

		// Fully subscribed: reset both failure schedules.
		w.setState(StateSubscribed)
		backoffAttempt = 0
		w.rateFailures = 0
		_ = w.gate.Clear(ctx, domain.WSRetryKey())
		w.logger.InfoContext(ctx, "subscribed",
			slog.Int("wallets", w.track.Snapshot().Len()),
		)

		if w.droppedOnce {
			w.enqueueReconcile(ctx)
		}
		w.droppedOnce = true

		err = w.consume(ctx, subs)
		w.teardown(client, subs)
		w.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.WarnContext(ctx, "stream dropped",
			slog.String("error", errString(err)),
		)
	}
}

// connect dials and registers both topic filters within the connect
// timeout.
func (w *WsIngestor) connect(ctx context.Context) (*alchemy.Client, []ethereum.Subscription, error) {
	dialCtx, cancel := context.WithTimeout(ctx, w.cfg.ConnectTimeout)
	defer cancel()

	client, err := alchemy.Dial(dialCtx, w.cfg.WsURL)
	if err != nil {
		return nil, nil, err
	}
	w.setState(StateConnected)

	subs, err := w.subscribe(dialCtx, client)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, subs, nil
}

func (w *WsIngestor) subscribe(ctx context.Context, client *alchemy.Client) ([]ethereum.Subscription, error) {
	snap := w.track.Snapshot()
	topics := make([]common.Hash, 0, snap.Len())
	for _, addr := range snap.Addresses() {
		topics = append(topics, alchemy.WalletTopic(common.HexToAddress(addr)))
	}
	return client.SubscribeOrderFilled(ctx, w.exchangeAddrs, topics, w.logCh)
}

// consume drains logs until an error, a wallet-set change (which returns
// to trigger a resubscribe) or ctx cancellation.
func (w *WsIngestor) consume(ctx context.Context, subs []ethereum.Subscription) error {
	errCh := make(chan error, len(subs))
	for _, s := range subs {
		s := s
		go func() { errCh <- <-s.Err() }()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return fmt.Errorf("ingest: subscription: %w", err)
		case <-w.track.Changed():
			w.setState(StateResubscribing)
			w.logger.InfoContext(ctx, "wallet set changed, resubscribing")
			return nil
		case lg := <-w.logCh:
			w.handleLog(ctx, lg)
		}
	}
}

func (w *WsIngestor) teardown(client *alchemy.Client, subs []ethereum.Subscription) {
	for _, s := range subs {
		s.Unsubscribe()
	}
	client.Close()
}

// handleLog decodes, attributes and persists one OrderFilled log, then
// advances the block checkpoint and enqueues the ingest job.
func (w *WsIngestor) handleLog(ctx context.Context, lg types.Log) {
	if lg.Removed {
		// Chain reorg withdrew the log.
		w.logger.DebugContext(ctx, "removed log skipped",
			slog.String("tx", lg.TxHash.Hex()),
			slog.Uint64("log_index", uint64(lg.Index)),
		)
		return
	}

	ev, err := ParseOrderFilled(lg)
	if err != nil {
		w.logger.WarnContext(ctx, "undecodable log dropped",
			slog.String("tx", lg.TxHash.Hex()),
			slog.String("error", err.Error()),
		)
		return
	}

	fill, ok, err := AttributeFill(ev, w.track.Snapshot())
	if err != nil {
		w.logger.WarnContext(ctx, "invalid fill dropped",
			slog.String("tx", fill.TxHash),
			slog.String("error", err.Error()),
		)
		return
	}
	if !ok {
		return
	}

	stored, err := w.trades.Insert(ctx, fillTradeEvent(fill, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			w.logger.DebugContext(ctx, "duplicate fill",
				slog.String("tx", fill.TxHash),
				slog.Int64("log_index", fill.LogIndex),
			)
			return
		}
		w.logger.ErrorContext(ctx, "trade insert failed",
			slog.String("tx", fill.TxHash),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := w.chkpts.AdvanceBlock(ctx, domain.CheckpointLastBlock, fill.BlockNumber); err != nil {
		w.logger.WarnContext(ctx, "block checkpoint advance failed",
			slog.Uint64("block", fill.BlockNumber),
			slog.String("error", err.Error()),
		)
	}

	job, err := domain.NewJob(
		fmt.Sprintf("ingest_%s_%d", fill.TxHash, fill.LogIndex),
		domain.JobKindIngest,
		domain.IngestJob{TradeEventIDs: []int64{stored.ID}},
	)
	if err == nil {
		err = w.queue.Enqueue(ctx, domain.QueueIngestEvents, job)
	}
	if err != nil {
		w.logger.ErrorContext(ctx, "ingest enqueue failed",
			slog.Int64("trade_event_id", stored.ID),
			slog.String("error", err.Error()),
		)
	}
}

// fillTradeEvent maps a decoded on-chain fill to its canonical trade event.
// The source id is synthesized from the log position so every distinct fill
// gets its own (source, source_id) dedup key.
func fillTradeEvent(fill DecodedFill, now time.Time) domain.TradeEvent {
	logIndex := fill.LogIndex
	return domain.TradeEvent{
		Source:         domain.TradeSourceOnchainWS,
		SourceID:       fmt.Sprintf("%s_%d", fill.TxHash, fill.LogIndex),
		TxHash:         fill.TxHash,
		LogIndex:       &logIndex,
		IsCanonical:    true,
		FollowedUserID: fill.Attribution.FollowedUserID,
		ProfileWallet:  fill.Attribution.ProfileWallet,
		ProxyWallet:    proxyWallet(fill),
		Side:           fill.Side,
		PriceMicros:    fill.PriceMicros,
		ShareMicros:    fill.ShareMicros,
		NotionalMicros: fill.NotionalMicros,
		FeeMicros:      fill.FeeMicros,
		EventTime:      now, // back-patched later from the API timestamp
		DetectTime:     now,
		RawTokenID:     fill.TokenID,
		Enrichment:     domain.EnrichmentPending,
	}
}

func proxyWallet(fill DecodedFill) string {
	if fill.Attribution.IsProxy {
		return fill.Wallet
	}
	return ""
}

// enqueueReconcile schedules a fast-path API pull covering the stream gap
// for every enabled leader.
func (w *WsIngestor) enqueueReconcile(ctx context.Context) {
	users, err := w.users.ListEnabled(ctx)
	if err != nil {
		w.logger.WarnContext(ctx, "reconcile listing failed",
			slog.String("error", err.Error()),
		)
		return
	}

	to := time.Now().UTC()
	from := to.Add(-w.cfg.ReconcileWindow)
	window := to.Truncate(time.Minute).Unix()
	for _, u := range users {
		job, err := domain.NewJob(
			fmt.Sprintf("reconcile_%d_%d", u.ID, window),
			domain.JobKindReconcile,
			domain.ReconcileJob{FollowedUserID: u.ID, From: from, To: to},
		)
		if err == nil {
			err = w.queue.Enqueue(ctx, domain.QueueReconcile, job)
		}
		if err != nil {
			w.logger.WarnContext(ctx, "reconcile enqueue failed",
				slog.Int64("followed_user_id", u.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	w.logger.InfoContext(ctx, "reconcile jobs enqueued",
		slog.Int("leaders", len(users)),
		slog.Duration("window", w.cfg.ReconcileWindow),
	)
}

// honorRetryGate waits out any persisted rate-limit gate before connecting.
func (w *WsIngestor) honorRetryGate(ctx context.Context) error {
	notBefore, err := w.gate.NotBefore(ctx, domain.WSRetryKey())
	if err != nil {
		w.logger.WarnContext(ctx, "retry gate read failed",
			slog.String("error", err.Error()),
		)
		return nil
	}
	wait := time.Until(notBefore)
	if wait <= 0 {
		return nil
	}
	w.logger.InfoContext(ctx, "honoring persisted rate-limit gate",
		slog.Duration("wait", wait),
	)
	if !sleepCtx(ctx, wait) {
		return ctx.Err()
	}
	return nil
}

// scheduleRateLimitRetry applies the progressive 429 schedule and persists
// it so a restart keeps waiting.
func (w *WsIngestor) scheduleRateLimitRetry(ctx context.Context, cause error) {
	w.rateFailures++
	wait := expBackoff(w.cfg.RateLimitBase, w.cfg.RateLimitCap, w.rateFailures)
	notBefore := time.Now().UTC().Add(wait)
	if err := w.gate.SetNotBefore(ctx, domain.WSRetryKey(), notBefore); err != nil {
		w.logger.WarnContext(ctx, "retry gate persist failed",
			slog.String("error", err.Error()),
		)
	}
	w.logger.WarnContext(ctx, "provider rate limited",
		slog.String("error", cause.Error()),
		slog.Duration("wait", wait),
		slog.Time("retry_not_before", notBefore),
	)
	if w.notifier != nil {
		w.notifier.RateLimited(ctx, "onchain websocket", notBefore)
	}
}

// expBackoff doubles base per extra attempt, capped.
func expBackoff(base, ceil time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceil {
			return ceil
		}
	}
	if d > ceil {
		return ceil
	}
	return d
}

// jitter spreads a delay by ±10% so restarting fleets do not thundering-herd
// the provider.
func jitter(d time.Duration) time.Duration {
	spread := int64(d) / 10
	if spread == 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*spread)-spread)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
