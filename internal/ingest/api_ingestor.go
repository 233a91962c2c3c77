package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polymirror/copytrader/internal/domain"
	"github.com/polymirror/copytrader/internal/platform/polymarket"
)

// dataAPI is the slice of the Data API client the poller consumes.
type dataAPI interface {
	Trades(ctx context.Context, page polymarket.TradePage) ([]polymarket.APITrade, error)
	Activity(ctx context.Context, page polymarket.TradePage) ([]polymarket.APIActivity, error)
}

// ApiIngestorConfig tunes the polling ingestor.
type ApiIngestorConfig struct {
	PollInterval     time.Duration
	PageSize         int
	MaxPages         int // routine pulls
	MaxPagesFastPath int // reconcile pulls
	InitLookback     time.Duration
	PollConcurrency  int
	RateLimitBase    time.Duration
	RateLimitCap     time.Duration
}

// ApiIngestor periodically pulls the Data API per enabled leader, fills
// gaps the stream missed, and back-patches WS trade timestamps with the
// venue's own clock.
type ApiIngestor struct {
	cfg    ApiIngestorConfig
	api    dataAPI
	trades domain.TradeEventStore
	acts   domain.ActivityEventStore
	users  domain.FollowedUserStore
	chkpts domain.CheckpointStore
	queue  domain.JobQueue
	gate   domain.RetryGate
	logger *slog.Logger

	mu           sync.Mutex
	rateFailures map[int64]int
}

// NewApiIngestor wires the poller.
func NewApiIngestor(
	cfg ApiIngestorConfig,
	api dataAPI,
	trades domain.TradeEventStore,
	acts domain.ActivityEventStore,
	users domain.FollowedUserStore,
	chkpts domain.CheckpointStore,
	queue domain.JobQueue,
	gate domain.RetryGate,
	logger *slog.Logger,
) *ApiIngestor {
	return &ApiIngestor{
		cfg:          cfg,
		api:          api,
		trades:       trades,
		acts:         acts,
		users:        users,
		chkpts:       chkpts,
		queue:        queue,
		gate:         gate,
		logger:       logger.With(slog.String("component", "api_ingestor")),
		rateFailures: map[int64]int{},
	}
}

// Run polls every enabled leader on the configured cadence until ctx ends.
func (a *ApiIngestor) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.pollAll(ctx)
		}
	}
}

func (a *ApiIngestor) pollAll(ctx context.Context) {
	users, err := a.users.ListEnabled(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "leader listing failed",
			slog.String("error", err.Error()),
		)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.PollConcurrency)
	for _, u := range users {
		u := u
		g.Go(func() error {
			a.pollLeader(gctx, u, a.cfg.MaxPages, 0)
			return nil
		})
	}
	_ = g.Wait()
}

// HandleReconcileJob runs a fast-path pull over an explicit window,
// typically covering a stream gap.
func (a *ApiIngestor) HandleReconcileJob(ctx context.Context, job domain.Job) error {
	var payload domain.ReconcileJob
	if err := job.DecodePayload(&payload); err != nil {
		// Malformed payloads never become valid; drop, do not retry.
		a.logger.WarnContext(ctx, "malformed reconcile job dropped",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	u, err := a.users.GetByID(ctx, payload.FollowedUserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("ingest: reconcile leader %d: %w", payload.FollowedUserID, err)
	}
	if !u.Enabled {
		return nil
	}

	a.pollLeader(ctx, u, a.cfg.MaxPagesFastPath, payload.From.Unix())
	return nil
}

// pollLeader pulls trades and activity for one leader, honoring the
// persisted cursor and the leader's rate-limit gate. floorUnix, when
// nonzero, bounds the pull window (fast-path reconciles).
func (a *ApiIngestor) pollLeader(ctx context.Context, u domain.FollowedUser, maxPages int, floorUnix int64) {
	if gated, wait := a.isGated(ctx, u.ID); gated {
		a.logger.DebugContext(ctx, "leader poll gated",
			slog.Int64("followed_user_id", u.ID),
			slog.Duration("wait", wait),
		)
		return
	}

	cursor := a.loadCursor(ctx, u.ID)
	if floorUnix > 0 && floorUnix < cursor.LastTradeTime.Unix() {
		// The reconcile window reaches behind the cursor; widen it for
		// this pull only so missed fills inside the window are found.
		cursor.LastTradeTime = time.Unix(floorUnix, 0).UTC()
		cursor.ResumeBefore = nil
	}

	newIDs, next, err := a.pullTrades(ctx, u, cursor, maxPages)
	if err != nil {
		a.handlePollError(ctx, u.ID, err)
		// Rows from completed pages are already persisted; hand them to
		// the pipeline even though the cursor stays put.
		a.enqueueIngest(ctx, u.ID, newIDs, nil)
		return
	}

	actIDs, err := a.pullActivity(ctx, u, cursor)
	if err != nil {
		a.handlePollError(ctx, u.ID, err)
		// Trade progress still counts; fall through to save.
	}

	a.clearGate(ctx, u.ID)
	a.saveCursor(ctx, u.ID, next)
	a.enqueueIngest(ctx, u.ID, newIDs, actIDs)
}

// pullOutcome classifies how one paginated pull ended.
type pullOutcome int

const (
	pullExhausted pullOutcome = iota
	pullMaxPages
	pullStalled
)

// pullTrades walks pages newest-first and returns inserted trade ids plus
// the advanced cursor. The three pagination outcomes are handled
// explicitly:
//
//	exhausted  -> advance lastTime to the newest time seen, clear resume
//	max pages  -> keep lastTime, save resumeBefore = oldest time in page
//	stalled    -> keep lastTime, clear resume, retry next cycle
func (a *ApiIngestor) pullTrades(ctx context.Context, u domain.FollowedUser, cursor domain.APICursor, maxPages int) ([]int64, domain.APICursor, error) {
	var (
		inserted []int64
		maxSeen  time.Time
		before   int64
		outcome  = pullExhausted
	)
	if cursor.ResumeBefore != nil {
		before = cursor.ResumeBefore.Unix()
	}
	lastTime := cursor.LastTradeTime

	for page := 0; page < maxPages; page++ {
		items, err := a.api.Trades(ctx, polymarket.TradePage{
			Wallet: u.ProfileWallet,
			Before: before,
			After:  lastTime.Unix(),
			Limit:  a.cfg.PageSize,
		})
		if err != nil {
			return inserted, cursor, err
		}
		if len(items) == 0 {
			break
		}

		oldest := int64(0)
		for i := range items {
			t := &items[i]
			et := t.EventTime()
			if et.IsZero() {
				continue
			}
			if oldest == 0 || et.Unix() < oldest {
				oldest = et.Unix()
			}
			if et.After(maxSeen) {
				maxSeen = et
			}
			if !et.After(lastTime) {
				continue // already consumed
			}
			id, ok := a.insertTrade(ctx, u, t)
			if ok {
				inserted = append(inserted, id)
			}
		}

		if len(items) < a.cfg.PageSize {
			break // exhausted
		}
		if before != 0 && oldest >= before {
			outcome = pullStalled
			break
		}
		if page == maxPages-1 {
			outcome = pullMaxPages
			before = oldest
			break
		}
		before = oldest
	}

	next := cursor
	switch outcome {
	case pullExhausted:
		if maxSeen.After(next.LastTradeTime) {
			next.LastTradeTime = maxSeen
		}
		next.ResumeBefore = nil
	case pullMaxPages:
		resume := time.Unix(before, 0).UTC()
		next.ResumeBefore = &resume
	case pullStalled:
		a.logger.WarnContext(ctx, "pagination stalled, resetting cursor",
			slog.Int64("followed_user_id", u.ID),
			slog.Int64("before", before),
		)
		next.ResumeBefore = nil
	}
	return inserted, next, nil
}

// insertTrade persists one API trade unless a canonical WS row already
// covers it, in which case only the WS row's eventTime may be refined.
func (a *ApiIngestor) insertTrade(ctx context.Context, u domain.FollowedUser, t *polymarket.APITrade) (int64, bool) {
	side := domain.TradeSide(strings.ToUpper(t.Side))
	if side != domain.TradeSideBuy && side != domain.TradeSideSell {
		a.logger.WarnContext(ctx, "unknown trade side dropped",
			slog.String("side", t.Side),
		)
		return 0, false
	}

	priceMicros, err := polymarket.ParseMicros(t.Price.String())
	if err != nil {
		a.logger.WarnContext(ctx, "unparsable trade price dropped",
			slog.String("error", err.Error()),
		)
		return 0, false
	}
	shareMicros, err := polymarket.ParseMicros(t.Size.String())
	if err != nil {
		a.logger.WarnContext(ctx, "unparsable trade size dropped",
			slog.String("error", err.Error()),
		)
		return 0, false
	}

	notionalMicros := int64(0)
	if t.UsdcSize != "" {
		if v, err := polymarket.ParseMicros(t.UsdcSize.String()); err == nil {
			notionalMicros = v
		}
	}
	if notionalMicros == 0 {
		notionalMicros = priceMicros * shareMicros / domain.MicrosPerUnit
	}

	tokenID := t.TokenID()
	txHash := t.TransactionHash.String()
	eventTime := t.EventTime()

	// Reconcile against the stream before inserting a duplicate view of
	// the same fill.
	if txHash != "" {
		ws, err := a.trades.FindCanonicalMatch(ctx, txHash, u.ProfileWallet, side, tokenID)
		if err == nil {
			a.backpatch(ctx, ws, eventTime)
			return 0, false
		}
		if !errors.Is(err, domain.ErrNotFound) {
			a.logger.WarnContext(ctx, "canonical match lookup failed",
				slog.String("tx", txHash),
				slog.String("error", err.Error()),
			)
		}
	}

	sourceID := t.ID.String()
	if sourceID == "" {
		sourceID = fmt.Sprintf("%s_%d_%s_%s_%s", txHash, eventTime.Unix(), side, tokenID, t.Size)
	}

	stored, err := a.trades.Insert(ctx, domain.TradeEvent{
		Source:         domain.TradeSourceDataAPI,
		SourceID:       sourceID,
		TxHash:         txHash,
		IsCanonical:    false,
		FollowedUserID: u.ID,
		ProfileWallet:  u.ProfileWallet,
		ProxyWallet:    proxyOf(u, t.Wallet()),
		Side:           side,
		PriceMicros:    priceMicros,
		ShareMicros:    shareMicros,
		NotionalMicros: notionalMicros,
		EventTime:      eventTime,
		DetectTime:     time.Now().UTC(),
		AssetID:        tokenID,
		MarketID:       t.MarketRef(),
		ConditionID:    t.ConditionID.String(),
		Enrichment:     domain.EnrichmentPending,
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			a.logger.DebugContext(ctx, "duplicate api trade",
				slog.String("source_id", sourceID),
			)
			return 0, false
		}
		a.logger.ErrorContext(ctx, "api trade insert failed",
			slog.String("source_id", sourceID),
			slog.String("error", err.Error()),
		)
		return 0, false
	}
	return stored.ID, true
}

// backpatch refines a WS trade's eventTime with the venue timestamp when
// the WS row was never patched or the API reports an earlier time.
func (a *ApiIngestor) backpatch(ctx context.Context, ws domain.TradeEvent, apiTime time.Time) {
	if apiTime.IsZero() {
		return
	}
	untouched := ws.EventTime.Equal(ws.DetectTime)
	if !untouched && !apiTime.Before(ws.EventTime) {
		return
	}
	if err := a.trades.BackpatchEventTime(ctx, ws.ID, apiTime); err != nil {
		a.logger.WarnContext(ctx, "event time backpatch failed",
			slog.Int64("trade_event_id", ws.ID),
			slog.String("error", err.Error()),
		)
	}
}

// pullActivity fetches MERGE/SPLIT/REDEEM events since the cursor. One
// routine page per cycle keeps activity volume bounded; the events are
// rare relative to fills.
func (a *ApiIngestor) pullActivity(ctx context.Context, u domain.FollowedUser, cursor domain.APICursor) ([]int64, error) {
	items, err := a.api.Activity(ctx, polymarket.TradePage{
		Wallet: u.ProfileWallet,
		After:  cursor.LastTradeTime.Unix(),
		Limit:  a.cfg.PageSize,
	})
	if err != nil {
		return nil, err
	}

	var inserted []int64
	for i := range items {
		act := &items[i]
		typ := domain.ActivityType(strings.ToUpper(act.Type))
		switch typ {
		case domain.ActivityMerge, domain.ActivitySplit, domain.ActivityRedeem:
		default:
			continue
		}

		amount, err := polymarket.ParseMicros(act.Size.String())
		if err != nil {
			a.logger.WarnContext(ctx, "unparsable activity size dropped",
				slog.String("type", string(typ)),
				slog.String("error", err.Error()),
			)
			continue
		}
		collateral := int64(0)
		if act.UsdcSize != "" {
			if v, err := polymarket.ParseMicros(act.UsdcSize.String()); err == nil {
				collateral = v
			}
		}

		eventTime := act.EventTime()
		asset := act.Asset.String()
		sourceID := fmt.Sprintf("%s_%d_%s_%s",
			act.TransactionHash, eventTime.Unix(), typ, asset)

		stored, err := a.acts.Insert(ctx, domain.ActivityEvent{
			Type:           typ,
			SourceID:       sourceID,
			FollowedUserID: u.ID,
			Payload: domain.ActivityPayload{
				Assets:                 []domain.ActivityAsset{{AssetID: asset, AmountMicros: amount}},
				CollateralAmountMicros: collateral,
			},
			EventTime:  eventTime,
			DetectTime: time.Now().UTC(),
		})
		if err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				continue
			}
			a.logger.ErrorContext(ctx, "activity insert failed",
				slog.String("source_id", sourceID),
				slog.String("error", err.Error()),
			)
			continue
		}
		inserted = append(inserted, stored.ID)
	}
	return inserted, nil
}

func (a *ApiIngestor) enqueueIngest(ctx context.Context, userID int64, tradeIDs, activityIDs []int64) {
	if len(tradeIDs) == 0 && len(activityIDs) == 0 {
		return
	}
	job, err := domain.NewJob(
		fmt.Sprintf("apipoll_%d_%d", userID, time.Now().UnixNano()),
		domain.JobKindIngest,
		domain.IngestJob{TradeEventIDs: tradeIDs, ActivityEventIDs: activityIDs},
	)
	if err == nil {
		err = a.queue.Enqueue(ctx, domain.QueueIngestEvents, job)
	}
	if err != nil {
		a.logger.ErrorContext(ctx, "ingest enqueue failed",
			slog.Int64("followed_user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// --- cursor persistence ---

func (a *ApiIngestor) loadCursor(ctx context.Context, userID int64) domain.APICursor {
	init := domain.APICursor{
		LastTradeTime: time.Now().UTC().Add(-a.cfg.InitLookback),
	}
	cp, err := a.chkpts.Get(ctx, domain.APICursorKey(userID))
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			a.logger.WarnContext(ctx, "cursor read failed",
				slog.Int64("followed_user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		return init
	}

	var cursor domain.APICursor
	if err := json.Unmarshal(cp.ValueJSON, &cursor); err != nil || cursor.LastTradeTime.IsZero() {
		return init
	}
	return cursor
}

func (a *ApiIngestor) saveCursor(ctx context.Context, userID int64, cursor domain.APICursor) {
	if err := a.chkpts.Put(ctx, domain.APICursorKey(userID), cursor); err != nil {
		a.logger.WarnContext(ctx, "cursor save failed",
			slog.Int64("followed_user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// --- rate-limit gating ---

func (a *ApiIngestor) handlePollError(ctx context.Context, userID int64, err error) {
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, domain.ErrRateLimited) {
		a.mu.Lock()
		a.rateFailures[userID]++
		n := a.rateFailures[userID]
		a.mu.Unlock()

		wait := expBackoff(a.cfg.RateLimitBase, a.cfg.RateLimitCap, n)
		notBefore := time.Now().UTC().Add(wait)
		if gerr := a.gate.SetNotBefore(ctx, domain.APIRetryKey(userID), notBefore); gerr != nil {
			a.logger.WarnContext(ctx, "rate gate persist failed",
				slog.Int64("followed_user_id", userID),
				slog.String("error", gerr.Error()),
			)
		}
		a.logger.WarnContext(ctx, "data api rate limited",
			slog.Int64("followed_user_id", userID),
			slog.Duration("wait", wait),
		)
		return
	}
	a.logger.WarnContext(ctx, "leader poll failed",
		slog.Int64("followed_user_id", userID),
		slog.String("error", err.Error()),
	)
}

func (a *ApiIngestor) isGated(ctx context.Context, userID int64) (bool, time.Duration) {
	notBefore, err := a.gate.NotBefore(ctx, domain.APIRetryKey(userID))
	if err != nil {
		return false, 0
	}
	wait := time.Until(notBefore)
	return wait > 0, wait
}

func (a *ApiIngestor) clearGate(ctx context.Context, userID int64) {
	a.mu.Lock()
	delete(a.rateFailures, userID)
	a.mu.Unlock()
	_ = a.gate.Clear(ctx, domain.APIRetryKey(userID))
}

func proxyOf(u domain.FollowedUser, wallet string) string {
	if wallet == "" || strings.EqualFold(wallet, u.ProfileWallet) {
		return ""
	}
	return wallet
}
