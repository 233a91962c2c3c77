// Package queue implements the durable job queues joining the pipeline
// stages, backed by Redis Streams with consumer groups.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	cacheredis "github.com/polymirror/copytrader/internal/cache/redis"
	"github.com/polymirror/copytrader/internal/domain"
)

const (
	// streamMaxLen bounds each stream via XADD MAXLEN ~. Well above any
	// realistic backlog; a stream this deep means consumers are down.
	streamMaxLen int64 = 100_000

	// groupName is the single consumer group per stream. Every worker
	// process joins the same group so deliveries are load-balanced.
	groupName = "workers"

	// readBlock is how long one XREADGROUP call blocks waiting for work.
	readBlock = 2 * time.Second

	// claimInterval and claimMinIdle drive the stale-delivery sweep:
	// entries pending longer than claimMinIdle are XAUTOCLAIMed so jobs
	// from crashed consumers are re-delivered.
	claimInterval = 30 * time.Second
	claimMinIdle  = 60 * time.Second

	// dedupTTL is how long an enqueued job id blocks re-enqueues.
	dedupTTL = 24 * time.Hour

	// retryBase and retryCap shape the per-job retry backoff.
	retryBase = 1 * time.Second
	retryCap  = 5 * time.Minute
)

// RedisQueue implements domain.JobQueue. Each named queue is one stream
// (key "queue:{name}") with one consumer group; terminal failures land on
// "queue:{name}:dead".
type RedisQueue struct {
	rdb         *redis.Client
	logger      *slog.Logger
	consumer    string // unique consumer name within the group
	maxAttempts int
}

// New creates a RedisQueue. maxAttempts bounds deliveries per job before
// it is moved to the dead-letter stream (minimum 1).
func New(c *cacheredis.Client, maxAttempts int, logger *slog.Logger) *RedisQueue {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	host, _ := os.Hostname()
	return &RedisQueue{
		rdb:         c.Underlying(),
		logger:      logger.With(slog.String("component", "queue")),
		consumer:    host + "-" + uuid.NewString()[:8],
		maxAttempts: maxAttempts,
	}
}

func streamKey(queue string) string { return "queue:" + queue }
func deadKey(queue string) string   { return "queue:" + queue + ":dead" }
func dedupKey(queue, jobID string) string {
	return "qdedup:" + queue + ":" + jobID
}

// Enqueue appends a job to the queue. A job id already enqueued within the
// dedup window is dropped silently; repeated enqueues of the same group or
// reconcile key collapse to one delivery.
func (q *RedisQueue) Enqueue(ctx context.Context, queue string, job domain.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	ok, err := q.rdb.SetNX(ctx, dedupKey(queue, job.ID), "1", dedupTTL).Result()
	if err != nil {
		return fmt.Errorf("queue: dedup check %s/%s: %w", queue, job.ID, err)
	}
	if !ok {
		q.logger.DebugContext(ctx, "duplicate enqueue dropped",
			slog.String("queue", queue),
			slog.String("job_id", job.ID),
		)
		return nil
	}

	if err := q.add(ctx, streamKey(queue), job, 0); err != nil {
		// Let the producer retry the enqueue itself.
		_ = q.rdb.Del(ctx, dedupKey(queue, job.ID)).Err()
		return err
	}
	return nil
}

func (q *RedisQueue) add(ctx context.Context, stream string, job domain.Job, attempt int) error {
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":  job.ID,
			"kind":    job.Kind,
			"payload": string(job.Payload),
			"attempt": strconv.Itoa(attempt),
		},
	}
	if err := q.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("queue: xadd %s/%s: %w", stream, job.ID, err)
	}
	return nil
}

// Run consumes the queue with workers concurrent consumers until ctx ends.
// Jobs are acknowledged only after the handler returns nil; failures are
// re-appended with an attempt counter and a backoff delay, and jobs that
// exhaust maxAttempts move to the dead-letter stream.
func (q *RedisQueue) Run(ctx context.Context, queue string, workers int, h domain.JobHandler) error {
	if workers < 1 {
		workers = 1
	}

	if err := q.ensureGroup(ctx, queue); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("%s-%d", q.consumer, i)
		g.Go(func() error {
			return q.consumeLoop(ctx, queue, name, h)
		})
	}
	g.Go(func() error {
		return q.claimLoop(ctx, queue, h)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (q *RedisQueue) ensureGroup(ctx context.Context, queue string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, streamKey(queue), groupName, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("queue: create group %s: %w", queue, err)
	}
	return nil
}

// isBusyGroup matches the reply for a consumer group that already exists.
func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (q *RedisQueue) consumeLoop(ctx context.Context, queue, consumer string, h domain.JobHandler) error {
	stream := streamKey(queue)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    groupName,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    8,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.WarnContext(ctx, "read failed, backing off",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				q.process(ctx, queue, msg, h)
			}
		}
	}
}

// process runs the handler for one delivery and settles the entry: ack on
// success, re-append with backoff on retryable failure, dead-letter when
// attempts are exhausted. The original entry is always acked so the
// pending list stays small; retries are fresh entries.
func (q *RedisQueue) process(ctx context.Context, queue string, msg redis.XMessage, h domain.JobHandler) {
	job, attempt, ok := decodeEntry(msg)
	if !ok {
		q.logger.WarnContext(ctx, "malformed queue entry dropped",
			slog.String("queue", queue),
			slog.String("entry_id", msg.ID),
		)
		q.ack(ctx, queue, msg.ID)
		return
	}
	job.Attempt = attempt

	err := h(ctx, job)
	if err == nil {
		q.ack(ctx, queue, msg.ID)
		return
	}
	if ctx.Err() != nil {
		// Shutdown mid-job: leave the entry pending so the claim sweep
		// re-delivers it after restart.
		return
	}

	attempt++
	if attempt >= q.maxAttempts {
		q.logger.ErrorContext(ctx, "job exhausted retries, dead-lettering",
			slog.String("queue", queue),
			slog.String("job_id", job.ID),
			slog.Int("attempts", attempt),
			slog.String("error", err.Error()),
		)
		if derr := q.add(ctx, deadKey(queue), job, attempt); derr != nil {
			q.logger.ErrorContext(ctx, "dead-letter append failed",
				slog.String("queue", queue),
				slog.String("job_id", job.ID),
				slog.String("error", derr.Error()),
			)
		}
		q.ack(ctx, queue, msg.ID)
		return
	}

	q.logger.WarnContext(ctx, "job failed, scheduling retry",
		slog.String("queue", queue),
		slog.String("job_id", job.ID),
		slog.Int("attempt", attempt),
		slog.String("error", err.Error()),
	)

	// Backoff in-consumer, then re-append. Holding one consumer slot for
	// the wait is acceptable at this queue's concurrency.
	select {
	case <-ctx.Done():
		return
	case <-time.After(RetryBackoff(attempt)):
	}
	if rerr := q.add(ctx, streamKey(queue), job, attempt); rerr != nil {
		q.logger.ErrorContext(ctx, "retry append failed, leaving entry pending",
			slog.String("queue", queue),
			slog.String("job_id", job.ID),
			slog.String("error", rerr.Error()),
		)
		return
	}
	q.ack(ctx, queue, msg.ID)
}

func (q *RedisQueue) ack(ctx context.Context, queue, entryID string) {
	if err := q.rdb.XAck(ctx, streamKey(queue), groupName, entryID).Err(); err != nil && ctx.Err() == nil {
		q.logger.WarnContext(ctx, "ack failed",
			slog.String("queue", queue),
			slog.String("entry_id", entryID),
			slog.String("error", err.Error()),
		)
	}
}

// claimLoop periodically reclaims entries stuck pending on dead consumers
// and re-processes them on this one.
func (q *RedisQueue) claimLoop(ctx context.Context, queue string, h domain.JobHandler) error {
	ticker := time.NewTicker(claimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		start := "0-0"
		for {
			msgs, next, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   streamKey(queue),
				Group:    groupName,
				Consumer: q.consumer + "-claim",
				MinIdle:  claimMinIdle,
				Start:    start,
				Count:    16,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				q.logger.WarnContext(ctx, "autoclaim failed",
					slog.String("queue", queue),
					slog.String("error", err.Error()),
				)
				break
			}

			for _, msg := range msgs {
				q.process(ctx, queue, msg, h)
			}
			if next == "0-0" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}
}

// Depth returns the stream length of one queue.
func (q *RedisQueue) Depth(ctx context.Context, queue string) (int64, error) {
	n, err := q.rdb.XLen(ctx, streamKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: xlen %s: %w", queue, err)
	}
	return n, nil
}

// Depths returns stream lengths for several queues in one pipeline.
func (q *RedisQueue) Depths(ctx context.Context, queues ...string) (map[string]int64, error) {
	pipe := q.rdb.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(queues))
	for _, name := range queues {
		cmds[name] = pipe.XLen(ctx, streamKey(name))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue: depths pipeline: %w", err)
	}

	out := make(map[string]int64, len(queues))
	for name, cmd := range cmds {
		n, err := cmd.Result()
		if err != nil {
			continue
		}
		out[name] = n
	}
	return out, nil
}

func decodeEntry(msg redis.XMessage) (domain.Job, int, bool) {
	id, _ := msg.Values["job_id"].(string)
	kind, _ := msg.Values["kind"].(string)
	payload, _ := msg.Values["payload"].(string)
	if id == "" || kind == "" {
		return domain.Job{}, 0, false
	}

	attempt := 0
	if s, ok := msg.Values["attempt"].(string); ok {
		if n, err := strconv.Atoi(s); err == nil {
			attempt = n
		}
	}
	return domain.Job{ID: id, Kind: kind, Payload: []byte(payload)}, attempt, true
}

// RetryBackoff returns the delay before re-delivering a job on its n-th
// attempt: exponential from retryBase, capped at retryCap.
func RetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := retryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= retryCap {
			return retryCap
		}
	}
	if d > retryCap {
		return retryCap
	}
	return d
}

// Compile-time interface check.
var _ domain.JobQueue = (*RedisQueue)(nil)
