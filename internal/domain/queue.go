package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Queue names joining the pipeline stages.
const (
	QueueIngestEvents      = "ingestEvents"
	QueueGroupEvents       = "groupEvents"
	QueueCopyAttemptGlobal = "copyAttemptGlobal"
	QueueReconcile         = "reconcile"
)

// Job kinds. Each kind owns one payload type below.
const (
	JobKindIngest    = "ingest"
	JobKindGroup     = "group"
	JobKindCopy      = "copy"
	JobKindReconcile = "reconcile"
)

// Job is one unit of queued work. ID doubles as the idempotency key: a
// second enqueue with the same ID on the same queue is dropped.
type Job struct {
	ID      string
	Kind    string
	Payload json.RawMessage
	Attempt int
}

// IngestJob carries freshly persisted event ids to the shadow ledger.
type IngestJob struct {
	TradeEventIDs    []int64 `json:"tradeEventIds,omitempty"`
	ActivityEventIDs []int64 `json:"activityEventIds,omitempty"`
}

// GroupJob carries trade event ids to the aggregator.
type GroupJob struct {
	TradeEventIDs []int64 `json:"tradeEventIds"`
}

// CopyJob carries one flushed group to the executor. Groups have no table
// of their own, so the job holds the aggregate itself; the group key keeps
// replays idempotent.
type CopyJob struct {
	Group TradeEventGroup `json:"group"`
}

// ReconcileJob asks the API ingestor for a fast-path pull over a window,
// typically after a WS gap.
type ReconcileJob struct {
	FollowedUserID int64     `json:"followedUserId"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
}

// NewJob wraps a payload struct into a Job envelope.
func NewJob(id, kind string, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("domain: marshal %s job: %w", kind, err)
	}
	return Job{ID: id, Kind: kind, Payload: raw}, nil
}

// DecodePayload unmarshals the job payload into dst.
func (j Job) DecodePayload(dst any) error {
	if err := json.Unmarshal(j.Payload, dst); err != nil {
		return fmt.Errorf("domain: decode %s job %s: %w", j.Kind, j.ID, err)
	}
	return nil
}

// JobHandler processes one delivery. A nil return acknowledges the job;
// an error schedules a retry until the queue's max attempts, then the job
// moves to the dead-letter stream.
type JobHandler func(ctx context.Context, job Job) error

// JobQueue is a durable at-least-once queue. Implementations acknowledge
// only after the handler returns nil.
type JobQueue interface {
	Enqueue(ctx context.Context, queue string, job Job) error
	// Run consumes the queue with n concurrent workers until ctx ends.
	Run(ctx context.Context, queue string, workers int, h JobHandler) error
	Depth(ctx context.Context, queue string) (int64, error)
	Depths(ctx context.Context, queues ...string) (map[string]int64, error)
}
