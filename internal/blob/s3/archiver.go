package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/polymirror/copytrader/internal/domain"
)

// multipartThreshold is the payload size above which uploads switch to the
// multipart path.
const multipartThreshold = 8 * 1024 * 1024

// Narrow store interfaces: the archiver only needs the time-ranged query of
// each store, not the full domain interface. The Postgres stores satisfy
// these implicitly.

type tradeEventSource interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.TradeEvent, error)
}

type copyAttemptSource interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.CopyAttempt, error)
}

type ledgerEntrySource interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.LedgerEntry, error)
}

// ArchiveImpl implements domain.Archiver: it queries aged rows, serializes
// them to JSONL and uploads one file per kind, partitioned by the cutoff
// month. Rows are never deleted from the primary store here; pruning is a
// separate, explicit step after the archive has been verified.
type ArchiveImpl struct {
	writer   domain.BlobWriter
	trades   tradeEventSource
	attempts copyAttemptSource
	ledger   ledgerEntrySource
	audit    domain.AuditStore
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// NewArchiver creates an ArchiveImpl. audit may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	trades tradeEventSource,
	attempts copyAttemptSource,
	ledger ledgerEntrySource,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:   writer,
		trades:   trades,
		attempts: attempts,
		ledger:   ledger,
		audit:    audit,
	}
}

// ArchiveTradeEvents exports trade events older than the cutoff to
// archive/trade_events/YYYY-MM.jsonl and returns the exported count.
func (a *ArchiveImpl) ArchiveTradeEvents(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.trades.ListBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trade events query: %w", err)
	}
	return upload(ctx, a, "trade_events", rows, before)
}

// ArchiveCopyAttempts exports copy attempts older than the cutoff to
// archive/copy_attempts/YYYY-MM.jsonl and returns the exported count.
func (a *ArchiveImpl) ArchiveCopyAttempts(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.attempts.ListBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive copy attempts query: %w", err)
	}
	return upload(ctx, a, "copy_attempts", rows, before)
}

// ArchiveLedgerEntries exports ledger entries older than the cutoff to
// archive/ledger_entries/YYYY-MM.jsonl and returns the exported count.
func (a *ArchiveImpl) ArchiveLedgerEntries(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.ledger.ListBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive ledger entries query: %w", err)
	}
	return upload(ctx, a, "ledger_entries", rows, before)
}

// upload serializes the rows to JSONL and writes them under the kind's
// prefix, switching to multipart above the size threshold. The run is
// recorded in the audit trail when one is configured.
func upload[T any](ctx context.Context, a *ArchiveImpl, kind string, rows []T, before time.Time) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path := archivePath(kind, before)
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(rows))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
			"path":   path,
			"count":  count,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
		}
	}
	return count, nil
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff:
//
//	archive/trade_events/2025-07.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serializes records as newline-delimited JSON, one compact
// line per record.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
