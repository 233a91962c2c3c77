package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes one archived object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads archive objects.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader reads archive objects back.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver exports aged rows to cold storage. Nothing is deleted from the
// primary store; pruning is a separate, manual step after verification.
type Archiver interface {
	ArchiveTradeEvents(ctx context.Context, before time.Time) (int64, error)
	ArchiveCopyAttempts(ctx context.Context, before time.Time) (int64, error)
	ArchiveLedgerEntries(ctx context.Context, before time.Time) (int64, error)
}
