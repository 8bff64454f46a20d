package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// Archiver moves settled data to cold storage.
type Archiver interface {
	// ArchiveRound stores the final snapshot of a round that was closed or
	// cancelled.
	ArchiveRound(ctx context.Context, r Round, ev Event) error
	// ArchiveAudit uploads audit entries older than before and returns how
	// many were written.
	ArchiveAudit(ctx context.Context, before time.Time) (int64, error)
}
