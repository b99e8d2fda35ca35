package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// multipartThreshold is the export size above which uploads go through the
// multipart manager.
const multipartThreshold = 8 * 1024 * 1024

// ObjectChecker reports whether an object is already stored.
type ObjectChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies recorded attempts to object storage. Each attempt is
// written once to a date-partitioned key derived from its completion time
// and id, so re-archiving the same attempt is harmless:
//
//	{prefix}/attempts/2026/03/01/{id}.json
//
// Export writes a whole set as one JSONL file under {prefix}/exports/.
type Archiver struct {
	writer  domain.BlobWriter
	checker ObjectChecker
	prefix  string
}

// NewArchiver creates an Archiver. checker may be nil, in which case every
// Archive call uploads.
func NewArchiver(writer domain.BlobWriter, checker ObjectChecker, prefix string) *Archiver {
	return &Archiver{writer: writer, checker: checker, prefix: prefix}
}

// Archive uploads one terminal attempt.
func (a *Archiver) Archive(ctx context.Context, attempt *domain.TradeAttempt) error {
	key := a.attemptPath(attempt)
	if a.checker != nil {
		exists, err := a.checker.Exists(ctx, key)
		if err != nil {
			return fmt.Errorf("s3blob: archive %s: %w", attempt.ID, err)
		}
		if exists {
			return nil
		}
	}

	body, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("s3blob: archive marshal %s: %w", attempt.ID, err)
	}
	if err := a.writer.Put(ctx, key, bytes.NewReader(body), "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive upload %s: %w", attempt.ID, err)
	}
	return nil
}

// Export writes attempts as JSONL and returns the object key.
func (a *Archiver) Export(ctx context.Context, attempts []*domain.TradeAttempt, at time.Time) (string, error) {
	buf, err := marshalJSONL(attempts)
	if err != nil {
		return "", fmt.Errorf("s3blob: export marshal: %w", err)
	}

	key := path.Join(a.prefix, "exports", at.UTC().Format("20060102T150405Z")+".jsonl")
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: export upload: %w", err)
	}
	return key, nil
}

func (a *Archiver) attemptPath(attempt *domain.TradeAttempt) string {
	at := attempt.CreatedAt
	if attempt.CompletedAt != nil {
		at = *attempt.CompletedAt
	}
	return path.Join(a.prefix, "attempts", at.UTC().Format("2006/01/02"), attempt.ID+".json")
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
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
