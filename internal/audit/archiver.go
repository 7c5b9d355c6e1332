// Package audit ships a newline-delimited, gzip-compressed JSON record
// of each resync run to object storage for offline review. It has no
// counterpart in the worker subsystem's own state — a failed upload must
// never slow down or fail the resync it is describing, so every call is
// best-effort and every error is logged and swallowed.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/pgzip"
)

// Record is one JSON object per resync_finished invocation.
type Record struct {
	Device        string    `json:"device"`
	RunKind       string    `json:"run_kind"` // "resync" or "verify"
	ElapsedSecs   float64   `json:"elapsed_seconds"`
	BytesPerSec   float64   `json:"dbdt_bytes_per_sec"`
	SameCsumRatio float64   `json:"same_csum_ratio"`
	RsTotal       int64     `json:"rs_total"`
	RsFailed      int64     `json:"rs_failed"`
	RsSameCsum    int64     `json:"rs_same_csum"`
	OutOfSync     bool      `json:"out_of_sync_remain"`
	Timestamp     time.Time `json:"timestamp"`
}

// S3Putter is the subset of *s3.Client the archiver needs, narrowed to
// keep Archiver unit-testable without a real AWS endpoint.
type S3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver batches records into gzip-compressed NDJSON objects and ships
// them to S3. Each record is archived as its own object, keyed by
// device/run timestamp — a resync run is infrequent enough that
// per-record objects cost nothing and keep the upload path trivially
// retryable.
type Archiver struct {
	Client S3Putter
	Bucket string
	Prefix string
	Logger *slog.Logger
}

// Archive compresses and uploads record, logging and swallowing any
// failure. Call it from a spawned goroutine, never inline on the worker
// thread.
func (a *Archiver) Archive(ctx context.Context, record Record) {
	if a.Client == nil {
		return
	}

	data, err := json.Marshal(record)
	if err != nil {
		a.Logger.Error("audit: marshaling record", "device", record.Device, "error", err)
		return
	}
	data = append(data, '\n')

	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		a.Logger.Error("audit: compressing record", "device", record.Device, "error", err)
		return
	}
	if err := gz.Close(); err != nil {
		a.Logger.Error("audit: closing gzip writer", "device", record.Device, "error", err)
		return
	}

	key := fmt.Sprintf("%s%s/%s-%s.ndjson.gz", a.Prefix, record.Device, record.RunKind, record.Timestamp.UTC().Format("20060102T150405.000000000Z"))

	_, err = a.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		a.Logger.Error("audit: uploading record", "device", record.Device, "key", key, "error", err)
		return
	}
	a.Logger.Debug("audit: uploaded record", "device", record.Device, "key", key, "bytes", buf.Len())
}
