package upload

import (
	"context"
	"io"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/codes"
)

var _ Uploader = (*RetryUploader)(nil)

// Meta uploader that wraps uploader operations in backoff loops
type RetryUploader struct {
	uploader Uploader
	backoff  func() retry.Backoff
}

func NewRetryUploaderBackoff(uploader Uploader, backoff func() retry.Backoff) *RetryUploader {
	return &RetryUploader{
		uploader: uploader,
		backoff:  backoff,
	}
}

// For non latency sensitive archiving
func NewRetryUploader(uploader Uploader) *RetryUploader {
	return &RetryUploader{
		uploader: uploader,
		backoff: func() retry.Backoff {
			b := retry.NewExponential(time.Second)
			b = retry.WithMaxDuration(time.Second*120, b)
			return b
		},
	}
}

// do runs op inside a backoff loop with a span per attempt.
func (r *RetryUploader) do(
	ctx context.Context,
	name string,
	op func(ctx context.Context) error,
) error {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()

	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		ctx, span := tracer.Start(ctx, name+".Retry")
		defer span.End()

		if err := op(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "attempt failed")
			return err
		}

		span.RecordError(nil)
		span.SetStatus(codes.Ok, "attempt succeeded")
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retries exhausted")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "succeeded")
	return nil
}

func (r *RetryUploader) Upload(
	ctx context.Context,
	reader io.ReadSeeker,
	length int64,
	name string,
) error {
	return r.do(ctx, "RetryUploader.Upload", func(ctx context.Context) error {
		if _, err := reader.Seek(0, io.SeekStart); err != nil {
			// not retryable, the reader is broken
			return err
		}

		if err := r.uploader.Upload(ctx, reader, length, name); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (r *RetryUploader) Exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := r.do(ctx, "RetryUploader.Exists", func(ctx context.Context) error {
		var err error
		exists, err = r.uploader.Exists(ctx, name)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	return exists, err
}

func (r *RetryUploader) StoreIdentifier(ctx context.Context) (string, error) {
	var ident string
	err := r.do(ctx, "RetryUploader.StoreIdentifier", func(ctx context.Context) error {
		var err error
		ident, err = r.uploader.StoreIdentifier(ctx)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	return ident, err
}

func (r *RetryUploader) PresignedReadURL(
	ctx context.Context,
	name string,
	duration time.Duration,
) (string, error) {
	var presigned string
	err := r.do(ctx, "RetryUploader.PresignedReadURL", func(ctx context.Context) error {
		var err error
		presigned, err = r.uploader.PresignedReadURL(ctx, name, duration)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	return presigned, err
}
