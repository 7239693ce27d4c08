package upload_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omjvalidator/grader-api/internal/upload"
)

type fakeUploader struct {
	uploadFunc    func(ctx context.Context, reader io.ReadSeeker, length int64, name string) error
	existsFunc    func(ctx context.Context, name string) (bool, error)
	presignedFunc func(ctx context.Context, name string, duration time.Duration) (string, error)
	identifier    string
	identifierErr error
}

func (f *fakeUploader) Upload(
	ctx context.Context,
	reader io.ReadSeeker,
	length int64,
	name string,
) error {
	return f.uploadFunc(ctx, reader, length, name)
}

func (f *fakeUploader) Exists(ctx context.Context, name string) (bool, error) {
	if f.existsFunc == nil {
		return false, nil
	}
	return f.existsFunc(ctx, name)
}

func (f *fakeUploader) StoreIdentifier(_ context.Context) (string, error) {
	return f.identifier, f.identifierErr
}

func (f *fakeUploader) PresignedReadURL(
	ctx context.Context,
	name string,
	duration time.Duration,
) (string, error) {
	return f.presignedFunc(ctx, name, duration)
}

func fastBackoff() retry.Backoff {
	b := retry.NewConstant(time.Millisecond)
	return retry.WithMaxRetries(3, b)
}

func TestRetryUploaderUpload(t *testing.T) {
	t.Run("SucceedsAfterFailure", func(t *testing.T) {
		ctx := context.Background()
		attempts := 0

		u := &fakeUploader{
			uploadFunc: func(_ context.Context, reader io.ReadSeeker, _ int64, _ string) error {
				attempts++
				if attempts == 1 {
					// consume part of the reader so a missing re-seek would be visible
					_, _ = io.ReadAll(reader)
					return errors.New("transient")
				}

				content, err := io.ReadAll(reader)
				require.NoError(t, err)
				assert.Equal(t, "tresc", string(content), "reader must be rewound per attempt")
				return nil
			},
		}

		r := upload.NewRetryUploaderBackoff(u, fastBackoff)
		err := r.Upload(ctx, bytes.NewReader([]byte("tresc")), 5, "object")

		require.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("GivesUp", func(t *testing.T) {
		ctx := context.Background()
		attempts := 0

		u := &fakeUploader{
			uploadFunc: func(_ context.Context, _ io.ReadSeeker, _ int64, _ string) error {
				attempts++
				return errors.New("persistent")
			},
		}

		r := upload.NewRetryUploaderBackoff(u, fastBackoff)
		err := r.Upload(ctx, bytes.NewReader([]byte("x")), 1, "object")

		require.Error(t, err)
		assert.Equal(t, 4, attempts)
	})
}

func TestRetryUploaderStoreIdentifier(t *testing.T) {
	ctx := context.Background()

	u := &fakeUploader{identifier: "archive-bucket"}
	r := upload.NewRetryUploaderBackoff(u, fastBackoff)

	ident, err := r.StoreIdentifier(ctx)

	require.NoError(t, err)
	assert.Equal(t, "archive-bucket", ident)
}

func TestHashed(t *testing.T) {
	t.Run("SkipsUploadWhenContentExists", func(t *testing.T) {
		ctx := context.Background()
		uploads := 0

		u := &fakeUploader{
			existsFunc: func(_ context.Context, _ string) (bool, error) {
				return true, nil
			},
			uploadFunc: func(_ context.Context, _ io.ReadSeeker, _ int64, _ string) error {
				uploads++
				return nil
			},
		}

		name, err := upload.Hashed(ctx, u, bytes.NewReader([]byte("obrazek")), 7)

		require.NoError(t, err)
		assert.NotEmpty(t, name)
		assert.Zero(t, uploads, "existing content must not be re-uploaded")
	})

	t.Run("UploadsUnderContentHash", func(t *testing.T) {
		ctx := context.Background()
		var uploadedName string
		var uploadedContent []byte

		u := &fakeUploader{
			uploadFunc: func(_ context.Context, reader io.ReadSeeker, _ int64, name string) error {
				uploadedName = name
				content, err := io.ReadAll(reader)
				require.NoError(t, err)
				uploadedContent = content
				return nil
			},
		}

		name, err := upload.Hashed(ctx, u, bytes.NewReader([]byte("obrazek")), 7)

		require.NoError(t, err)
		assert.Equal(t, name, uploadedName)
		assert.Equal(t, "obrazek", string(uploadedContent))
		assert.Len(t, name, 64, "sha256 hex digest")
	})
}
