// Package filecache maps local files to remote file references held by
// the inference backend, so static attachments (task and solution
// sheets) are not re-uploaded for every submission.
package filecache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/omjvalidator/grader-api/internal/hash"
	"github.com/omjvalidator/grader-api/internal/logger"
)

var tracer = otel.Tracer("github.com/omjvalidator/grader-api/internal/filecache")

// The backend retains uploaded files for 48 hours; staying well under
// that keeps a liveness race from handing out a dead reference.
const DefaultTTL = 24 * time.Hour

// Store is the remote file capability of the inference backend.
type Store interface {
	UploadFile(ctx context.Context, path string, mimeType string) (string, error)
	// GetFile probes that a reference is still alive remotely.
	GetFile(ctx context.Context, ref string) error
	DeleteFile(ctx context.Context, ref string) error
}

type entry struct {
	ref      string
	hash     string
	cachedAt time.Time
}

// Cache hands out remote references for local files. The entry table is
// the only shared state; the mutex covers map access only, uploads and
// probes run outside it so submissions do not serialize on network I/O.
type Cache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

func New(store Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// GetOrUpload returns a live remote reference for path. Cacheable files
// are reused while young enough, unchanged on disk, and still present
// remotely; anything else is uploaded fresh. Per-submission files must
// pass cacheable=false so they never enter the table.
func (c *Cache) GetOrUpload(
	ctx context.Context,
	path, mimeType string,
	cacheable bool,
) (string, error) {
	ctx, span := tracer.Start(ctx, "Cache.GetOrUpload", trace.WithAttributes(
		attribute.String("path", path),
		attribute.Bool("cacheable", cacheable),
	))
	defer span.End()

	if !cacheable {
		ref, err := c.store.UploadFile(ctx, path, mimeType)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to upload uncacheable file")
			return "", err
		}
		span.SetStatus(codes.Ok, "uploaded uncacheable file")
		return ref, nil
	}

	sum, err := hash.File(ctx, path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to hash local file")
		return "", err
	}

	c.mu.Lock()
	cached, ok := c.entries[path]
	c.mu.Unlock()

	if ok && cached.hash == sum && c.now().Sub(cached.cachedAt) < c.ttl {
		if err := c.store.GetFile(ctx, cached.ref); err == nil {
			span.AddEvent("cache hit", trace.WithAttributes(attribute.String("ref", cached.ref)))
			span.SetStatus(codes.Ok, "reused cached reference")
			return cached.ref, nil
		}
		span.AddEvent("cached reference dead remotely")
	}

	if ok {
		c.mu.Lock()
		// only evict the entry we validated against, a concurrent refresh wins
		if current, still := c.entries[path]; still && current.ref == cached.ref {
			delete(c.entries, path)
		}
		c.mu.Unlock()
	}

	ref, err := c.store.UploadFile(ctx, path, mimeType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload file")
		return "", err
	}

	c.mu.Lock()
	c.entries[path] = entry{ref: ref, hash: sum, cachedAt: c.now()}
	c.mu.Unlock()

	span.AddEvent("uploaded", trace.WithAttributes(attribute.String("ref", ref)))
	span.SetStatus(codes.Ok, "uploaded and cached reference")
	return ref, nil
}

// Release deletes the given remote references, skipping any that are
// currently cached. Failures only cost remote storage, so they are
// logged and swallowed.
func (c *Cache) Release(ctx context.Context, refs []string) {
	ctx, span := tracer.Start(ctx, "Cache.Release", trace.WithAttributes(
		attribute.Int("refs", len(refs)),
	))
	defer span.End()

	c.mu.Lock()
	cached := make(map[string]struct{}, len(c.entries))
	for _, e := range c.entries {
		cached[e.ref] = struct{}{}
	}
	c.mu.Unlock()

	for _, ref := range refs {
		if _, ok := cached[ref]; ok {
			continue
		}
		if err := c.store.DeleteFile(ctx, ref); err != nil {
			logger.Logger.WarnContext(ctx, "failed to delete remote file", "ref", ref, "error", err)
			span.AddEvent("delete failed", trace.WithAttributes(attribute.String("ref", ref)))
		}
	}

	span.SetStatus(codes.Ok, "released references")
}
