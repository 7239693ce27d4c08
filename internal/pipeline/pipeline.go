// Package pipeline drives one accepted submission from PENDING to a
// terminal state. Persistence is the source of truth; hub delivery is a
// best-effort UI convenience and never rolls back a persisted result.
package pipeline

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/omjvalidator/grader-api/internal/inference"
	"github.com/omjvalidator/grader-api/internal/logger"
	"github.com/omjvalidator/grader-api/internal/progress"
	"github.com/omjvalidator/grader-api/internal/types"
	"github.com/omjvalidator/grader-api/internal/upload"
)

var tracer = otel.Tracer("github.com/omjvalidator/grader-api/internal/pipeline")

// SubmissionStore persists submission state transitions.
type SubmissionStore interface {
	MarkProcessing(ctx context.Context, submissionID string) error
	Complete(ctx context.Context, submissionID string, result *types.GradeResult, archivedImages []string) error
	Fail(ctx context.Context, submissionID, message string) error
}

// Job is one accepted submission ready for grading. Images are paths to
// temp files owned by the job; the runner removes them when done.
type Job struct {
	SubmissionID string
	TaskPDF      string
	SolutionPDF  string
	Images       []string
	TaskNumber   int
	Stage        types.Stage
}

type Runner struct {
	store    SubmissionStore
	hub      *progress.Hub
	provider inference.Provider
	archive  upload.Uploader // nil disables image archival
}

func NewRunner(store SubmissionStore, hub *progress.Hub, provider inference.Provider, archive upload.Uploader) *Runner {
	return &Runner{
		store:    store,
		hub:      hub,
		provider: provider,
		archive:  archive,
	}
}

// Process grades one submission end to end. Every exit path writes a
// terminal persisted state before touching the hub. It always finishes,
// with or without a connected subscriber.
func (r *Runner) Process(ctx context.Context, job Job) {
	ctx, span := tracer.Start(ctx, "Runner.Process", trace.WithAttributes(
		attribute.String("submission", job.SubmissionID),
		attribute.String("stage", string(job.Stage)),
		attribute.Int("task", job.TaskNumber),
	))
	defer span.End()
	defer r.removeTempFiles(ctx, job.Images)

	if err := r.store.MarkProcessing(ctx, job.SubmissionID); err != nil {
		span.RecordError(err)
		logger.Logger.ErrorContext(ctx, "failed to mark submission processing",
			"submission", job.SubmissionID, "error", err)
	}

	r.hub.PushStatus(ctx, job.SubmissionID, "Przesyłam pliki...")

	result, err := r.provider.AnalyzeStream(ctx, inference.Request{
		TaskPDF:     job.TaskPDF,
		SolutionPDF: job.SolutionPDF,
		Images:      job.Images,
		TaskNumber:  job.TaskNumber,
		Stage:       job.Stage,
	}, inference.Callbacks{
		OnAttachmentsReady: func() {
			r.hub.PushStatus(ctx, job.SubmissionID, "Analizuję rozwiązanie...")
		},
		OnThinking: func(text string) {
			r.hub.PushThinking(ctx, job.SubmissionID, text)
		},
	})
	if err != nil {
		r.fail(ctx, job.SubmissionID, err)
		span.SetStatus(codes.Error, "inference failed")
		return
	}

	r.hub.PushStatus(ctx, job.SubmissionID, "Finalizowanie...")

	archived := r.archiveImages(ctx, job.Images)

	if err := r.store.Complete(ctx, job.SubmissionID, result, archived); err != nil {
		span.RecordError(err)
		logger.Logger.ErrorContext(ctx, "failed to persist submission result",
			"submission", job.SubmissionID, "error", err)
		r.hub.Fail(ctx, job.SubmissionID, inference.UserMessage(err))
		span.SetStatus(codes.Error, "failed to persist result")
		return
	}

	r.hub.Complete(ctx, job.SubmissionID, result.Score, result.Feedback)

	logger.Logger.InfoContext(ctx, "submission completed",
		"submission", job.SubmissionID, "score", result.Score, "issueType", result.IssueType)
	span.SetStatus(codes.Ok, "submission completed")
}

// fail writes FAILED with the user safe message, then notifies the hub.
func (r *Runner) fail(ctx context.Context, submissionID string, cause error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(cause)

	message := inference.UserMessage(cause)
	logger.Logger.ErrorContext(ctx, "submission failed",
		"submission", submissionID, "error", cause)

	if err := r.store.Fail(ctx, submissionID, message); err != nil {
		logger.Logger.ErrorContext(ctx, "failed to persist submission failure",
			"submission", submissionID, "error", err)
	}

	r.hub.Fail(ctx, submissionID, message)
}

// archiveImages stores submission photos under their content hash.
// Failures are logged and skipped; grading never depends on the archive.
func (r *Runner) archiveImages(ctx context.Context, paths []string) []string {
	if r.archive == nil {
		return nil
	}

	archived := make([]string, 0, len(paths))
	for _, path := range paths {
		sum, err := upload.HashedFile(ctx, r.archive, path)
		if err != nil {
			logger.Logger.WarnContext(ctx, "failed to archive submission image",
				"path", path, "error", err)
			continue
		}
		archived = append(archived, sum)
	}
	return archived
}

func (r *Runner) removeTempFiles(ctx context.Context, paths []string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Logger.WarnContext(ctx, "failed to remove temp file",
				"path", path, "error", err)
		}
	}
}
