// Package store implements the persistence collaborators consumed by the
// admission gate and the grading pipeline on top of gorm.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/omjvalidator/grader-api/cmd/server/internal/models"
	"github.com/omjvalidator/grader-api/internal/types"
)

var tracer = otel.Tracer("github.com/omjvalidator/grader-api/cmd/server/internal/store")

// User facing message persisted when a submission sits in a non-terminal
// state past the processing deadline.
const StaleMessage = "Przekroczono limit czasu przetwarzania. Spróbuj ponownie."

type Store struct {
	db         *gorm.DB
	now        func() time.Time
	staleAfter time.Duration
}

// New builds a Store. staleAfter should be the AI call timeout plus a
// buffer so in flight work is never repaired out from under the runner.
func New(db *gorm.DB, staleAfter time.Duration) *Store {
	return &Store{
		db:         db,
		now:        time.Now,
		staleAfter: staleAfter,
	}
}

func (s *Store) Create(ctx context.Context, submission *models.Submission) error {
	ctx, span := tracer.Start(ctx, "Store.Create")
	defer span.End()

	err := s.db.WithContext(ctx).Create(submission).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert submission")
		return err
	}

	span.SetAttributes(attribute.String("submission.id", submission.ID.String()))
	span.SetStatus(codes.Ok, "inserted submission")
	return nil
}

func (s *Store) MarkProcessing(ctx context.Context, submissionID string) error {
	ctx, span := tracer.Start(ctx, "Store.MarkProcessing", trace.WithAttributes(
		attribute.String("submission.id", submissionID),
	))
	defer span.End()

	err := s.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ?", submissionID).
		Update("status", types.SubmissionStatusProcessing).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark submission processing")
		return err
	}

	span.SetStatus(codes.Ok, "marked submission processing")
	return nil
}

func (s *Store) Complete(
	ctx context.Context,
	submissionID string,
	result *types.GradeResult,
	archivedImages []string,
) error {
	ctx, span := tracer.Start(ctx, "Store.Complete", trace.WithAttributes(
		attribute.String("submission.id", submissionID),
		attribute.Int("score", result.Score),
		attribute.String("issueType", string(result.IssueType)),
	))
	defer span.End()

	updates := map[string]any{
		"status":      types.SubmissionStatusCompleted,
		"score":       result.Score,
		"feedback":    result.Feedback,
		"issue_type":  string(result.IssueType),
		"abuse_score": result.AbuseScore,
		"meta":        datatypes.NewJSONType(result.Meta),
	}
	if len(archivedImages) > 0 {
		updates["archived_images"] = datatypes.NewJSONSlice(archivedImages)
	}

	err := s.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ?", submissionID).
		Updates(updates).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist submission result")
		return err
	}

	span.SetStatus(codes.Ok, "persisted submission result")
	return nil
}

func (s *Store) Fail(ctx context.Context, submissionID, message string) error {
	ctx, span := tracer.Start(ctx, "Store.Fail", trace.WithAttributes(
		attribute.String("submission.id", submissionID),
	))
	defer span.End()

	err := s.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ?", submissionID).
		Updates(map[string]any{
			"status":        types.SubmissionStatusFailed,
			"error_message": message,
		}).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist submission failure")
		return err
	}

	span.SetStatus(codes.Ok, "persisted submission failure")
	return nil
}

// UserWindow counts this user's submissions since the window start and
// returns the oldest timestamp among them. All statuses count; a failed
// attempt still consumed an inference slot.
func (s *Store) UserWindow(
	ctx context.Context,
	userID string,
	since time.Time,
) (int64, time.Time, error) {
	ctx, span := tracer.Start(ctx, "Store.UserWindow", trace.WithAttributes(
		attribute.String("user.id", userID),
	))
	defer span.End()

	id, err := uuid.Parse(userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid user id")
		return 0, time.Time{}, err
	}

	return s.window(span, s.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("user_id = ? AND created_at >= ?", id, since))
}

// GlobalWindow is UserWindow across all users.
func (s *Store) GlobalWindow(ctx context.Context, since time.Time) (int64, time.Time, error) {
	ctx, span := tracer.Start(ctx, "Store.GlobalWindow")
	defer span.End()

	return s.window(span, s.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("created_at >= ?", since))
}

func (s *Store) window(span trace.Span, query *gorm.DB) (int64, time.Time, error) {
	var row struct {
		Count  int64
		Oldest sql.NullTime
	}

	err := query.
		Select("COUNT(*) AS count, MIN(created_at) AS oldest").
		Scan(&row).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to count window")
		return 0, time.Time{}, err
	}

	span.SetAttributes(attribute.Int64("count", row.Count))
	span.SetStatus(codes.Ok, "counted window")
	return row.Count, row.Oldest.Time, nil
}

// RepairStale marks PENDING and PROCESSING submissions older than the
// stale deadline as FAILED. Run before reads so a crashed worker cannot
// leave a submission spinning forever in the UI.
func (s *Store) RepairStale(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "Store.RepairStale")
	defer span.End()

	threshold := s.now().Add(-s.staleAfter)

	result := s.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("status IN ? AND created_at < ?",
			[]types.SubmissionStatus{
				types.SubmissionStatusPending,
				types.SubmissionStatusProcessing,
			},
			threshold,
		).
		Updates(map[string]any{
			"status":        types.SubmissionStatusFailed,
			"error_message": StaleMessage,
		})
	if result.Error != nil {
		span.RecordError(result.Error)
		span.SetStatus(codes.Error, "failed to repair stale submissions")
		return 0, result.Error
	}

	span.SetAttributes(attribute.Int64("repaired", result.RowsAffected))
	span.SetStatus(codes.Ok, "repaired stale submissions")
	return result.RowsAffected, nil
}
