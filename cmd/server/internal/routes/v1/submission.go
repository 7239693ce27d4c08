package v1

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	srverr "github.com/omjvalidator/grader-api/cmd/server/internal/error"
	servermiddleware "github.com/omjvalidator/grader-api/cmd/server/internal/middleware"
	"github.com/omjvalidator/grader-api/cmd/server/internal/models"
	"github.com/omjvalidator/grader-api/cmd/server/internal/response"
	"github.com/omjvalidator/grader-api/internal/logger"
	"github.com/omjvalidator/grader-api/internal/types"
)

var forbiddenError = echo.NewHTTPError(
	http.StatusForbidden,
	types.StringError("Brak dostępu"),
)

type submissionResponse struct {
	CreatedAt    time.Time              `json:"created_at"`
	SubmissionID string                 `json:"submission_id"`
	Status       types.SubmissionStatus `json:"status"`
	Stage        types.Stage            `json:"stage"`
	Score        *int                   `json:"score,omitempty"`
	AbuseScore   *int                   `json:"abuse_score,omitempty"`
	Feedback     *string                `json:"feedback,omitempty"`
	IssueType    *string                `json:"issue_type,omitempty"`
	ErrorMessage *string                `json:"error,omitempty"`
	Year         int                    `json:"year"`
	TaskNumber   int                    `json:"task_number"`
}

func submissionToResponse(s *models.Submission) submissionResponse {
	return submissionResponse{
		SubmissionID: s.ID.String(),
		Status:       s.Status,
		Stage:        s.Stage,
		Year:         s.Year,
		TaskNumber:   s.TaskNumber,
		Score:        models.PtrFromNull(s.Score),
		AbuseScore:   models.PtrFromNull(s.AbuseScore),
		Feedback:     models.PtrFromNull(s.Feedback),
		IssueType:    models.PtrFromNull(s.IssueType),
		ErrorMessage: models.PtrFromNull(s.ErrorMessage),
		CreatedAt:    s.CreatedAt,
	}
}

// loadOwnedSubmission resolves :submission_id and enforces ownership.
func (h *Handler) loadOwnedSubmission(
	c echo.Context,
	user *servermiddleware.AuthedUser,
) (*models.Submission, error) {
	ctx := c.Request().Context()

	id, err := uuid.Parse(c.Param("submission_id"))
	if err != nil {
		return nil, response.NotFoundError
	}

	// Repair first so a crashed worker's submission reads as failed
	// instead of processing forever.
	if _, err := h.store.RepairStale(ctx); err != nil {
		logger.Logger.WarnContext(ctx, "failed to repair stale submissions", "error", err)
	}

	submission, err := models.ByID[models.Submission](ctx, h.DB, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, response.NotFoundError
		}
		return nil, response.InternalServerError
	}

	if submission.UserID != user.ID {
		return nil, forbiddenError
	}

	return submission, nil
}

func (h *Handler) SubmissionStatus(c echo.Context) error {
	_, span := tracer.Start(c.Request().Context(), "SubmissionStatus")
	defer span.End()

	user, ok := c.Get("user").(*servermiddleware.AuthedUser)
	if !ok {
		span.RecordError(srverr.ErrTypeAssertMismatch)
		span.SetStatus(codes.Error, fmt.Sprintf("user: %s", srverr.ErrTypeAssertMismatch))
		return response.InternalServerError
	}

	submission, err := h.loadOwnedSubmission(c, user)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Ok, "failed to load submission")
		return err
	}

	span.SetAttributes(
		attribute.String("submission.id", submission.ID.String()),
		attribute.String("submission.status", string(submission.Status)),
	)

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "returned submission status")
	return c.JSON(http.StatusOK, submissionToResponse(submission))
}
