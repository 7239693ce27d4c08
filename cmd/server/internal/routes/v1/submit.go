package v1

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	srverr "github.com/omjvalidator/grader-api/cmd/server/internal/error"
	servermiddleware "github.com/omjvalidator/grader-api/cmd/server/internal/middleware"
	"github.com/omjvalidator/grader-api/cmd/server/internal/models"
	"github.com/omjvalidator/grader-api/cmd/server/internal/response"
	"github.com/omjvalidator/grader-api/internal/admission"
	"github.com/omjvalidator/grader-api/internal/pipeline"
	"github.com/omjvalidator/grader-api/internal/types"
)

const (
	maxImages    = 10
	maxImageSize = 10 << 20 // 10MB per file
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/heic": true,
}

var allowedImageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".heic": true,
}

type submitParams struct {
	Stage types.Stage `param:"stage" validate:"required,stage"`
	Year  int         `param:"year"  validate:"required,gte=2000,lte=2100"`
	Num   int         `param:"num"   validate:"required,gte=1"`
}

type submitResponse struct {
	SubmissionID string `json:"submission_id"`
}

func (h *Handler) Submit(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Submit")
	defer span.End()

	span.AddEvent("received submission request")

	user, ok := c.Get("user").(*servermiddleware.AuthedUser)
	if !ok {
		span.RecordError(srverr.ErrTypeAssertMismatch)
		span.SetStatus(codes.Error, fmt.Sprintf("user: %s", srverr.ErrTypeAssertMismatch))
		return response.InternalServerError
	}

	requestTime, ok := c.Get("time").(time.Time)
	if !ok {
		span.RecordError(srverr.ErrTypeAssertMismatch)
		span.SetStatus(codes.Error, fmt.Sprintf("time: %s", srverr.ErrTypeAssertMismatch))
		return response.InternalServerError
	}

	var params submitParams

	span.AddEvent("parsing path parameters")
	err := c.Bind(&params)
	if err != nil {
		span.SetStatus(codes.Ok, "failed to parse path parameters")
		span.RecordError(err)
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("Nieprawidłowe parametry"),
		)
	}

	span.AddEvent("validating path parameters")
	err = c.Validate(params)
	if err != nil {
		span.SetStatus(codes.Ok, "failed to validate path parameters")
		span.RecordError(err)
		return echo.NewHTTPError(http.StatusBadRequest, types.ValidationError(err))
	}

	year := strconv.Itoa(params.Year)

	span.SetAttributes(
		attribute.String("user.id", user.ID.String()),
		attribute.String("user.note", user.Note),
		attribute.String("task.year", year),
		attribute.String("task.stage", string(params.Stage)),
		attribute.Int("task.number", params.Num),
		attribute.Int64("request.timestamp_ms", requestTime.UnixMilli()),
	)

	span.AddEvent("checking task exists")
	if !h.library.TaskExists(year, params.Stage, params.Num) {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "unknown task")
		return echo.NewHTTPError(
			http.StatusNotFound,
			types.StringError("Nie znaleziono zadania"),
		)
	}

	span.AddEvent("validating uploaded images")
	form, err := c.MultipartForm()
	if err != nil {
		span.SetStatus(codes.Ok, "failed to parse multipart form")
		span.RecordError(err)
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("Nie przesłano żadnych zdjęć"),
		)
	}

	images := form.File["images"]
	if httpErr := validateImages(images); httpErr != nil {
		span.RecordError(httpErr)
		span.SetStatus(codes.Ok, "rejected uploaded images")
		return httpErr
	}

	span.AddEvent("checking admission ceilings")
	decision, err := h.gate.Check(ctx, user.ID.String(), requestTime)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to check admission ceilings")
		return response.InternalServerError
	}
	if !decision.Allowed {
		span.AddEvent("admission denied", trace.WithAttributes(
			attribute.String("scope", string(decision.Scope)),
			attribute.Int64("limit", decision.Limit),
			attribute.Int64("count", decision.Count),
		))
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "admission denied")
		return denyAdmission(c, decision)
	}

	span.AddEvent("saving images to temp files")
	tempDir := os.TempDir()
	if h.config.TempDir != nil {
		tempDir = *h.config.TempDir
	}

	paths, err := saveImages(images, tempDir)
	if err != nil {
		removeFiles(paths)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save images")
		return response.InternalServerError
	}

	submission := models.Submission{
		UserID:     user.ID,
		Year:       params.Year,
		Stage:      params.Stage,
		TaskNumber: params.Num,
		ImageCount: len(paths),
		Status:     types.SubmissionStatusPending,
	}

	span.AddEvent("inserting into database")
	if err := h.store.Create(ctx, &submission); err != nil {
		removeFiles(paths)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert submission")
		return response.InternalServerError
	}
	submissionID := submission.ID.String()
	span.SetAttributes(attribute.String("submission.id", submissionID))

	taskPDF, err := h.library.TaskPDF(ctx, year, params.Stage)
	if err != nil {
		removeFiles(paths)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve task sheet")
		return echo.NewHTTPError(
			http.StatusInternalServerError,
			types.StringError("Nie znaleziono pliku z zadaniami"),
		)
	}

	// Absent solution sheets are fine, grading just runs without one.
	solutionPDF, err := h.library.SolutionPDF(ctx, year, params.Stage)
	if err != nil {
		solutionPDF = ""
	}

	h.hub.Create(submissionID)

	job := pipeline.Job{
		SubmissionID: submissionID,
		TaskPDF:      taskPDF,
		SolutionPDF:  solutionPDF,
		Images:       paths,
		TaskNumber:   params.Num,
		Stage:        params.Stage,
	}

	span.AddEvent("spawning grading task")
	h.taskrunnerClient.Run(ctx, func(ctx context.Context) {
		h.runner.Process(ctx, job)
	})

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "accepted submission")
	return c.JSON(http.StatusAccepted, submitResponse{SubmissionID: submissionID})
}

func validateImages(images []*multipart.FileHeader) *echo.HTTPError {
	if len(images) == 0 {
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("Nie przesłano żadnych zdjęć"),
		)
	}

	if len(images) > maxImages {
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError(fmt.Sprintf("Maksymalnie %d zdjęć na raz", maxImages)),
		)
	}

	for _, image := range images {
		contentType := image.Header.Get(echo.HeaderContentType)
		if !allowedImageTypes[contentType] {
			return echo.NewHTTPError(
				http.StatusBadRequest,
				types.StringError(fmt.Sprintf("Niedozwolony typ pliku: %s", contentType)),
			)
		}

		if image.Size > maxImageSize {
			return echo.NewHTTPError(
				http.StatusBadRequest,
				types.StringError(
					fmt.Sprintf("Plik %s jest za duży (max 10MB)", image.Filename),
				),
			)
		}
	}

	return nil
}

func denyAdmission(c echo.Context, decision admission.Decision) error {
	retryAfterSecs := int64(decision.RetryAfter / time.Second)
	if retryAfterSecs < 1 {
		retryAfterSecs = 1
	}

	remaining := decision.Limit - decision.Count
	if remaining < 0 {
		remaining = 0
	}

	c.Response().Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	c.Response().Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	c.Response().Header().Set("Retry-After", strconv.FormatInt(retryAfterSecs, 10))

	message := "Przekroczono dzienny limit zgłoszeń. Spróbuj ponownie później."
	if decision.Scope == admission.ScopeGlobal {
		message = "System osiągnął dzienny limit zgłoszeń. Spróbuj ponownie później."
	}

	return c.JSON(http.StatusTooManyRequests, types.StringError(message))
}

// saveImages copies uploads into per-submission temp files. On error the
// already written paths are returned so the caller can clean up.
func saveImages(images []*multipart.FileHeader, tempDir string) ([]string, error) {
	paths := make([]string, 0, len(images))

	for _, image := range images {
		ext := strings.ToLower(filepath.Ext(image.Filename))
		if !allowedImageExtensions[ext] {
			ext = ".jpg"
		}

		path, err := saveImage(image, tempDir, ext)
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}

	return paths, nil
}

func saveImage(image *multipart.FileHeader, tempDir, ext string) (string, error) {
	src, err := image.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.CreateTemp(tempDir, "submission-*"+ext)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, io.LimitReader(src, maxImageSize)); err != nil {
		os.Remove(dst.Name())
		return "", err
	}

	return dst.Name(), nil
}

func removeFiles(paths []string) {
	for _, path := range paths {
		os.Remove(path)
	}
}
