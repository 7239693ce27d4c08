package v1

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	srverr "github.com/omjvalidator/grader-api/cmd/server/internal/error"
	servermiddleware "github.com/omjvalidator/grader-api/cmd/server/internal/middleware"
	"github.com/omjvalidator/grader-api/cmd/server/internal/models"
	"github.com/omjvalidator/grader-api/cmd/server/internal/response"
	"github.com/omjvalidator/grader-api/internal/logger"
	"github.com/omjvalidator/grader-api/internal/progress"
	"github.com/omjvalidator/grader-api/internal/types"
)

const (
	// Application close codes, in the private range so clients can tell
	// them apart from transport failures.
	closeUnknownSubmission = 4404
	closeNotOwner          = 4403

	// A silent client is pinged and dropped if it stays silent.
	readTimeout = 5 * time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Session key auth happens before the upgrade; the page origin is
	// not part of the trust model.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// wsSubscriber adapts a gorilla connection to the hub. Writes are
// serialized; the hub and the pong path may send concurrently.
type wsSubscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSubscriber) Send(msg progress.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *wsSubscriber) close(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	s.mu.Lock()
	//nolint:errcheck // best effort, the connection may already be gone
	s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		deadline,
	)
	s.mu.Unlock()
	s.conn.Close()
}

func (h *Handler) SubmissionWS(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "SubmissionWS")
	defer span.End()

	user, ok := c.Get("user").(*servermiddleware.AuthedUser)
	if !ok {
		span.RecordError(srverr.ErrTypeAssertMismatch)
		span.SetStatus(codes.Error, fmt.Sprintf("user: %s", srverr.ErrTypeAssertMismatch))
		return response.InternalServerError
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upgrade connection")
		return nil
	}
	sub := &wsSubscriber{conn: conn}

	rawID := c.Param("submission_id")
	span.SetAttributes(
		attribute.String("submission.id", rawID),
		attribute.String("user.id", user.ID.String()),
	)

	id, err := uuid.Parse(rawID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Ok, "unparseable submission id")
		sub.close(closeUnknownSubmission, "nie znaleziono zgłoszenia")
		return nil
	}

	if _, err := h.store.RepairStale(ctx); err != nil {
		logger.Logger.WarnContext(ctx, "failed to repair stale submissions", "error", err)
	}

	submission, err := models.ByID[models.Submission](ctx, h.DB, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			span.SetStatus(codes.Ok, "unknown submission")
			sub.close(closeUnknownSubmission, "nie znaleziono zgłoszenia")
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load submission")
		sub.close(websocket.CloseInternalServerErr, "")
		return nil
	}

	if submission.UserID != user.ID {
		span.SetStatus(codes.Ok, "submission owned by another user")
		sub.close(closeNotOwner, "brak dostępu")
		return nil
	}

	submissionID := submission.ID.String()

	if submission.Terminal() {
		// The hub entry may already be swept; replay the terminal state
		// from persistence, which is the source of truth anyway.
		span.AddEvent("replaying terminal state from persistence")
		h.deliverTerminal(sub, submission)
	} else {
		h.hub.Connect(ctx, submissionID, sub)
		defer h.hub.Disconnect(submissionID, sub)
	}

	span.SetStatus(codes.Ok, "subscriber connected")
	h.readLoop(c, sub)
	return nil
}

func (h *Handler) deliverTerminal(sub *wsSubscriber, submission *models.Submission) {
	var msg progress.Message
	if submission.Status == types.SubmissionStatusFailed {
		msg = progress.ErrorMessage(submission.ErrorMessage.V)
	} else {
		score := 0
		if submission.Score.Valid {
			score = submission.Score.V
		}
		feedback := ""
		if submission.Feedback.Valid {
			feedback = submission.Feedback.V
		}
		msg = progress.CompletedMessage(score, feedback)
	}

	//nolint:errcheck // the client may have vanished between upgrade and replay
	sub.Send(msg)
}

// readLoop services keep-alive pings until the client goes away.
func (h *Handler) readLoop(c echo.Context, sub *wsSubscriber) {
	ctx := c.Request().Context()

	for {
		if err := sub.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}

		var incoming progress.Message
		if err := sub.conn.ReadJSON(&incoming); err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
			) {
				logger.Logger.DebugContext(ctx, "websocket read ended", "error", err)
			}
			sub.conn.Close()
			return
		}

		if incoming.Type == "ping" {
			//nolint:errcheck // a failed pong surfaces as the next read error
			sub.Send(progress.PongMessage())
		}
	}
}
