package middleware

import (
	"crypto/sha256"
	"crypto/subtle"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/omjvalidator/grader-api/internal/config"
)

const name string = "github.com/omjvalidator/grader-api/cmd/server/internal/middleware"

var tracer = otel.Tracer(name)

// AuthedUser is what a validated session key resolves to. Stored on the
// echo context under "user".
type AuthedUser struct {
	Note      string
	ID        uuid.UUID
	Unlimited bool
}

type Handler struct {
	DB    *gorm.DB
	Users []config.User
}

// KeyAuthValidator checks a bearer session key against the configured
// user list. Every candidate key is compared so timing does not reveal
// which prefix matched.
func (h *Handler) KeyAuthValidator(key string, c echo.Context) (bool, error) {
	_, span := tracer.Start(c.Request().Context(), "KeyAuthValidator")
	defer span.End()

	keySum := sha256.Sum256([]byte(key))

	var matched *config.User
	for i := range h.Users {
		candidateSum := sha256.Sum256([]byte(h.Users[i].SessionKey))
		if subtle.ConstantTimeCompare(keySum[:], candidateSum[:]) == 1 && matched == nil {
			matched = &h.Users[i]
		}
	}

	if matched == nil {
		span.AddEvent("failed login attempt")
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "unknown session key")
		return false, nil
	}

	id, err := uuid.Parse(matched.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "configured user has invalid id")
		return false, nil
	}

	span.SetAttributes(
		attribute.String("user.id", matched.ID),
		attribute.String("user.note", matched.Note),
	)
	span.AddEvent("successful login attempt")

	c.Set("user", &AuthedUser{
		ID:        id,
		Note:      matched.Note,
		Unlimited: matched.Unlimited,
	})

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "validated session key")
	return true, nil
}
