package models

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/omjvalidator/grader-api/internal/config"
)

// User is the persisted identity for configured session keys. The
// session key itself never lands in the database, it lives only in
// config and is compared in the auth middleware.
type User struct {
	Note string // nonsensitive, safe to log
	Model
	Unlimited bool
}

func (User) TableName() string {
	return "users"
}

func (u User) GetID() uuid.UUID {
	return u.ID
}

// Config is the authoritative user list. Rows are upserted so window
// counters and submissions always have a user to reference; removing a
// user from config revokes access without deleting their history.
func LoadUsersFromConfig(ctx context.Context, db *gorm.DB, users []config.User) error {
	ctx, span := tracer.Start(ctx, "LoadUsersFromConfig")
	defer span.End()

	db = db.WithContext(ctx)

	if len(users) == 0 {
		span.AddEvent("no users defined in config")
		return nil
	}

	toUpsert := make([]*User, len(users))
	for i, user := range users {
		id, err := uuid.Parse(user.ID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid user id in config")
			span.SetAttributes(attribute.String("failedUser", user.Note))
			return fmt.Errorf("invalid user id in config for %q: %w", user.Note, err)
		}

		toUpsert[i] = &User{
			Model:     Model{ID: id},
			Note:      user.Note,
			Unlimited: user.Unlimited,
		}
	}

	span.AddEvent("upserting configured users")
	result := db.Clauses(clause.OnConflict{UpdateAll: true}).Create(toUpsert)
	if result.Error != nil {
		span.RecordError(result.Error)
		span.SetStatus(codes.Error, "failed to upsert configured users")
		return fmt.Errorf("failed to upsert configured users: %w", result.Error)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "upserted configured users")
	return nil
}
