// Package admission decides whether a new submission may enter the
// grading pipeline, enforcing rolling 24 hour ceilings per user and
// globally. It runs before any storage or inference quota is committed
// and has no side effects on denial.
package admission

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/omjvalidator/grader-api/internal/admission")

const Window = 24 * time.Hour

type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeGlobal Scope = "global"
)

// CounterStore reads rolling window submission counts from persistence.
// The oldest timestamp in the window is used to compute when capacity
// frees up; it is meaningless when the count is zero.
type CounterStore interface {
	UserWindow(ctx context.Context, userID string, since time.Time) (int64, time.Time, error)
	GlobalWindow(ctx context.Context, since time.Time) (int64, time.Time, error)
}

// Decision carries everything the HTTP layer needs to emit rate limit
// headers on a denial.
type Decision struct {
	RetryAfter time.Duration
	Scope      Scope
	Limit      int64
	Count      int64
	Allowed    bool
}

type Gate struct {
	store       CounterStore
	userLimit   int64
	globalLimit int64
	unlimited   map[string]struct{}
}

func NewGate(store CounterStore, userLimit, globalLimit int64, unlimitedUserIDs []string) *Gate {
	unlimited := make(map[string]struct{}, len(unlimitedUserIDs))
	for _, id := range unlimitedUserIDs {
		unlimited[id] = struct{}{}
	}
	return &Gate{
		store:       store,
		userLimit:   userLimit,
		globalLimit: globalLimit,
		unlimited:   unlimited,
	}
}

// Check evaluates both ceilings for the acting user. Allow-listed users
// bypass both; a zero ceiling disables that ceiling. The first exceeded
// ceiling wins, user before global.
func (g *Gate) Check(ctx context.Context, userID string, now time.Time) (Decision, error) {
	ctx, span := tracer.Start(ctx, "Gate.Check", trace.WithAttributes(
		attribute.String("user", userID),
	))
	defer span.End()

	if _, ok := g.unlimited[userID]; ok {
		span.AddEvent("allow-listed user bypasses ceilings")
		span.SetStatus(codes.Ok, "allowed")
		return Decision{Allowed: true}, nil
	}

	since := now.Add(-Window)

	if g.userLimit > 0 {
		count, oldest, err := g.store.UserWindow(ctx, userID, since)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to read user window")
			return Decision{}, err
		}
		if count >= g.userLimit {
			span.AddEvent("user ceiling reached", trace.WithAttributes(
				attribute.Int64("count", count),
				attribute.Int64("limit", g.userLimit),
			))
			span.SetStatus(codes.Ok, "denied")
			return denial(ScopeUser, g.userLimit, count, oldest, now), nil
		}
	}

	if g.globalLimit > 0 {
		count, oldest, err := g.store.GlobalWindow(ctx, since)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to read global window")
			return Decision{}, err
		}
		if count >= g.globalLimit {
			span.AddEvent("global ceiling reached", trace.WithAttributes(
				attribute.Int64("count", count),
				attribute.Int64("limit", g.globalLimit),
			))
			span.SetStatus(codes.Ok, "denied")
			return denial(ScopeGlobal, g.globalLimit, count, oldest, now), nil
		}
	}

	span.SetStatus(codes.Ok, "allowed")
	return Decision{Allowed: true}, nil
}

// denial computes when the oldest submission in the window ages out,
// floored at one second so clients never retry immediately.
func denial(scope Scope, limit, count int64, oldest, now time.Time) Decision {
	retryAfter := oldest.Add(Window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Decision{
		Scope:      scope,
		Limit:      limit,
		Count:      count,
		RetryAfter: retryAfter,
	}
}
