// Package progress fans grading status out to at most one live
// subscriber per submission, and remembers the terminal payload so a
// late joiner still gets its result.
package progress

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/omjvalidator/grader-api/internal/logger"
)

var tracer = otel.Tracer("github.com/omjvalidator/grader-api/internal/progress")

// InitialStatus is shown from the moment a submission is accepted until
// the pipeline reports anything better.
const InitialStatus = "Przesyłanie..."

// DefaultMaxAge bounds how long an entry may exist regardless of state,
// so abandoned submissions cannot leak entries.
const DefaultMaxAge = 10 * time.Minute

// Reasoning text marks sections with **heading** markers; the most
// recent one doubles as a human readable status line. Heuristic, coupled
// to the backend's reasoning format.
var headingPattern = regexp.MustCompile(`\*\*([^*]+)\*\*`)

// Subscriber delivers messages to one connected client.
type Subscriber interface {
	Send(msg Message) error
}

// Translator converts English headings for display. Implemented by
// translate.Client; failures must return the input.
type Translator interface {
	ToPolish(ctx context.Context, text string) string
}

type entry struct {
	subscriber  Subscriber
	final       *Message
	status      string
	thinking    strings.Builder
	lastHeading string
	createdAt   time.Time
	terminal    bool
}

// Hub owns the per-submission entry table. The mutex guards the table
// and entry mutation only; subscriber sends and translation calls happen
// outside it so one slow client cannot stall unrelated submissions.
type Hub struct {
	translator Translator
	now        func() time.Time
	entries    map[string]*entry
	maxAge     time.Duration
	mu         sync.Mutex
}

func NewHub(translator Translator) *Hub {
	return &Hub{
		translator: translator,
		now:        time.Now,
		entries:    make(map[string]*entry),
		maxAge:     DefaultMaxAge,
	}
}

func (h *Hub) getOrCreate(id string) *entry {
	e, ok := h.entries[id]
	if !ok {
		e = &entry{status: InitialStatus, createdAt: h.now()}
		h.entries[id] = e
	}
	return e
}

// Create registers a submission. Idempotent; a subscriber may have
// already raced the pipeline here.
func (h *Hub) Create(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.getOrCreate(id)
}

// Connect attaches the live subscriber and replays the current status
// plus, when already terminal, the final payload. A second connect for
// the same submission replaces the previous subscriber; reconnects after
// a dropped link are expected and must not conflict.
func (h *Hub) Connect(ctx context.Context, id string, sub Subscriber) {
	ctx, span := tracer.Start(ctx, "Hub.Connect", trace.WithAttributes(
		attribute.String("submission", id),
	))
	defer span.End()

	h.mu.Lock()
	e := h.getOrCreate(id)
	e.subscriber = sub
	status := e.status
	var final *Message
	if e.terminal && e.final != nil {
		f := *e.final
		final = &f
	}
	h.mu.Unlock()

	h.deliver(ctx, id, sub, StatusMessage(status))
	if final != nil {
		span.AddEvent("replaying terminal payload")
		h.deliver(ctx, id, sub, *final)
	}

	span.SetStatus(codes.Ok, "subscriber connected")
}

// Disconnect clears the subscriber but keeps the entry so a reconnect
// can resume. Only the currently attached subscriber is cleared; a stale
// connection closing after a takeover must not detach its successor.
func (h *Hub) Disconnect(id string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e, ok := h.entries[id]; ok && e.subscriber == sub {
		e.subscriber = nil
	}
}

// PushStatus records text as the submission's current status line and
// delivers it to the subscriber if one is attached. Only the latest
// status survives for late joiners.
func (h *Hub) PushStatus(ctx context.Context, id, text string) {
	h.mu.Lock()
	e, ok := h.entries[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	e.status = text
	sub := e.subscriber
	h.mu.Unlock()

	if sub != nil {
		h.deliver(ctx, id, sub, StatusMessage(text))
	}
}

// PushThinking appends a reasoning fragment and, when the most recent
// heading changed, promotes the translated heading to a status update.
func (h *Hub) PushThinking(ctx context.Context, id, text string) {
	h.mu.Lock()
	e, ok := h.entries[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	e.thinking.WriteString(text)

	heading := lastHeading(e.thinking.String())
	changed := heading != "" && heading != e.lastHeading
	if changed {
		e.lastHeading = heading
	}
	h.mu.Unlock()

	if !changed {
		return
	}

	status := heading
	if h.translator != nil {
		status = h.translator.ToPolish(ctx, heading)
	}
	h.PushStatus(ctx, id, status)
}

// Complete marks the submission done and delivers the result.
func (h *Hub) Complete(ctx context.Context, id string, score int, feedback string) {
	h.finish(ctx, id, CompletedMessage(score, feedback))
}

// Fail marks the submission failed and delivers the user facing error.
func (h *Hub) Fail(ctx context.Context, id, errText string) {
	h.finish(ctx, id, ErrorMessage(errText))
}

func (h *Hub) finish(ctx context.Context, id string, final Message) {
	ctx, span := tracer.Start(ctx, "Hub.finish", trace.WithAttributes(
		attribute.String("submission", id),
		attribute.String("type", string(final.Type)),
	))
	defer span.End()

	h.mu.Lock()
	e := h.getOrCreate(id)
	e.terminal = true
	e.final = &final
	sub := e.subscriber
	h.mu.Unlock()

	if sub != nil {
		h.deliver(ctx, id, sub, final)
	}

	span.SetStatus(codes.Ok, "submission finished")
}

// Sweep drops entries that are terminal with nobody listening, and any
// entry older than the max age regardless of state.
func (h *Hub) Sweep(ctx context.Context) int {
	_, span := tracer.Start(ctx, "Hub.Sweep")
	defer span.End()

	now := h.now()

	h.mu.Lock()
	removed := 0
	for id, e := range h.entries {
		expired := now.Sub(e.createdAt) > h.maxAge
		if (e.terminal && e.subscriber == nil) || expired {
			delete(h.entries, id)
			removed++
		}
	}
	remaining := len(h.entries)
	h.mu.Unlock()

	span.AddEvent("swept", trace.WithAttributes(
		attribute.Int("removed", removed),
		attribute.Int("remaining", remaining),
	))
	span.SetStatus(codes.Ok, "swept entries")
	return removed
}

// Len reports live entry count, for observability.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// deliver sends outside the lock. A failed send detaches the subscriber
// so a dead connection stops receiving attempts.
func (h *Hub) deliver(ctx context.Context, id string, sub Subscriber, msg Message) {
	if err := sub.Send(msg); err != nil {
		logger.Logger.DebugContext(
			ctx,
			"dropping unreachable subscriber",
			"submission", id,
			"error", err,
		)
		h.Disconnect(id, sub)
	}
}

func lastHeading(text string) string {
	matches := headingPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return ""
	}
	return strings.TrimSpace(matches[len(matches)-1][1])
}
