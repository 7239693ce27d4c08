// Package inference grades photographed solutions against a generative
// AI backend. Providers are a closed set selected once at startup; all
// failures cross this boundary as *Error with a fixed, user safe Polish
// message, technical detail stays in logs and traces.
package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/omjvalidator/grader-api/internal/config"
	"github.com/omjvalidator/grader-api/internal/types"
)

var tracer = otel.Tracer("github.com/omjvalidator/grader-api/internal/inference")

// Request carries everything needed to grade one submission.
type Request struct {
	TaskPDF     string
	SolutionPDF string // empty when the edition has no published solutions
	Images      []string
	TaskNumber  int
	Stage       types.Stage
}

// Callbacks let the caller surface progress while a streaming call runs.
// Both are optional and must be cheap; they run on the consuming
// goroutine between chunks.
type Callbacks struct {
	// Fired once after all attachments are uploaded, before generation starts.
	OnAttachmentsReady func()
	// Fired for each reasoning text fragment as it arrives.
	OnThinking func(text string)
}

type Provider interface {
	Analyze(ctx context.Context, req Request) (*types.GradeResult, error)
	AnalyzeStream(ctx context.Context, req Request, cb Callbacks) (*types.GradeResult, error)
	Timeout() time.Duration
}

type Kind string

const (
	KindTimeout       Kind = "timeout"
	KindEmptyResponse Kind = "empty_response"
	KindOverloaded    Kind = "overloaded"
	KindRejected      Kind = "rejected"
	KindMisconfigured Kind = "misconfigured"
	KindUnknown       Kind = "unknown"
)

var userMessages = map[Kind]string{
	KindTimeout:       "Analiza trwa zbyt długo. Spróbuj ponownie za chwilę.",
	KindEmptyResponse: "Nie udało się odczytać rozwiązania. Spróbuj ponownie.",
	KindOverloaded:    "System jest obecnie przeciążony. Spróbuj ponownie za kilka minut.",
	KindRejected:      "Nie udało się przetworzyć zdjęcia. Upewnij się, że zdjęcie zawiera tylko rozwiązanie zadania.",
	KindMisconfigured: "Przepraszamy, wystąpił problem techniczny. Spróbuj ponownie później.",
	KindUnknown:       "Przepraszamy, coś poszło nie tak. Spróbuj ponownie za chwilę.",
}

// Error is the only failure type providers return.
type Error struct {
	Cause error
	Kind  Kind
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("inference %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("inference %s", e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// UserMessage is what the student sees. Never includes technical detail.
func (e *Error) UserMessage() string {
	if msg, ok := userMessages[e.Kind]; ok {
		return msg
	}
	return userMessages[KindUnknown]
}

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// UserMessage maps any error leaving the inference boundary to a user
// safe message, defaulting to the unknown-failure text.
func UserMessage(err error) string {
	var infErr *Error
	if errors.As(err, &infErr) {
		return infErr.UserMessage()
	}
	return userMessages[KindUnknown]
}

// New builds the configured provider. The choice is made once at process
// start and never re-resolved per call.
func New(cfg *config.Config) (Provider, error) {
	prompts := NewPromptLibrary(cfg.AI.PromptsDir)

	switch cfg.AI.Provider {
	case "gemini":
		if cfg.AI.Gemini == nil {
			return nil, errors.New("inference: gemini provider selected without gemini config")
		}
		return NewGemini(cfg.AI.Gemini, prompts, cfg.AITimeout()), nil
	case "claude":
		if cfg.AI.Claude == nil {
			return nil, errors.New("inference: claude provider selected without claude config")
		}
		return NewClaude(cfg.AI.Claude, prompts, cfg.AITimeout()), nil
	default:
		return nil, fmt.Errorf("inference: unknown provider %q", cfg.AI.Provider)
	}
}
