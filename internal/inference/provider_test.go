package inference

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omjvalidator/grader-api/internal/config"
	"github.com/omjvalidator/grader-api/internal/types"
)

func testGemini(t *testing.T) *Gemini {
	t.Helper()
	return NewGemini(
		&config.GeminiConfig{APIKey: "k", Model: "gemini-2.5-flash", BaseURL: "http://localhost"},
		NewPromptLibrary(t.TempDir()),
		time.Minute,
	)
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	g := testGemini(t)

	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{
			name: "quota status",
			err:  &httpStatusError{status: http.StatusTooManyRequests, apiCode: "RESOURCE_EXHAUSTED"},
			want: KindOverloaded,
		},
		{
			name: "unauthenticated",
			err:  &httpStatusError{status: http.StatusUnauthorized, apiCode: "UNAUTHENTICATED"},
			want: KindMisconfigured,
		},
		{
			name: "service unavailable",
			err:  &httpStatusError{status: http.StatusServiceUnavailable},
			want: KindOverloaded,
		},
		{
			name: "quota keyword",
			err:  errors.New("quota exceeded for requests per day"),
			want: KindOverloaded,
		},
		{
			name: "invalid key keyword",
			err:  errors.New("API key invalid"),
			want: KindMisconfigured,
		},
		{
			name: "safety keyword",
			err:  errors.New("response blocked by safety settings"),
			want: KindRejected,
		},
		{
			name: "anything else",
			err:  errors.New("mystery failure"),
			want: KindUnknown,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			classified := g.classify(ctx, c.err)

			var infErr *Error
			require.ErrorAs(t, classified, &infErr)
			assert.Equal(t, c.want, infErr.Kind)
		})
	}

	t.Run("deadline", func(t *testing.T) {
		expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
		defer cancel()

		classified := g.classify(expired, errors.New("request aborted"))

		var infErr *Error
		require.ErrorAs(t, classified, &infErr)
		assert.Equal(t, KindTimeout, infErr.Kind)
	})

	t.Run("already classified passes through", func(t *testing.T) {
		original := newError(KindEmptyResponse, errors.New("empty"))

		classified := g.classify(ctx, original)

		assert.Same(t, original, classified)
	})
}

func TestUserMessage(t *testing.T) {
	assert.Equal(
		t,
		"Analiza trwa zbyt długo. Spróbuj ponownie za chwilę.",
		UserMessage(newError(KindTimeout, nil)),
	)
	assert.Equal(
		t,
		"System jest obecnie przeciążony. Spróbuj ponownie za kilka minut.",
		UserMessage(newError(KindOverloaded, nil)),
	)
	assert.Equal(
		t,
		userMessages[KindUnknown],
		UserMessage(errors.New("not an inference error")),
	)
}

func TestEstimateCost(t *testing.T) {
	assert.InDelta(t, 1.25+10.00, EstimateCost("gemini-2.5-pro", 1_000_000, 1_000_000), 1e-9)
	assert.InDelta(t, 0.10+0.40, EstimateCost("never-heard-of-it", 1_000_000, 1_000_000), 1e-9)
	assert.Zero(t, EstimateCost("gemini-2.5-pro", 0, 0))
}

func TestPromptLibrary(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	write(basePromptFile, "BAZA")
	write(abusePromptFile, "NADUZYCIA")
	write(scoringPromptFiles[types.StageOne], "OCENA-E1")
	write(scoringPromptFiles[types.StageTwo], "OCENA-E2")
	write(scoringPromptFiles[types.StageThree], "OCENA-E3")

	lib := NewPromptLibrary(dir)

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, lib.Validate())
	})

	t.Run("BuildOrder", func(t *testing.T) {
		prompt, err := lib.Build(types.StageOne)

		require.NoError(t, err)
		assert.Equal(t, "BAZA\n\nOCENA-E1\n\nNADUZYCIA", prompt)
	})

	t.Run("UnknownStageFallsBackToStageTwo", func(t *testing.T) {
		prompt, err := lib.Build(types.Stage("etap9"))

		require.NoError(t, err)
		assert.Contains(t, prompt, "OCENA-E2")
	})
}

func TestInstruction(t *testing.T) {
	req := Request{
		TaskPDF:     "/content/zadania.pdf",
		SolutionPDF: "/content/rozwiazania.pdf",
		Images:      []string{"/tmp/a.jpg", "/tmp/b.jpg"},
		TaskNumber:  3,
		Stage:       types.StageTwo,
	}

	text := Instruction("PROMPT", req)

	assert.Contains(t, text, "PROMPT")
	assert.Contains(t, text, "## Zadanie 3")
	assert.Contains(t, text, "Znajdź 'Zadanie 3.'")
	assert.Contains(t, text, "NIE pokazuj uczniowi")
	assert.Contains(t, text, "Zdjęcie 1:")
	assert.Contains(t, text, "Zdjęcie 2:")
	assert.Contains(t, text, "WYŁĄCZNIE w formacie JSON")

	t.Run("NoSolutionSheet", func(t *testing.T) {
		req := req
		req.SolutionPDF = ""

		assert.NotContains(t, Instruction("PROMPT", req), "Oficjalne rozwiązanie")
	})
}
