package inference_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omjvalidator/grader-api/internal/config"
	"github.com/omjvalidator/grader-api/internal/inference"
	"github.com/omjvalidator/grader-api/internal/types"
)

// fakeBackend mimics the generative language REST surface: resumable
// uploads, file get/delete, and both generate endpoints.
type fakeBackend struct {
	mux *http.ServeMux
	srv *httptest.Server

	mu        sync.Mutex
	uploads   int
	deleted   []string
	generate  func(w http.ResponseWriter, r *http.Request)
	streaming func(w http.ResponseWriter, r *http.Request)
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{mux: http.NewServeMux()}

	b.mux.HandleFunc("/upload/v1beta/files", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.uploads++
		n := b.uploads
		b.mu.Unlock()
		w.Header().Set("X-Goog-Upload-URL", fmt.Sprintf("%s/upload-session/%d", b.srv.URL, n))
		w.WriteHeader(http.StatusOK)
	})

	b.mux.HandleFunc("/upload-session/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/upload-session/")
		w.Header().Set("X-Goog-Upload-Status", "final")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"file": map[string]any{
				"name":  "files/f" + id,
				"state": "ACTIVE",
				"uri":   fmt.Sprintf("%s/v1beta/files/f%s", b.srv.URL, id),
			},
		})
	})

	b.mux.HandleFunc("/v1beta/files/", func(w http.ResponseWriter, r *http.Request) {
		name := "files/" + strings.TrimPrefix(r.URL.Path, "/v1beta/files/")
		if r.Method == http.MethodDelete {
			b.mu.Lock()
			b.deleted = append(b.deleted, name)
			b.mu.Unlock()
			_, _ = w.Write([]byte("{}"))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"name": name, "state": "ACTIVE"})
	})

	b.mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, ":streamGenerateContent") {
			b.streaming(w, r)
			return
		}
		b.generate(w, r)
	})

	b.srv = httptest.NewServer(b.mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) deletedRefs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.deleted...)
}

func chunkJSON(t *testing.T, parts []map[string]any, usage map[string]any) string {
	t.Helper()
	payload := map[string]any{
		"candidates": []any{map[string]any{"content": map[string]any{"parts": parts}}},
	}
	if usage != nil {
		payload["usageMetadata"] = usage
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return string(raw)
}

func writePrompts(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{
		"prompt_base.txt",
		"prompt_abuse.txt",
		"prompt_scoring_etap1.txt",
		"prompt_scoring_etap2.txt",
		"prompt_scoring_etap3.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("instrukcja"), 0o600))
	}
	return dir
}

func testRequest(t *testing.T) inference.Request {
	t.Helper()
	dir := t.TempDir()
	taskPDF := filepath.Join(dir, "zadania.pdf")
	image := filepath.Join(dir, "rozwiazanie.jpg")
	require.NoError(t, os.WriteFile(taskPDF, []byte("%PDF-1.4 zadania"), 0o600))
	require.NoError(t, os.WriteFile(image, []byte("jpeg"), 0o600))

	return inference.Request{
		TaskPDF:    taskPDF,
		Images:     []string{image},
		TaskNumber: 2,
		Stage:      types.StageTwo,
	}
}

func newTestProvider(t *testing.T, backend *fakeBackend) *inference.Gemini {
	t.Helper()
	return inference.NewGemini(
		&config.GeminiConfig{APIKey: "test", Model: "gemini-2.5-flash", BaseURL: backend.srv.URL},
		inference.NewPromptLibrary(writePrompts(t)),
		30*time.Second,
	)
}

func TestGeminiAnalyze(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend(t)
	backend.generate = func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{"content": map[string]any{"parts": []any{
				map[string]any{"text": "Analizuję...", "thought": true},
				map[string]any{"text": `{"score": 4, "feedback": "Prawie dobrze."}`},
			}}}},
			"usageMetadata": map[string]any{
				"promptTokenCount":     1000,
				"candidatesTokenCount": 200,
			},
		})
	}

	provider := newTestProvider(t, backend)
	result, err := provider.Analyze(ctx, testRequest(t))

	require.NoError(t, err)
	assert.Equal(t, 5, result.Score, "raw 4 snaps to 5 for etap2")
	assert.Equal(t, "Prawie dobrze.", result.Feedback)
	require.NotNil(t, result.Meta)
	assert.Equal(t, int64(1000), result.Meta.InputTokens)
	assert.Equal(t, int64(200), result.Meta.OutputTokens)
	assert.Positive(t, result.Meta.CostUSD)

	// the student image is released, the cached task sheet is kept
	assert.Len(t, backend.deletedRefs(), 1)
}

func TestGeminiAnalyzeQuotaMapsToOverloaded(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend(t)
	backend.generate = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"code": 429, "status": "RESOURCE_EXHAUSTED", "message": "quota"}}`))
	}

	provider := newTestProvider(t, backend)
	_, err := provider.Analyze(ctx, testRequest(t))

	var infErr *inference.Error
	require.ErrorAs(t, err, &infErr)
	assert.Equal(t, inference.KindOverloaded, infErr.Kind)
}

func TestGeminiAnalyzeStreamOverloadedBackend(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend(t)
	backend.streaming = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": {"code": 503, "status": "UNAVAILABLE", "message": "overloaded"}}`))
	}

	provider := newTestProvider(t, backend)
	_, err := provider.AnalyzeStream(ctx, testRequest(t), inference.Callbacks{})

	var infErr *inference.Error
	require.ErrorAs(t, err, &infErr)
	assert.Equal(t, inference.KindOverloaded, infErr.Kind)
}

func TestGeminiAnalyzeStream(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend(t)
	backend.streaming = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			chunkJSON(t, []map[string]any{{"text": "**Czytam zadanie**\n", "thought": true}}, nil),
			chunkJSON(t, []map[string]any{{"text": "**Oceniam**\n", "thought": true}}, nil),
			chunkJSON(t, []map[string]any{{"text": `{"score": 2, "feedback":`}}, nil),
			chunkJSON(t, []map[string]any{{"text": ` "Częściowe rozwiązanie."}`}}, map[string]any{
				"promptTokenCount":     500,
				"candidatesTokenCount": 100,
			}),
		}
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
	}

	var thinking strings.Builder
	attachmentsReady := false

	provider := newTestProvider(t, backend)
	result, err := provider.AnalyzeStream(ctx, testRequest(t), inference.Callbacks{
		OnAttachmentsReady: func() { attachmentsReady = true },
		OnThinking:         func(text string) { thinking.WriteString(text) },
	})

	require.NoError(t, err)
	assert.True(t, attachmentsReady)
	assert.Contains(t, thinking.String(), "**Czytam zadanie**")
	assert.Contains(t, thinking.String(), "**Oceniam**")
	assert.Equal(t, 2, result.Score)
	assert.Equal(t, "Częściowe rozwiązanie.", result.Feedback)
	require.NotNil(t, result.Meta)
	assert.Equal(t, int64(500), result.Meta.InputTokens)
	assert.Contains(t, result.Meta.Thinking, "Oceniam")
}

func TestGeminiAnalyzeStreamEmptyAnswer(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend(t)
	backend.streaming = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunk := chunkJSON(t, []map[string]any{{"text": "myślę...", "thought": true}}, nil)
		fmt.Fprintf(w, "data: %s\n\n", chunk)
	}

	provider := newTestProvider(t, backend)
	_, err := provider.AnalyzeStream(ctx, testRequest(t), inference.Callbacks{})

	var infErr *inference.Error
	require.ErrorAs(t, err, &infErr)
	assert.Equal(t, inference.KindEmptyResponse, infErr.Kind)
}
