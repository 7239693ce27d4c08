package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/omjvalidator/grader-api/internal/config"
	"github.com/omjvalidator/grader-api/internal/filecache"
	"github.com/omjvalidator/grader-api/internal/logger"
	"github.com/omjvalidator/grader-api/internal/parse"
	"github.com/omjvalidator/grader-api/internal/types"
)

var _ Provider = (*Gemini)(nil)

// Gemini talks to the Generative Language REST API (v1beta): resumable
// file uploads, blocking generateContent, and SSE streaming.
type Gemini struct {
	cfg     *config.GeminiConfig
	http    *retryablehttp.Client
	prompts *PromptLibrary
	cache   *filecache.Cache
	timeout time.Duration
}

func NewGemini(
	cfg *config.GeminiConfig,
	prompts *PromptLibrary,
	timeout time.Duration,
) *Gemini {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil
	// Hand back the final 429/5xx response after retries run out so the
	// status code still reaches error classification.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	g := &Gemini{
		cfg:     cfg,
		http:    client,
		prompts: prompts,
		timeout: timeout,
	}
	g.cache = filecache.New(g, filecache.DefaultTTL)
	return g
}

func (g *Gemini) Timeout() time.Duration {
	return g.timeout
}

// Generation wire types.
type geminiPart struct {
	FileData *geminiFileData `json:"fileData,omitempty"`
	Text     string          `json:"text,omitempty"`
	Thought  bool            `json:"thought,omitempty"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiThinkingConfig struct {
	ThinkingLevel   string `json:"thinkingLevel,omitempty"`
	ThinkingBudget  int    `json:"thinkingBudget,omitempty"`
	IncludeThoughts bool   `json:"includeThoughts"`
}

type geminiGenerationConfig struct {
	ThinkingConfig *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiGenerateRequest struct {
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Contents         []geminiContent         `json:"contents"`
}

type geminiCandidate struct {
	Content      *geminiContent `json:"content"`
	FinishReason string         `json:"finishReason,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type geminiGenerateResponse struct {
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  *geminiUsage          `json:"usageMetadata,omitempty"`
	Candidates     []geminiCandidate     `json:"candidates,omitempty"`
}

// thinkingConfig keys off the model generation: 3.x takes a level and
// cannot disable thinking, 2.x takes a token budget.
func (g *Gemini) thinkingConfig() *geminiThinkingConfig {
	if strings.Contains(strings.ToLower(g.cfg.Model), "gemini-3") {
		return &geminiThinkingConfig{IncludeThoughts: true, ThinkingLevel: "high"}
	}
	return &geminiThinkingConfig{IncludeThoughts: true, ThinkingBudget: 8192}
}

type attachment struct {
	path      string
	mimeType  string
	cacheable bool
}

func (r Request) attachments() []attachment {
	jobs := []attachment{{path: r.TaskPDF, mimeType: "application/pdf", cacheable: true}}
	if r.SolutionPDF != "" {
		jobs = append(jobs, attachment{
			path:      r.SolutionPDF,
			mimeType:  "application/pdf",
			cacheable: true,
		})
	}
	for _, img := range r.Images {
		jobs = append(jobs, attachment{path: img, mimeType: mimeForPath(img), cacheable: false})
	}
	return jobs
}

// uploadAttachments fans the uploads out in parallel and preserves
// attachment order in the returned parts.
func (g *Gemini) uploadAttachments(
	ctx context.Context,
	req Request,
) ([]geminiPart, []string, error) {
	ctx, span := tracer.Start(ctx, "Gemini.uploadAttachments")
	defer span.End()

	jobs := req.attachments()
	refs := make([]string, len(jobs))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, job := range jobs {
		group.Go(func() error {
			ref, err := g.cache.GetOrUpload(groupCtx, job.path, job.mimeType, job.cacheable)
			if err != nil {
				return fmt.Errorf("uploading %s: %w", job.path, err)
			}
			refs[i] = ref
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "attachment upload failed")
		return nil, nil, err
	}

	parts := make([]geminiPart, len(jobs))
	for i, job := range jobs {
		parts[i] = geminiPart{
			FileData: &geminiFileData{MimeType: job.mimeType, FileURI: g.fileURI(refs[i])},
		}
	}

	span.AddEvent("attachments uploaded", trace.WithAttributes(attribute.Int("count", len(jobs))))
	span.SetStatus(codes.Ok, "uploaded attachments")
	return parts, refs, nil
}

func (g *Gemini) buildRequest(req Request, fileParts []geminiPart) (*geminiGenerateRequest, error) {
	prompt, err := g.prompts.Build(req.Stage)
	if err != nil {
		return nil, err
	}

	parts := make([]geminiPart, 0, len(fileParts)+1)
	parts = append(parts, geminiPart{Text: Instruction(prompt, req)})
	parts = append(parts, fileParts...)

	return &geminiGenerateRequest{
		Contents:         []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{ThinkingConfig: g.thinkingConfig()},
	}, nil
}

func (g *Gemini) Analyze(ctx context.Context, req Request) (*types.GradeResult, error) {
	ctx, span := tracer.Start(ctx, "Gemini.Analyze", trace.WithAttributes(
		attribute.String("model", g.cfg.Model),
		attribute.String("stage", string(req.Stage)),
		attribute.Int("task", req.TaskNumber),
		attribute.Int("images", len(req.Images)),
	))
	defer span.End()

	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	fileParts, refs, err := g.uploadAttachments(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload attachments")
		return nil, g.classify(ctx, err)
	}
	// per-submission images must not outlive the call
	defer g.cache.Release(context.WithoutCancel(ctx), refs)

	genReq, err := g.buildRequest(req, fileParts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build request")
		return nil, g.classify(ctx, err)
	}

	body, err := json.Marshal(genReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode request")
		return nil, g.classify(ctx, err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(
		ctx,
		http.MethodPost,
		fmt.Sprintf(
			"%s/v1beta/models/%s:generateContent?key=%s",
			g.cfg.BaseURL, g.cfg.Model, g.cfg.APIKey,
		),
		bytes.NewReader(body),
	)
	if err != nil {
		span.RecordError(err)
		return nil, g.classify(ctx, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate request failed")
		return nil, g.classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := g.apiError(resp)
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate request rejected")
		return nil, g.classify(ctx, err)
	}

	var genResp geminiGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode response")
		return nil, g.classify(ctx, err)
	}

	if reason := blockReason(&genResp); reason != "" {
		err := fmt.Errorf("generation blocked: %s", reason)
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation blocked")
		return nil, newError(KindRejected, err)
	}

	answer, thinking := splitParts(&genResp)
	if answer == "" {
		span.SetStatus(codes.Error, "empty response text")
		return nil, newError(KindEmptyResponse, errors.New("no answer text in response"))
	}

	result := parse.Response(answer, req.Stage, "Gemini")
	result.Meta = g.buildMeta(genResp.UsageMetadata, thinking, time.Since(start))

	span.SetStatus(codes.Ok, "graded submission")
	return &result, nil
}

func (g *Gemini) AnalyzeStream(
	ctx context.Context,
	req Request,
	cb Callbacks,
) (*types.GradeResult, error) {
	ctx, span := tracer.Start(ctx, "Gemini.AnalyzeStream", trace.WithAttributes(
		attribute.String("model", g.cfg.Model),
		attribute.String("stage", string(req.Stage)),
		attribute.Int("task", req.TaskNumber),
		attribute.Int("images", len(req.Images)),
	))
	defer span.End()

	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	fileParts, refs, err := g.uploadAttachments(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload attachments")
		return nil, g.classify(ctx, err)
	}
	defer g.cache.Release(context.WithoutCancel(ctx), refs)

	if cb.OnAttachmentsReady != nil {
		cb.OnAttachmentsReady()
	}

	genReq, err := g.buildRequest(req, fileParts)
	if err != nil {
		span.RecordError(err)
		return nil, g.classify(ctx, err)
	}

	b := newBridge[geminiGenerateResponse]()
	go b.run(g.openStream(ctx, genReq))
	defer func() {
		cancel()
		b.stop(ctx)
	}()

	if err := b.awaitStart(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream never connected")
		return nil, g.classify(ctx, err)
	}
	span.AddEvent("stream opened")

	var answer, thinking strings.Builder
	var usage *geminiUsage
	chunks := 0

	for {
		chunk, ok, err := b.receive(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream failed")
			return nil, g.classify(ctx, err)
		}
		if !ok {
			break
		}

		chunks++
		if chunk.UsageMetadata != nil {
			usage = chunk.UsageMetadata
		}
		if reason := blockReason(&chunk); reason != "" {
			err := fmt.Errorf("generation blocked: %s", reason)
			span.RecordError(err)
			span.SetStatus(codes.Error, "generation blocked")
			return nil, newError(KindRejected, err)
		}

		chunkAnswer, chunkThinking := splitParts(&chunk)
		if chunkThinking != "" {
			thinking.WriteString(chunkThinking)
			if cb.OnThinking != nil {
				cb.OnThinking(chunkThinking)
			}
		}
		if chunkAnswer != "" {
			answer.WriteString(chunkAnswer)
		}
	}

	span.AddEvent("stream finished", trace.WithAttributes(
		attribute.Int("chunks", chunks),
		attribute.Int("thinking_chars", thinking.Len()),
		attribute.Int("answer_chars", answer.Len()),
	))

	if answer.Len() == 0 {
		span.SetStatus(codes.Error, "empty answer from stream")
		return nil, newError(KindEmptyResponse, errors.New("stream yielded no answer text"))
	}

	result := parse.Response(answer.String(), req.Stage, "Gemini")
	result.Meta = g.buildMeta(usage, thinking.String(), time.Since(start))

	span.SetStatus(codes.Ok, "graded submission from stream")
	return &result, nil
}

// openStream returns the bridge opener: it issues the SSE request and
// hands back an iterator over decoded chunks. The iterator owns the
// response body and closes it when it stops.
func (g *Gemini) openStream(
	ctx context.Context,
	genReq *geminiGenerateRequest,
) func() (func() (geminiGenerateResponse, error), error) {
	return func() (func() (geminiGenerateResponse, error), error) {
		body, err := json.Marshal(genReq)
		if err != nil {
			return nil, err
		}

		httpReq, err := retryablehttp.NewRequestWithContext(
			ctx,
			http.MethodPost,
			fmt.Sprintf(
				"%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
				g.cfg.BaseURL, g.cfg.Model, g.cfg.APIKey,
			),
			bytes.NewReader(body),
		)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := g.http.Do(httpReq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return nil, g.apiError(resp)
		}

		reader := bufio.NewReader(resp.Body)
		return func() (geminiGenerateResponse, error) {
			for {
				line, err := reader.ReadString('\n')
				if err != nil {
					resp.Body.Close()
					if errors.Is(err, io.EOF) && strings.TrimSpace(line) == "" {
						return geminiGenerateResponse{}, io.EOF
					}
					if errors.Is(err, io.EOF) {
						// fall through to decode a final unterminated line
					} else {
						return geminiGenerateResponse{}, err
					}
				}

				payload, found := strings.CutPrefix(strings.TrimSpace(line), "data: ")
				if !found {
					if err != nil {
						return geminiGenerateResponse{}, io.EOF
					}
					continue
				}

				var chunk geminiGenerateResponse
				if decodeErr := json.Unmarshal([]byte(payload), &chunk); decodeErr != nil {
					resp.Body.Close()
					return geminiGenerateResponse{}, fmt.Errorf("decoding stream chunk: %w", decodeErr)
				}
				return chunk, nil
			}
		}, nil
	}
}

func blockReason(resp *geminiGenerateResponse) string {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return resp.PromptFeedback.BlockReason
	}
	for _, candidate := range resp.Candidates {
		if candidate.FinishReason == "SAFETY" {
			return "SAFETY"
		}
	}
	return ""
}

// splitParts separates answer text from reasoning text in a response.
func splitParts(resp *geminiGenerateResponse) (answer, thinking string) {
	var answerBuf, thinkingBuf strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.Text == "" {
				continue
			}
			if part.Thought {
				thinkingBuf.WriteString(part.Text)
			} else {
				answerBuf.WriteString(part.Text)
			}
		}
	}
	return answerBuf.String(), thinkingBuf.String()
}

func (g *Gemini) buildMeta(
	usage *geminiUsage,
	thinking string,
	elapsed time.Duration,
) *types.GradeMeta {
	meta := &types.GradeMeta{
		Provider:  "gemini",
		Model:     g.cfg.Model,
		ElapsedMS: elapsed.Milliseconds(),
		Thinking:  thinking,
	}
	if usage != nil {
		meta.InputTokens = usage.PromptTokenCount
		meta.OutputTokens = usage.CandidatesTokenCount
		meta.CostUSD = EstimateCost(g.cfg.Model, meta.InputTokens, meta.OutputTokens)
	}
	return meta
}

// classify maps a low level failure to the closed error taxonomy. An
// already classified error passes through untouched.
func (g *Gemini) classify(ctx context.Context, err error) error {
	var infErr *Error
	if errors.As(err, &infErr) {
		return infErr
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newError(KindTimeout, err)
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.status == http.StatusTooManyRequests,
			statusErr.apiCode == "RESOURCE_EXHAUSTED":
			return newError(KindOverloaded, err)
		case statusErr.status == http.StatusUnauthorized,
			statusErr.status == http.StatusForbidden,
			statusErr.apiCode == "UNAUTHENTICATED":
			return newError(KindMisconfigured, err)
		case statusErr.status == http.StatusServiceUnavailable:
			return newError(KindOverloaded, err)
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota"):
		return newError(KindOverloaded, err)
	case strings.Contains(msg, "invalid") && strings.Contains(msg, "key"):
		return newError(KindMisconfigured, err)
	case strings.Contains(msg, "safety") || strings.Contains(msg, "blocked"):
		return newError(KindRejected, err)
	}

	logger.Logger.ErrorContext(ctx, "unclassified inference failure", "error", err)
	return newError(KindUnknown, err)
}
