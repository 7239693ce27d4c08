package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/omjvalidator/grader-api/internal/config"
	"github.com/omjvalidator/grader-api/internal/parse"
	"github.com/omjvalidator/grader-api/internal/types"
)

var _ Provider = (*Claude)(nil)

// Claude shells out to the claude CLI in print mode. The CLI reads the
// attached files from disk itself, so there is no upload phase and no
// reasoning stream; AnalyzeStream degrades to a batch call.
type Claude struct {
	cfg     *config.ClaudeConfig
	prompts *PromptLibrary
	timeout time.Duration
}

func NewClaude(
	cfg *config.ClaudeConfig,
	prompts *PromptLibrary,
	timeout time.Duration,
) *Claude {
	return &Claude{cfg: cfg, prompts: prompts, timeout: timeout}
}

func (c *Claude) Timeout() time.Duration {
	return c.timeout
}

// cliResult is the envelope `claude --print --output-format json` emits.
type cliResult struct {
	Result  string `json:"result"`
	Content string `json:"content"`
}

func (c *Claude) instruction(req Request) (string, error) {
	prompt, err := c.prompts.Build(req.Stage)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(prompt)
	fmt.Fprintf(&b, "\n\n## Zadanie %d\n", req.TaskNumber)
	b.WriteString("Przeczytaj poniższe pliki.\n\n")
	fmt.Fprintf(&b, "- Treść zadania (PDF): %s\n", req.TaskPDF)
	if req.SolutionPDF != "" {
		fmt.Fprintf(
			&b,
			"- Oficjalne rozwiązanie (TYLKO do weryfikacji, NIE pokazuj uczniowi): %s\n",
			req.SolutionPDF,
		)
	}
	for i, img := range req.Images {
		fmt.Fprintf(&b, "- Zdjęcie %d: %s\n", i+1, img)
	}
	b.WriteString("\nPo przeczytaniu wszystkich plików, oceń rozwiązanie i odpowiedz w formacie JSON.")

	return b.String(), nil
}

func (c *Claude) Analyze(ctx context.Context, req Request) (*types.GradeResult, error) {
	ctx, span := tracer.Start(ctx, "Claude.Analyze", trace.WithAttributes(
		attribute.String("model", c.cfg.Model),
		attribute.String("stage", string(req.Stage)),
		attribute.Int("task", req.TaskNumber),
	))
	defer span.End()

	start := time.Now()

	instruction, err := c.instruction(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build instruction")
		return nil, newError(KindUnknown, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := []string{
		"--print",
		"--output-format", "json",
		"--model", c.cfg.Model,
		"--allowedTools", "Read(**/*)",
	}
	for _, dir := range attachmentDirs(req) {
		args = append(args, "--add-dir", dir)
	}

	cmd := exec.CommandContext(ctx, c.cfg.Binary, args...)
	cmd.Stdin = strings.NewReader(instruction)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cli run failed")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newError(KindTimeout, err)
		}
		return nil, newError(
			KindUnknown,
			fmt.Errorf("claude cli: %w: %s", err, strings.TrimSpace(stderr.String())),
		)
	}

	var envelope cliResult
	response := stdout.String()
	if err := json.Unmarshal(stdout.Bytes(), &envelope); err == nil {
		if envelope.Result != "" {
			response = envelope.Result
		} else if envelope.Content != "" {
			response = envelope.Content
		}
	}

	if strings.TrimSpace(response) == "" {
		span.SetStatus(codes.Error, "empty cli output")
		return nil, newError(KindEmptyResponse, errors.New("claude cli produced no output"))
	}

	result := parse.Response(response, req.Stage, "Claude")
	result.Meta = &types.GradeMeta{
		Provider:  "claude",
		Model:     c.cfg.Model,
		ElapsedMS: time.Since(start).Milliseconds(),
	}

	span.SetStatus(codes.Ok, "graded submission")
	return &result, nil
}

// AnalyzeStream cannot stream reasoning from the CLI; it signals the
// attachment phase (a no-op here) and falls back to Analyze.
func (c *Claude) AnalyzeStream(
	ctx context.Context,
	req Request,
	cb Callbacks,
) (*types.GradeResult, error) {
	if cb.OnAttachmentsReady != nil {
		cb.OnAttachmentsReady()
	}
	return c.Analyze(ctx, req)
}

func attachmentDirs(req Request) []string {
	seen := make(map[string]struct{})
	var dirs []string

	add := func(path string) {
		if path == "" {
			return
		}
		dir := filepath.Dir(path)
		if _, ok := seen[dir]; ok {
			return
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}

	add(req.TaskPDF)
	add(req.SolutionPDF)
	for _, img := range req.Images {
		add(img)
	}
	return dirs
}
