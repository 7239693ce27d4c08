// Package translate turns the backend's English status headings into
// Polish via the Cloud Translation v2 REST API. Translation is a UI
// nicety: every failure path falls back to the original text.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/omjvalidator/grader-api/internal/logger"
)

var tracer = otel.Tracer("github.com/omjvalidator/grader-api/internal/translate")

const (
	defaultBaseURL = "https://translation.googleapis.com"
	// Status lines are short; a slow translation must never hold up a
	// progress push.
	requestTimeout = 3 * time.Second
)

type Client struct {
	http    *retryablehttp.Client
	baseURL string
	apiKey  string
	enabled bool
}

func New(apiKey string, enabled bool) *Client {
	return NewWithBaseURL(apiKey, enabled, defaultBaseURL)
}

func NewWithBaseURL(apiKey string, enabled bool, baseURL string) *Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 1
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 500 * time.Millisecond
	client.Logger = nil
	// Keep the final response after retries run out; the status check
	// below decides the fallback, not a synthetic client error.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		http:    client,
		baseURL: baseURL,
		apiKey:  apiKey,
		enabled: enabled && apiKey != "",
	}
}

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
}

type translateResponse struct {
	Data struct {
		Translations []struct {
			TranslatedText string `json:"translatedText"`
		} `json:"translations"`
	} `json:"data"`
}

// ToPolish translates text from English, returning the input unchanged
// when translation is disabled or fails for any reason.
func (c *Client) ToPolish(ctx context.Context, text string) string {
	if !c.enabled || text == "" {
		return text
	}

	ctx, span := tracer.Start(ctx, "Client.ToPolish", trace.WithAttributes(
		attribute.Int("length", len(text)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	body, err := json.Marshal(translateRequest{
		Q:      text,
		Source: "en",
		Target: "pl",
		Format: "text",
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode request")
		return text
	}

	req, err := retryablehttp.NewRequestWithContext(
		ctx,
		http.MethodPost,
		fmt.Sprintf("%s/language/translate/v2?key=%s", c.baseURL, c.apiKey),
		bytes.NewReader(body),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build request")
		return text
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		logger.Logger.WarnContext(ctx, "translation request failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return text
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Logger.WarnContext(ctx, "translation request rejected", "status", resp.StatusCode)
		span.SetStatus(codes.Error, "non-200 status")
		return text
	}

	var decoded translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode response")
		return text
	}
	if len(decoded.Data.Translations) == 0 || decoded.Data.Translations[0].TranslatedText == "" {
		span.SetStatus(codes.Error, "empty translation")
		return text
	}

	span.SetStatus(codes.Ok, "translated")
	return decoded.Data.Translations[0].TranslatedText
}
