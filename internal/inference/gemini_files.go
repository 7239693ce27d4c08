package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/omjvalidator/grader-api/internal/filecache"
)

// Remote file API wire types.
type geminiFile struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	URI         string `json:"uri,omitempty"`
	State       string `json:"state,omitempty"`
}

type geminiFileEnvelope struct {
	File geminiFile `json:"file"`
}

type geminiAPIError struct {
	Error struct {
		Message string `json:"message"`
		Status  string `json:"status"`
		Code    int    `json:"code"`
	} `json:"error"`
}

var mimeByExtension = map[string]string{
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".heic": "image/heic",
}

func mimeForPath(path string) string {
	if mime, ok := mimeByExtension[strings.ToLower(filepath.Ext(path))]; ok {
		return mime
	}
	return "application/octet-stream"
}

var _ filecache.Store = (*Gemini)(nil)

// UploadFile pushes a local file through the two phase resumable upload
// and waits for the backend to finish ingesting it.
func (g *Gemini) UploadFile(ctx context.Context, path, mimeType string) (string, error) {
	ctx, span := tracer.Start(ctx, "Gemini.UploadFile", trace.WithAttributes(
		attribute.String("path", path),
		attribute.String("mimeType", mimeType),
	))
	defer span.End()

	content, err := os.ReadFile(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read local file")
		return "", err
	}

	uploadURL, err := g.startUpload(ctx, filepath.Base(path), mimeType, int64(len(content)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start resumable upload")
		return "", err
	}

	file, err := g.finishUpload(ctx, uploadURL, mimeType, content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload file content")
		return "", err
	}

	if err := g.awaitActive(ctx, file); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "file never became active")
		return "", err
	}

	span.AddEvent("uploaded", trace.WithAttributes(attribute.String("ref", file.Name)))
	span.SetStatus(codes.Ok, "uploaded file")
	return file.Name, nil
}

func (g *Gemini) startUpload(
	ctx context.Context,
	displayName, mimeType string,
	length int64,
) (string, error) {
	meta, err := json.Marshal(geminiFileEnvelope{File: geminiFile{DisplayName: displayName}})
	if err != nil {
		return "", err
	}

	req, err := retryablehttp.NewRequestWithContext(
		ctx,
		http.MethodPost,
		fmt.Sprintf("%s/upload/v1beta/files?key=%s", g.cfg.BaseURL, g.cfg.APIKey),
		bytes.NewReader(meta),
	)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Upload-Protocol", "resumable")
	req.Header.Set("X-Goog-Upload-Command", "start")
	req.Header.Set("X-Goog-Upload-Header-Content-Length", fmt.Sprintf("%d", length))
	req.Header.Set("X-Goog-Upload-Header-Content-Type", mimeType)

	resp, err := g.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", g.apiError(resp)
	}

	uploadURL := resp.Header.Get("X-Goog-Upload-URL")
	if uploadURL == "" {
		return "", fmt.Errorf("upload start response missing upload url")
	}
	return uploadURL, nil
}

func (g *Gemini) finishUpload(
	ctx context.Context,
	uploadURL, mimeType string,
	content []byte,
) (*geminiFile, error) {
	req, err := retryablehttp.NewRequestWithContext(
		ctx,
		http.MethodPost,
		uploadURL,
		bytes.NewReader(content),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("X-Goog-Upload-Offset", "0")
	req.Header.Set("X-Goog-Upload-Command", "upload, finalize")

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, g.apiError(resp)
	}

	var envelope geminiFileEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding upload response: %w", err)
	}
	if envelope.File.Name == "" {
		return nil, fmt.Errorf("upload response missing file name")
	}
	return &envelope.File, nil
}

// awaitActive polls until the backend finishes processing the file.
// PDFs can take a few seconds server side.
func (g *Gemini) awaitActive(ctx context.Context, file *geminiFile) error {
	if file.State == "" || file.State == "ACTIVE" {
		return nil
	}

	backoff := retry.WithMaxDuration(30*time.Second, retry.NewConstant(time.Second))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		current, err := g.getFile(ctx, file.Name)
		if err != nil {
			return retry.RetryableError(err)
		}
		switch current.State {
		case "ACTIVE":
			return nil
		case "FAILED":
			return fmt.Errorf("backend failed to process file %s", file.Name)
		default:
			return retry.RetryableError(fmt.Errorf("file %s still %s", file.Name, current.State))
		}
	})
}

func (g *Gemini) getFile(ctx context.Context, ref string) (*geminiFile, error) {
	req, err := retryablehttp.NewRequestWithContext(
		ctx,
		http.MethodGet,
		fmt.Sprintf("%s/v1beta/%s?key=%s", g.cfg.BaseURL, ref, g.cfg.APIKey),
		nil,
	)
	if err != nil {
		return nil, err
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, g.apiError(resp)
	}

	var file geminiFile
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return nil, fmt.Errorf("decoding file response: %w", err)
	}
	return &file, nil
}

// GetFile probes that a remote reference is still alive.
func (g *Gemini) GetFile(ctx context.Context, ref string) error {
	_, err := g.getFile(ctx, ref)
	return err
}

func (g *Gemini) DeleteFile(ctx context.Context, ref string) error {
	req, err := retryablehttp.NewRequestWithContext(
		ctx,
		http.MethodDelete,
		fmt.Sprintf("%s/v1beta/%s?key=%s", g.cfg.BaseURL, ref, g.cfg.APIKey),
		nil,
	)
	if err != nil {
		return err
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return g.apiError(resp)
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // draining for connection reuse
	return nil
}

// fileURI rebuilds the absolute URI generateContent expects for a
// reference returned by the file API.
func (g *Gemini) fileURI(ref string) string {
	return fmt.Sprintf("%s/v1beta/%s", g.cfg.BaseURL, ref)
}

// apiError turns a non-2xx response into an error carrying the backend's
// status and message, which classify keys off later.
func (g *Gemini) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var apiErr geminiAPIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &httpStatusError{
			status:  resp.StatusCode,
			apiCode: apiErr.Error.Status,
			message: apiErr.Error.Message,
		}
	}
	return &httpStatusError{status: resp.StatusCode, message: string(body)}
}

type httpStatusError struct {
	message string
	apiCode string
	status  int
}

func (e *httpStatusError) Error() string {
	if e.apiCode != "" {
		return fmt.Sprintf("backend returned %d %s: %s", e.status, e.apiCode, e.message)
	}
	return fmt.Sprintf("backend returned %d: %s", e.status, e.message)
}
