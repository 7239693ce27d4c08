// Package content resolves task and solution documents for a competition
// edition. Content is maintained out of band; this package only reads a
// JSON index mapping year and stage to PDF files under the content
// directory.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/omjvalidator/grader-api/internal/types"
)

var tracer = otel.Tracer("github.com/omjvalidator/grader-api/internal/content")

var ErrNotFound = errors.New("content: no such task")

type stageEntry struct {
	Tasks     string `json:"tasks"`
	Solutions string `json:"solutions"`
	Count     int    `json:"count"`
}

type index map[string]map[string]stageEntry

// Library looks up task content by (year, stage). The index file is read
// once and held for the process lifetime; content changes require a
// restart, matching how editions are published.
type Library struct {
	baseDir string

	once    sync.Once
	idx     index
	loadErr error
}

func NewLibrary(baseDir string) *Library {
	return &Library{baseDir: baseDir}
}

func (l *Library) load() (index, error) {
	l.once.Do(func() {
		raw, err := os.ReadFile(filepath.Join(l.baseDir, "tasks_index.json"))
		if err != nil {
			l.loadErr = fmt.Errorf("reading tasks index: %w", err)
			return
		}
		if err := json.Unmarshal(raw, &l.idx); err != nil {
			l.loadErr = fmt.Errorf("decoding tasks index: %w", err)
		}
	})
	return l.idx, l.loadErr
}

func (l *Library) entry(year string, stage types.Stage) (stageEntry, error) {
	idx, err := l.load()
	if err != nil {
		return stageEntry{}, err
	}

	stages, ok := idx[year]
	if !ok {
		return stageEntry{}, ErrNotFound
	}
	entry, ok := stages[string(stage)]
	if !ok {
		return stageEntry{}, ErrNotFound
	}
	return entry, nil
}

// TaskExists reports whether the numbered task is part of the edition.
func (l *Library) TaskExists(year string, stage types.Stage, num int) bool {
	entry, err := l.entry(year, stage)
	if err != nil {
		return false
	}
	return num >= 1 && num <= entry.Count
}

// TaskPDF returns the path to the task sheet for the edition.
func (l *Library) TaskPDF(ctx context.Context, year string, stage types.Stage) (string, error) {
	_, span := tracer.Start(ctx, "Library.TaskPDF", trace.WithAttributes(
		attribute.String("year", year),
		attribute.String("stage", string(stage)),
	))
	defer span.End()

	entry, err := l.entry(year, stage)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve edition")
		return "", err
	}
	if entry.Tasks == "" {
		span.SetStatus(codes.Error, "edition has no task sheet")
		return "", ErrNotFound
	}

	path := filepath.Join(l.baseDir, entry.Tasks)
	if _, err := os.Stat(path); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task sheet missing on disk")
		return "", fmt.Errorf("task sheet %s: %w", path, err)
	}

	span.SetStatus(codes.Ok, "resolved task sheet")
	return path, nil
}

// SolutionPDF returns the path to the official solutions when published.
// Returns ("", nil) when the edition has none; grading proceeds without it.
func (l *Library) SolutionPDF(ctx context.Context, year string, stage types.Stage) (string, error) {
	_, span := tracer.Start(ctx, "Library.SolutionPDF", trace.WithAttributes(
		attribute.String("year", year),
		attribute.String("stage", string(stage)),
	))
	defer span.End()

	entry, err := l.entry(year, stage)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve edition")
		return "", err
	}
	if entry.Solutions == "" {
		span.SetStatus(codes.Ok, "edition has no published solutions")
		return "", nil
	}

	path := filepath.Join(l.baseDir, entry.Solutions)
	if _, err := os.Stat(path); err != nil {
		span.AddEvent("solutions listed but missing on disk")
		span.SetStatus(codes.Ok, "treating missing solutions as unpublished")
		return "", nil
	}

	span.SetStatus(codes.Ok, "resolved solutions")
	return path, nil
}
