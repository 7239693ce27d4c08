package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omjvalidator/grader-api/internal/inference"
	"github.com/omjvalidator/grader-api/internal/pipeline"
	"github.com/omjvalidator/grader-api/internal/progress"
	"github.com/omjvalidator/grader-api/internal/types"
)

// eventLog records the interleaving of store writes and hub deliveries
// so tests can assert persistence happens first.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeStore struct {
	log *eventLog

	completeErr error

	mu             sync.Mutex
	processingIDs  []string
	completed      map[string]*types.GradeResult
	archivedByID   map[string][]string
	failedMessages map[string]string
}

func newFakeStore(log *eventLog) *fakeStore {
	return &fakeStore{
		log:            log,
		completed:      map[string]*types.GradeResult{},
		archivedByID:   map[string][]string{},
		failedMessages: map[string]string{},
	}
}

func (s *fakeStore) MarkProcessing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processingIDs = append(s.processingIDs, id)
	s.log.add("store:processing")
	return nil
}

func (s *fakeStore) Complete(_ context.Context, id string, result *types.GradeResult, archived []string) error {
	if s.completeErr != nil {
		return s.completeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[id] = result
	s.archivedByID[id] = archived
	s.log.add("store:completed")
	return nil
}

func (s *fakeStore) Fail(_ context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedMessages[id] = message
	s.log.add("store:failed")
	return nil
}

type fakeSubscriber struct {
	log *eventLog

	mu       sync.Mutex
	messages []progress.Message
	sendErr  error
}

func (s *fakeSubscriber) Send(msg progress.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.messages = append(s.messages, msg)
	s.log.add("hub:" + string(msg.Type))
	return nil
}

func (s *fakeSubscriber) received() []progress.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]progress.Message(nil), s.messages...)
}

type fakeProvider struct {
	result   *types.GradeResult
	err      error
	thinking []string
}

func (p *fakeProvider) Analyze(_ context.Context, _ inference.Request) (*types.GradeResult, error) {
	return p.result, p.err
}

func (p *fakeProvider) AnalyzeStream(_ context.Context, _ inference.Request, cb inference.Callbacks) (*types.GradeResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	if cb.OnAttachmentsReady != nil {
		cb.OnAttachmentsReady()
	}
	if cb.OnThinking != nil {
		for _, chunk := range p.thinking {
			cb.OnThinking(chunk)
		}
	}
	return p.result, nil
}

func (p *fakeProvider) Timeout() time.Duration {
	return time.Minute
}

type fakeArchive struct {
	uploadErr error

	mu       sync.Mutex
	uploaded []string
}

func (a *fakeArchive) Upload(_ context.Context, reader io.ReadSeeker, _ int64, name string) error {
	if a.uploadErr != nil {
		return a.uploadErr
	}
	if _, err := io.ReadAll(reader); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.uploaded = append(a.uploaded, name)
	return nil
}

func (a *fakeArchive) Exists(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (a *fakeArchive) StoreIdentifier(_ context.Context) (string, error) {
	return "fake", nil
}

func (a *fakeArchive) PresignedReadURL(_ context.Context, name string, _ time.Duration) (string, error) {
	return "https://fake/" + name, nil
}

func writeTempImages(t *testing.T, count int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, 0, count)
	for i := range count {
		path := filepath.Join(dir, fmt.Sprintf("image-%d.jpg", i))
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("obrazek %d", i)), 0o600))
		paths = append(paths, path)
	}
	return paths
}

func TestProcessCompletesAndPersistsBeforeHubDelivery(t *testing.T) {
	log := &eventLog{}
	store := newFakeStore(log)
	hub := progress.NewHub(nil)
	sub := &fakeSubscriber{log: log}
	score := 5
	provider := &fakeProvider{
		result: &types.GradeResult{
			Score:     score,
			Feedback:  "Bardzo dobre rozwiązanie.",
			IssueType: types.IssueNone,
		},
	}
	archive := &fakeArchive{}
	runner := pipeline.NewRunner(store, hub, provider, archive)

	images := writeTempImages(t, 2)
	hub.Create("sub-1")
	hub.Connect(t.Context(), "sub-1", sub)

	runner.Process(t.Context(), pipeline.Job{
		SubmissionID: "sub-1",
		TaskPDF:      "/content/2026/etap2/zadania.pdf",
		Images:       images,
		TaskNumber:   3,
		Stage:        types.StageTwo,
	})

	require.Contains(t, store.completed, "sub-1")
	assert.Equal(t, []string{"sub-1"}, store.processingIDs)
	assert.Equal(t, 5, store.completed["sub-1"].Score)
	assert.Len(t, store.archivedByID["sub-1"], 2)

	messages := sub.received()
	require.NotEmpty(t, messages)
	final := messages[len(messages)-1]
	assert.Equal(t, progress.MessageCompleted, final.Type)
	require.NotNil(t, final.Score)
	assert.Equal(t, 5, *final.Score)
	assert.Equal(t, "Bardzo dobre rozwiązanie.", final.Feedback)

	events := log.all()
	completedIdx := -1
	deliveredIdx := -1
	for i, event := range events {
		switch event {
		case "store:completed":
			completedIdx = i
		case "hub:" + string(progress.MessageCompleted):
			deliveredIdx = i
		}
	}
	require.GreaterOrEqual(t, completedIdx, 0)
	require.GreaterOrEqual(t, deliveredIdx, 0)
	assert.Less(t, completedIdx, deliveredIdx, "result must be persisted before hub delivery")

	for _, path := range images {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "temp file should be removed: %s", path)
	}
}

func TestProcessPushesStagedStatusMessages(t *testing.T) {
	log := &eventLog{}
	store := newFakeStore(log)
	hub := progress.NewHub(nil)
	sub := &fakeSubscriber{log: log}
	provider := &fakeProvider{
		result:   &types.GradeResult{Score: 2, Feedback: "OK", IssueType: types.IssueNone},
		thinking: []string{"**Sprawdzam krok pierwszy**\nLiczę dalej."},
	}
	runner := pipeline.NewRunner(store, hub, provider, nil)

	hub.Create("sub-2")
	hub.Connect(t.Context(), "sub-2", sub)

	runner.Process(t.Context(), pipeline.Job{
		SubmissionID: "sub-2",
		TaskPDF:      "/content/2026/etap1/zadania.pdf",
		Images:       writeTempImages(t, 1),
		TaskNumber:   1,
		Stage:        types.StageOne,
	})

	var statuses []string
	for _, msg := range sub.received() {
		if msg.Type == progress.MessageStatus {
			statuses = append(statuses, msg.Message)
		}
	}
	// The connect replay of the initial status precedes the staged pushes.
	assert.Equal(t, []string{
		progress.InitialStatus,
		"Przesyłam pliki...",
		"Analizuję rozwiązanie...",
		"Sprawdzam krok pierwszy",
		"Finalizowanie...",
	}, statuses)
}

func TestProcessFailurePersistsUserSafeMessage(t *testing.T) {
	log := &eventLog{}
	store := newFakeStore(log)
	hub := progress.NewHub(nil)
	sub := &fakeSubscriber{log: log}
	provider := &fakeProvider{
		err: &inference.Error{Kind: inference.KindTimeout, Cause: errors.New("context deadline exceeded")},
	}
	runner := pipeline.NewRunner(store, hub, provider, nil)

	hub.Create("sub-3")
	hub.Connect(t.Context(), "sub-3", sub)

	runner.Process(t.Context(), pipeline.Job{
		SubmissionID: "sub-3",
		TaskPDF:      "/content/2026/etap3/zadania.pdf",
		Images:       writeTempImages(t, 1),
		TaskNumber:   2,
		Stage:        types.StageThree,
	})

	assert.Empty(t, store.completed)
	require.Contains(t, store.failedMessages, "sub-3")
	assert.Equal(t, "Analiza trwa zbyt długo. Spróbuj ponownie za chwilę.", store.failedMessages["sub-3"])

	messages := sub.received()
	require.NotEmpty(t, messages)
	final := messages[len(messages)-1]
	assert.Equal(t, progress.MessageError, final.Type)
	assert.Equal(t, "Analiza trwa zbyt długo. Spróbuj ponownie za chwilę.", final.Error)

	events := log.all()
	failedIdx := -1
	deliveredIdx := -1
	for i, event := range events {
		switch event {
		case "store:failed":
			failedIdx = i
		case "hub:" + string(progress.MessageError):
			deliveredIdx = i
		}
	}
	require.GreaterOrEqual(t, failedIdx, 0)
	require.GreaterOrEqual(t, deliveredIdx, 0)
	assert.Less(t, failedIdx, deliveredIdx)
}

func TestProcessHubFailureDoesNotRollBackPersistence(t *testing.T) {
	log := &eventLog{}
	store := newFakeStore(log)
	hub := progress.NewHub(nil)
	sub := &fakeSubscriber{log: log, sendErr: errors.New("websocket closed")}
	provider := &fakeProvider{
		result: &types.GradeResult{Score: 6, Feedback: "Pełne rozwiązanie.", IssueType: types.IssueNone},
	}
	runner := pipeline.NewRunner(store, hub, provider, nil)

	hub.Create("sub-4")
	hub.Connect(t.Context(), "sub-4", sub)

	runner.Process(t.Context(), pipeline.Job{
		SubmissionID: "sub-4",
		TaskPDF:      "/content/2026/etap2/zadania.pdf",
		Images:       writeTempImages(t, 1),
		TaskNumber:   4,
		Stage:        types.StageTwo,
	})

	require.Contains(t, store.completed, "sub-4")
	assert.Equal(t, 6, store.completed["sub-4"].Score)
	assert.Empty(t, store.failedMessages)
}

func TestProcessCompletesWithoutSubscriber(t *testing.T) {
	log := &eventLog{}
	store := newFakeStore(log)
	hub := progress.NewHub(nil)
	provider := &fakeProvider{
		result: &types.GradeResult{Score: 3, Feedback: "Dobrze.", IssueType: types.IssueNone},
	}
	runner := pipeline.NewRunner(store, hub, provider, nil)

	hub.Create("sub-5")

	runner.Process(t.Context(), pipeline.Job{
		SubmissionID: "sub-5",
		TaskPDF:      "/content/2026/etap1/zadania.pdf",
		Images:       writeTempImages(t, 1),
		TaskNumber:   5,
		Stage:        types.StageOne,
	})

	require.Contains(t, store.completed, "sub-5")
	assert.Equal(t, 3, store.completed["sub-5"].Score)
}

func TestProcessArchivalFailureDoesNotFailSubmission(t *testing.T) {
	log := &eventLog{}
	store := newFakeStore(log)
	hub := progress.NewHub(nil)
	provider := &fakeProvider{
		result: &types.GradeResult{Score: 2, Feedback: "OK", IssueType: types.IssueNone},
	}
	archive := &fakeArchive{uploadErr: errors.New("bucket unavailable")}
	runner := pipeline.NewRunner(store, hub, provider, archive)

	hub.Create("sub-6")

	runner.Process(t.Context(), pipeline.Job{
		SubmissionID: "sub-6",
		TaskPDF:      "/content/2026/etap2/zadania.pdf",
		Images:       writeTempImages(t, 2),
		TaskNumber:   1,
		Stage:        types.StageTwo,
	})

	require.Contains(t, store.completed, "sub-6")
	assert.Empty(t, store.archivedByID["sub-6"])
}
