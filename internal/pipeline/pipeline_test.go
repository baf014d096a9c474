package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/config"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/dispatch"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/domain"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/logger"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/repository"
	"gorm.io/gorm"
)

// memoryBlobs is an in-memory ObjectStorage for tests.
type memoryBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{objects: make(map[string][]byte)}
}

func (m *memoryBlobs) EnsureBucket(context.Context) error { return nil }

func (m *memoryBlobs) Upload(_ context.Context, key string, reader io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return nil
}

func (m *memoryBlobs) Download(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryBlobs) GetURL(key string) string { return "memory://" + key }

func (m *memoryBlobs) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *memoryBlobs) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func testLogger() *logger.Logger {
	return logger.New(&logger.Config{
		Level:       "error",
		Format:      "text",
		Output:      io.Discard,
		ServiceName: "test",
	})
}

func testPipelineConfig() *config.PipelineConfig {
	cfg := &config.PipelineConfig{
		Stages:      make(map[string]config.StageConfig),
		InlineLimit: 16 * 1024,
		Sweep: config.SweepConfig{
			Enabled:    true,
			Interval:   time.Minute,
			StaleAfter: time.Minute,
		},
	}
	for _, name := range []string{StagePreprocess, StageExtractText, StagePredict, StageStructure, StageEvaluate} {
		cfg.Stages[name] = config.StageConfig{
			Timeout:    time.Second,
			MaxRetries: 3,
			Backoff:    0,
		}
	}
	return cfg
}

// passthrough returns a collaborator emitting a fixed JSON payload.
func passthrough(payload string) Collaborator {
	return func(context.Context, string, string, []byte) ([]byte, error) {
		return []byte(payload), nil
	}
}

func defaultCollaborators() map[string]Collaborator {
	return map[string]Collaborator{
		StagePreprocess:  passthrough(`{"content_key":"raw/doc","format":"png","width":800,"height":600}`),
		StageExtractText: passthrough(`{"text":"Faktura 1234","confidence":0.9}`),
		StagePredict:     passthrough(`{"fields":{"invoice_number":"1234"},"confidence":0.9}`),
		StageStructure:   passthrough(`{"invoice":{"invoice_number":"1234"},"completeness":1,"confidence":0.9}`),
		StageEvaluate:    passthrough(`{"decision":"approved","quality_score":0.93}`),
	}
}

type testEnv struct {
	db      *gorm.DB
	docs    *repository.DocumentRepository
	blobs   *memoryBlobs
	chain   *Chain
	runner  *StageRunner
	backend *dispatch.NullBackend
	orch    *Orchestrator
	cfg     *config.PipelineConfig
}

// newTestEnv wires the pipeline against an in-memory dispatch backend
// that executes tasks inline, so a whole pipeline pass is synchronous.
func newTestEnv(t *testing.T, collaborators map[string]Collaborator) *testEnv {
	t.Helper()

	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "test.db"),
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}

	cfg := testPipelineConfig()
	chain, err := NewChain(cfg, collaborators)
	if err != nil {
		t.Fatalf("failed to build chain: %v", err)
	}

	blobs := newMemoryBlobs()
	docs := repository.NewDocumentRepository(db)
	outputs := NewOutputStore(blobs, cfg.InlineLimit)
	runner := NewStageRunner(chain, docs, outputs, testLogger())
	backend := dispatch.NewNullBackend(runner)
	runner.SetDispatcher(backend)

	return &testEnv{
		db:      db,
		docs:    docs,
		blobs:   blobs,
		chain:   chain,
		runner:  runner,
		backend: backend,
		orch:    NewOrchestrator(chain, docs, backend, cfg.Sweep, testLogger()),
		cfg:     cfg,
	}
}

func (e *testEnv) createDoc(t *testing.T, id string, status domain.Status) {
	t.Helper()
	doc := &domain.Document{ID: id, CompanyID: "co-1", Status: status}
	if err := e.docs.Create(context.Background(), doc); err != nil {
		t.Fatalf("failed to create document: %v", err)
	}
}

func (e *testEnv) getDoc(t *testing.T, id string) *domain.Document {
	t.Helper()
	doc, err := e.docs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	return doc
}

func (e *testEnv) ageDoc(t *testing.T, id string, age time.Duration) {
	t.Helper()
	if err := e.db.Model(&domain.Document{}).Where("id = ?", id).
		UpdateColumn("updated_at", time.Now().Add(-age)).Error; err != nil {
		t.Fatalf("failed to age document: %v", err)
	}
}
