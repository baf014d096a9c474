package repository

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/config"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/domain"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "test.db"),
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}
	return db
}

func createDoc(t *testing.T, repo *DocumentRepository, id string, status domain.Status) *domain.Document {
	t.Helper()
	doc := &domain.Document{ID: id, CompanyID: "co-1", Status: status}
	if err := repo.Create(context.Background(), doc); err != nil {
		t.Fatalf("failed to create document: %v", err)
	}
	return doc
}

func TestDocumentRepository_CreateDefaults(t *testing.T) {
	repo := NewDocumentRepository(newTestDB(t))
	doc := createDoc(t, repo, "doc-1", "")

	if doc.Status != domain.StatusQueued {
		t.Errorf("expected new document to be queued, got %s", doc.Status)
	}

	loaded, err := repo.Get(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	if loaded.StageOutputs == nil || len(loaded.StageOutputs) != 0 {
		t.Errorf("expected empty stage outputs, got %v", loaded.StageOutputs)
	}
	if loaded.ErrorHistory == nil || len(loaded.ErrorHistory) != 0 {
		t.Errorf("expected empty error history, got %v", loaded.ErrorHistory)
	}
}

func TestDocumentRepository_TransitionStatus(t *testing.T) {
	repo := NewDocumentRepository(newTestDB(t))
	createDoc(t, repo, "doc-1", domain.StatusQueued)
	ctx := context.Background()

	moved, err := repo.TransitionStatus(ctx, "doc-1",
		[]domain.Status{domain.StatusQueued}, domain.StatusPreprocessing, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !moved {
		t.Fatal("expected transition from queued to succeed")
	}

	// Same guard again: the document is no longer queued.
	moved, err = repo.TransitionStatus(ctx, "doc-1",
		[]domain.Status{domain.StatusQueued}, domain.StatusPreprocessing, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if moved {
		t.Error("expected stale transition to be rejected")
	}

	doc, err := repo.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	if doc.Status != domain.StatusPreprocessing {
		t.Errorf("status = %s, want %s", doc.Status, domain.StatusPreprocessing)
	}
}

func TestDocumentRepository_TransitionStatus_ExactlyOneWinner(t *testing.T) {
	repo := NewDocumentRepository(newTestDB(t))
	createDoc(t, repo, "doc-1", domain.StatusQueued)

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			moved, err := repo.TransitionStatus(context.Background(), "doc-1",
				[]domain.Status{domain.StatusQueued}, domain.StatusPreprocessing, nil)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results <- moved
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for moved := range results {
		if moved {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly one winning transition, got %d", winners)
	}
}

func TestDocumentRepository_TransitionStatus_WithExtra(t *testing.T) {
	repo := NewDocumentRepository(newTestDB(t))
	createDoc(t, repo, "doc-1", domain.StatusEvaluating)
	ctx := context.Background()

	outputs := domain.StageOutputs{"evaluate": []byte(`{"inline":{"decision":"approved"}}`)}
	moved, err := repo.TransitionStatus(ctx, "doc-1",
		[]domain.Status{domain.StatusEvaluating}, domain.StatusApproved,
		map[string]interface{}{
			"stage_outputs": outputs,
			"quality_score": 0.91,
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !moved {
		t.Fatal("expected transition to succeed")
	}

	doc, err := repo.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	if doc.Status != domain.StatusApproved {
		t.Errorf("status = %s, want approved", doc.Status)
	}
	if doc.QualityScore == nil || *doc.QualityScore != 0.91 {
		t.Errorf("quality_score = %v, want 0.91", doc.QualityScore)
	}
	if _, ok := doc.StageOutputs["evaluate"]; !ok {
		t.Error("expected evaluate output to be recorded")
	}
}

func TestDocumentRepository_AppendError(t *testing.T) {
	repo := NewDocumentRepository(newTestDB(t))
	createDoc(t, repo, "doc-1", domain.StatusPredicting)
	ctx := context.Background()

	entry := domain.StageError{
		Stage:     "predict",
		Message:   "model unavailable",
		Timestamp: time.Now().UTC(),
		Attempt:   1,
	}
	recorded, err := repo.AppendError(ctx, "doc-1", domain.StatusPredicting, entry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !recorded {
		t.Fatal("expected error to be recorded")
	}

	// Guard rejects once the document left the in-flight status.
	if _, err := repo.TransitionStatus(ctx, "doc-1",
		[]domain.Status{domain.StatusPredicting}, domain.StatusPredicted, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	recorded, err = repo.AppendError(ctx, "doc-1", domain.StatusPredicting, entry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recorded {
		t.Error("expected stale append to be rejected")
	}

	doc, err := repo.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	if len(doc.ErrorHistory) != 1 {
		t.Fatalf("expected one history entry, got %d", len(doc.ErrorHistory))
	}
	if doc.ErrorHistory[0].Message != "model unavailable" || doc.ErrorHistory[0].Attempt != 1 {
		t.Errorf("unexpected history entry: %+v", doc.ErrorHistory[0])
	}
}

func TestDocumentRepository_AppendError_ConcurrentAppendsKeepEveryEntry(t *testing.T) {
	repo := NewDocumentRepository(newTestDB(t))
	createDoc(t, repo, "doc-1", domain.StatusPredicting)

	const appends = 6
	var wg sync.WaitGroup
	for i := 0; i < appends; i++ {
		wg.Add(1)
		go func(attempt int) {
			defer wg.Done()
			entry := domain.StageError{
				Stage:     "predict",
				Message:   "model unavailable",
				Timestamp: time.Now().UTC(),
				Attempt:   attempt,
			}
			recorded, err := repo.AppendError(context.Background(), "doc-1", domain.StatusPredicting, entry)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if !recorded {
				t.Errorf("expected attempt %d to be recorded", attempt)
			}
		}(i + 1)
	}
	wg.Wait()

	doc, err := repo.Get(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	if len(doc.ErrorHistory) != appends {
		t.Fatalf("expected %d history entries, got %d", appends, len(doc.ErrorHistory))
	}
	seen := map[int]bool{}
	for _, e := range doc.ErrorHistory {
		seen[e.Attempt] = true
	}
	for attempt := 1; attempt <= appends; attempt++ {
		if !seen[attempt] {
			t.Errorf("history is missing attempt %d", attempt)
		}
	}
}

func TestDocumentRepository_AppendError_RedeliveredAttemptRecordedOnce(t *testing.T) {
	repo := NewDocumentRepository(newTestDB(t))
	ctx := context.Background()
	createDoc(t, repo, "doc-1", domain.StatusPredicting)

	entry := domain.StageError{
		Stage:     "predict",
		Message:   "model unavailable",
		Timestamp: time.Now().UTC(),
		Attempt:   1,
	}
	for i := 0; i < 2; i++ {
		recorded, err := repo.AppendError(ctx, "doc-1", domain.StatusPredicting, entry)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !recorded {
			t.Fatalf("expected append %d to report recorded", i+1)
		}
	}

	doc, err := repo.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	if len(doc.ErrorHistory) != 1 {
		t.Errorf("expected a single entry for the redelivered attempt, got %d", len(doc.ErrorHistory))
	}

	// A later attempt for the same stage still appends.
	entry.Attempt = 2
	if _, err := repo.AppendError(ctx, "doc-1", domain.StatusPredicting, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	doc, err = repo.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	if len(doc.ErrorHistory) != 2 {
		t.Errorf("expected two entries after a second attempt, got %d", len(doc.ErrorHistory))
	}
}

func TestDocumentRepository_ResetForReprocess(t *testing.T) {
	repo := NewDocumentRepository(newTestDB(t))
	ctx := context.Background()

	doc := createDoc(t, repo, "doc-1", domain.StatusPredictError)
	score := 0.4
	doc.QualityScore = &score
	doc.ErrorHistory = domain.ErrorHistory{{Stage: "predict", Message: "boom", Attempt: 3}}
	doc.StageOutputs = domain.StageOutputs{"preprocess": []byte(`{"inline":{}}`)}
	if err := repo.db.Save(doc).Error; err != nil {
		t.Fatalf("failed to seed document: %v", err)
	}

	reset, err := repo.ResetForReprocess(ctx, "doc-1", []domain.Status{domain.StatusPredictError})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reset {
		t.Fatal("expected reset to succeed")
	}

	loaded, err := repo.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	if loaded.Status != domain.StatusQueued {
		t.Errorf("status = %s, want queued", loaded.Status)
	}
	if len(loaded.StageOutputs) != 0 || len(loaded.ErrorHistory) != 0 || loaded.QualityScore != nil {
		t.Errorf("expected record wiped, got outputs=%v history=%v score=%v",
			loaded.StageOutputs, loaded.ErrorHistory, loaded.QualityScore)
	}

	// In-flight documents must not reset.
	createDoc(t, repo, "doc-2", domain.StatusPredicting)
	reset, err = repo.ResetForReprocess(ctx, "doc-2", []domain.Status{domain.StatusPredictError, domain.StatusQueued})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reset {
		t.Error("expected in-flight document reset to be rejected")
	}
}

func TestDocumentRepository_ListStale(t *testing.T) {
	db := newTestDB(t)
	repo := NewDocumentRepository(db)
	ctx := context.Background()

	createDoc(t, repo, "stale", domain.StatusPreprocessed)
	createDoc(t, repo, "fresh", domain.StatusPreprocessed)
	createDoc(t, repo, "other", domain.StatusQueued)

	old := time.Now().Add(-time.Hour)
	if err := db.Model(&domain.Document{}).Where("id = ?", "stale").
		UpdateColumn("updated_at", old).Error; err != nil {
		t.Fatalf("failed to age document: %v", err)
	}

	docs, err := repo.ListStale(ctx, []domain.Status{domain.StatusPreprocessed}, time.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "stale" {
		t.Errorf("expected only the stale document, got %v", docs)
	}
}
