package api

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/chainkeeper/internal/history"
	"github.com/nerrad567/chainkeeper/internal/infrastructure/database"
	"github.com/nerrad567/chainkeeper/migrations"
)

func TestChainHistory(t *testing.T) {
	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "history.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	repo := history.NewSQLiteRepository(db.DB)

	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range 3 {
		if _, err := repo.OpenRun(ctx, "alpha", t0.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("OpenRun() error: %v", err)
		}
	}
	if err := repo.RecordDownload(ctx, &history.Download{ChainID: "alpha", Outcome: history.OutcomeComplete, FinishedAt: t0}); err != nil {
		t.Fatalf("RecordDownload() error: %v", err)
	}

	srv, _ := testServer(t, "")
	srv.history = repo
	router := srv.buildRouter()

	w := do(t, router, http.MethodGet, "/api/v1/chains/alpha/history?limit=2", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	var body HistoryResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Runs.Total != 3 || len(body.Runs.Items) != 2 {
		t.Errorf("runs total = %d items = %d, want 3 and 2", body.Runs.Total, len(body.Runs.Items))
	}
	if body.Downloads.Total != 1 {
		t.Errorf("downloads total = %d, want 1", body.Downloads.Total)
	}

	w = do(t, router, http.MethodGet, "/api/v1/chains/alpha/history?offset=-1", "", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative offset status = %d, want 400", w.Code)
	}
}
