package indexing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/yungbote/catalog-indexer/internal/data/repos/testutil"
	types "github.com/yungbote/catalog-indexer/internal/domain"
	"github.com/yungbote/catalog-indexer/internal/pkg/dbctx"
)

func TestRecordFailuresRecoversMalformedDetail(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	repo := NewIndexingRecordRepo(db, testutil.Logger(t))
	failures := NewIndexingFailureRepo(db, testutil.Logger(t))

	rec := mustSave(t, repo, dbc, newRecord("s1", 1, "", types.ActionUpsert, types.ActionNone, true))
	if _, err := failures.RecordFailures(dbc, "s1", types.ActionUpsert, []FailureInput{{RecordID: rec.ID, Reason: "503"}},
		BackoffPolicy{}, time.Now().UTC()); err != nil {
		t.Fatalf("RecordFailures: %v", err)
	}
	if err := tx.Model(&types.IndexingFailure{}).
		Where("record_id = ?", rec.ID).
		Update("detail", datatypes.JSON(`{"reasons":"not-a-list"}`)).Error; err != nil {
		t.Fatalf("corrupt detail: %v", err)
	}

	later := time.Now().UTC().Add(time.Hour)
	rows, err := failures.RecordFailures(dbc, "s1", types.ActionUpsert, []FailureInput{{RecordID: rec.ID, Reason: "502"}},
		BackoffPolicy{}, later)
	if err != nil {
		t.Fatalf("RecordFailures after corruption: %v", err)
	}
	if len(rows) != 1 || rows[0].Attempts != 2 || rows[0].LastError != "502" {
		t.Fatalf("ledger row: %+v", rows)
	}

	var detail failureDetail
	if err := json.Unmarshal(rows[0].Detail, &detail); err != nil {
		t.Fatalf("detail must be rewritten as valid json: %v", err)
	}
	if detail.FirstFailedAt.IsZero() || !detail.FirstFailedAt.Before(later) {
		t.Fatalf("first failure time must predate the second failure, got %v", detail.FirstFailedAt)
	}
	if len(detail.Reasons) != 1 || detail.Reasons[0] != "502" || !detail.LastFailedAt.Equal(later) {
		t.Fatalf("detail: %+v", detail)
	}
}
