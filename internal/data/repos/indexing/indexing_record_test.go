package indexing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yungbote/catalog-indexer/internal/data/repos/testutil"
	types "github.com/yungbote/catalog-indexer/internal/domain"
	apperrors "github.com/yungbote/catalog-indexer/internal/pkg/errors"
	"github.com/yungbote/catalog-indexer/internal/pkg/dbctx"
)

func newRecord(site string, targetID int64, subtype string, next, last types.Action, indexable bool) *types.IndexingRecord {
	return &types.IndexingRecord{
		SiteID:              site,
		TargetEntityType:    types.EntityTypeProduct,
		TargetEntitySubtype: subtype,
		TargetID:            targetID,
		IsIndexable:         indexable,
		NextAction:          next,
		LastAction:          last,
	}
}

func setup(t *testing.T) (IndexingRecordRepo, dbctx.Context) {
	t.Helper()
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	return NewIndexingRecordRepo(db, testutil.Logger(t)), dbctx.Context{Ctx: context.Background(), Tx: tx}
}

func mustSave(t *testing.T, repo IndexingRecordRepo, dbc dbctx.Context, rec *types.IndexingRecord) *types.IndexingRecord {
	t.Helper()
	out, err := repo.Save(dbc, rec)
	if err != nil {
		t.Fatalf("Save(target=%d): %v", rec.TargetID, err)
	}
	return out
}

func mustGet(t *testing.T, repo IndexingRecordRepo, dbc dbctx.Context, id uint64) *types.IndexingRecord {
	t.Helper()
	rec, err := repo.GetByID(dbc, id)
	if err != nil {
		t.Fatalf("GetByID(%d): %v", id, err)
	}
	return rec
}

func TestSaveValidation(t *testing.T) {
	repo, dbc := setup(t)

	cases := map[string]*types.IndexingRecord{
		"missing site":        newRecord("", 1, "", types.ActionNone, types.ActionNone, false),
		"missing target id":   newRecord("s1", 0, "", types.ActionNone, types.ActionNone, false),
		"upsert not indexable": newRecord("s1", 1, "", types.ActionUpsert, types.ActionNone, false),
	}
	noType := newRecord("s1", 1, "", types.ActionNone, types.ActionNone, false)
	noType.TargetEntityType = " "
	cases["missing entity type"] = noType

	for name, rec := range cases {
		if _, err := repo.Save(dbc, rec); !errors.Is(err, apperrors.ErrValidationFailed) {
			t.Fatalf("%s: expected ErrValidationFailed, got %v", name, err)
		}
	}
	if n, err := repo.Count(dbc, CountFilter{}); err != nil || n != 0 {
		t.Fatalf("Count after rejected saves: n=%d err=%v", n, err)
	}
}

func TestSaveDuplicateIsAlreadyExists(t *testing.T) {
	repo, dbc := setup(t)

	mustSave(t, repo, dbc, newRecord("s1", 7, "simple", types.ActionNone, types.ActionNone, false))
	_, err := repo.Save(dbc, newRecord("s1", 7, "simple", types.ActionNone, types.ActionNone, false))
	if !errors.Is(err, apperrors.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if errors.Is(err, apperrors.ErrPersistenceFailed) {
		t.Fatalf("AlreadyExists must not also be reported as a generic persistence failure: %v", err)
	}

	// Same target under another subtype is the phase-in twin and is allowed.
	mustSave(t, repo, dbc, newRecord("s1", 7, "configurable", types.ActionNone, types.ActionNone, false))
}

func TestQueryPagingAndFilters(t *testing.T) {
	repo, dbc := setup(t)

	for i := int64(1); i <= 5; i++ {
		mustSave(t, repo, dbc, newRecord("s1", i, "simple", types.ActionNone, types.ActionNone, false))
	}
	mustSave(t, repo, dbc, newRecord("s2", 100, "virtual", types.ActionUpsert, types.ActionNone, true))

	var seen []int64
	var cursor uint64
	for {
		page, err := repo.Query(dbc, RecordFilter{SiteIDs: []string{"s1"}}, QueryOptions{Sort: "target_id desc", PageSize: 2, StartFrom: cursor})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			if rec.ID <= cursor {
				t.Fatalf("page not ascending by id: id=%d cursor=%d", rec.ID, cursor)
			}
			cursor = rec.ID
			seen = append(seen, rec.TargetID)
		}
	}
	if len(seen) != 5 || seen[0] != 1 || seen[4] != 5 {
		t.Fatalf("paging: got %v", seen)
	}

	upsert := types.ActionUpsert
	rows, err := repo.Query(dbc, RecordFilter{
		Subtypes:    []string{"virtual"},
		NextAction:  &upsert,
		IsIndexable: testutil.Ptr(true),
	}, QueryOptions{})
	if err != nil || len(rows) != 1 || rows[0].TargetID != 100 {
		t.Fatalf("filtered query: err=%v rows=%d", err, len(rows))
	}

	rows, err = repo.Query(dbc, RecordFilter{TargetIDs: []int64{2, 4}}, QueryOptions{Sort: "target_id desc"})
	if err != nil || len(rows) != 2 || rows[0].TargetID != 4 {
		t.Fatalf("sorted query: err=%v rows=%+v", err, rows)
	}
}

func TestCountAnySubset(t *testing.T) {
	repo, dbc := setup(t)

	mustSave(t, repo, dbc, newRecord("s1", 1, "", types.ActionUpsert, types.ActionNone, true))
	mustSave(t, repo, dbc, newRecord("s1", 2, "", types.ActionDelete, types.ActionUpsert, true))
	mustSave(t, repo, dbc, newRecord("s2", 3, "", types.ActionNone, types.ActionNone, false))

	del := types.ActionDelete
	cases := []struct {
		name   string
		filter CountFilter
		want   int64
	}{
		{"none", CountFilter{}, 3},
		{"site", CountFilter{SiteID: "s1"}, 2},
		{"entity type", CountFilter{EntityType: types.EntityTypeProduct}, 3},
		{"next action", CountFilter{NextAction: &del}, 1},
		{"indexable", CountFilter{IsIndexable: testutil.Ptr(false)}, 1},
		{"all", CountFilter{EntityType: types.EntityTypeProduct, SiteID: "s1", NextAction: &del, IsIndexable: testutil.Ptr(true)}, 1},
	}
	for _, tc := range cases {
		got, err := repo.Count(dbc, tc.filter)
		if err != nil {
			t.Fatalf("%s: Count: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: want=%d got=%d", tc.name, tc.want, got)
		}
	}

	typesSeen, err := repo.DistinctEntityTypes(dbc, "s1")
	if err != nil || len(typesSeen) != 1 || typesSeen[0] != types.EntityTypeProduct {
		t.Fatalf("DistinctEntityTypes: err=%v got=%v", err, typesSeen)
	}
}

func TestReconcileDeleteIsIdempotent(t *testing.T) {
	repo, dbc := setup(t)

	rec := mustSave(t, repo, dbc, newRecord("s1", 42, "simple", types.ActionDelete, types.ActionUpsert, true))
	rc := Reconciliation{SiteID: "s1", EntityType: types.EntityTypeProduct, TargetIDs: []int64{42}, RecordIDs: []uint64{rec.ID}}

	for i := 0; i < 2; i++ {
		if _, err := repo.ReconcileDelete(dbc, rc); err != nil {
			t.Fatalf("ReconcileDelete #%d: %v", i+1, err)
		}
		got := mustGet(t, repo, dbc, rec.ID)
		if got.NextAction != types.ActionNone || got.IsIndexable || got.LastAction != types.ActionDelete {
			t.Fatalf("after #%d: next=%s indexable=%v last=%s", i+1, got.NextAction, got.IsIndexable, got.LastAction)
		}
		if !got.IsRetired() {
			t.Fatalf("after #%d: expected retired", i+1)
		}
		if got.LastActionTimestamp == nil {
			t.Fatalf("after #%d: expected last_action_timestamp", i+1)
		}
	}
}

func TestReconcileDeleteDoesNotStompNewerIntent(t *testing.T) {
	repo, dbc := setup(t)

	rec := mustSave(t, repo, dbc, newRecord("s1", 9, "", types.ActionDelete, types.ActionUpsert, false))

	// Discovery re-proposes an upsert after the batch was read.
	if n, err := repo.SetIndexable(dbc, "s1", types.EntityTypeProduct, []int64{9}); err != nil || n != 0 {
		t.Fatalf("SetIndexable must not override a pending delete: n=%d err=%v", n, err)
	}
	rec.NextAction = types.ActionUpsert
	rec.IsIndexable = true
	mustSave(t, repo, dbc, rec)

	if _, err := repo.ReconcileDelete(dbc, Reconciliation{
		SiteID: "s1", EntityType: types.EntityTypeProduct, TargetIDs: []int64{9}, RecordIDs: []uint64{rec.ID},
	}); err != nil {
		t.Fatalf("ReconcileDelete: %v", err)
	}
	got := mustGet(t, repo, dbc, rec.ID)
	if got.NextAction != types.ActionUpsert {
		t.Fatalf("expected pending upsert to survive, got %s", got.NextAction)
	}
	if !got.IsIndexable || got.Retired {
		t.Fatalf("expected indexable non-retired row, got indexable=%v retired=%v", got.IsIndexable, got.Retired)
	}
	if got.LastAction != types.ActionDelete {
		t.Fatalf("expected last_action=delete, got %s", got.LastAction)
	}
}

func TestReconcileDeleteSkipsPhaseInTwin(t *testing.T) {
	repo, dbc := setup(t)

	phaseIn := mustSave(t, repo, dbc, newRecord("s1", 7, "configurable", types.ActionUpsert, types.ActionNone, true))
	phaseOut := mustSave(t, repo, dbc, newRecord("s1", 7, "simple", types.ActionDelete, types.ActionUpsert, true))

	n, err := repo.ReconcileDelete(dbc, Reconciliation{
		SiteID: "s1", EntityType: types.EntityTypeProduct, TargetIDs: []int64{7}, RecordIDs: []uint64{phaseOut.ID},
	})
	if err != nil {
		t.Fatalf("ReconcileDelete: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one reconciled row, got %d", n)
	}

	in := mustGet(t, repo, dbc, phaseIn.ID)
	if in.NextAction != types.ActionUpsert || in.LastAction != types.ActionNone || !in.IsIndexable {
		t.Fatalf("phase-in twin changed: next=%s last=%s indexable=%v", in.NextAction, in.LastAction, in.IsIndexable)
	}
	out := mustGet(t, repo, dbc, phaseOut.ID)
	if out.NextAction != types.ActionNone || out.IsIndexable || out.LastAction != types.ActionDelete {
		t.Fatalf("phase-out row not reconciled: next=%s last=%s indexable=%v", out.NextAction, out.LastAction, out.IsIndexable)
	}
}

func TestReconcileDeleteRequeuesDeliveredTwin(t *testing.T) {
	repo, dbc := setup(t)

	twin := mustSave(t, repo, dbc, newRecord("s1", 8, "configurable", types.ActionNone, types.ActionUpsert, true))
	old := mustSave(t, repo, dbc, newRecord("s1", 8, "simple", types.ActionDelete, types.ActionUpsert, false))

	if _, err := repo.ReconcileDelete(dbc, Reconciliation{
		SiteID: "s1", EntityType: types.EntityTypeProduct, TargetIDs: []int64{8}, RecordIDs: []uint64{old.ID},
	}); err != nil {
		t.Fatalf("ReconcileDelete: %v", err)
	}
	got := mustGet(t, repo, dbc, twin.ID)
	if got.NextAction != types.ActionUpsert || !got.IsIndexable {
		t.Fatalf("expected delivered twin to be re-queued, got next=%s indexable=%v", got.NextAction, got.IsIndexable)
	}
}

func TestReconcileDeleteNeverIndexedRow(t *testing.T) {
	repo, dbc := setup(t)

	rec := mustSave(t, repo, dbc, newRecord("s1", 3, "", types.ActionDelete, types.ActionNone, false))
	if n, err := repo.ReconcileDelete(dbc, Reconciliation{
		SiteID: "s1", EntityType: types.EntityTypeProduct, TargetIDs: []int64{3}, RecordIDs: []uint64{rec.ID},
	}); err != nil || n != 1 {
		t.Fatalf("ReconcileDelete: n=%d err=%v", n, err)
	}
	if got := mustGet(t, repo, dbc, rec.ID); got.NextAction != types.ActionNone {
		t.Fatalf("dispatched row must be reconciled even if never indexed, got %s", got.NextAction)
	}
}

func TestReconcileUpsert(t *testing.T) {
	repo, dbc := setup(t)

	rec := mustSave(t, repo, dbc, newRecord("s1", 5, "", types.ActionUpsert, types.ActionNone, true))
	other := mustSave(t, repo, dbc, newRecord("s1", 6, "", types.ActionUpsert, types.ActionNone, true))

	rc := Reconciliation{SiteID: "s1", EntityType: types.EntityTypeProduct, TargetIDs: []int64{5}, RecordIDs: []uint64{rec.ID}, At: time.Now().UTC()}
	for i := 0; i < 2; i++ {
		if _, err := repo.ReconcileUpsert(dbc, rc); err != nil {
			t.Fatalf("ReconcileUpsert: %v", err)
		}
	}
	got := mustGet(t, repo, dbc, rec.ID)
	if got.NextAction != types.ActionNone || got.LastAction != types.ActionUpsert || !got.IsIndexable {
		t.Fatalf("upsert reconcile: next=%s last=%s indexable=%v", got.NextAction, got.LastAction, got.IsIndexable)
	}
	if untouched := mustGet(t, repo, dbc, other.ID); untouched.NextAction != types.ActionUpsert {
		t.Fatalf("other target must stay pending, got %s", untouched.NextAction)
	}

	// A delete proposed after the upsert batch was read survives reconciliation.
	if _, err := repo.MarkForDelete(dbc, "s1", types.EntityTypeProduct, []int64{6}); err != nil {
		t.Fatalf("MarkForDelete: %v", err)
	}
	if _, err := repo.ReconcileUpsert(dbc, Reconciliation{
		SiteID: "s1", EntityType: types.EntityTypeProduct, TargetIDs: []int64{6}, RecordIDs: []uint64{other.ID},
	}); err != nil {
		t.Fatalf("ReconcileUpsert: %v", err)
	}
	if got := mustGet(t, repo, dbc, other.ID); got.NextAction != types.ActionDelete || got.LastAction != types.ActionUpsert {
		t.Fatalf("expected pending delete to survive, got next=%s last=%s", got.NextAction, got.LastAction)
	}
}

func TestTrackedTargetIDsCursor(t *testing.T) {
	repo, dbc := setup(t)

	for _, id := range []int64{4, 1, 3, 2} {
		mustSave(t, repo, dbc, newRecord("s1", id, "", types.ActionNone, types.ActionNone, false))
	}
	mustSave(t, repo, dbc, newRecord("s1", 2, "configurable", types.ActionNone, types.ActionNone, false))
	retired := newRecord("s1", 9, "", types.ActionNone, types.ActionDelete, false)
	retired.Retired = true
	mustSave(t, repo, dbc, retired)

	var all []int64
	after := int64(0)
	for {
		ids, err := repo.TrackedTargetIDs(dbc, "s1", types.EntityTypeProduct, after, 3)
		if err != nil {
			t.Fatalf("TrackedTargetIDs: %v", err)
		}
		if len(ids) == 0 {
			break
		}
		all = append(all, ids...)
		after = ids[len(ids)-1]
	}
	want := []int64{1, 2, 3, 4}
	if len(all) != len(want) {
		t.Fatalf("want=%v got=%v", want, all)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Fatalf("want=%v got=%v", want, all)
		}
	}
}

func TestIndexabilitySignals(t *testing.T) {
	repo, dbc := setup(t)

	fresh := mustSave(t, repo, dbc, newRecord("s1", 1, "", types.ActionNone, types.ActionNone, false))
	delivered := mustSave(t, repo, dbc, newRecord("s1", 2, "", types.ActionNone, types.ActionUpsert, true))

	if n, err := repo.SetIndexable(dbc, "s1", types.EntityTypeProduct, []int64{1}); err != nil || n != 1 {
		t.Fatalf("SetIndexable: n=%d err=%v", n, err)
	}
	if got := mustGet(t, repo, dbc, fresh.ID); got.NextAction != types.ActionUpsert || !got.IsIndexable {
		t.Fatalf("SetIndexable: next=%s indexable=%v", got.NextAction, got.IsIndexable)
	}

	if _, err := repo.SetNotIndexable(dbc, "s1", types.EntityTypeProduct, []int64{1, 2}); err != nil {
		t.Fatalf("SetNotIndexable: %v", err)
	}
	if got := mustGet(t, repo, dbc, fresh.ID); got.NextAction != types.ActionNone || got.IsIndexable {
		t.Fatalf("never delivered row: next=%s indexable=%v", got.NextAction, got.IsIndexable)
	}
	if got := mustGet(t, repo, dbc, delivered.ID); got.NextAction != types.ActionDelete || got.IsIndexable {
		t.Fatalf("delivered row: next=%s indexable=%v", got.NextAction, got.IsIndexable)
	}
}

func TestListPendingSkipsLedgerEntries(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	repo := NewIndexingRecordRepo(db, testutil.Logger(t))
	failures := NewIndexingFailureRepo(db, testutil.Logger(t))

	a := mustSave(t, repo, dbc, newRecord("s1", 1, "", types.ActionUpsert, types.ActionNone, true))
	b := mustSave(t, repo, dbc, newRecord("s1", 2, "", types.ActionUpsert, types.ActionNone, true))
	c := mustSave(t, repo, dbc, newRecord("s1", 3, "", types.ActionUpsert, types.ActionNone, true))
	mustSave(t, repo, dbc, newRecord("s2", 4, "", types.ActionUpsert, types.ActionNone, true))

	now := time.Now().UTC()
	if _, err := failures.RecordFailures(dbc, "s1", types.ActionUpsert, []FailureInput{{RecordID: a.ID, Reason: "503"}},
		BackoffPolicy{Base: time.Minute}, now); err != nil {
		t.Fatalf("RecordFailures backoff: %v", err)
	}
	if _, err := failures.RecordFailures(dbc, "s1", types.ActionUpsert, []FailureInput{{RecordID: b.ID, Reason: "400"}},
		BackoffPolicy{MaxAttempts: 1}, now); err != nil {
		t.Fatalf("RecordFailures quarantine: %v", err)
	}

	rows, err := repo.ListPending(dbc, PendingQuery{SiteID: "s1", Action: types.ActionUpsert, IndexableOnly: true, Limit: 10, Now: now})
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != c.ID {
		t.Fatalf("expected only record %d, got %+v", c.ID, rows)
	}

	later := now.Add(2 * time.Minute)
	rows, err = repo.ListPending(dbc, PendingQuery{SiteID: "s1", Action: types.ActionUpsert, IndexableOnly: true, Limit: 10, Now: later})
	if err != nil || len(rows) != 2 || rows[0].ID != a.ID {
		t.Fatalf("after backoff: err=%v rows=%+v", err, rows)
	}

	if n, err := failures.CountQuarantined(dbc, "s1"); err != nil || n != 1 {
		t.Fatalf("CountQuarantined: n=%d err=%v", n, err)
	}
	if _, err := failures.Release(dbc, "s1", nil); err != nil {
		t.Fatalf("Release: %v", err)
	}
	rows, err = repo.ListPending(dbc, PendingQuery{SiteID: "s1", Action: types.ActionUpsert, IndexableOnly: true, Limit: 10, Now: later})
	if err != nil || len(rows) != 3 {
		t.Fatalf("after release: err=%v rows=%d", err, len(rows))
	}
}
