package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfield/fieldsync/internal/entity"
	"github.com/openfield/fieldsync/internal/mutation"
)

// newTestStore opens a store on a temporary database with the schema
// initialized.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return s
}

// recordingRequester captures fire-and-forget sync requests.
type recordingRequester struct {
	ids []string
}

func (r *recordingRequester) RequestSync(entityID string) {
	r.ids = append(r.ids, entityID)
}

func loiMutation(entityID string, typ mutation.Type, ts time.Time, geometry string) *mutation.Mutation {
	m := &mutation.Mutation{
		Kind:            mutation.KindLocationOfInterest,
		EntityID:        entityID,
		SurveyID:        "survey-1",
		UserID:          "user-1",
		Type:            typ,
		ClientTimestamp: ts,
	}
	if geometry != "" {
		m.Geometry = json.RawMessage(geometry)
	}
	return m
}

func subMutation(entityID string, typ mutation.Type, ts time.Time, deltas ...mutation.TaskDelta) *mutation.Mutation {
	return &mutation.Mutation{
		Kind:            mutation.KindSubmission,
		EntityID:        entityID,
		SurveyID:        "survey-1",
		UserID:          "user-1",
		LOIID:           "loi-1",
		Type:            typ,
		ClientTimestamp: ts,
		Deltas:          deltas,
	}
}

func TestOpen_Success(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if s.path != path {
		t.Errorf("path = %q, want %q", s.path, path)
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	s := newTestStore(t)

	if err := s.InitSchema(context.Background()); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}

	tables := []string{"mutations", "lois", "submissions", "users", "media_uploads"}
	for _, table := range tables {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := s.conn.QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

func TestApplyAndEnqueue_CreateLOI(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := &recordingRequester{}
	s.SetSyncRequester(req)

	m := loiMutation("loi-1", mutation.TypeCreate, time.Now().UTC(), `{"type":"Point"}`)
	if err := s.ApplyAndEnqueue(ctx, m); err != nil {
		t.Fatalf("ApplyAndEnqueue() failed: %v", err)
	}
	if m.ID == 0 {
		t.Error("mutation was not assigned an id")
	}

	loi, err := s.GetLOI(ctx, "loi-1")
	if err != nil {
		t.Fatalf("GetLOI() failed: %v", err)
	}
	if string(loi.Geometry) != `{"type":"Point"}` {
		t.Errorf("geometry = %s, want the applied geometry", loi.Geometry)
	}
	if loi.State != entity.StateDefault {
		t.Errorf("state = %q, want %q", loi.State, entity.StateDefault)
	}

	pending, err := s.PendingMutations(ctx, "loi-1")
	if err != nil {
		t.Fatalf("PendingMutations() failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending mutations = %d, want 1", len(pending))
	}
	if pending[0].SyncStatus != mutation.StatusPending {
		t.Errorf("status = %q, want %q", pending[0].SyncStatus, mutation.StatusPending)
	}

	if len(req.ids) != 1 || req.ids[0] != "loi-1" {
		t.Errorf("sync requests = %v, want [loi-1]", req.ids)
	}
}

func TestApplyAndEnqueue_Atomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	injected := errors.New("injected failure")
	s.beforeEnqueue = func() error { return injected }

	m := loiMutation("loi-1", mutation.TypeCreate, time.Now().UTC(), `{"type":"Point"}`)
	if err := s.ApplyAndEnqueue(ctx, m); !errors.Is(err, injected) {
		t.Fatalf("ApplyAndEnqueue() error = %v, want injected failure", err)
	}

	// Neither the entity nor the log entry may survive a partial apply.
	if _, err := s.GetLOI(ctx, "loi-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetLOI() error = %v, want ErrNotFound", err)
	}
	pending, err := s.PendingMutations(ctx, "loi-1")
	if err != nil {
		t.Fatalf("PendingMutations() failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending mutations = %d, want 0", len(pending))
	}
}

func TestApplyAndEnqueue_Invalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := loiMutation("", mutation.TypeCreate, time.Now().UTC(), "")
	err := s.ApplyAndEnqueue(ctx, m)
	if !errors.Is(err, mutation.ErrInvalid) {
		t.Fatalf("ApplyAndEnqueue() error = %v, want ErrInvalid", err)
	}

	ids, err := s.PendingEntityIDs(ctx)
	if err != nil {
		t.Fatalf("PendingEntityIDs() failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("pending entity ids = %v, want none", ids)
	}
}

func TestApplyAndEnqueue_UpdateReplaysOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	if err := s.ApplyAndEnqueue(ctx, loiMutation("loi-1", mutation.TypeCreate, base, `{"v":1}`)); err != nil {
		t.Fatalf("ApplyAndEnqueue(create) failed: %v", err)
	}
	if err := s.ApplyAndEnqueue(ctx, loiMutation("loi-1", mutation.TypeUpdate, base.Add(time.Second), `{"v":2}`)); err != nil {
		t.Fatalf("ApplyAndEnqueue(update) failed: %v", err)
	}

	loi, err := s.GetLOI(ctx, "loi-1")
	if err != nil {
		t.Fatalf("GetLOI() failed: %v", err)
	}
	if string(loi.Geometry) != `{"v":2}` {
		t.Errorf("geometry = %s, want the later update", loi.Geometry)
	}

	pending, err := s.PendingMutations(ctx, "loi-1")
	if err != nil {
		t.Fatalf("PendingMutations() failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending mutations = %d, want 2", len(pending))
	}
	if !pending[0].ClientTimestamp.Before(pending[1].ClientTimestamp) {
		t.Error("pending mutations are not in client timestamp order")
	}
}

func TestApplyAndEnqueue_DeleteTombstones(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	if err := s.ApplyAndEnqueue(ctx, loiMutation("loi-1", mutation.TypeCreate, base, `{"v":1}`)); err != nil {
		t.Fatalf("ApplyAndEnqueue(create) failed: %v", err)
	}
	if err := s.ApplyAndEnqueue(ctx, loiMutation("loi-1", mutation.TypeDelete, base.Add(time.Second), "")); err != nil {
		t.Fatalf("ApplyAndEnqueue(delete) failed: %v", err)
	}

	loi, err := s.GetLOI(ctx, "loi-1")
	if err != nil {
		t.Fatalf("GetLOI() failed: %v", err)
	}
	if !loi.Deleted() {
		t.Errorf("state = %q, want tombstone", loi.State)
	}
	if string(loi.Geometry) != `{"v":1}` {
		t.Errorf("geometry = %s, want preserved through tombstone", loi.Geometry)
	}

	valid, err := s.ValidLOIs(ctx, "survey-1")
	if err != nil {
		t.Fatalf("ValidLOIs() failed: %v", err)
	}
	if len(valid) != 0 {
		t.Errorf("valid lois = %d, want 0 after tombstone", len(valid))
	}
}

func TestMergeLOI_PreservesPendingEdits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	if err := s.ApplyAndEnqueue(ctx, loiMutation("loi-1", mutation.TypeCreate, base, `{"local":true}`)); err != nil {
		t.Fatalf("ApplyAndEnqueue() failed: %v", err)
	}

	remote := &entity.LocationOfInterest{
		ID:        "loi-1",
		SurveyID:  "survey-1",
		Geometry:  json.RawMessage(`{"remote":true}`),
		State:     entity.StateDefault,
		CreatedAt: base,
		UpdatedAt: base,
	}
	if err := s.MergeLOI(ctx, remote); err != nil {
		t.Fatalf("MergeLOI() failed: %v", err)
	}

	loi, err := s.GetLOI(ctx, "loi-1")
	if err != nil {
		t.Fatalf("GetLOI() failed: %v", err)
	}
	if string(loi.Geometry) != `{"local":true}` {
		t.Errorf("geometry = %s, want pending local edit replayed on top", loi.Geometry)
	}
}

func TestMergeLOI_NoPendingIsPlainUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	remote := &entity.LocationOfInterest{
		ID:        "loi-9",
		SurveyID:  "survey-1",
		Geometry:  json.RawMessage(`{"remote":true}`),
		State:     entity.StateDefault,
		CreatedAt: base,
		UpdatedAt: base,
	}
	if err := s.MergeLOI(ctx, remote); err != nil {
		t.Fatalf("MergeLOI() failed: %v", err)
	}

	loi, err := s.GetLOI(ctx, "loi-9")
	if err != nil {
		t.Fatalf("GetLOI() failed: %v", err)
	}
	if string(loi.Geometry) != `{"remote":true}` {
		t.Errorf("geometry = %s, want remote state", loi.Geometry)
	}
}

func TestMergeSubmission_PreservesPendingDeltas(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	m := subMutation("sub-1", mutation.TypeCreate, base,
		mutation.TaskDelta{TaskID: "t1", Value: "local"})
	if err := s.ApplyAndEnqueue(ctx, m); err != nil {
		t.Fatalf("ApplyAndEnqueue() failed: %v", err)
	}

	remote := &entity.Submission{
		ID:        "sub-1",
		LOIID:     "loi-1",
		SurveyID:  "survey-1",
		Data:      map[string]string{"t1": "remote", "t2": "untouched"},
		State:     entity.StateDefault,
		CreatedAt: base,
		UpdatedAt: base,
	}
	if err := s.MergeSubmission(ctx, remote); err != nil {
		t.Fatalf("MergeSubmission() failed: %v", err)
	}

	sub, err := s.GetSubmission(ctx, "sub-1")
	if err != nil {
		t.Fatalf("GetSubmission() failed: %v", err)
	}
	if sub.Data["t1"] != "local" {
		t.Errorf("t1 = %q, want pending local value", sub.Data["t1"])
	}
	if sub.Data["t2"] != "untouched" {
		t.Errorf("t2 = %q, want remote value preserved", sub.Data["t2"])
	}
}

func TestUpdateMutations_WritesBackStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := loiMutation("loi-1", mutation.TypeCreate, time.Now().UTC(), `{"v":1}`)
	if err := s.ApplyAndEnqueue(ctx, m); err != nil {
		t.Fatalf("ApplyAndEnqueue() failed: %v", err)
	}

	m.SyncStatus = mutation.StatusFailed
	m.RetryCount = 3
	m.LastError = "remote rejected"
	if err := s.UpdateMutations(ctx, []*mutation.Mutation{m}); err != nil {
		t.Fatalf("UpdateMutations() failed: %v", err)
	}

	muts, err := s.MutationsForEntity(ctx, "loi-1")
	if err != nil {
		t.Fatalf("MutationsForEntity() failed: %v", err)
	}
	if len(muts) != 1 {
		t.Fatalf("mutations = %d, want 1", len(muts))
	}
	got := muts[0]
	if got.SyncStatus != mutation.StatusFailed || got.RetryCount != 3 || got.LastError != "remote rejected" {
		t.Errorf("got status=%q retries=%d err=%q, want written-back values",
			got.SyncStatus, got.RetryCount, got.LastError)
	}
}

func TestFinalizeMutations_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := loiMutation("loi-1", mutation.TypeCreate, time.Now().UTC(), `{"v":1}`)
	if err := s.ApplyAndEnqueue(ctx, m); err != nil {
		t.Fatalf("ApplyAndEnqueue() failed: %v", err)
	}

	if err := s.FinalizeMutations(ctx, []*mutation.Mutation{m}); err != nil {
		t.Fatalf("First FinalizeMutations() failed: %v", err)
	}
	if err := s.FinalizeMutations(ctx, []*mutation.Mutation{m}); err != nil {
		t.Fatalf("Second FinalizeMutations() failed: %v", err)
	}

	muts, err := s.MutationsForEntity(ctx, "loi-1")
	if err != nil {
		t.Fatalf("MutationsForEntity() failed: %v", err)
	}
	if muts[0].SyncStatus != mutation.StatusCompleted {
		t.Errorf("status = %q, want COMPLETED", muts[0].SyncStatus)
	}

	if _, err := s.GetLOI(ctx, "loi-1"); err != nil {
		t.Errorf("GetLOI() after finalize failed: %v", err)
	}
}

func TestFinalizeMutations_DeletePurgesCascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	if err := s.ApplyAndEnqueue(ctx, loiMutation("loi-1", mutation.TypeCreate, base, `{"v":1}`)); err != nil {
		t.Fatalf("ApplyAndEnqueue(loi) failed: %v", err)
	}
	if err := s.ApplyAndEnqueue(ctx, subMutation("sub-1", mutation.TypeCreate, base.Add(time.Second),
		mutation.TaskDelta{TaskID: "t1", Value: "answer"})); err != nil {
		t.Fatalf("ApplyAndEnqueue(sub) failed: %v", err)
	}
	if err := s.EnqueueMediaUpload(ctx, &MediaUpload{
		SubmissionID: "sub-1",
		TaskID:       "t1",
		LocalPath:    "/tmp/photo.jpg",
		RemotePath:   "surveys/survey-1/photo.jpg",
	}); err != nil {
		t.Fatalf("EnqueueMediaUpload() failed: %v", err)
	}

	del := loiMutation("loi-1", mutation.TypeDelete, base.Add(2*time.Second), "")
	if err := s.ApplyAndEnqueue(ctx, del); err != nil {
		t.Fatalf("ApplyAndEnqueue(delete) failed: %v", err)
	}

	if err := s.FinalizeMutations(ctx, []*mutation.Mutation{del}); err != nil {
		t.Fatalf("FinalizeMutations() failed: %v", err)
	}

	if _, err := s.GetLOI(ctx, "loi-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetLOI() error = %v, want ErrNotFound after purge", err)
	}
	if _, err := s.GetSubmission(ctx, "sub-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSubmission() error = %v, want dependent submission purged", err)
	}
	count, err := s.PendingMediaCount(ctx)
	if err != nil {
		t.Fatalf("PendingMediaCount() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("pending media = %d, want queued uploads purged with the loi", count)
	}
}

func TestPendingEntityIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"loi-a", "loi-b"} {
		m := loiMutation(id, mutation.TypeCreate, base.Add(time.Duration(i)*time.Second), `{}`)
		if err := s.ApplyAndEnqueue(ctx, m); err != nil {
			t.Fatalf("ApplyAndEnqueue(%s) failed: %v", id, err)
		}
	}

	ids, err := s.PendingEntityIDs(ctx)
	if err != nil {
		t.Fatalf("PendingEntityIDs() failed: %v", err)
	}
	if fmt.Sprint(ids) != "[loi-a loi-b]" {
		t.Errorf("pending entity ids = %v, want [loi-a loi-b]", ids)
	}
}

func TestPendingMutations_IncludesInterruptedRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	first := loiMutation("loi-1", mutation.TypeCreate, base, `{"v":1}`)
	if err := s.ApplyAndEnqueue(ctx, first); err != nil {
		t.Fatalf("ApplyAndEnqueue() failed: %v", err)
	}
	second := loiMutation("loi-1", mutation.TypeUpdate, base.Add(time.Second), `{"v":2}`)
	if err := s.ApplyAndEnqueue(ctx, second); err != nil {
		t.Fatalf("ApplyAndEnqueue() failed: %v", err)
	}

	// A run that died mid-flight leaves its batch IN_PROGRESS.
	first.SyncStatus = mutation.StatusInProgress
	if err := s.UpdateMutations(ctx, []*mutation.Mutation{first}); err != nil {
		t.Fatalf("UpdateMutations() failed: %v", err)
	}

	pending, err := s.PendingMutations(ctx, "loi-1")
	if err != nil {
		t.Fatalf("PendingMutations() failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want the interrupted mutation back in the batch", len(pending))
	}
	if pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Errorf("pending order = [%d %d], want [%d %d]",
			pending[0].ID, pending[1].ID, first.ID, second.ID)
	}

	second.SyncStatus = mutation.StatusCompleted
	if err := s.UpdateMutations(ctx, []*mutation.Mutation{second}); err != nil {
		t.Fatalf("UpdateMutations() failed: %v", err)
	}
	ids, err := s.PendingEntityIDs(ctx)
	if err != nil {
		t.Fatalf("PendingEntityIDs() failed: %v", err)
	}
	if fmt.Sprint(ids) != "[loi-1]" {
		t.Errorf("pending entity ids = %v, want the IN_PROGRESS entity listed", ids)
	}
}

func TestApplyAndEnqueue_ForcesPendingStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := loiMutation("loi-1", mutation.TypeCreate, time.Now().UTC(), `{"v":1}`)
	m.SyncStatus = mutation.StatusCompleted
	if err := s.ApplyAndEnqueue(ctx, m); err != nil {
		t.Fatalf("ApplyAndEnqueue() failed: %v", err)
	}

	muts, err := s.MutationsForEntity(ctx, "loi-1")
	if err != nil {
		t.Fatalf("MutationsForEntity() failed: %v", err)
	}
	if len(muts) != 1 || muts[0].SyncStatus != mutation.StatusPending {
		t.Errorf("enqueued status = %q, want caller-supplied status overridden to PENDING", muts[0].SyncStatus)
	}
}

func TestWatchValidLOIs_DeliversCurrentThenUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	base := time.Now().UTC()

	if err := s.ApplyAndEnqueue(ctx, loiMutation("loi-1", mutation.TypeCreate, base, `{}`)); err != nil {
		t.Fatalf("ApplyAndEnqueue() failed: %v", err)
	}

	ch, err := s.WatchValidLOIs(ctx, "survey-1")
	if err != nil {
		t.Fatalf("WatchValidLOIs() failed: %v", err)
	}

	select {
	case lois := <-ch:
		if len(lois) != 1 || lois[0].ID != "loi-1" {
			t.Fatalf("initial snapshot = %v, want [loi-1]", lois)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial snapshot")
	}

	if err := s.ApplyAndEnqueue(ctx, loiMutation("loi-2", mutation.TypeCreate, base.Add(time.Second), `{}`)); err != nil {
		t.Fatalf("ApplyAndEnqueue() failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case lois := <-ch:
			if len(lois) == 2 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for updated snapshot")
		}
	}
}

func TestUsers_UpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &entity.User{ID: "user-1", Email: "e@example.com", DisplayName: "E"}
	if err := s.UpsertUser(ctx, u); err != nil {
		t.Fatalf("UpsertUser() failed: %v", err)
	}

	got, err := s.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUser() failed: %v", err)
	}
	if got.Email != "e@example.com" {
		t.Errorf("email = %q, want e@example.com", got.Email)
	}

	if _, err := s.GetUser(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetUser(missing) error = %v, want ErrNotFound", err)
	}
}
