package store

import (
	"context"
	"testing"
	"time"

	"github.com/openfield/fieldsync/internal/mutation"
)

func TestEnqueueMediaUpload_Deduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mu := &MediaUpload{
		SubmissionID: "sub-1",
		TaskID:       "t1",
		LocalPath:    "/tmp/photo.jpg",
		RemotePath:   "surveys/s/photo.jpg",
	}
	if err := s.EnqueueMediaUpload(ctx, mu); err != nil {
		t.Fatalf("First EnqueueMediaUpload() failed: %v", err)
	}
	// A repeated coordinator run re-discovers the same photo.
	if err := s.EnqueueMediaUpload(ctx, &MediaUpload{
		SubmissionID: "sub-1",
		TaskID:       "t1",
		LocalPath:    "/tmp/photo.jpg",
		RemotePath:   "surveys/s/photo.jpg",
	}); err != nil {
		t.Fatalf("Second EnqueueMediaUpload() failed: %v", err)
	}

	uploads, err := s.PendingMediaUploads(ctx)
	if err != nil {
		t.Fatalf("PendingMediaUploads() failed: %v", err)
	}
	if len(uploads) != 1 {
		t.Fatalf("pending uploads = %d, want duplicate collapsed to 1", len(uploads))
	}
	if uploads[0].SyncStatus != mutation.StatusPending {
		t.Errorf("status = %q, want PENDING", uploads[0].SyncStatus)
	}
}

func TestEnqueueMediaUpload_RequiresIdentity(t *testing.T) {
	s := newTestStore(t)

	if err := s.EnqueueMediaUpload(context.Background(), &MediaUpload{TaskID: "t1"}); err == nil {
		t.Error("EnqueueMediaUpload() without submission id should fail")
	}
}

func TestPendingMediaUploads_IncludesRetryAndInProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	statuses := []mutation.Status{
		mutation.StatusPending,
		mutation.StatusMediaUploadAwaitingRetry,
		mutation.StatusMediaUploadInProgress,
		mutation.StatusCompleted,
		mutation.StatusFailed,
	}
	for i, st := range statuses {
		mu := &MediaUpload{
			SubmissionID: "sub-1",
			TaskID:       string(rune('a' + i)),
			LocalPath:    "/tmp/" + string(rune('a'+i)) + ".jpg",
			RemotePath:   "r/" + string(rune('a'+i)),
			SyncStatus:   st,
		}
		if err := s.EnqueueMediaUpload(ctx, mu); err != nil {
			t.Fatalf("EnqueueMediaUpload(%s) failed: %v", st, err)
		}
	}

	uploads, err := s.PendingMediaUploads(ctx)
	if err != nil {
		t.Fatalf("PendingMediaUploads() failed: %v", err)
	}
	if len(uploads) != 3 {
		t.Errorf("pending uploads = %d, want 3 (terminal states excluded)", len(uploads))
	}

	count, err := s.PendingMediaForSubmission(ctx, "sub-1")
	if err != nil {
		t.Fatalf("PendingMediaForSubmission() failed: %v", err)
	}
	if count != 3 {
		t.Errorf("pending for submission = %d, want 3", count)
	}
}

func TestUpdateMediaUpload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mu := &MediaUpload{
		SubmissionID: "sub-1",
		TaskID:       "t1",
		LocalPath:    "/tmp/photo.jpg",
		RemotePath:   "r/photo.jpg",
	}
	if err := s.EnqueueMediaUpload(ctx, mu); err != nil {
		t.Fatalf("EnqueueMediaUpload() failed: %v", err)
	}

	mu.SyncStatus = mutation.StatusMediaUploadAwaitingRetry
	mu.RetryCount = 2
	mu.LastError = "connection reset"
	if err := s.UpdateMediaUpload(ctx, mu); err != nil {
		t.Fatalf("UpdateMediaUpload() failed: %v", err)
	}

	uploads, err := s.PendingMediaUploads(ctx)
	if err != nil {
		t.Fatalf("PendingMediaUploads() failed: %v", err)
	}
	if len(uploads) != 1 {
		t.Fatalf("pending uploads = %d, want 1", len(uploads))
	}
	got := uploads[0]
	if got.SyncStatus != mutation.StatusMediaUploadAwaitingRetry || got.RetryCount != 2 || got.LastError != "connection reset" {
		t.Errorf("got status=%q retries=%d err=%q, want written-back values",
			got.SyncStatus, got.RetryCount, got.LastError)
	}
}

func TestMutationsAwaitingMedia(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := subMutation("sub-1", mutation.TypeCreate, time.Now().UTC(),
		mutation.TaskDelta{TaskID: "t1", TaskType: mutation.TaskTypePhoto, Value: "/tmp/p.jpg"})
	if err := s.ApplyAndEnqueue(ctx, m); err != nil {
		t.Fatalf("ApplyAndEnqueue() failed: %v", err)
	}

	muts, err := s.MutationsAwaitingMedia(ctx, "sub-1")
	if err != nil {
		t.Fatalf("MutationsAwaitingMedia() failed: %v", err)
	}
	if len(muts) != 0 {
		t.Fatalf("awaiting media = %d, want 0 before field sync", len(muts))
	}

	m.SyncStatus = mutation.StatusMediaUploadInProgress
	if err := s.UpdateMutations(ctx, []*mutation.Mutation{m}); err != nil {
		t.Fatalf("UpdateMutations() failed: %v", err)
	}

	muts, err = s.MutationsAwaitingMedia(ctx, "sub-1")
	if err != nil {
		t.Fatalf("MutationsAwaitingMedia() failed: %v", err)
	}
	if len(muts) != 1 {
		t.Errorf("awaiting media = %d, want 1", len(muts))
	}
}
