package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openfield/fieldsync/internal/mutation"
)

// MediaUpload is one queued binary attachment. Rows are discovered during
// remote apply (photo task deltas) and drained by the media upload pipeline
// independently of the mutation log.
type MediaUpload struct {
	ID           int64
	SubmissionID string
	TaskID       string
	LocalPath    string
	RemotePath   string
	SyncStatus   mutation.Status
	RetryCount   int
	LastError    string
	CreatedAt    time.Time
}

// EnqueueMediaUpload adds an upload to the media queue. Enqueueing the same
// (submission, task, file) again is a no-op, so repeated coordinator runs
// cannot duplicate work.
func (s *Store) EnqueueMediaUpload(ctx context.Context, mu *MediaUpload) error {
	if mu.SubmissionID == "" || mu.TaskID == "" || mu.LocalPath == "" {
		return fmt.Errorf("media upload requires submission id, task id, and local path")
	}
	if mu.SyncStatus == "" {
		mu.SyncStatus = mutation.StatusPending
	}
	if mu.CreatedAt.IsZero() {
		mu.CreatedAt = time.Now()
	}

	res, err := s.conn.ExecContext(ctx, `
	INSERT INTO media_uploads (
		submission_id, task_id, local_path, remote_path, sync_status,
		retry_count, last_error, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(submission_id, task_id, local_path) DO NOTHING`,
		mu.SubmissionID, mu.TaskID, mu.LocalPath, mu.RemotePath,
		string(mu.SyncStatus), mu.RetryCount, mu.LastError,
		timeToDB(mu.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue media upload: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil && id != 0 {
		mu.ID = id
	}
	return nil
}

// PendingMediaUploads returns every upload still awaiting completion:
// PENDING, AWAITING_RETRY, and IN_PROGRESS rows (the latter cover runs that
// died mid-upload).
func (s *Store) PendingMediaUploads(ctx context.Context) ([]*MediaUpload, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, submission_id, task_id, local_path, remote_path, sync_status,
	       retry_count, last_error, created_at
	FROM media_uploads
	WHERE sync_status IN (?, ?, ?)
	ORDER BY id`,
		string(mutation.StatusPending),
		string(mutation.StatusMediaUploadAwaitingRetry),
		string(mutation.StatusMediaUploadInProgress))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending media uploads: %w", err)
	}
	defer rows.Close()

	var uploads []*MediaUpload
	for rows.Next() {
		var (
			mu        MediaUpload
			status    string
			lastError sql.NullString
			createdAt string
		)
		err := rows.Scan(&mu.ID, &mu.SubmissionID, &mu.TaskID, &mu.LocalPath,
			&mu.RemotePath, &status, &mu.RetryCount, &lastError, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan media upload: %w", err)
		}
		mu.SyncStatus = mutation.Status(status)
		mu.LastError = lastError.String
		mu.CreatedAt = timeFromDB(createdAt)
		uploads = append(uploads, &mu)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating media uploads: %w", err)
	}
	return uploads, nil
}

// UpdateMediaUpload writes back status, retry count, and last error for one
// queued upload.
func (s *Store) UpdateMediaUpload(ctx context.Context, mu *MediaUpload) error {
	_, err := s.conn.ExecContext(ctx, `
	UPDATE media_uploads
	SET sync_status = ?, retry_count = ?, last_error = ?
	WHERE id = ?`,
		string(mu.SyncStatus), mu.RetryCount, mu.LastError, mu.ID)
	if err != nil {
		return fmt.Errorf("failed to update media upload %d: %w", mu.ID, err)
	}
	return nil
}

// PendingMediaForSubmission returns how many of a submission's uploads are
// still awaiting completion. Zero means the submission's mutations can
// leave their media-upload status.
func (s *Store) PendingMediaForSubmission(ctx context.Context, submissionID string) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM media_uploads
	WHERE submission_id = ? AND sync_status IN (?, ?, ?)`,
		submissionID,
		string(mutation.StatusPending),
		string(mutation.StatusMediaUploadAwaitingRetry),
		string(mutation.StatusMediaUploadInProgress)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count submission media uploads: %w", err)
	}
	return count, nil
}

// MutationsAwaitingMedia returns a submission's mutations whose field
// values have synced but whose attachments are still uploading.
func (s *Store) MutationsAwaitingMedia(ctx context.Context, submissionID string) ([]*mutation.Mutation, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT `+mutationColumns+`
	FROM mutations
	WHERE entity_id = ? AND sync_status IN (?, ?)
	ORDER BY client_timestamp ASC, id ASC`,
		submissionID,
		string(mutation.StatusMediaUploadInProgress),
		string(mutation.StatusMediaUploadAwaitingRetry))
	if err != nil {
		return nil, fmt.Errorf("failed to query media-awaiting mutations: %w", err)
	}
	defer rows.Close()
	return scanMutations(rows)
}

// PendingMediaCount returns how many uploads are still awaiting completion.
func (s *Store) PendingMediaCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM media_uploads WHERE sync_status IN (?, ?, ?)`,
		string(mutation.StatusPending),
		string(mutation.StatusMediaUploadAwaitingRetry),
		string(mutation.StatusMediaUploadInProgress)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending media uploads: %w", err)
	}
	return count, nil
}
