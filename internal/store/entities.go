package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/openfield/fieldsync/internal/entity"
	"github.com/openfield/fieldsync/internal/merge"
	"github.com/openfield/fieldsync/internal/mutation"
)

// MergeLOI replaces the base LOI with fresh remote data, then replays all
// still-pending mutation deltas on top of it, so local edits are never
// silently overwritten by a remote refresh. With no pending mutations this
// is a plain upsert.
func (s *Store) MergeLOI(ctx context.Context, loi *entity.LocationOfInterest) error {
	if err := loi.Validate(); err != nil {
		return fmt.Errorf("cannot merge invalid loi: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	pending, err := pendingForEntityTx(ctx, tx, loi.ID)
	if err != nil {
		return err
	}
	merged := merge.LOI(*loi, pending)
	if err := upsertLOITx(ctx, tx, &merged); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit loi merge: %w", err)
	}

	s.notifySurvey(ctx, merged.SurveyID)
	return nil
}

// MergeSubmission is the submission counterpart of MergeLOI.
func (s *Store) MergeSubmission(ctx context.Context, sub *entity.Submission) error {
	if err := sub.Validate(); err != nil {
		return fmt.Errorf("cannot merge invalid submission: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	pending, err := pendingForEntityTx(ctx, tx, sub.ID)
	if err != nil {
		return err
	}
	merged := merge.Submission(*sub, pending)
	if err := upsertSubmissionTx(ctx, tx, &merged); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit submission merge: %w", err)
	}

	s.notifySurvey(ctx, merged.SurveyID)
	return nil
}

// pendingForEntityTx loads the PENDING and IN_PROGRESS mutations for an
// entity inside the caller's transaction, in replay order.
func pendingForEntityTx(ctx context.Context, tx *sql.Tx, entityID string) ([]*mutation.Mutation, error) {
	rows, err := tx.QueryContext(ctx, `
	SELECT `+mutationColumns+`
	FROM mutations
	WHERE entity_id = ? AND sync_status IN (?, ?)
	ORDER BY client_timestamp ASC, id ASC`,
		entityID,
		string(mutation.StatusPending), string(mutation.StatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending mutations: %w", err)
	}
	defer rows.Close()
	return scanMutations(rows)
}

// GetLOI returns the materialized LOI, tombstoned or not.
// Returns ErrNotFound if no row exists.
func (s *Store) GetLOI(ctx context.Context, id string) (*entity.LocationOfInterest, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT id, survey_id, job_id, created_by, geometry, state, created_at, updated_at
	FROM lois WHERE id = ?`, id)
	loi, err := scanLOI(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("loi %s: %w", id, ErrNotFound)
	}
	return loi, err
}

// GetSubmission returns the materialized submission, tombstoned or not.
// Returns ErrNotFound if no row exists.
func (s *Store) GetSubmission(ctx context.Context, id string) (*entity.Submission, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT id, loi_id, survey_id, job_id, created_by, data, state, created_at, updated_at
	FROM submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return sub, err
}

// ValidLOIs returns the live (non-tombstoned) LOIs in a survey.
func (s *Store) ValidLOIs(ctx context.Context, surveyID string) ([]*entity.LocationOfInterest, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, survey_id, job_id, created_by, geometry, state, created_at, updated_at
	FROM lois
	WHERE survey_id = ? AND state = ?
	ORDER BY id`, surveyID, string(entity.StateDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to query valid lois: %w", err)
	}
	defer rows.Close()

	var lois []*entity.LocationOfInterest
	for rows.Next() {
		loi, err := scanLOI(rows)
		if err != nil {
			return nil, err
		}
		lois = append(lois, loi)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lois: %w", err)
	}
	return lois, nil
}

// ValidSubmissions returns the live (non-tombstoned) submissions in a survey.
func (s *Store) ValidSubmissions(ctx context.Context, surveyID string) ([]*entity.Submission, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, loi_id, survey_id, job_id, created_by, data, state, created_at, updated_at
	FROM submissions
	WHERE survey_id = ? AND state = ?
	ORDER BY id`, surveyID, string(entity.StateDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to query valid submissions: %w", err)
	}
	defer rows.Close()

	var subs []*entity.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating submissions: %w", err)
	}
	return subs, nil
}

// WatchValidLOIs returns a live stream of the valid LOIs in a survey. The
// current set is delivered first; every relevant write pushes the full
// updated set. The stream ends when ctx is cancelled.
func (s *Store) WatchValidLOIs(ctx context.Context, surveyID string) (<-chan []*entity.LocationOfInterest, error) {
	ch := s.loiStreams.Subscribe(ctx, surveyID)
	lois, err := s.ValidLOIs(ctx, surveyID)
	if err != nil {
		return nil, err
	}
	s.loiStreams.Publish(surveyID, lois)
	return ch, nil
}

// WatchValidSubmissions is the submission counterpart of WatchValidLOIs.
func (s *Store) WatchValidSubmissions(ctx context.Context, surveyID string) (<-chan []*entity.Submission, error) {
	ch := s.subStreams.Subscribe(ctx, surveyID)
	subs, err := s.ValidSubmissions(ctx, surveyID)
	if err != nil {
		return nil, err
	}
	s.subStreams.Publish(surveyID, subs)
	return ch, nil
}

func getLOITx(ctx context.Context, tx *sql.Tx, id string) (entity.LocationOfInterest, error) {
	row := tx.QueryRowContext(ctx, `
	SELECT id, survey_id, job_id, created_by, geometry, state, created_at, updated_at
	FROM lois WHERE id = ?`, id)
	loi, err := scanLOI(row)
	if err == sql.ErrNoRows {
		return entity.LocationOfInterest{}, nil // empty base for CREATE
	}
	if err != nil {
		return entity.LocationOfInterest{}, err
	}
	return *loi, nil
}

func getSubmissionTx(ctx context.Context, tx *sql.Tx, id string) (entity.Submission, error) {
	row := tx.QueryRowContext(ctx, `
	SELECT id, loi_id, survey_id, job_id, created_by, data, state, created_at, updated_at
	FROM submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return entity.Submission{}, nil
	}
	if err != nil {
		return entity.Submission{}, err
	}
	return *sub, nil
}

func upsertLOITx(ctx context.Context, tx *sql.Tx, loi *entity.LocationOfInterest) error {
	var geometry sql.NullString
	if len(loi.Geometry) > 0 {
		geometry = sql.NullString{String: string(loi.Geometry), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
	INSERT INTO lois (id, survey_id, job_id, created_by, geometry, state, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		survey_id = excluded.survey_id,
		job_id = excluded.job_id,
		geometry = excluded.geometry,
		state = excluded.state,
		updated_at = excluded.updated_at`,
		loi.ID, loi.SurveyID, loi.JobID, loi.CreatedBy, geometry,
		string(loi.State), timeToDB(loi.CreatedAt), timeToDB(loi.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert loi %s: %w", loi.ID, err)
	}
	return nil
}

func upsertSubmissionTx(ctx context.Context, tx *sql.Tx, sub *entity.Submission) error {
	var data sql.NullString
	if len(sub.Data) > 0 {
		b, err := json.Marshal(sub.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal submission data: %w", err)
		}
		data = sql.NullString{String: string(b), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
	INSERT INTO submissions (id, loi_id, survey_id, job_id, created_by, data, state, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		loi_id = excluded.loi_id,
		survey_id = excluded.survey_id,
		job_id = excluded.job_id,
		data = excluded.data,
		state = excluded.state,
		updated_at = excluded.updated_at`,
		sub.ID, sub.LOIID, sub.SurveyID, sub.JobID, sub.CreatedBy, data,
		string(sub.State), timeToDB(sub.CreatedAt), timeToDB(sub.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert submission %s: %w", sub.ID, err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for the shared scan helpers.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanLOI(row scanner) (*entity.LocationOfInterest, error) {
	var (
		loi                  entity.LocationOfInterest
		jobID, createdBy     sql.NullString
		geometry             sql.NullString
		state                string
		createdAt, updatedAt string
	)
	err := row.Scan(&loi.ID, &loi.SurveyID, &jobID, &createdBy, &geometry,
		&state, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan loi: %w", err)
	}
	loi.JobID = jobID.String
	loi.CreatedBy = createdBy.String
	if geometry.Valid {
		loi.Geometry = []byte(geometry.String)
	}
	loi.State = entity.State(state)
	loi.CreatedAt = timeFromDB(createdAt)
	loi.UpdatedAt = timeFromDB(updatedAt)
	return &loi, nil
}

func scanSubmission(row scanner) (*entity.Submission, error) {
	var (
		sub                  entity.Submission
		jobID, createdBy     sql.NullString
		data                 sql.NullString
		state                string
		createdAt, updatedAt string
	)
	err := row.Scan(&sub.ID, &sub.LOIID, &sub.SurveyID, &jobID, &createdBy,
		&data, &state, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan submission: %w", err)
	}
	sub.JobID = jobID.String
	sub.CreatedBy = createdBy.String
	if data.Valid {
		if err := json.Unmarshal([]byte(data.String), &sub.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal submission data: %w", err)
		}
	}
	sub.State = entity.State(state)
	sub.CreatedAt = timeFromDB(createdAt)
	sub.UpdatedAt = timeFromDB(updatedAt)
	return &sub, nil
}
