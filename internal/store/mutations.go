package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openfield/fieldsync/internal/merge"
	"github.com/openfield/fieldsync/internal/mutation"
)

// ApplyAndEnqueue updates the materialized entity and appends the mutation
// to the durable log as a single transaction.
//
// CREATE and UPDATE upsert the entity with the mutation's delta merged onto
// the current materialized state (or an empty base). DELETE tombstones the
// entity without removing its row. The mutation is always inserted with
// SyncStatus=PENDING, regardless of any caller-supplied status, and its ID
// is assigned from the log.
//
// After commit, the sync coordinator is scheduled for the entity id
// (fire-and-forget) and the live streams are refreshed. An invalid mutation
// fails before any write with an error wrapping mutation.ErrInvalid.
func (s *Store) ApplyAndEnqueue(ctx context.Context, m *mutation.Mutation) error {
	if err := m.Validate(); err != nil {
		return err
	}
	m.SyncStatus = mutation.StatusPending

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.applyTx(ctx, tx, m); err != nil {
		return err
	}

	if s.beforeEnqueue != nil {
		if err := s.beforeEnqueue(); err != nil {
			return err
		}
	}

	id, err := insertMutationTx(ctx, tx, m)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit apply-and-enqueue: %w", err)
	}
	m.ID = id

	if s.requester != nil {
		s.requester.RequestSync(m.EntityID)
	}
	s.notifySurvey(ctx, m.SurveyID)
	s.notifyEntity(ctx, m.EntityID)
	return nil
}

// applyTx merges the mutation onto the current materialized entity inside
// the caller's transaction.
func (s *Store) applyTx(ctx context.Context, tx *sql.Tx, m *mutation.Mutation) error {
	switch m.Kind {
	case mutation.KindLocationOfInterest:
		base, err := getLOITx(ctx, tx, m.EntityID)
		if err != nil {
			return err
		}
		merged := merge.LOI(base, []*mutation.Mutation{m})
		return upsertLOITx(ctx, tx, &merged)
	case mutation.KindSubmission:
		base, err := getSubmissionTx(ctx, tx, m.EntityID)
		if err != nil {
			return err
		}
		merged := merge.Submission(base, []*mutation.Mutation{m})
		return upsertSubmissionTx(ctx, tx, &merged)
	default:
		return fmt.Errorf("%w: unknown kind %q", mutation.ErrInvalid, string(m.Kind))
	}
}

func insertMutationTx(ctx context.Context, tx *sql.Tx, m *mutation.Mutation) (int64, error) {
	var geometry, deltas sql.NullString
	if len(m.Geometry) > 0 {
		geometry = sql.NullString{String: string(m.Geometry), Valid: true}
	}
	if len(m.Deltas) > 0 {
		b, err := json.Marshal(m.Deltas)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal task deltas: %w", err)
		}
		deltas = sql.NullString{String: string(b), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
	INSERT INTO mutations (
		kind, entity_id, survey_id, job_id, user_id, loi_id, type,
		sync_status, client_timestamp, retry_count, last_error,
		geometry, deltas
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(m.Kind), m.EntityID, m.SurveyID, m.JobID, m.UserID, m.LOIID,
		string(m.Type), string(m.SyncStatus),
		m.ClientTimestamp.UnixNano(), m.RetryCount, m.LastError,
		geometry, deltas,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert mutation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read mutation id: %w", err)
	}
	return id, nil
}

const mutationColumns = `id, kind, entity_id, survey_id, job_id, user_id,
	loi_id, type, sync_status, client_timestamp, retry_count, last_error,
	geometry, deltas`

// PendingMutations returns the unapplied mutations for an entity, ordered
// by (client_timestamp, id). This is the batch a coordinator run operates
// on. IN_PROGRESS rows are included: a run interrupted by cancellation or a
// crash leaves its batch IN_PROGRESS, and the next run must resume it.
func (s *Store) PendingMutations(ctx context.Context, entityID string) ([]*mutation.Mutation, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT `+mutationColumns+`
	FROM mutations
	WHERE entity_id = ? AND sync_status IN (?, ?)
	ORDER BY client_timestamp ASC, id ASC`,
		entityID, string(mutation.StatusPending), string(mutation.StatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending mutations: %w", err)
	}
	defer rows.Close()
	return scanMutations(rows)
}

// MutationsForEntity returns every mutation for an entity in replay order.
// This backs the sync-status stream the UI observes.
func (s *Store) MutationsForEntity(ctx context.Context, entityID string) ([]*mutation.Mutation, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT `+mutationColumns+`
	FROM mutations
	WHERE entity_id = ?
	ORDER BY client_timestamp ASC, id ASC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutations: %w", err)
	}
	defer rows.Close()
	return scanMutations(rows)
}

// MutationsForSurvey returns every mutation in a survey in replay order.
func (s *Store) MutationsForSurvey(ctx context.Context, surveyID string) ([]*mutation.Mutation, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT `+mutationColumns+`
	FROM mutations
	WHERE survey_id = ?
	ORDER BY client_timestamp ASC, id ASC`, surveyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query survey mutations: %w", err)
	}
	defer rows.Close()
	return scanMutations(rows)
}

// PendingEntityIDs returns the distinct entity ids that still have
// unapplied (PENDING or IN_PROGRESS) mutations, for sync dispatch and for
// requeueing interrupted work at daemon startup.
func (s *Store) PendingEntityIDs(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT DISTINCT entity_id FROM mutations WHERE sync_status IN (?, ?)
	ORDER BY entity_id`,
		string(mutation.StatusPending), string(mutation.StatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending entity ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entity ids: %w", err)
	}
	return ids, nil
}

// UpdateMutations writes back status, retry count, and last error for the
// given mutations in one transaction, then refreshes the affected streams.
func (s *Store) UpdateMutations(ctx context.Context, muts []*mutation.Mutation) error {
	if len(muts) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, m := range muts {
		if _, err := tx.ExecContext(ctx, `
		UPDATE mutations
		SET sync_status = ?, retry_count = ?, last_error = ?
		WHERE id = ?`,
			string(m.SyncStatus), m.RetryCount, m.LastError, m.ID); err != nil {
			return fmt.Errorf("failed to update mutation %d: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mutation updates: %w", err)
	}

	for _, entityID := range distinctEntityIDs(muts) {
		s.notifyEntity(ctx, entityID)
	}
	return nil
}

// FinalizeMutations records the outcome of a successful remote apply.
//
// DELETE mutations purge the local entity and its dependent rows (a deleted
// LOI also purges its submissions and their queued media). All other
// mutations are marked COMPLETED. Finalizing an already-COMPLETED mutation
// is a no-op, so a repeated run after a crash cannot change entity state.
func (s *Store) FinalizeMutations(ctx context.Context, muts []*mutation.Mutation) error {
	if len(muts) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	surveys := make(map[string]bool)
	for _, m := range muts {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT sync_status FROM mutations WHERE id = ?`, m.ID).Scan(&current)
		if err == sql.ErrNoRows {
			continue // already purged by an earlier finalize
		}
		if err != nil {
			return fmt.Errorf("failed to read mutation %d: %w", m.ID, err)
		}
		if current == string(mutation.StatusCompleted) {
			continue
		}

		if m.Type == mutation.TypeDelete {
			if err := purgeEntityTx(ctx, tx, m.Kind, m.EntityID); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
		UPDATE mutations SET sync_status = ? WHERE id = ?`,
			string(mutation.StatusCompleted), m.ID); err != nil {
			return fmt.Errorf("failed to complete mutation %d: %w", m.ID, err)
		}
		m.SyncStatus = mutation.StatusCompleted
		surveys[m.SurveyID] = true
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit finalize: %w", err)
	}

	for surveyID := range surveys {
		s.notifySurvey(ctx, surveyID)
	}
	for _, entityID := range distinctEntityIDs(muts) {
		s.notifyEntity(ctx, entityID)
	}
	return nil
}

// purgeEntityTx removes a remotely-confirmed-deleted entity and everything
// that depends on it. A dangling submission whose LOI row is gone would be
// a data-integrity fault, so LOI purges cascade to submissions and their
// queued media before the LOI row itself goes.
func purgeEntityTx(ctx context.Context, tx *sql.Tx, kind mutation.Kind, entityID string) error {
	switch kind {
	case mutation.KindLocationOfInterest:
		if _, err := tx.ExecContext(ctx, `
		DELETE FROM media_uploads
		WHERE submission_id IN (SELECT id FROM submissions WHERE loi_id = ?)`,
			entityID); err != nil {
			return fmt.Errorf("failed to purge media for loi %s: %w", entityID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM submissions WHERE loi_id = ?`, entityID); err != nil {
			return fmt.Errorf("failed to purge submissions for loi %s: %w", entityID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM lois WHERE id = ?`, entityID); err != nil {
			return fmt.Errorf("failed to purge loi %s: %w", entityID, err)
		}
	case mutation.KindSubmission:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM media_uploads WHERE submission_id = ?`, entityID); err != nil {
			return fmt.Errorf("failed to purge media for submission %s: %w", entityID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM submissions WHERE id = ?`, entityID); err != nil {
			return fmt.Errorf("failed to purge submission %s: %w", entityID, err)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", mutation.ErrInvalid, string(kind))
	}
	return nil
}

// WatchMutations returns a live stream of all mutations for an entity,
// ordered by client timestamp. The current list is delivered first; every
// relevant write pushes the full updated list.
func (s *Store) WatchMutations(ctx context.Context, entityID string) (<-chan []*mutation.Mutation, error) {
	ch := s.mutStreams.Subscribe(ctx, entityID)
	muts, err := s.MutationsForEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	s.mutStreams.Publish(entityID, muts)
	return ch, nil
}

func scanMutations(rows *sql.Rows) ([]*mutation.Mutation, error) {
	var muts []*mutation.Mutation
	for rows.Next() {
		var (
			m             mutation.Mutation
			kind, typ, st string
			tsNanos       int64
			lastError     sql.NullString
			geometry      sql.NullString
			deltas        sql.NullString
			jobID, loiID  sql.NullString
		)
		err := rows.Scan(&m.ID, &kind, &m.EntityID, &m.SurveyID, &jobID,
			&m.UserID, &loiID, &typ, &st, &tsNanos, &m.RetryCount,
			&lastError, &geometry, &deltas)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}

		m.Kind = mutation.Kind(kind)
		m.Type = mutation.Type(typ)
		m.SyncStatus = mutation.Status(st)
		m.ClientTimestamp = time.Unix(0, tsNanos).UTC()
		m.JobID = jobID.String
		m.LOIID = loiID.String
		m.LastError = lastError.String
		if geometry.Valid {
			m.Geometry = []byte(geometry.String)
		}
		if deltas.Valid {
			if err := json.Unmarshal([]byte(deltas.String), &m.Deltas); err != nil {
				return nil, fmt.Errorf("failed to unmarshal task deltas for mutation %d: %w", m.ID, err)
			}
		}
		muts = append(muts, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}
	return muts, nil
}

func distinctEntityIDs(muts []*mutation.Mutation) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, m := range muts {
		if !seen[m.EntityID] {
			seen[m.EntityID] = true
			ids = append(ids, m.EntityID)
		}
	}
	return ids
}

// PendingMutationCount returns how many mutations in a survey are still in
// a non-terminal state, for sync-status display.
func (s *Store) PendingMutationCount(ctx context.Context, surveyID string) (int, error) {
	statuses := []string{
		string(mutation.StatusPending),
		string(mutation.StatusInProgress),
		string(mutation.StatusMediaUploadAwaitingRetry),
		string(mutation.StatusMediaUploadInProgress),
	}
	query := `SELECT COUNT(*) FROM mutations WHERE survey_id = ? AND sync_status IN (?` +
		strings.Repeat(",?", len(statuses)-1) + `)`
	args := []interface{}{surveyID}
	for _, st := range statuses {
		args = append(args, st)
	}

	var count int
	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending mutations: %w", err)
	}
	return count, nil
}
