// Package coordinator implements the per-entity sync run: load pending
// mutations, group by author, apply each group to the remote store, hand
// photo attachments to the media pipeline, and finalize locally.
//
// A run is the unit of retry. Any transport failure fails every mutation in
// the attempted run together; per-user isolation applies only to authorship
// lookup, where a missing local user record skips that group and leaves it
// pending for the next run. Errors never escape Run: the scheduler only
// ever sees a Result.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"sort"

	"github.com/openfield/fieldsync/internal/mutation"
	"github.com/openfield/fieldsync/internal/remote"
	"github.com/openfield/fieldsync/internal/scheduler"
	"github.com/openfield/fieldsync/internal/store"
)

// Config holds coordinator tuning.
type Config struct {
	// MaxAttempts is the attempt bound per scheduled entity: once this
	// many consecutive runs have failed, the mutations are marked FAILED
	// and the entity is no longer rescheduled. Default 5.
	MaxAttempts int

	// Logger for run activity. Nil means a default stderr logger.
	Logger *log.Logger
}

// Coordinator replays pending local mutations against the remote store.
type Coordinator struct {
	store  *store.Store
	remote remote.Store

	// requestMedia wakes the media upload pipeline after new attachments
	// are queued. Fire-and-forget; may be nil.
	requestMedia func()

	maxAttempts int
	logger      *log.Logger
}

// New creates a coordinator.
func New(st *store.Store, rs remote.Store, cfg Config) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[coordinator] ", log.LstdFlags)
	}
	return &Coordinator{
		store:       st,
		remote:      rs,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger,
	}
}

// SetMediaRequester installs the fire-and-forget media pipeline trigger.
func (c *Coordinator) SetMediaRequester(request func()) {
	c.requestMedia = request
}

// Run implements scheduler.Runner for one entity id.
func (c *Coordinator) Run(ctx context.Context, entityID string, attempt int) (result scheduler.Result) {
	// The scheduler must never see a crash, only a result.
	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("panic in sync run for %s: %v", entityID, r)
			result = scheduler.ResultRetry
		}
	}()

	pending, err := c.store.PendingMutations(ctx, entityID)
	if err != nil {
		c.logger.Printf("failed to load pending mutations for %s: %v", entityID, err)
		return scheduler.ResultRetry
	}
	if len(pending) == 0 {
		return scheduler.ResultSuccess
	}

	for _, m := range pending {
		m.SyncStatus = mutation.StatusInProgress
	}
	if err := c.store.UpdateMutations(ctx, pending); err != nil {
		c.logger.Printf("failed to mark mutations in progress for %s: %v", entityID, err)
		return scheduler.ResultRetry
	}

	var applied, skipped []*mutation.Mutation

	groups := mutation.GroupByUser(pending)
	for _, userID := range sortedKeys(groups) {
		group := groups[userID]

		author, err := c.store.GetUser(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			// Authorship error: skip this group, not the run.
			c.logger.Printf("skipping %d mutation(s) for %s: author %s unknown locally", len(group), entityID, userID)
			for _, m := range group {
				m.LastError = fmt.Sprintf("author %s not found locally", userID)
			}
			skipped = append(skipped, group...)
			continue
		}
		if err != nil {
			return c.failRun(ctx, pending, attempt, err)
		}

		if err := c.remote.ApplyMutations(ctx, group, author); err != nil {
			if ctx.Err() != nil {
				// Interrupted, not failed: leave rows as they are and do
				// not touch retry counts.
				return scheduler.ResultCancelled
			}
			return c.failRun(ctx, pending, attempt, err)
		}
		applied = append(applied, group...)
	}

	awaitingMedia := c.enqueueMedia(ctx, applied)

	var finalize []*mutation.Mutation
	var mediaPending []*mutation.Mutation
	for _, m := range applied {
		if awaitingMedia[m.ID] {
			m.SyncStatus = mutation.StatusMediaUploadInProgress
			mediaPending = append(mediaPending, m)
		} else {
			finalize = append(finalize, m)
		}
	}

	if err := c.store.FinalizeMutations(ctx, finalize); err != nil {
		c.logger.Printf("failed to finalize mutations for %s: %v", entityID, err)
		return scheduler.ResultRetry
	}
	if err := c.store.UpdateMutations(ctx, mediaPending); err != nil {
		c.logger.Printf("failed to mark media-pending mutations for %s: %v", entityID, err)
		return scheduler.ResultRetry
	}

	if len(skipped) > 0 {
		// The skipped groups stay pending and retry under backoff, up to
		// the same attempt bound as transport failures.
		permanent := attempt+1 >= c.maxAttempts
		for _, m := range skipped {
			m.SyncStatus = mutation.StatusPending
			if permanent {
				m.SyncStatus = mutation.StatusFailed
			}
			m.RetryCount++
		}
		if err := c.store.UpdateMutations(ctx, skipped); err != nil {
			c.logger.Printf("failed to reset skipped mutations for %s: %v", entityID, err)
		}
		if permanent {
			return scheduler.ResultPermanentFailure
		}
		return scheduler.ResultRetry
	}
	c.logger.Printf("synced %d mutation(s) for %s", len(applied), entityID)
	return scheduler.ResultSuccess
}

// failRun records a whole-run failure: every mutation in the attempted run
// gets an incremented retry count and the failure's description.
func (c *Coordinator) failRun(ctx context.Context, pending []*mutation.Mutation, attempt int, cause error) scheduler.Result {
	permanent := errors.Is(cause, remote.ErrRejected) || attempt+1 >= c.maxAttempts

	status := mutation.StatusPending
	result := scheduler.ResultRetry
	if permanent {
		status = mutation.StatusFailed
		result = scheduler.ResultPermanentFailure
	}

	for _, m := range pending {
		m.SyncStatus = status
		m.RetryCount++
		m.LastError = cause.Error()
	}
	if err := c.store.UpdateMutations(ctx, pending); err != nil {
		c.logger.Printf("failed to record sync failure: %v", err)
	}

	c.logger.Printf("sync run failed (attempt %d, permanent=%v): %v", attempt+1, permanent, cause)
	return result
}

// enqueueMedia queues uploads for every photo task delta in the applied
// batch. Failures are logged and never roll back the remote apply. Returns
// the ids of mutations that now wait on at least one upload.
func (c *Coordinator) enqueueMedia(ctx context.Context, applied []*mutation.Mutation) map[int64]bool {
	awaiting := make(map[int64]bool)
	queued := 0

	for _, m := range applied {
		if m.Type == mutation.TypeDelete {
			continue
		}
		for _, d := range m.PhotoDeltas() {
			mu := &store.MediaUpload{
				SubmissionID: m.EntityID,
				TaskID:       d.TaskID,
				LocalPath:    d.Value,
				RemotePath:   path.Join("surveys", m.SurveyID, "media", m.EntityID, d.TaskID, path.Base(d.Value)),
			}
			if err := c.store.EnqueueMediaUpload(ctx, mu); err != nil {
				c.logger.Printf("failed to enqueue media %s for %s: %v", d.Value, m.EntityID, err)
				continue
			}
			awaiting[m.ID] = true
			queued++
		}
	}

	if queued > 0 && c.requestMedia != nil {
		c.requestMedia()
	}
	return awaiting
}

// Refresh pulls a survey's entities from the remote store and merges them
// into the local store, replaying pending local edits on top.
func (c *Coordinator) Refresh(ctx context.Context, surveyID string) error {
	lois, err := c.remote.LoadLocationsOfInterest(ctx, surveyID)
	if err != nil {
		return fmt.Errorf("failed to load remote lois: %w", err)
	}
	for _, loi := range lois {
		if err := c.store.MergeLOI(ctx, loi); err != nil {
			return fmt.Errorf("failed to merge loi %s: %w", loi.ID, err)
		}
	}

	subs, err := c.remote.LoadSubmissions(ctx, surveyID)
	if err != nil {
		return fmt.Errorf("failed to load remote submissions: %w", err)
	}
	for _, sub := range subs {
		if err := c.store.MergeSubmission(ctx, sub); err != nil {
			return fmt.Errorf("failed to merge submission %s: %w", sub.ID, err)
		}
	}

	c.logger.Printf("refreshed survey %s: %d loi(s), %d submission(s)", surveyID, len(lois), len(subs))
	return nil
}

func sortedKeys(groups map[string][]*mutation.Mutation) []string {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
