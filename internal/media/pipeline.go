// Package media implements the upload pipeline for binary attachments
// referenced by submissions.
//
// The pipeline runs independently of the mutation sync: photo uploads are
// discovered during remote apply and drained here in parallel, with their
// own retry state. A missing local source file is a permanent failure for
// that one photo; everything else about the submission still syncs.
package media

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/openfield/fieldsync/internal/mutation"
	"github.com/openfield/fieldsync/internal/scheduler"
	"github.com/openfield/fieldsync/internal/store"
)

// QueueKey is the single scheduler key the pipeline runs under. Media work
// is drained as one unit; per-file state lives in the store's media queue.
const QueueKey = "media"

// ErrFileMissing marks a permanently failed upload whose local source file
// no longer exists on the device.
var ErrFileMissing = errors.New("local media file missing")

// Uploader sends one file to remote storage.
type Uploader interface {
	Upload(ctx context.Context, localPath, remotePath string) error
}

// Config holds pipeline tuning.
type Config struct {
	// Parallelism bounds concurrent uploads. Default 3.
	Parallelism int

	// Logger for pipeline activity. Nil means a default stderr logger.
	Logger *log.Logger
}

// Pipeline drains the store's media upload queue.
type Pipeline struct {
	store    *store.Store
	uploader Uploader

	parallelism int
	logger      *log.Logger
}

// New creates a pipeline.
func New(st *store.Store, up Uploader, cfg Config) *Pipeline {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[media] ", log.LstdFlags)
	}
	return &Pipeline{
		store:       st,
		uploader:    up,
		parallelism: cfg.Parallelism,
		logger:      logger,
	}
}

// Run implements scheduler.Runner. One run attempts every queued upload
// once, then settles the parent mutations of each affected submission.
func (p *Pipeline) Run(ctx context.Context, _ string, attempt int) (result scheduler.Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Printf("panic in media run: %v", r)
			result = scheduler.ResultRetry
		}
	}()

	uploads, err := p.store.PendingMediaUploads(ctx)
	if err != nil {
		p.logger.Printf("failed to load media queue: %v", err)
		return scheduler.ResultRetry
	}
	if len(uploads) == 0 {
		return scheduler.ResultSuccess
	}

	var transient atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for _, mu := range uploads {
		g.Go(func() error {
			return p.process(gctx, mu, &transient)
		})
	}
	if err := g.Wait(); err != nil {
		// Only cancellation escapes process; in-flight rows keep their
		// last recorded state and retry counts are untouched.
		return scheduler.ResultCancelled
	}

	p.settleSubmissions(ctx, uploads)

	if transient.Load() > 0 {
		return scheduler.ResultRetry
	}
	return scheduler.ResultSuccess
}

// process attempts one upload and records its outcome.
func (p *Pipeline) process(ctx context.Context, mu *store.MediaUpload, transient *atomic.Int64) error {
	mu.SyncStatus = mutation.StatusMediaUploadInProgress
	if err := p.store.UpdateMediaUpload(ctx, mu); err != nil {
		p.logger.Printf("failed to mark upload %d in progress: %v", mu.ID, err)
		transient.Add(1)
		return nil
	}

	if _, err := os.Stat(mu.LocalPath); os.IsNotExist(err) {
		// The file was lost before upload. Permanent for this photo only;
		// no retry.
		mu.SyncStatus = mutation.StatusFailed
		mu.LastError = fmt.Sprintf("%v: %s", ErrFileMissing, mu.LocalPath)
		if err := p.store.UpdateMediaUpload(ctx, mu); err != nil {
			p.logger.Printf("failed to record missing file for upload %d: %v", mu.ID, err)
		}
		p.logger.Printf("upload %d permanently failed: %s missing", mu.ID, mu.LocalPath)
		return nil
	}

	if err := p.uploader.Upload(ctx, mu.LocalPath, mu.RemotePath); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		mu.SyncStatus = mutation.StatusMediaUploadAwaitingRetry
		mu.RetryCount++
		mu.LastError = err.Error()
		if uerr := p.store.UpdateMediaUpload(ctx, mu); uerr != nil {
			p.logger.Printf("failed to record upload failure for %d: %v", mu.ID, uerr)
		}
		transient.Add(1)
		p.logger.Printf("upload %d failed (retry %d): %v", mu.ID, mu.RetryCount, err)
		return nil
	}

	mu.SyncStatus = mutation.StatusCompleted
	mu.LastError = ""
	if err := p.store.UpdateMediaUpload(ctx, mu); err != nil {
		p.logger.Printf("failed to record upload success for %d: %v", mu.ID, err)
	}
	return nil
}

// settleSubmissions updates the parent mutations of every submission
// touched by this run: COMPLETED once no uploads remain pending, or
// MEDIA_UPLOAD_AWAITING_RETRY while transient failures linger.
func (p *Pipeline) settleSubmissions(ctx context.Context, uploads []*store.MediaUpload) {
	seen := make(map[string]bool)
	for _, mu := range uploads {
		if seen[mu.SubmissionID] {
			continue
		}
		seen[mu.SubmissionID] = true

		remaining, err := p.store.PendingMediaForSubmission(ctx, mu.SubmissionID)
		if err != nil {
			p.logger.Printf("failed to count pending media for %s: %v", mu.SubmissionID, err)
			continue
		}
		muts, err := p.store.MutationsAwaitingMedia(ctx, mu.SubmissionID)
		if err != nil {
			p.logger.Printf("failed to load media-awaiting mutations for %s: %v", mu.SubmissionID, err)
			continue
		}
		if len(muts) == 0 {
			continue
		}

		status := mutation.StatusCompleted
		if remaining > 0 {
			status = mutation.StatusMediaUploadAwaitingRetry
		}
		for _, m := range muts {
			m.SyncStatus = status
		}
		if err := p.store.UpdateMutations(ctx, muts); err != nil {
			p.logger.Printf("failed to settle mutations for %s: %v", mu.SubmissionID, err)
		}
	}
}
