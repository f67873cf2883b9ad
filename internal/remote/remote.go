// Package remote defines the interface to the authoritative remote store
// and an HTTP JSON client implementation.
//
// The engine only ever needs two capabilities: apply a mutation batch on
// behalf of an authoring user, and load a survey's entities for refresh.
// Everything else about the backend is opaque. Media files travel through
// the object store, not this interface.
package remote

import (
	"context"
	"errors"

	"github.com/openfield/fieldsync/internal/entity"
	"github.com/openfield/fieldsync/internal/mutation"
)

// ErrUnavailable marks a transient failure: network loss, timeout, or a
// server-side error. Callers retry these under the backoff policy.
var ErrUnavailable = errors.New("remote store unavailable")

// ErrRejected marks a permanent failure: the remote store understood the
// request and refused it. Retrying the same batch will not help.
var ErrRejected = errors.New("remote store rejected request")

// Store is the authoritative backend the engine replays mutations against.
type Store interface {
	// ApplyMutations sends one user's mutation batch as a single logical
	// operation. The batch is ordered; the remote must not reorder it.
	ApplyMutations(ctx context.Context, muts []*mutation.Mutation, author *entity.User) error

	// LoadLocationsOfInterest returns the survey's LOIs for initial sync
	// or a merge refresh.
	LoadLocationsOfInterest(ctx context.Context, surveyID string) ([]*entity.LocationOfInterest, error)

	// LoadSubmissions returns the survey's submissions.
	LoadSubmissions(ctx context.Context, surveyID string) ([]*entity.Submission, error)
}

// Transient reports whether err should be retried under the backoff policy.
func Transient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
