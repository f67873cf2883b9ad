package remote

import (
	"context"
	"sync"

	"github.com/openfield/fieldsync/internal/entity"
	"github.com/openfield/fieldsync/internal/mutation"
)

// Fake is an in-memory Store for tests. It records every applied batch and
// can be scripted to fail the next N ApplyMutations calls.
type Fake struct {
	mu sync.Mutex

	// applied holds each ApplyMutations call in order.
	applied []AppliedBatch

	// failNext makes this many subsequent ApplyMutations calls return
	// failErr before succeeding again.
	failNext int
	failErr  error

	lois []*entity.LocationOfInterest
	subs []*entity.Submission
}

// AppliedBatch is one recorded ApplyMutations call.
type AppliedBatch struct {
	Author    *entity.User
	Mutations []*mutation.Mutation
}

// NewFake creates an empty fake remote store.
func NewFake() *Fake {
	return &Fake{}
}

// FailNext scripts the next n ApplyMutations calls to return err.
func (f *Fake) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
	f.failErr = err
}

// SeedLOIs sets the entities returned by LoadLocationsOfInterest.
func (f *Fake) SeedLOIs(lois []*entity.LocationOfInterest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lois = lois
}

// SeedSubmissions sets the entities returned by LoadSubmissions.
func (f *Fake) SeedSubmissions(subs []*entity.Submission) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = subs
}

// Applied returns the recorded batches in application order.
func (f *Fake) Applied() []AppliedBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]AppliedBatch, len(f.applied))
	copy(out, f.applied)
	return out
}

// ApplyMutations implements Store.
func (f *Fake) ApplyMutations(ctx context.Context, muts []*mutation.Mutation, author *entity.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext > 0 {
		f.failNext--
		return f.failErr
	}

	cp := make([]*mutation.Mutation, len(muts))
	for i, m := range muts {
		c := *m
		cp[i] = &c
	}
	f.applied = append(f.applied, AppliedBatch{Author: author, Mutations: cp})
	return nil
}

// LoadLocationsOfInterest implements Store.
func (f *Fake) LoadLocationsOfInterest(ctx context.Context, surveyID string) ([]*entity.LocationOfInterest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entity.LocationOfInterest
	for _, l := range f.lois {
		if l.SurveyID == surveyID {
			out = append(out, l)
		}
	}
	return out, nil
}

// LoadSubmissions implements Store.
func (f *Fake) LoadSubmissions(ctx context.Context, surveyID string) ([]*entity.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entity.Submission
	for _, s := range f.subs {
		if s.SurveyID == surveyID {
			out = append(out, s)
		}
	}
	return out, nil
}
