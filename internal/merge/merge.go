// Package merge computes materialized entity state by replaying ordered
// mutation deltas on top of a base entity.
//
// The engine is pure: no I/O, no clock, no store access. The local store
// calls it both when applying a fresh local edit and when replaying pending
// edits on top of a remote refresh, so the same (base, deltas) input must
// always produce the same output.
package merge

import (
	"github.com/openfield/fieldsync/internal/entity"
	"github.com/openfield/fieldsync/internal/mutation"
)

// LOI replays LOI mutations on top of a base location of interest.
//
// The delta is a whole-geometry replacement, so reconciliation reduces to
// taking the most recent non-empty geometry in (ClientTimestamp, ID) order.
// A DELETE tombstones the result; a later CREATE or UPDATE revives it.
// The input slice is never reordered; the engine sorts a copy.
func LOI(base entity.LocationOfInterest, muts []*mutation.Mutation) entity.LocationOfInterest {
	out := base
	if out.State == "" {
		out.State = entity.StateDefault
	}

	for _, m := range ordered(muts) {
		if m.Kind != mutation.KindLocationOfInterest {
			continue
		}
		out.ID = m.EntityID
		out.SurveyID = m.SurveyID
		if m.JobID != "" {
			out.JobID = m.JobID
		}
		if out.CreatedBy == "" {
			out.CreatedBy = m.UserID
		}

		switch m.Type {
		case mutation.TypeDelete:
			out.State = entity.StateDeleted
		case mutation.TypeCreate, mutation.TypeUpdate:
			out.State = entity.StateDefault
			if len(m.Geometry) > 0 {
				out.Geometry = m.Geometry
			}
		}
		if m.ClientTimestamp.After(out.UpdatedAt) {
			out.UpdatedAt = m.ClientTimestamp
		}
		if out.CreatedAt.IsZero() {
			out.CreatedAt = m.ClientTimestamp
		}
	}
	return out
}

// Submission replays submission mutations on top of a base submission.
//
// Deltas apply per task: the last delta for a task id wins, a Skipped delta
// clears any prior value, and tasks untouched by every delta keep the base
// value. Ordering follows the mutations' (ClientTimestamp, ID), regardless
// of the order the input slice arrives in.
func Submission(base entity.Submission, muts []*mutation.Mutation) entity.Submission {
	out := base
	if out.State == "" {
		out.State = entity.StateDefault
	}

	// Copy-on-write: the base's map is never mutated.
	data := make(map[string]string, len(base.Data))
	for k, v := range base.Data {
		data[k] = v
	}

	for _, m := range ordered(muts) {
		if m.Kind != mutation.KindSubmission {
			continue
		}
		out.ID = m.EntityID
		out.SurveyID = m.SurveyID
		if m.JobID != "" {
			out.JobID = m.JobID
		}
		if m.LOIID != "" {
			out.LOIID = m.LOIID
		}
		if out.CreatedBy == "" {
			out.CreatedBy = m.UserID
		}

		switch m.Type {
		case mutation.TypeDelete:
			out.State = entity.StateDeleted
		case mutation.TypeCreate, mutation.TypeUpdate:
			out.State = entity.StateDefault
			for _, d := range m.Deltas {
				if d.Skipped {
					delete(data, d.TaskID)
					continue
				}
				data[d.TaskID] = d.Value
			}
		}
		if m.ClientTimestamp.After(out.UpdatedAt) {
			out.UpdatedAt = m.ClientTimestamp
		}
		if out.CreatedAt.IsZero() {
			out.CreatedAt = m.ClientTimestamp
		}
	}

	out.Data = data
	return out
}

// ordered returns a sorted copy of muts in (ClientTimestamp, ID) order.
func ordered(muts []*mutation.Mutation) []*mutation.Mutation {
	cp := make([]*mutation.Mutation, len(muts))
	copy(cp, muts)
	mutation.Sort(cp)
	return cp
}
