// Package mutation defines the durable record describing one pending local
// edit: a create, update, or delete of a location of interest or submission.
//
// A mutation is a shared envelope (identity, authorship, status, retry
// metadata) plus a payload that varies by Kind. LOI mutations carry a full
// geometry replacement; submission mutations carry per-task value deltas.
// Code switching on Kind or Type should be exhaustive over the declared
// constants.
package mutation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalid marks a mutation that cannot be applied or enqueued. It wraps
// programming errors such as an unknown type or kind; callers use errors.Is
// to distinguish these from transport failures.
var ErrInvalid = errors.New("invalid mutation")

// Type is the edit operation a mutation performs.
type Type string

const (
	// TypeUnknown is the zero value. It is a programming error, never a
	// valid persisted state.
	TypeUnknown Type = ""

	TypeCreate Type = "CREATE"
	TypeUpdate Type = "UPDATE"
	TypeDelete Type = "DELETE"
)

// Kind identifies which entity family a mutation targets.
type Kind string

const (
	KindLocationOfInterest Kind = "LOI"
	KindSubmission         Kind = "SUBMISSION"
)

// Status is the sync lifecycle state of a mutation.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"

	// Media statuses apply to submission mutations whose photo attachments
	// are still being uploaded after the field values have synced.
	StatusMediaUploadAwaitingRetry Status = "MEDIA_UPLOAD_AWAITING_RETRY"
	StatusMediaUploadInProgress    Status = "MEDIA_UPLOAD_IN_PROGRESS"
)

// TaskTypePhoto is the task delta type whose value references a media file
// on the device. The sync coordinator hands these to the media upload
// pipeline.
const TaskTypePhoto = "photo"

// TaskDelta is one per-task change inside a submission mutation.
//
// Skipped clears any prior value for the task; Value is ignored when Skipped
// is set. Ordering between deltas of different mutations follows the
// mutations' client timestamps, not any field on the delta itself.
type TaskDelta struct {
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type,omitempty"`
	Value    string `json:"value,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
}

// Mutation is one pending change to an entity.
//
// ID is assigned by the local store on first persist and is zero before
// then. Mutations for a given entity are totally ordered by
// (ClientTimestamp, ID).
type Mutation struct {
	ID int64 `json:"id,omitempty"`

	Kind     Kind   `json:"kind"`
	EntityID string `json:"entity_id"`
	SurveyID string `json:"survey_id"`
	JobID    string `json:"job_id,omitempty"`
	UserID   string `json:"user_id"`

	// LOIID is the parent location of interest for submission mutations.
	// Required when Kind is KindSubmission; unused otherwise.
	LOIID string `json:"loi_id,omitempty"`

	Type       Type   `json:"type"`
	SyncStatus Status `json:"sync_status"`

	// ClientTimestamp is the wall-clock time of the edit on the device.
	// It drives replay ordering and last-writer-wins display.
	ClientTimestamp time.Time `json:"client_timestamp"`

	// RetryCount only increases; it is never reset. A successful sync is
	// signalled by SyncStatus, not by zeroing the count.
	RetryCount int    `json:"retry_count,omitempty"`
	LastError  string `json:"last_error,omitempty"`

	// Geometry is the LOI payload: a full geometry replacement.
	// Valid only when Kind is KindLocationOfInterest.
	Geometry json.RawMessage `json:"geometry,omitempty"`

	// Deltas is the submission payload: per-task value changes.
	// Valid only when Kind is KindSubmission.
	Deltas []TaskDelta `json:"deltas,omitempty"`
}

// Validate checks the envelope and payload for programming errors.
// It returns an error wrapping ErrInvalid on failure.
func (m *Mutation) Validate() error {
	switch m.Type {
	case TypeCreate, TypeUpdate, TypeDelete:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, string(m.Type))
	}
	switch m.Kind {
	case KindLocationOfInterest, KindSubmission:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, string(m.Kind))
	}
	if m.EntityID == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalid)
	}
	if m.SurveyID == "" {
		return fmt.Errorf("%w: survey id is required", ErrInvalid)
	}
	if m.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalid)
	}
	if m.ClientTimestamp.IsZero() {
		return fmt.Errorf("%w: client timestamp is required", ErrInvalid)
	}
	if m.Kind == KindSubmission {
		if m.LOIID == "" {
			return fmt.Errorf("%w: submission mutation missing loi id", ErrInvalid)
		}
		for _, d := range m.Deltas {
			if d.TaskID == "" {
				return fmt.Errorf("%w: task delta missing task id", ErrInvalid)
			}
		}
	}
	return nil
}

// Pending reports whether the mutation still has local changes awaiting
// remote apply. IN_PROGRESS counts as pending so that merge-replay preserves
// edits that are mid-flight when a remote refresh lands.
func (m *Mutation) Pending() bool {
	return m.SyncStatus == StatusPending || m.SyncStatus == StatusInProgress
}

// PhotoDeltas returns the task deltas referencing a media file, in payload
// order. Skipped deltas carry no file and are excluded.
func (m *Mutation) PhotoDeltas() []TaskDelta {
	if m.Kind != KindSubmission {
		return nil
	}
	var photos []TaskDelta
	for _, d := range m.Deltas {
		if d.TaskType == TaskTypePhoto && !d.Skipped && d.Value != "" {
			photos = append(photos, d)
		}
	}
	return photos
}

// Less orders mutations by (ClientTimestamp, ID). This is the total order
// replay must follow for a single entity.
func Less(a, b *Mutation) bool {
	if !a.ClientTimestamp.Equal(b.ClientTimestamp) {
		return a.ClientTimestamp.Before(b.ClientTimestamp)
	}
	return a.ID < b.ID
}

// Sort orders a slice of mutations in place by (ClientTimestamp, ID).
func Sort(muts []*Mutation) {
	sort.SliceStable(muts, func(i, j int) bool { return Less(muts[i], muts[j]) })
}

// GroupByUser partitions mutations by authoring user id, preserving the
// input order inside each group.
func GroupByUser(muts []*Mutation) map[string][]*Mutation {
	groups := make(map[string][]*Mutation)
	for _, m := range muts {
		groups[m.UserID] = append(groups[m.UserID], m)
	}
	return groups
}
