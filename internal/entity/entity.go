// Package entity defines the materialized records owned by the local store:
// locations of interest, submissions, and the users who author edits.
//
// Entities are snapshots. The store derives them by replaying the ordered
// mutation log for an entity on top of its last-synced base, so any value
// here is always reproducible from the log.
package entity

import (
	"encoding/json"
	"fmt"
	"time"
)

// State tracks whether an entity is live or tombstoned.
//
// A DELETE mutation tombstones the entity locally (StateDeleted) rather than
// removing its row. The row is purged only after the deletion has been
// confirmed by the remote store.
type State string

const (
	// StateDefault is a live entity, visible to valid-entity queries.
	StateDefault State = "DEFAULT"

	// StateDeleted is a local tombstone awaiting remote confirmation.
	StateDeleted State = "DELETED"
)

// LocationOfInterest is a geo-referenced point or region captured by an
// enumerator within a survey.
type LocationOfInterest struct {
	ID        string `json:"id"`
	SurveyID  string `json:"survey_id"`
	JobID     string `json:"job_id"`
	CreatedBy string `json:"created_by,omitempty"`

	// Geometry is a GeoJSON-style object. Opaque to the engine: the merge
	// rule is whole-geometry replacement, last writer wins.
	Geometry json.RawMessage `json:"geometry,omitempty"`

	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Submission is a set of task answers recorded against a location of
// interest.
type Submission struct {
	ID        string `json:"id"`
	LOIID     string `json:"loi_id"`
	SurveyID  string `json:"survey_id"`
	JobID     string `json:"job_id"`
	CreatedBy string `json:"created_by,omitempty"`

	// Data maps task id to the current answer value. Tasks with no recorded
	// answer are absent from the map.
	Data map[string]string `json:"data,omitempty"`

	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is a local record of an account that authored mutations on this
// device. A single device may hold mutations from several users across
// re-logins.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Validate checks that an LOI has the fields the store requires.
func (l *LocationOfInterest) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("loi id is required")
	}
	if l.SurveyID == "" {
		return fmt.Errorf("survey id is required")
	}
	return nil
}

// Validate checks that a submission has the fields the store requires.
func (s *Submission) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("submission id is required")
	}
	if s.LOIID == "" {
		return fmt.Errorf("loi id is required")
	}
	if s.SurveyID == "" {
		return fmt.Errorf("survey id is required")
	}
	return nil
}

// Deleted reports whether the entity is tombstoned.
func (l *LocationOfInterest) Deleted() bool { return l.State == StateDeleted }

// Deleted reports whether the submission is tombstoned.
func (s *Submission) Deleted() bool { return s.State == StateDeleted }
