package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openfield/fieldsync/internal/entity"
	"github.com/openfield/fieldsync/internal/mutation"
)

func testMutations() []*mutation.Mutation {
	return []*mutation.Mutation{{
		ID:              1,
		Kind:            mutation.KindLocationOfInterest,
		EntityID:        "loi-1",
		SurveyID:        "survey-1",
		UserID:          "user-1",
		Type:            mutation.TypeCreate,
		ClientTimestamp: time.Now().UTC(),
		Geometry:        json.RawMessage(`{"type":"Point"}`),
	}}
}

func TestApplyMutations_PostsBatch(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody applyRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	token := func(context.Context) (string, error) { return "tok-123", nil }
	h, err := NewHTTPStore(srv.URL, nil, token, nil)
	if err != nil {
		t.Fatalf("NewHTTPStore() failed: %v", err)
	}

	author := &entity.User{ID: "user-1"}
	if err := h.ApplyMutations(context.Background(), testMutations(), author); err != nil {
		t.Fatalf("ApplyMutations() failed: %v", err)
	}

	if gotPath != "/surveys/survey-1/mutations" {
		t.Errorf("path = %q, want /surveys/survey-1/mutations", gotPath)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("auth header = %q, want bearer token", gotAuth)
	}
	if gotBody.Author == nil || gotBody.Author.ID != "user-1" {
		t.Errorf("author = %v, want user-1", gotBody.Author)
	}
	if len(gotBody.Mutations) != 1 || gotBody.Mutations[0].EntityID != "loi-1" {
		t.Errorf("mutations = %v, want the posted batch", gotBody.Mutations)
	}
}

func TestApplyMutations_EmptyBatchIsNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an empty batch")
	}))
	defer srv.Close()

	h, err := NewHTTPStore(srv.URL, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewHTTPStore() failed: %v", err)
	}
	if err := h.ApplyMutations(context.Background(), nil, nil); err != nil {
		t.Errorf("ApplyMutations(empty) = %v, want nil", err)
	}
}

func TestApplyMutations_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   error
		transient bool
	}{
		{"server error", http.StatusInternalServerError, ErrUnavailable, true},
		{"bad gateway", http.StatusBadGateway, ErrUnavailable, true},
		{"rate limited", http.StatusTooManyRequests, ErrUnavailable, true},
		{"bad request", http.StatusBadRequest, ErrRejected, false},
		{"unprocessable", http.StatusUnprocessableEntity, ErrRejected, false},
		{"unauthorized", http.StatusUnauthorized, ErrRejected, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			h, err := NewHTTPStore(srv.URL, nil, nil, nil)
			if err != nil {
				t.Fatalf("NewHTTPStore() failed: %v", err)
			}

			err = h.ApplyMutations(context.Background(), testMutations(), nil)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if got := Transient(err); got != tt.transient {
				t.Errorf("Transient() = %v, want %v", got, tt.transient)
			}
		})
	}
}

func TestApplyMutations_TransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	h, err := NewHTTPStore(srv.URL, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewHTTPStore() failed: %v", err)
	}

	err = h.ApplyMutations(context.Background(), testMutations(), nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable for a transport failure", err)
	}
}

func TestLoadLocationsOfInterest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/surveys/survey-1/lois" {
			t.Errorf("path = %q, want /surveys/survey-1/lois", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]*entity.LocationOfInterest{
			{ID: "loi-1", SurveyID: "survey-1", State: entity.StateDefault},
		})
	}))
	defer srv.Close()

	h, err := NewHTTPStore(srv.URL, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewHTTPStore() failed: %v", err)
	}

	lois, err := h.LoadLocationsOfInterest(context.Background(), "survey-1")
	if err != nil {
		t.Fatalf("LoadLocationsOfInterest() failed: %v", err)
	}
	if len(lois) != 1 || lois[0].ID != "loi-1" {
		t.Errorf("lois = %v, want [loi-1]", lois)
	}
}

func TestLoadSubmissions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]*entity.Submission{
			{ID: "sub-1", LOIID: "loi-1", SurveyID: "survey-1", State: entity.StateDefault},
		})
	}))
	defer srv.Close()

	h, err := NewHTTPStore(srv.URL, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewHTTPStore() failed: %v", err)
	}

	subs, err := h.LoadSubmissions(context.Background(), "survey-1")
	if err != nil {
		t.Fatalf("LoadSubmissions() failed: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != "sub-1" {
		t.Errorf("submissions = %v, want [sub-1]", subs)
	}
}
