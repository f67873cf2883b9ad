package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/openfield/fieldsync/internal/entity"
	"github.com/openfield/fieldsync/internal/mutation"
)

// TokenFunc returns a bearer token for a request, or an error if none is
// available. Token acquisition itself is outside the engine's scope.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPStore talks JSON over HTTP to the survey backend.
//
// Endpoints:
//
//	POST {base}/surveys/{surveyID}/mutations   apply a mutation batch
//	GET  {base}/surveys/{surveyID}/lois        load LOIs
//	GET  {base}/surveys/{surveyID}/submissions load submissions
type HTTPStore struct {
	base   *url.URL
	client *http.Client
	token  TokenFunc
	logger *log.Logger
}

// NewHTTPStore creates a client for the given base URL.
//
// If httpClient is nil a client with a 30 second timeout is used. If token
// is nil requests are sent unauthenticated. If logger is nil a default
// logger writing to stderr is used.
func NewHTTPStore(baseURL string, httpClient *http.Client, token TokenFunc, logger *log.Logger) (*HTTPStore, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &HTTPStore{base: base, client: httpClient, token: token, logger: logger}, nil
}

// applyRequest is the wire format for a mutation batch.
type applyRequest struct {
	Author    *entity.User         `json:"author"`
	Mutations []*mutation.Mutation `json:"mutations"`
}

// ApplyMutations implements Store.
func (h *HTTPStore) ApplyMutations(ctx context.Context, muts []*mutation.Mutation, author *entity.User) error {
	if len(muts) == 0 {
		return nil
	}
	surveyID := muts[0].SurveyID

	body, err := json.Marshal(applyRequest{Author: author, Mutations: muts})
	if err != nil {
		return fmt.Errorf("failed to marshal mutation batch: %w", err)
	}

	resp, err := h.do(ctx, http.MethodPost,
		fmt.Sprintf("surveys/%s/mutations", url.PathEscape(surveyID)),
		bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return classifyStatus(resp)
}

// LoadLocationsOfInterest implements Store.
func (h *HTTPStore) LoadLocationsOfInterest(ctx context.Context, surveyID string) ([]*entity.LocationOfInterest, error) {
	var lois []*entity.LocationOfInterest
	err := h.getJSON(ctx, fmt.Sprintf("surveys/%s/lois", url.PathEscape(surveyID)), &lois)
	if err != nil {
		return nil, err
	}
	return lois, nil
}

// LoadSubmissions implements Store.
func (h *HTTPStore) LoadSubmissions(ctx context.Context, surveyID string) ([]*entity.Submission, error) {
	var subs []*entity.Submission
	err := h.getJSON(ctx, fmt.Sprintf("surveys/%s/submissions", url.PathEscape(surveyID)), &subs)
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (h *HTTPStore) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := h.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (h *HTTPStore) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	u := h.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if h.token != nil {
		tok, err := h.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire auth token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		// Transport failure: connection refused, timeout, DNS. Retryable.
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

// classifyStatus maps an HTTP status to the engine's error taxonomy:
// 2xx success, 5xx and 429 transient, anything else permanent.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s: %s", ErrUnavailable, resp.Status, bytes.TrimSpace(msg))
	}
	return fmt.Errorf("%w: %s: %s", ErrRejected, resp.Status, bytes.TrimSpace(msg))
}
