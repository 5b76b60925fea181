package dosesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// TokenSource supplies the bearer token for API calls. Returning an error
// signals an auth gap; the orchestrator leaves queued mutations pending
// until a token is available again.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields the given token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// API is the HTTPS/JSON client for the cloud collaborator described by the
// /v1 contract: per-collection CRUD plus a bulk import endpoint. Records on
// the wire use the remote (camelCase) vocabulary.
type API struct {
	BaseURL string
	Token   TokenSource
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewAPI creates an API client for the given base URL.
func NewAPI(baseURL string, token TokenSource, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

type listEnvelope struct {
	Success bool     `json:"success"`
	Data    []Record `json:"data"`
	Count   int      `json:"count"`
}

type recordEnvelope struct {
	Success bool   `json:"success"`
	Data    Record `json:"data"`
}

type deleteEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// BulkImportResult reports per-collection import counts from POST /v1/sync.
type BulkImportResult struct {
	Success       bool                            `json:"success"`
	Results       map[string]BulkCollectionResult `json:"results"`
	TotalImported int                             `json:"totalImported"`
	TotalFailed   int                             `json:"totalFailed"`
}

// BulkCollectionResult is one collection's slice of a bulk import result.
type BulkCollectionResult struct {
	Imported int `json:"imported"`
	Failed   int `json:"failed"`
}

// List fetches the authoritative remote snapshot of a collection.
func (a *API) List(ctx context.Context, collection string) ([]Record, error) {
	var env listEnvelope
	if err := a.do(ctx, http.MethodGet, "/v1/"+collection, nil, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// Create creates the record, or upserts it when the body carries an id.
func (a *API) Create(ctx context.Context, collection string, rec Record) (Record, error) {
	var env recordEnvelope
	if err := a.do(ctx, http.MethodPost, "/v1/"+collection, rec, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// Patch applies a partial update to the record.
func (a *API) Patch(ctx context.Context, collection, id string, rec Record) (Record, error) {
	var env recordEnvelope
	if err := a.do(ctx, http.MethodPatch, "/v1/"+collection+"/"+id, rec, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// Delete removes the record.
func (a *API) Delete(ctx context.Context, collection, id string) error {
	var env deleteEnvelope
	return a.do(ctx, http.MethodDelete, "/v1/"+collection+"/"+id, nil, &env)
}

// BulkImport uploads whole collections in one call (first-sync seeding).
func (a *API) BulkImport(ctx context.Context, collections map[string][]Record) (*BulkImportResult, error) {
	var result BulkImportResult
	if err := a.do(ctx, http.MethodPost, "/v1/sync", collections, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// do performs one authenticated JSON round-trip and maps failures onto the
// error taxonomy: 401 auth, 400 validation, 404 not found, 409 conflict,
// anything else (including transport failures) transient.
func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := a.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to obtain token: %v", ErrUnauthorized, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: failed to decode response: %v", ErrTransient, err)
		}
		return nil
	}

	raw, _ := io.ReadAll(resp.Body)
	var apiErr errorEnvelope
	_ = json.Unmarshal(raw, &apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = apiErr.Error
	}
	if msg == "" {
		msg = string(raw)
	}

	sentinel := ErrTransient
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		sentinel = ErrUnauthorized
	case http.StatusBadRequest:
		sentinel = ErrValidation
	case http.StatusNotFound:
		sentinel = ErrNotFound
	case http.StatusConflict:
		sentinel = ErrConflict
	}
	return fmt.Errorf("%w: %s %s returned %d: %s", sentinel, method, path, resp.StatusCode, msg)
}
