// Package doseapi implements the cloud side of the tracker: a small REST
// API over /v1/{collection} with bearer-token auth, a bulk import endpoint,
// and pluggable storage (Postgres for deployments, in-memory for tests).
package doseapi

import "encoding/json"

// REST/JSON envelopes for HTTP responses.

// ListResponse wraps a collection listing.
type ListResponse struct {
	Success bool              `json:"success"`
	Data    []json.RawMessage `json:"data"`
	Count   int               `json:"count"`
}

// RecordResponse wraps a single record.
type RecordResponse struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data"`
}

// DeleteResponse acknowledges a deletion.
type DeleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// BulkSyncResponse reports per-collection results of a bulk import.
type BulkSyncResponse struct {
	Success       bool                  `json:"success"`
	Results       map[string]BulkResult `json:"results"`
	TotalImported int                   `json:"totalImported"`
	TotalFailed   int                   `json:"totalFailed"`
}

// BulkResult is one collection's import outcome.
type BulkResult struct {
	Imported int `json:"imported"`
	Failed   int `json:"failed"`
}

// ErrorResponse is the error shape on every non-2xx status.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
