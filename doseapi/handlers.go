package doseapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Handlers serves the /v1 record CRUD API on top of a Storage.
type Handlers struct {
	storage Storage
	logger  *slog.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(storage Storage, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{storage: storage, logger: logger}
}

// NewRouter wires the handlers behind JWT auth and returns the mux.
func NewRouter(storage Storage, auth *JWTAuth, logger *slog.Logger) *http.ServeMux {
	h := NewHandlers(storage, logger)
	mux := http.NewServeMux()
	mux.Handle("POST /v1/sync", auth.Middleware(http.HandlerFunc(h.HandleBulkSync)))
	mux.Handle("GET /v1/{collection}", auth.Middleware(http.HandlerFunc(h.HandleList)))
	mux.Handle("POST /v1/{collection}", auth.Middleware(http.HandlerFunc(h.HandleCreate)))
	mux.Handle("PATCH /v1/{collection}/{id}", auth.Middleware(http.HandlerFunc(h.HandlePatch)))
	mux.Handle("DELETE /v1/{collection}/{id}", auth.Middleware(http.HandlerFunc(h.HandleDelete)))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	return mux
}

// HandleList returns every record in a collection for the caller.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, collection, ok := h.requestScope(w, r)
	if !ok {
		return
	}

	docs, err := h.storage.List(r.Context(), userID, collection)
	if err != nil {
		h.logger.Error("Failed to list records", "collection", collection, "error", err)
		h.writeError(w, http.StatusInternalServerError, "list_failed", "failed to list records")
		return
	}

	data := make([]json.RawMessage, 0, len(docs))
	for _, doc := range docs {
		raw, err := json.Marshal(doc)
		if err != nil {
			h.logger.Error("Failed to encode record", "collection", collection, "error", err)
			h.writeError(w, http.StatusInternalServerError, "list_failed", "failed to encode records")
			return
		}
		data = append(data, raw)
	}
	writeJSON(w, http.StatusOK, ListResponse{Success: true, Data: data, Count: len(data)})
}

// HandleCreate creates the record, or upserts it when the body carries an
// id. Missing ids are assigned server-side.
func (h *Handlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	userID, collection, ok := h.requestScope(w, r)
	if !ok {
		return
	}

	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}
	if err := validateRecord(collection, doc); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	id, _ := doc["id"].(string)
	if id == "" {
		id = uuid.New().String()
		doc["id"] = id
	}
	if _, ok := doc["updatedAt"]; !ok {
		doc["updatedAt"] = time.Now().UTC().Format(time.RFC3339)
	}

	saved, err := h.storage.Upsert(r.Context(), userID, collection, id, doc)
	if err != nil {
		h.logger.Error("Failed to upsert record", "collection", collection, "id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "create_failed", "failed to store record")
		return
	}
	writeJSON(w, http.StatusOK, RecordResponse{Success: true, Data: saved})
}

// HandlePatch applies a partial update to an existing record.
func (h *Handlers) HandlePatch(w http.ResponseWriter, r *http.Request) {
	userID, collection, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}

	doc, err := h.storage.Get(r.Context(), userID, collection, id)
	if errors.Is(err, ErrRecordNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "record not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load record", "collection", collection, "id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "patch_failed", "failed to load record")
		return
	}

	for k, v := range patch {
		if k == "id" {
			continue // identity never changes
		}
		doc[k] = v
	}
	if _, ok := patch["updatedAt"]; !ok {
		doc["updatedAt"] = time.Now().UTC().Format(time.RFC3339)
	}

	saved, err := h.storage.Upsert(r.Context(), userID, collection, id, doc)
	if err != nil {
		h.logger.Error("Failed to store record", "collection", collection, "id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "patch_failed", "failed to store record")
		return
	}
	writeJSON(w, http.StatusOK, RecordResponse{Success: true, Data: saved})
}

// HandleDelete removes a record. Deleting a vial still referenced by an
// injection is refused with a conflict, since it would orphan dose history.
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID, collection, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	if collection == "vials" {
		referenced, err := h.vialReferenced(r, userID, id)
		if err != nil {
			h.logger.Error("Failed to check vial references", "id", id, "error", err)
			h.writeError(w, http.StatusInternalServerError, "delete_failed", "failed to check references")
			return
		}
		if referenced {
			h.writeError(w, http.StatusConflict, "vial_referenced",
				"vial is referenced by existing injections; delete or relink those injections first")
			return
		}
	}

	err := h.storage.Delete(r.Context(), userID, collection, id)
	if errors.Is(err, ErrRecordNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "record not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to delete record", "collection", collection, "id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "delete_failed", "failed to delete record")
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Success: true, Message: "record deleted"})
}

// HandleBulkSync imports whole collections in one call. Invalid records are
// counted per collection rather than failing the request.
func (h *Handlers) HandleBulkSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", "missing user identity")
		return
	}

	var payload map[string][]map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}

	resp := BulkSyncResponse{Success: true, Results: make(map[string]BulkResult, len(payload))}
	for collection, docs := range payload {
		var result BulkResult
		if err := validateCollection(collection); err != nil {
			result.Failed = len(docs)
			resp.Results[collection] = result
			resp.TotalFailed += result.Failed
			continue
		}
		for _, doc := range docs {
			if err := validateRecord(collection, doc); err != nil {
				result.Failed++
				continue
			}
			id, _ := doc["id"].(string)
			if id == "" {
				id = uuid.New().String()
				doc["id"] = id
			}
			if _, err := h.storage.Upsert(r.Context(), userID, collection, id, doc); err != nil {
				h.logger.Error("Bulk import upsert failed", "collection", collection, "id", id, "error", err)
				result.Failed++
				continue
			}
			result.Imported++
		}
		resp.Results[collection] = result
		resp.TotalImported += result.Imported
		resp.TotalFailed += result.Failed
	}
	writeJSON(w, http.StatusOK, resp)
}

// requestScope extracts the authenticated user and validates the collection
// path segment, writing the error response itself on failure.
func (h *Handlers) requestScope(w http.ResponseWriter, r *http.Request) (userID, collection string, ok bool) {
	userID, ok = UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", "missing user identity")
		return "", "", false
	}
	collection = r.PathValue("collection")
	if err := validateCollection(collection); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_collection", err.Error())
		return "", "", false
	}
	return userID, collection, true
}

func (h *Handlers) vialReferenced(r *http.Request, userID, vialID string) (bool, error) {
	injections, err := h.storage.List(r.Context(), userID, "injections")
	if err != nil {
		return false, err
	}
	for _, inj := range injections {
		if linked, _ := inj["vialId"].(string); linked == vialID {
			return true, nil
		}
	}
	return false, nil
}

func (h *Handlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSON(w, statusCode, ErrorResponse{Success: false, Error: errorCode, Message: message})
	h.logger.Debug("HTTP error response",
		"status_code", statusCode, "error_code", errorCode, "message", message)
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}
