// Package server is the reference todo backend: snapshot search, a change
// stream and the write interface over a SQLite store.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/todomirror/internal/store"
	"github.com/hyperengineering/todomirror/internal/types"
	"github.com/hyperengineering/todomirror/internal/validation"
)

// MaxSearchSize bounds the snapshot query.
const MaxSearchSize = 10000

const (
	maxBodyBytes        = 64 << 10
	defaultChangesLimit = 100
)

// Handler implements the API handlers.
type Handler struct {
	store   store.Store
	hub     *Hub
	metrics *Metrics
	version string

	// writeMu spans each store commit and its broadcast, so subscribers
	// see changes in commit order.
	writeMu sync.Mutex
}

// NewHandler creates a Handler. The hub must be running before writes
// are accepted.
func NewHandler(s store.Store, hub *Hub, m *Metrics, version string) *Handler {
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Handler{store: s, hub: hub, metrics: m, version: version}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "server", "error", err)
	}
}

// decode reads a bounded JSON body into v, writing a problem on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteProblem(w, r, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return false
	}
	return true
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.Count(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "server", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		TodoCount: count,
	})
}

// Search handles POST /api/v1/todos/_search: every record, newest first,
// at most size of them.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req types.SearchRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Size <= 0 || req.Size > MaxSearchSize {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("size must be between 1 and %d", MaxSearchSize))
		return
	}

	hits, err := h.store.Search(r.Context(), req.Size)
	if err != nil {
		slog.Error("search failed", "component", "server", "error", err)
		MapStoreError(w, r, err)
		return
	}
	total, err := h.store.Count(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.SearchResponse{Hits: hits, Total: int(total)})
}

// Create handles POST /api/v1/todos. The author is taken from the token;
// anonymous requests keep the author they send.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var p types.Patch
	if !decode(w, r, &p) {
		return
	}
	if errs := validation.ValidateNewTodo(p); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Todo contains invalid fields", errs)
		return
	}

	todo := p.Todo()
	if user := UserFromContext(r.Context()); user != "" {
		todo.CreatedBy = user
	}

	var stored types.Todo
	var created bool
	err := h.commit("create", func() (*types.ChangeEvent, error) {
		var ev *types.ChangeEvent
		var err error
		stored, created, ev, err = h.store.Create(r.Context(), todo)
		return ev, err
	})
	if err != nil {
		slog.Error("create failed", "component", "server", "todo_id", todo.ID, "error", err)
		MapStoreError(w, r, err)
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, stored)
		return
	}

	slog.Info("todo created",
		"component", "server",
		"action", "create",
		"todo_id", stored.ID,
		"user", stored.CreatedBy,
	)
	writeJSON(w, http.StatusCreated, stored)
}

// Update handles PATCH /api/v1/todos/{id}.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var p types.Patch
	if !decode(w, r, &p) {
		return
	}
	if errs := validation.ValidateUpdate(p); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Update contains invalid fields", errs)
		return
	}

	var todo types.Todo
	err := h.commit("update", func() (*types.ChangeEvent, error) {
		var ev *types.ChangeEvent
		var err error
		todo, ev, err = h.store.Update(r.Context(), id, p)
		return ev, err
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("update failed", "component", "server", "todo_id", id, "error", err)
		}
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, todo)
}

// Delete handles DELETE /api/v1/todos/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.commit("delete", func() (*types.ChangeEvent, error) {
		return h.store.Delete(r.Context(), id)
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("delete failed", "component", "server", "todo_id", id, "error", err)
		}
		MapStoreError(w, r, err)
		return
	}

	slog.Info("todo deleted",
		"component", "server",
		"action", "delete",
		"todo_id", id,
		"user", UserFromContext(r.Context()),
	)
	w.WriteHeader(http.StatusNoContent)
}

// ChangesResponse is the body of GET /api/v1/todos/changes.
type ChangesResponse struct {
	Entries []store.ChangeLogEntry `json:"entries"`
}

// Changes handles GET /api/v1/todos/changes?after=N&limit=M: the write
// history in commit order.
func (h *Handler) Changes(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil || after < 0 {
		WriteProblem(w, r, http.StatusBadRequest, "after must be a non-negative integer")
		return
	}
	limit, err := queryInt(r, "limit", defaultChangesLimit)
	if err != nil || limit <= 0 || limit > MaxSearchSize {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", MaxSearchSize))
		return
	}

	entries, err := h.store.ChangesAfter(r.Context(), int64(after), limit)
	if err != nil {
		slog.Error("change log query failed", "component", "server", "error", err)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ChangesResponse{Entries: entries})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// commit runs write and broadcasts the event it returns before any other
// write can commit. A nil event means nothing changed.
func (h *Handler) commit(op string, write func() (*types.ChangeEvent, error)) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	ev, err := write()
	if err != nil || ev == nil {
		return err
	}
	h.metrics.writes.WithLabelValues(op).Inc()
	h.hub.Publish(*ev)
	return nil
}
