package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/filedex/filedex/internal/retrieval"
	"github.com/filedex/filedex/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// HTTPDeps holds dependencies for the HTTP API.
type HTTPDeps struct {
	Engine *retrieval.Engine
	Store  *storage.Store
	Token  string
}

// NewAppHandler builds the HTTP API router. All routes except /health
// require bearer authentication.
func NewAppHandler(deps HTTPDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/search", handleSearch(deps))
		r.Get("/files", handleListFiles(deps))
		r.Get("/tags", handleGetTags(deps))
		r.Post("/tags", handleApplyTags(deps))
		r.Get("/suggest", handleSuggestTags(deps))
		r.Post("/collections", handleCreateCollection(deps))
		r.Get("/collections", handleListCollections(deps))
		r.Post("/collections/{name}/files", handleAddToCollection(deps))
		r.Get("/collections/{name}/files", handleGetCollectionFiles(deps))
		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleHealth(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func handleSearch(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		query := q.Get("q")
		var tags []string
		if raw := q.Get("tags"); raw != "" {
			tags = strings.Split(raw, ",")
		}
		topK := parseIntParam(r, "top_k", defaultTopK, 100)
		if topK <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "top_k must be positive")
			return
		}
		category := q.Get("category")

		results, err := deps.Engine.Search(r.Context(), query, tags, category, topK)
		if errors.Is(err, retrieval.ErrEmptyQuery) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q or tags is required")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		if results == nil {
			results = []retrieval.Result{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"results": results,
			"count":   len(results),
		})
	}
}

func handleListFiles(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := deps.Store.ListFileRecordsUnder(r.URL.Query().Get("dir"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list files: %v", err)
			return
		}
		if records == nil {
			records = []storage.FileRecord{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
	}
}

func handleGetTags(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			// No path means the full tag vocabulary.
			tags, err := deps.Engine.ListAllTags()
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to list tags: %v", err)
				return
			}
			if tags == nil {
				tags = []string{}
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"tags": tags})
			return
		}
		tags, err := deps.Engine.GetTags(path)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get tags: %v", err)
			return
		}
		if tags == nil {
			tags = []string{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"path": path, "tags": tags})
	}
}

type applyTagsRequest struct {
	Path string   `json:"path"`
	Tags []string `json:"tags"`
}

func handleApplyTags(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req applyTagsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Path == "" || len(req.Tags) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "path and tags are required")
			return
		}

		applied, err := deps.Engine.ApplyTags(req.Path, req.Tags)
		if errors.Is(err, storage.ErrUnknownFile) {
			httpError(w, http.StatusNotFound, "not_found", "unknown file: %s", req.Path)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to apply tags: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"path": req.Path, "applied_tags": applied})
	}
}

func handleSuggestTags(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "path is required")
			return
		}
		tags, err := deps.Engine.SuggestTags(r.Context(), path)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "file not indexed: %s", path)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "suggestion failed: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"path": path, "suggested_tags": tags})
	}
}

type createCollectionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func handleCreateCollection(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req createCollectionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}

		coll, err := deps.Engine.CreateCollection(req.Name, req.Description)
		if errors.Is(err, storage.ErrDuplicateName) {
			httpError(w, http.StatusConflict, "duplicate_name", "collection already exists: %s", req.Name)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create collection: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(coll)
	}
}

func handleListCollections(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		colls, err := deps.Engine.ListCollections()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list collections: %v", err)
			return
		}
		if colls == nil {
			colls = []storage.Collection{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(colls)
	}
}

type addToCollectionRequest struct {
	Paths []string `json:"paths"`
}

func handleAddToCollection(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req addToCollectionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Paths) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "paths is required")
			return
		}

		added, err := deps.Engine.AddToCollection(name, req.Paths)
		if errors.Is(err, storage.ErrUnknownCollection) {
			httpError(w, http.StatusNotFound, "not_found", "unknown collection: %s", name)
			return
		}
		if errors.Is(err, storage.ErrUnknownFile) {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to add to collection: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"name": name, "added": added})
	}
}

func handleGetCollectionFiles(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		files, err := deps.Engine.GetCollectionFiles(name)
		if errors.Is(err, storage.ErrUnknownCollection) {
			httpError(w, http.StatusNotFound, "not_found", "unknown collection: %s", name)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list collection: %v", err)
			return
		}
		if files == nil {
			files = []string{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"name": name, "files": files, "count": len(files)})
	}
}

func handleStats(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, vectors, err := deps.Engine.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get stats: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"files":       st.Files,
			"tags":        st.Tags,
			"collections": st.Collections,
			"vectors":     vectors,
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
