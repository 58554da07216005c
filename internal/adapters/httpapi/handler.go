// Package httpapi exposes the identifier registry over HTTP. Endpoints:
//
//	POST /api/v1/identifiers            assign or retrieve a primary identifier
//	POST /api/v1/identifiers/secondary  assign a second-level accession
//	GET  /api/v1/identifiers/{id}       resolve an identifier
//	GET  /api/v1/namespaces             list configured namespaces
//	GET  /api/v1/namespaces/{ns}/stats  allocation counts for a namespace
//	GET  /api/v1/sweeps                 list archived sweep reports
//	GET  /api/v1/sweeps/{name}          fetch one archived sweep report
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"biomarkerkb/internal/archive"
	"biomarkerkb/internal/canonical"
	"biomarkerkb/internal/core"
	"biomarkerkb/pkg/registry"
)

// Handler routes registry HTTP traffic to the service. Archive is optional;
// without it the sweep report endpoints answer 404.
type Handler struct {
	Service *core.Service
	Archive archive.Store
}

// NewHandler constructs a registry HTTP handler.
func NewHandler(svc *core.Service, store archive.Store) *Handler {
	return &Handler{Service: svc, Archive: store}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		writeError(w, http.StatusInternalServerError, "registry service not configured")
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/api/v1/identifiers":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleAssign(w, r)
	case path == "/api/v1/identifiers/secondary":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleAssignSecondary(w, r)
	case strings.HasPrefix(path, "/api/v1/identifiers/"):
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleResolve(w, r, strings.TrimPrefix(path, "/api/v1/identifiers/"))
	case path == "/api/v1/namespaces":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"namespaces": h.Service.Namespaces()})
	case strings.HasPrefix(path, "/api/v1/namespaces/") && strings.HasSuffix(path, "/stats"):
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		namespace := strings.TrimSuffix(strings.TrimPrefix(path, "/api/v1/namespaces/"), "/stats")
		h.handleStats(w, r, namespace)
	case path == "/api/v1/sweeps":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleListSweeps(w, r)
	case strings.HasPrefix(path, "/api/v1/sweeps/"):
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleGetSweep(w, r, strings.TrimPrefix(path, "/api/v1/sweeps/"))
	default:
		http.NotFound(w, r)
	}
}

type descriptionPayload struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Components []struct {
		Biomarker        string `json:"biomarker"`
		AssessedEntityID string `json:"assessed_entity_id"`
	} `json:"components"`
}

func (p descriptionPayload) toDescription() canonical.Description {
	desc := canonical.Description{Name: p.Name, Type: p.Type}
	for _, c := range p.Components {
		desc.Components = append(desc.Components, canonical.Component{
			Biomarker:        c.Biomarker,
			AssessedEntityID: c.AssessedEntityID,
		})
	}
	return desc
}

type assignRequest struct {
	Namespace   string             `json:"namespace"`
	Description descriptionPayload `json:"description"`
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid assignment request payload")
		return
	}
	assignment, err := h.Service.AssignOrRetrieve(r.Context(), req.Namespace, req.Description.toDescription())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if assignment.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"assignment": assignment})
}

type secondaryRequest struct {
	Namespace   string             `json:"namespace"`
	Description descriptionPayload `json:"description"`
	RecordKey   string             `json:"record_key"`
}

func (h *Handler) handleAssignSecondary(w http.ResponseWriter, r *http.Request) {
	var req secondaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid secondary assignment request payload")
		return
	}
	assignment, err := h.Service.AssignSecondary(r.Context(), req.Namespace, req.Description.toDescription(), req.RecordKey)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignment": assignment})
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request, identifier string) {
	if identifier == "" {
		http.NotFound(w, r)
		return
	}
	rec, ok, err := h.Service.Resolve(r.Context(), identifier)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "identifier not assigned")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allocation": rec})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request, namespace string) {
	stats, err := h.Service.Stats(r.Context(), namespace)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (h *Handler) handleListSweeps(w http.ResponseWriter, r *http.Request) {
	if h.Archive == nil {
		writeError(w, http.StatusNotFound, "sweep report archive not configured")
		return
	}
	reports, err := h.Archive.List(r.Context(), "sweeps/")
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (h *Handler) handleGetSweep(w http.ResponseWriter, r *http.Request, name string) {
	if h.Archive == nil {
		writeError(w, http.StatusNotFound, "sweep report archive not configured")
		return
	}
	info, body, err := h.Archive.Get(r.Context(), "sweeps/"+name)
	if err != nil {
		writeError(w, http.StatusNotFound, "sweep report not found")
		return
	}
	defer body.Close()
	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

// writeServiceError maps the registry error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var (
		malformed registry.MalformedInputError
		invalid   registry.InvalidIdentifierError
		unknown   registry.UnknownNamespaceError
		exceeded  registry.RangeExceededError
		timeout   registry.TimeoutError
		storage   registry.StorageError
	)
	switch {
	case errors.As(err, &malformed), errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &unknown):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &exceeded):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &timeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &storage):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
