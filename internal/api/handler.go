// Package api exposes the deal sync service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"dealsync/internal/dealsync"
	"dealsync/internal/model"
	"dealsync/internal/observability"
	"dealsync/internal/pipedrive"
)

const (
	maxRequestBody = 1 << 20
	maxRunLimit    = 100
)

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body exceeds allowed size")
)

// Service is what the handlers need from *dealsync.Service.
type Service interface {
	SyncProposal(ctx context.Context, dealID int, req dealsync.SyncRequest) (dealsync.SyncResult, error)
	UpdateFields(ctx context.Context, dealID int, fields map[string]any) error
	AssignMapache(ctx context.Context, dealID int, name string) error
	Deal(ctx context.Context, dealID int) (pipedrive.DealSummary, error)
	Search(ctx context.Context, by dealsync.SearchBy, q string) ([]pipedrive.DealSummary, error)
	MapacheOptions(ctx context.Context) ([]pipedrive.Option, error)
	Runs(ctx context.Context, dealID, limit int) ([]model.SyncRun, error)
}

type Handler struct {
	svc    Service
	logger *zap.Logger
}

func NewHandler(svc Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: observability.OrNop(logger).Named("api")}
}

// Router builds the chi router with all routes mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/mapache/options", h.mapacheOptions)
	r.Route("/deals", func(r chi.Router) {
		r.Get("/search", h.search)
		r.Get("/{dealID}", h.getDeal)
		r.Post("/{dealID}/products", h.syncProducts)
		r.Put("/{dealID}/fields", h.updateFields)
		r.Put("/{dealID}/mapache", h.assignMapache)
		r.Get("/{dealID}/runs", h.listRuns)
	})
	return r
}

type assignMapacheRequest struct {
	Name string `json:"name"`
}

func (h *Handler) syncProducts(w http.ResponseWriter, r *http.Request) {
	dealID, ok := h.dealID(w, r)
	if !ok {
		return
	}
	var req dealsync.SyncRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.SyncProposal(r.Context(), dealID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) updateFields(w http.ResponseWriter, r *http.Request) {
	dealID, ok := h.dealID(w, r)
	if !ok {
		return
	}
	var fields map[string]any
	if !h.decode(w, r, &fields) {
		return
	}
	if err := h.svc.UpdateFields(r.Context(), dealID, fields); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignMapache(w http.ResponseWriter, r *http.Request) {
	dealID, ok := h.dealID(w, r)
	if !ok {
		return
	}
	var req assignMapacheRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.AssignMapache(r.Context(), dealID, req.Name); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getDeal(w http.ResponseWriter, r *http.Request) {
	dealID, ok := h.dealID(w, r)
	if !ok {
		return
	}
	deal, err := h.svc.Deal(r.Context(), dealID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deal)
}

// search takes exactly one of the mapache, owner, emails or labels parameters.
func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var by dealsync.SearchBy
	var term string
	for _, candidate := range []dealsync.SearchBy{
		dealsync.SearchByMapache,
		dealsync.SearchByOwner,
		dealsync.SearchByEmails,
		dealsync.SearchByLabels,
	} {
		if !q.Has(string(candidate)) {
			continue
		}
		if by != "" {
			writeErrorBody(w, http.StatusBadRequest, "invalid_request", "use a single search parameter")
			return
		}
		by, term = candidate, q.Get(string(candidate))
	}
	if by == "" {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request", "one of mapache, owner, emails or labels is required")
		return
	}

	deals, err := h.svc.Search(r.Context(), by, term)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deals)
}

func (h *Handler) mapacheOptions(w http.ResponseWriter, r *http.Request) {
	options, err := h.svc.MapacheOptions(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	dealID, ok := h.dealID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	limit = min(limit, maxRunLimit)
	runs, err := h.svc.Runs(r.Context(), dealID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) dealID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(strings.TrimSpace(chi.URLParam(r, "dealID")))
	if err != nil || id <= 0 {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request", "deal id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := readLimitedBody(r, maxRequestBody)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			writeErrorBody(w, http.StatusRequestEntityTooLarge, "payload_too_large", err.Error())
		default:
			writeErrorBody(w, http.StatusBadRequest, "invalid_request", err.Error())
		}
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return false
	}
	return true
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, errEmptyBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// writeError maps service and CRM errors to a status and error code.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	var apiErr *pipedrive.APIError
	var parseErr *pipedrive.ParseError
	switch {
	case errors.Is(err, dealsync.ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, dealsync.ErrDealBusy):
		status, code = http.StatusConflict, "deal_busy"
	case errors.Is(err, pipedrive.ErrUnknownOption):
		status, code = http.StatusUnprocessableEntity, "unknown_option"
	case errors.Is(err, dealsync.ErrRunsUnavailable):
		status, code = http.StatusServiceUnavailable, "runs_unavailable"
	case pipedrive.IsNotFound(err):
		status, code = http.StatusNotFound, "not_found"
	case errors.As(err, &apiErr), errors.As(err, &parseErr):
		status, code = http.StatusBadGateway, "crm_error"
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeErrorBody(w, status, code, err.Error())
}

func writeErrorBody(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
