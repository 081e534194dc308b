package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/qamatch/internal/compact"
	"github.com/hyperjump/qamatch/internal/dataset"
	"github.com/hyperjump/qamatch/internal/embedding"
	"github.com/hyperjump/qamatch/internal/models"
	"github.com/hyperjump/qamatch/internal/precompute"
	"github.com/hyperjump/qamatch/internal/storage"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req models.MatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		s.respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.DatasetID == "" {
		req.DatasetID = s.config.Match.DefaultDataset
	}
	if err := models.ValidateDatasetID(req.DatasetID); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	threshold := s.deps.Matcher.Threshold()
	if req.Threshold != nil {
		if err := models.ValidateThreshold(*req.Threshold); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		threshold = *req.Threshold
	}
	s.logger.Debug("match request", zap.String("dataset", req.DatasetID), zap.Float64("threshold", threshold))

	start := time.Now()
	match, err := s.deps.Matcher.FindBestMatchWithThreshold(r.Context(), req.Query, req.DatasetID, threshold)
	if err != nil {
		s.logger.Error("match failed", zap.String("dataset", req.DatasetID), zap.Error(err))
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, models.MatchResponse{
		Match:     match,
		DatasetID: req.DatasetID,
		Threshold: threshold,
		QueryTime: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"datasets": dataset.Visible(s.config.Refs()),
		"default":  s.config.Match.DefaultDataset,
	})
}

// datasetID reads and validates the {id} URL parameter.
func (s *Server) datasetID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := models.ValidateDatasetID(id); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

func (s *Server) handleDatasetInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := s.datasetID(w, r)
	if !ok {
		return
	}
	info, err := s.deps.Store.Info(r.Context(), id)
	if err != nil {
		s.logger.Error("dataset info failed", zap.String("dataset", id), zap.Error(err))
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	if info.Count == 0 && info.CompactIndex != compact.StatePresent.String() {
		s.respondError(w, http.StatusNotFound, "dataset not found")
		return
	}
	s.respondJSON(w, http.StatusOK, info)
}

func (s *Server) handlePrecompute(w http.ResponseWriter, r *http.Request) {
	id, ok := s.datasetID(w, r)
	if !ok {
		return
	}
	if s.deps.Precomputer == nil || s.deps.Provider == nil {
		s.respondError(w, http.StatusNotImplemented, "precompute not available")
		return
	}
	logger := s.logger.With(zap.String("dataset", id))
	res, err := s.deps.Precomputer.Run(r.Context(), id, s.deps.Provider.Embed, s.config.Precompute.Options(), func(done, total int) {
		logger.Debug("precompute progress", zap.Int("done", done), zap.Int("total", total))
	})
	if err != nil {
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.datasetID(w, r)
	if !ok {
		return
	}
	s.deps.Store.Invalidate(id)
	if l := s.deps.Store.Compact(); l != nil {
		l.Invalidate(id)
	}
	s.logger.Info("dataset invalidated", zap.String("dataset", id))
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "invalidated"})
}

var exportContentTypes = map[string]string{
	dataset.FormatJSON: "application/json",
	dataset.FormatXLSX: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id, ok := s.datasetID(w, r)
	if !ok {
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = dataset.FormatJSON
	}
	contentType, ok := exportContentTypes[format]
	if !ok {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unsupported format %q", format))
		return
	}
	ds, err := s.deps.Store.Load(r.Context(), id)
	if err != nil {
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	var buf bytes.Buffer
	if err := dataset.Export(&buf, ds, format); err != nil {
		s.logger.Error("export failed", zap.String("dataset", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.%s"`, id, format))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

type datasetStatus struct {
	models.DatasetRef
	CompactIndex string         `json:"compact_index"`
	Assets       *storage.Usage `json:"assets,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"match": map[string]any{
			"enabled":         s.deps.Matcher.Enabled(),
			"threshold":       s.deps.Matcher.Threshold(),
			"default_dataset": s.config.Match.DefaultDataset,
		},
	}
	if s.deps.Provider != nil {
		resp["provider"] = s.deps.Provider.Meta()
	}

	assetDir := s.config.Assets.Dir
	refs := dataset.Visible(s.config.Refs())
	datasets := make([]datasetStatus, 0, len(refs))
	for _, ref := range refs {
		st := datasetStatus{DatasetRef: ref, CompactIndex: compact.StateUnknown.String()}
		if l := s.deps.Store.Compact(); l != nil {
			st.CompactIndex = l.Describe(ref.ID)
		}
		if assetDir != "" {
			if u, err := storage.DatasetUsage(assetDir, ref.ID); err == nil {
				st.Assets = &u
			}
		}
		datasets = append(datasets, st)
	}
	resp["datasets"] = datasets

	configInfo := map[string]any{
		"assets_dir":      assetDir,
		"assets_base_url": s.config.Assets.BaseURL,
		"database_path":   s.config.Cache.DatabasePath,
		"reprobe_after":   s.config.Assets.ReprobeAfter.String(),
	}
	resp["config"] = configInfo
	if usage, err := storage.DiskUsage(assetDir, s.config.Cache.DatabasePath); err == nil {
		resp["disk_usage"] = usage
	} else {
		s.logger.Warn("status: disk usage failed", zap.Error(err))
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// statusFor maps component errors onto HTTP statuses.
func statusFor(err error) int {
	var batchErr *precompute.BatchError
	switch {
	case errors.Is(err, embedding.ErrMissingCredential):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &batchErr):
		return http.StatusBadGateway
	}
	if _, ok := embedding.StatusCode(err); ok {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
