package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/illmade-knight/go-renderflow/pkg/cachestore"
	"github.com/illmade-knight/go-renderflow/pkg/events"
	"github.com/illmade-knight/go-renderflow/pkg/fingerprint"
	"github.com/illmade-knight/go-renderflow/pkg/pipeline"
	"github.com/illmade-knight/go-renderflow/pkg/runledger"
)

const maxUploadBytes = 32 << 20

// handleGenerate accepts multipart form data (meta JSON + image file), runs
// the pipeline, and returns the result or a specific error kind.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "", "Invalid multipart form data.")
		return
	}

	metaRaw := r.FormValue("meta")
	if metaRaw == "" {
		writeError(w, http.StatusBadRequest, "", "Missing required 'meta' JSON field.")
		return
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(metaRaw), &metadata); err != nil {
		writeError(w, http.StatusBadRequest, "", "Field 'meta' is not valid JSON.")
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "", "Missing required 'image' file.")
		return
	}
	defer func() { _ = file.Close() }()
	image, err := io.ReadAll(file)
	if err != nil || len(image) == 0 {
		writeError(w, http.StatusBadRequest, "", "Could not read 'image' file.")
		return
	}

	started := time.Now()
	result, runErr := s.runner.Run(r.Context(), pipeline.Request{Image: image, Metadata: metadata})
	s.recordRun(r, result, runErr, started)

	if runErr != nil {
		kind := pipeline.ErrorKind(runErr)
		status := http.StatusBadGateway
		if errors.Is(runErr, fingerprint.ErrSerialization) {
			status = http.StatusBadRequest
		}
		writeError(w, status, kind, runErr.Error())
		return
	}

	s.publishCompletion(r, result)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  result,
	})
}

type generateImageRequest struct {
	Prompt            string  `json:"prompt"`
	GuidanceScale     float64 `json:"guidance_scale"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	ImageSize         string  `json:"image_size"`
}

// handleGenerateImage runs the prompt-only pipeline: a text prompt in, a
// persisted image URL out. These runs bypass the cache; there is no input
// record to fingerprint.
func (s *Server) handleGenerateImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}

	var req generateImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "Invalid JSON body.")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "", "Prompt is required and must be a string.")
		return
	}

	render, err := s.renderer.Render(r.Context(), req.Prompt, pipeline.GenerateOptions{
		GuidanceScale:  req.GuidanceScale,
		InferenceSteps: req.NumInferenceSteps,
		ImageSize:      req.ImageSize,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, pipeline.ErrorKind(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"url":     render.PersistedURL,
	})
}

// handleCache serves cache statistics (GET) and eviction (DELETE).
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleCacheStats(w, r)
	case http.MethodDelete:
		s.handleCacheClear(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
	}
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats := s.store.Stats(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats": map[string]any{
			"entryCount":           stats.EntryCount,
			"totalSizeBytes":       stats.TotalSizeBytes,
			"totalSizeMB":          fmt.Sprintf("%.2f", float64(stats.TotalSizeBytes)/1024/1024),
			"oldestEntryTimestamp": stats.OldestEntry,
			"newestEntryTimestamp": stats.NewestEntry,
		},
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	maxAgeRaw := r.URL.Query().Get("maxAge")

	var deleted int
	var err error
	if maxAgeRaw != "" {
		maxAgeMs, parseErr := strconv.ParseInt(maxAgeRaw, 10, 64)
		if parseErr != nil || maxAgeMs < 0 {
			writeError(w, http.StatusBadRequest, "InvalidArgument", "Invalid maxAge parameter")
			return
		}
		deleted, err = s.store.ClearOlderThan(r.Context(), time.Duration(maxAgeMs)*time.Millisecond)
	} else {
		deleted, err = s.store.ClearAll(r.Context())
	}

	if err != nil {
		if errors.Is(err, cachestore.ErrInvalidArgument) {
			writeError(w, http.StatusBadRequest, "InvalidArgument", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"deletedCount": deleted,
		"message":      fmt.Sprintf("Cleared %d cache entries", deleted),
	})
}

// recordRun writes the invocation to the run ledger, best-effort.
func (s *Server) recordRun(r *http.Request, result *pipeline.Result, runErr error, started time.Time) {
	if s.recorder == nil {
		return
	}
	record := &runledger.RunRecord{
		State:      string(pipeline.StateComplete),
		DurationMs: time.Since(started).Milliseconds(),
		StartedAt:  started,
	}
	if runErr != nil {
		record.State = string(pipeline.StateFailed)
		record.ErrorKind = pipeline.ErrorKind(runErr)
	} else {
		record.RequestID = result.RequestID
		record.Fingerprint = result.Fingerprint
		record.CacheHit = result.CacheHit
	}
	if err := s.recorder.Record(r.Context(), record); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to record run in ledger.")
	}
}

// publishCompletion emits a completion event, best-effort.
func (s *Server) publishCompletion(r *http.Request, result *pipeline.Result) {
	if s.publisher == nil {
		return
	}
	event := events.CompletionEvent{
		RequestID:    result.RequestID,
		Fingerprint:  result.Fingerprint,
		PersistedURL: result.PersistedURL,
		CacheHit:     result.CacheHit,
		CompletedAt:  time.Now().UnixMilli(),
	}
	if err := s.publisher.Publish(r.Context(), event); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to publish completion event.")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	body := map[string]any{
		"success": false,
		"message": message,
	}
	if kind != "" {
		body["errorKind"] = kind
	}
	writeJSON(w, status, body)
}
