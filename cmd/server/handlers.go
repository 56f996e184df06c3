package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tabletalk"
)

type handler struct {
	session tabletalk.Session
}

func newHandler(s tabletalk.Session) *handler {
	return &handler{session: s}
}

// POST /upload
// Accepts a multipart file upload or JSON with a file path.
func (h *handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	// Try multipart upload first.
	if err := r.ParseMultipartForm(100 << 20); err == nil {
		file, header, err := r.FormFile("file")
		if err == nil {
			defer file.Close()

			// Sanitise filename to prevent path traversal.
			safeName := filepath.Base(header.Filename)

			// A per-request directory keeps concurrent uploads of the
			// same filename from clobbering each other, while the
			// basename still names the source.
			tmpDir, err := os.MkdirTemp("", "tabletalk-upload-")
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to process file")
				slog.Error("creating upload dir", "error", err)
				return
			}
			defer os.RemoveAll(tmpDir)

			tmpPath := filepath.Join(tmpDir, safeName)
			dst, err := os.Create(tmpPath)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to process file")
				slog.Error("creating temp file", "error", err)
				return
			}
			if _, err := io.Copy(dst, file); err != nil {
				dst.Close()
				writeError(w, http.StatusInternalServerError, "failed to save file")
				slog.Error("saving uploaded file", "error", err)
				return
			}
			dst.Close()

			h.uploadPath(ctx, w, tmpPath)
			return
		}
	}

	// Fall back to a JSON body naming a server-side path.
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'path'")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	absPath, err := filepath.Abs(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(absPath)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusBadRequest, "path must be an existing file")
		return
	}

	h.uploadPath(ctx, w, absPath)
}

func (h *handler) uploadPath(ctx context.Context, w http.ResponseWriter, path string) {
	res, err := h.session.Upload(ctx, path)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, tabletalk.ErrMalformedInput),
			errors.Is(err, tabletalk.ErrEmptyTable),
			errors.Is(err, tabletalk.ErrDuplicateColumns),
			errors.Is(err, tabletalk.ErrTooManyColumns):
			status = http.StatusBadRequest
		case errors.Is(err, tabletalk.ErrSourceNotFound):
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		slog.Error("upload error", "path", path, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /ask
func (h *handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	// Ask never fails; the answer text carries any failure message.
	answer := h.session.Ask(ctx, req.Question)
	writeJSON(w, http.StatusOK, map[string]string{
		"question": req.Question,
		"answer":   answer,
	})
}

// GET /history?n=50
func (h *handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	n := 50
	if v := r.URL.Query().Get("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			n = parsed
		}
	}

	entries, err := h.session.History(r.Context(), n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read history")
		slog.Error("history error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}

// GET /metrics
func (h *handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.session.SummaryMetrics()
	if err != nil {
		if errors.Is(err, tabletalk.ErrSourceNotFound) {
			writeError(w, http.StatusNotFound, "no data uploaded")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to compute metrics")
		slog.Error("metrics error", "error", err)
		return
	}

	info, err := h.session.ColumnInfo()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to classify columns")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary_metrics": metrics,
		"columns":         info,
	})
}

// GET /sources
func (h *handler) handleSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.session.Sources(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sources")
		slog.Error("sources error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sources": sources})
}

// GET /models
func (h *handler) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"available": h.session.AvailableModels(),
		"active":    h.session.ActiveModel(),
	})
}

// POST /models/active
func (h *handler) handleSetModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := h.session.SetModel(r.Context(), req.Name); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active": req.Name})
}

// POST /report
func (h *handler) handleReport(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	outPath := filepath.Join(os.TempDir(), "tabletalk_report.pdf")
	if err := h.session.GenerateReport(ctx, outPath); err != nil {
		if errors.Is(err, tabletalk.ErrSourceNotFound) {
			writeError(w, http.StatusNotFound, "no data uploaded")
			return
		}
		writeError(w, http.StatusInternalServerError, "report generation failed")
		slog.Error("report error", "error", err)
		return
	}
	defer os.Remove(outPath)

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
	http.ServeFile(w, r, outPath)
}

// POST /reset
func (h *handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "reset failed")
		slog.Error("reset error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
