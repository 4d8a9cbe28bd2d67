// Package api is the coordinator's HTTP surface: health/summary plus the
// upload/list/download/delete file endpoints, grounded on the teacher's
// internal/server/{server,files}.go.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/duskvault/internal/chunker"
	"github.com/ssd-technologies/duskvault/internal/errs"
	"github.com/ssd-technologies/duskvault/internal/metadata"
	"github.com/ssd-technologies/duskvault/internal/tempstore"
)

const maxUploadSize = 10 << 30 // 10 GiB, mirrors config.Load's default MaxFileSize

// Retriever is the subset of retrieval.Retriever the server depends on.
type Retriever interface {
	RetrieveFile(ctx context.Context, fileID string) ([]byte, error)
}

// Distributor is the subset of distribution.Distributor the server depends on.
type Distributor interface {
	DistributeFile(ctx context.Context, fileID string) error
}

// Reaper is the subset of reaper.Reaper the server depends on.
type Reaper interface {
	DeleteFile(ctx context.Context, fileID string) error
}

// Server is the coordinator's HTTP surface.
type Server struct {
	store       *metadata.Store
	processor   *chunker.Processor
	distributor Distributor
	retriever   Retriever
	reaper      Reaper
	tempStore   *tempstore.Store
	mux         *http.ServeMux
}

// New creates a Server with all routes registered. processor, distributor,
// retriever, reaper, and tempStore may be nil in tests that only exercise
// health/summary/list; handlers that need them fail with 503 if unset.
func New(store *metadata.Store, processor *chunker.Processor, distributor Distributor, retriever Retriever, rp Reaper, tempStore *tempstore.Store) *Server {
	s := &Server{store: store, processor: processor, distributor: distributor, retriever: retriever, reaper: rp, tempStore: tempStore}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/summary", s.handleSummary)
	s.mux.HandleFunc("POST /api/files", s.handleUploadFile)
	s.mux.HandleFunc("GET /api/files", s.handleListFiles)
	s.mux.HandleFunc("GET /api/files/{id}/download", s.handleDownloadFile)
	s.mux.HandleFunc("DELETE /api/files/{id}", s.handleDeleteFile)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "duskvault",
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.store.Summarize(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// handleUploadFile handles POST /api/files — chunk, encrypt, persist
// metadata, and fan the chunks out to devices.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil || s.distributor == nil {
		writeError(w, http.StatusServiceUnavailable, "upload not configured")
		return
	}

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	plaintext, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}

	ownerID := r.FormValue("owner_id")
	fileID := uuid.NewString()

	result, err := s.processor.ProcessFile(r.Context(), plaintext, header.Filename,
		header.Header.Get("Content-Type"), fileID, ownerID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	now := time.Now().UnixMilli()
	result.File.CreatedAt = now
	result.File.UpdatedAt = now

	if err := s.store.CreateFile(r.Context(), result.File); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store file: "+err.Error())
		return
	}

	for i, c := range result.Chunks {
		c.CreatedAt = now
		c.UpdatedAt = now
		if err := s.store.CreateChunk(r.Context(), c); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to store chunk: "+err.Error())
			return
		}
		if err := s.tempStore.Put(c.ID, result.Ciphertexts[i]); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to stage chunk: "+err.Error())
			return
		}
	}

	if err := s.distributor.DistributeFile(r.Context(), fileID); err != nil {
		log.Printf("[api] distribute file %s: %v", fileID, err)
	}

	if err := s.store.UpdateFileState(r.Context(), fileID, metadata.FileActive, time.Now().UnixMilli()); err != nil {
		log.Printf("[api] activate file %s: %v", fileID, err)
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          result.File.ID,
		"name":        result.File.OriginalName,
		"size":        result.File.SizeBytes,
		"mime_type":   result.File.Mime,
		"chunk_count": result.File.ChunkCount,
		"created_at":  result.File.CreatedAt,
	})
}

// handleListFiles handles GET /api/files — list active files.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.store.ListFiles(r.Context(), metadata.FileActive)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	if files == nil {
		files = []metadata.File{}
	}

	result := make([]map[string]any, len(files))
	for i, f := range files {
		result[i] = map[string]any{
			"id":          f.ID,
			"name":        f.OriginalName,
			"size":        f.SizeBytes,
			"mime_type":   f.Mime,
			"chunk_count": f.ChunkCount,
			"created_at":  f.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// handleDownloadFile handles GET /api/files/{id}/download — reassemble and
// return the plaintext.
func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	if s.retriever == nil {
		writeError(w, http.StatusServiceUnavailable, "download not configured")
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "file id is required")
		return
	}

	file, err := s.store.GetFile(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	plaintext, err := s.retriever.RetrieveFile(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+file.OriginalName+"\"")
	w.WriteHeader(http.StatusOK)
	w.Write(plaintext)
}

// handleDeleteFile handles DELETE /api/files/{id} — remove the file
// everywhere the reaper can reach, then drop its metadata.
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if s.reaper == nil {
		writeError(w, http.StatusServiceUnavailable, "delete not configured")
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "file id is required")
		return
	}

	if err := s.reaper.DeleteFile(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// statusFor maps a sentinel error to the HTTP status a caller should see.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errs.ErrNotConnected), errors.Is(err, errs.ErrTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, errs.ErrIntegrity), errors.Is(err, errs.ErrAuth):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrInsufficientCapacity):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
