package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/receipt-processor/internal/scanning"
)

// multipartOverhead is the slack allowed on top of the file size for
// multipart boundaries and headers
const multipartOverhead = 1 << 20

// uploadResponse is the body of every upload and reprocess response
type uploadResponse struct {
	Success  bool      `json:"success"`
	ID       string    `json:"id,omitempty"`
	Result   *Receipt  `json:"result,omitempty"`
	Warnings []Warning `json:"warnings,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, uploadResponse{Success: false, Error: message})
}

// describeError maps a pipeline error to a status code and a message fit
// for the person who uploaded the file
func describeError(err error, maxBytes int64) (int, string) {
	switch {
	case errors.Is(err, ErrNoFile):
		return http.StatusBadRequest, "No file was selected. Please choose a file to upload."
	case errors.Is(err, ErrEmptyFile):
		return http.StatusBadRequest, "The uploaded file is empty."
	case errors.Is(err, ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, fmt.Sprintf("File is too large. Maximum size is %dMB. Please compress or resize your image.", maxBytes>>20)
	case errors.Is(err, ErrUnsupportedFile):
		return http.StatusUnsupportedMediaType, "Unsupported file type. Please upload a PDF, JPEG, PNG, GIF or HEIC file."
	case errors.Is(err, scanning.ErrUnreadableImage):
		return http.StatusUnprocessableEntity, "The file could not be read as an image. Please upload a different file."
	case errors.Is(err, scanning.ErrExtractionService):
		return http.StatusBadGateway, "The receipt reading service is unavailable right now. Please try again in a moment."
	case errors.Is(err, ErrNoItemsFound):
		return http.StatusUnprocessableEntity, "No items were found on this receipt. Please try again with a clearer, well-lit image."
	case errors.Is(err, ErrExtractionMalformed):
		return http.StatusUnprocessableEntity, "The receipt could not be understood. Please upload a different image of it."
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "Receipt not found"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// handleIndex serves the upload page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"message":   "receipt processor is running",
		"timestamp": s.service.Now().Format(time.RFC3339),
	})
}

// handleUpload accepts a single multipart file under the "file" field
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.service.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)

	f, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large"):
			err = ErrFileTooLarge
		case errors.Is(err, http.ErrMissingFile):
			err = ErrNoFile
		default:
			slog.Error("Error parsing multipart form", "error", err)
			writeFailure(w, http.StatusBadRequest, "Error parsing form")
			return
		}
		status, msg := describeError(err, maxBytes)
		writeFailure(w, status, msg)
		return
	}
	defer f.Close()

	result, err := s.service.ProcessUpload(r.Context(), header.Filename, f)
	if err != nil {
		slog.Error("Error processing receipt", "filename", header.Filename, "error", err)
		status, msg := describeError(err, maxBytes)
		writeFailure(w, status, msg)
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		Success:  true,
		ID:       result.ID,
		Result:   result.Receipt,
		Warnings: result.Warnings,
	})
}

// handleReprocess normalizes a stored receipt again into a new record
func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := s.service.Reprocess(r.Context(), id)
	if err != nil {
		slog.Error("Error reprocessing receipt", "id", id, "error", err)
		status, msg := describeError(err, s.service.MaxUploadBytes())
		writeFailure(w, status, msg)
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		Success:  true,
		ID:       result.ID,
		Result:   result.Receipt,
		Warnings: result.Warnings,
	})
}

// handleListReceipts returns a list of all receipts
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.service.ListReceipts()
	if err != nil {
		slog.Error("Error listing receipts", "error", err)
		writeFailure(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, receipts)
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	receipt, err := s.service.GetReceipt(id)
	if err != nil {
		status, msg := describeError(err, s.service.MaxUploadBytes())
		if status == http.StatusInternalServerError {
			slog.Error("Error getting receipt", "id", id, "error", err)
		}
		writeFailure(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, receipt)
}
