package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/outreach-intake/internal/customer"
	"github.com/zombor/outreach-intake/internal/scanning"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON writes v as a JSON response with the given status
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusForError maps pipeline errors to HTTP status codes
func statusForError(err error) int {
	var inputErr *InputError
	switch {
	case errors.As(err, &inputErr):
		return http.StatusBadRequest
	case errors.Is(err, customer.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scanning.ErrUnsupportedImage):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, scanning.ErrParseFailure), errors.Is(err, scanning.ErrMalformedResponse):
		return http.StatusUnprocessableEntity
	case errors.Is(err, scanning.ErrProviderUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// messageForError returns the message shown to the client for err
func messageForError(err error, status int) string {
	var inputErr *InputError
	switch {
	case errors.As(err, &inputErr):
		return inputErr.Message
	case status == http.StatusNotFound:
		return "Not found"
	case status == http.StatusUnsupportedMediaType:
		return "Unsupported image format. Upload a JPEG, PNG, WebP, GIF, HEIC or PDF screenshot."
	case status == http.StatusUnprocessableEntity:
		return "Could not read a customer list from this image"
	case status == http.StatusBadGateway, status == http.StatusGatewayTimeout:
		return "Extraction service is unavailable, please try again later"
	default:
		return "Internal server error"
	}
}

// detectContentType prefers the part's declared type, then the file extension, then sniffing
func detectContentType(declared, filename string, data []byte) string {
	contentType := strings.ToLower(strings.TrimSpace(declared))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return http.DetectContentType(data)
}

// handleUpload handles a customer list screenshot upload
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())

	// Leave room for the multipart envelope around the file
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+1<<20)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "File is too large. Maximum size is 10MB.", http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("image")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		writeError(w, "No image provided. Upload the screenshot in the \"image\" field.", http.StatusBadRequest)
		return
	}
	defer f.Close()

	if header.Size > maxUploadSize {
		writeError(w, "File is too large. Maximum size is 10MB.", http.StatusRequestEntityTooLarge)
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	contentType := detectContentType(header.Header.Get("Content-Type"), header.Filename, data)

	result, err := s.service.ProcessUpload(r.Context(), caller, header.Filename, data, contentType)
	if err != nil {
		status := statusForError(err)
		slog.Error("Error processing upload", "filename", header.Filename, "status", status, "error", err)
		writeError(w, messageForError(err, status), status)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleGetUpload returns one of the caller's tenant uploads
func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	id := r.PathValue("id")

	upload, err := s.service.GetUpload(r.Context(), caller.TenantID, id)
	if err != nil {
		status := statusForError(err)
		if status == http.StatusInternalServerError {
			slog.Error("Error getting upload", "upload_id", id, "tenant_id", caller.TenantID, "error", err)
		}
		writeError(w, messageForError(err, status), status)
		return
	}

	writeJSON(w, http.StatusOK, upload)
}

// handleListCustomers returns the caller's tenant customers
func (s *Server) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())

	customers, err := s.service.ListCustomers(r.Context(), caller.TenantID)
	if err != nil {
		slog.Error("Error listing customers", "tenant_id", caller.TenantID, "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, customers)
}

// handleExportCustomers returns the caller's tenant customers as an XLSX download
func (s *Server) handleExportCustomers(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())

	var buf bytes.Buffer
	if err := s.service.ExportCustomers(r.Context(), caller.TenantID, &buf); err != nil {
		slog.Error("Error exporting customers", "tenant_id", caller.TenantID, "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="customers.xlsx"`)
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		slog.Error("Error writing export", "error", err)
	}
}

// handleGetUsage returns the caller's extraction usage for a day
func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())

	usage, err := s.service.GetUsage(r.Context(), caller.UserID, r.URL.Query().Get("day"))
	if err != nil {
		status := statusForError(err)
		if status == http.StatusInternalServerError {
			slog.Error("Error getting usage", "user_id", caller.UserID, "error", err)
		}
		writeError(w, messageForError(err, status), status)
		return
	}

	writeJSON(w, http.StatusOK, usage)
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
