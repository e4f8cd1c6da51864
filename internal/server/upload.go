package server

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"livechat/internal/storage"
)

// UploadHandler stores image attachments on disk and serves them back under /files/.
type UploadHandler struct {
	uploadDir   string
	maxFileSize int64
	log         *zap.Logger
}

func NewUploadHandler(uploadDir string, maxFileSize int64, log *zap.Logger) *UploadHandler {
	return &UploadHandler{uploadDir: uploadDir, maxFileSize: maxFileSize, log: log}
}

type uploadResponse struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
}

func (h *UploadHandler) HandleUpload(w http.ResponseWriter, r *http.Request, user *storage.User) {
	if h.uploadDir == "" {
		writeError(w, http.StatusServiceUnavailable, errors.New("uploads disabled"))
		return
	}
	// the multipart envelope adds a little on top of the file itself
	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+1<<20)
	if err := r.ParseMultipartForm(h.maxFileSize); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("file too large"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("no file provided"))
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if filename == "" || filename == "." || filename == ".." {
		writeError(w, http.StatusBadRequest, errors.New("invalid filename"))
		return
	}
	if header.Size > h.maxFileSize {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("file too large"))
		return
	}

	fileID := uuid.NewString()
	stored := fileID + "-" + sanitizePathComponent(filename)
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("create upload directory: %w", err))
		return
	}
	storagePath := filepath.Join(h.uploadDir, stored)
	dest, err := os.Create(storagePath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("create file: %w", err))
		return
	}
	defer dest.Close()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(dest, hasher), file)
	if err != nil {
		_ = os.Remove(storagePath)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("save file: %w", err))
		return
	}
	h.log.Info("asset uploaded",
		zap.String("file", stored),
		zap.Int64("size", written),
		zap.String("username", user.Username))

	writeJSON(w, http.StatusCreated, uploadResponse{
		ID:       fileID,
		URL:      "/files/" + stored,
		Filename: filename,
		Size:     written,
		SHA256:   hex.EncodeToString(hasher.Sum(nil)),
	})
}

func (h *UploadHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" || sanitizePathComponent(name) != name || h.uploadDir == "" {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	path := filepath.Join(h.uploadDir, name)
	absPath, err := filepath.Abs(path)
	base, baseErr := filepath.Abs(h.uploadDir)
	if err != nil || baseErr != nil || !strings.HasPrefix(absPath, base+string(filepath.Separator)) {
		http.Error(w, "invalid file path", http.StatusForbidden)
		return
	}
	file, err := os.Open(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "file not found", http.StatusNotFound)
		} else {
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	http.ServeContent(w, r, name, stat.ModTime(), file)
}

// sanitizePathComponent removes path separators and null bytes so a name stays one level
// below the upload directory.
func sanitizePathComponent(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." {
		return "unnamed"
	}
	return s
}
