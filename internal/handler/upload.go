package handler

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"visionsurvey/internal/config"
	"visionsurvey/internal/dto"
	"visionsurvey/internal/logger"
	"visionsurvey/internal/service/storage"
)

// UploadCameraHandler accepts a multipart image ("file" or "image" field) and
// drops it into the input directory for the watcher.
func UploadCameraHandler(cfg *config.Config, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadSize)
		file, header, err := formImage(r)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeUploadError(w, logger, http.StatusRequestEntityTooLarge, "file too large")
				return
			}
			writeUploadError(w, logger, http.StatusBadRequest, "missing file")
			return
		}
		defer file.Close()

		now := time.Now()
		name := uploadName(header.Filename, now)
		if _, err := os.Stat(filepath.Join(cfg.InputDirectory, name)); err == nil {
			ext := filepath.Ext(name)
			name = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), now.UnixMilli(), ext)
		}

		if _, err := storage.WriteAtomic(cfg.InputDirectory, name, file); err != nil {
			logger.Error("Failed to store upload %s: %v", name, err)
			writeUploadError(w, logger, http.StatusInternalServerError, "failed to store file")
			return
		}

		logger.Info("Received upload %s from %s", name, r.RemoteAddr)
		writeJSON(w, logger, dto.UploadResult{OK: true, Filename: name})
	}
}

func formImage(r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return r.FormFile("image")
	}
	return file, header, err
}

// uploadName keeps [A-Za-z0-9_.-] of the client file name and forces an image extension.
func uploadName(original string, now time.Time) string {
	original = strings.TrimSpace(filepath.Base(strings.ReplaceAll(original, `\`, "/")))

	var b strings.Builder
	for _, r := range original {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '_' || r == '-' || r == '.' {
			b.WriteRune(r)
		}
	}

	name := strings.TrimLeft(b.String(), ".")
	if name == "" {
		name = fmt.Sprintf("img_%d.jpg", now.Unix())
	}
	if !storage.IsImage(name) {
		name += ".jpg"
	}
	return name
}

func writeUploadError(w http.ResponseWriter, logger *logger.Logger, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, logger, map[string]any{"ok": false, "error": msg})
}
