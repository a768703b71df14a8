package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"visionsurvey/internal/config"
	"visionsurvey/internal/logger"
	"visionsurvey/internal/model"
)

// OutputTimeLayout is the time prefix of every output file name.
const OutputTimeLayout = "20060102_150405"

// acceptedExtensions lists the image extensions picked up from the input directory.
var acceptedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".webp": true,
}

// ErrInvalidName is returned for names that would escape the output directory.
var ErrInvalidName = errors.New("invalid file name")

// CopyError reports a failure to persist an image into the output directory.
type CopyError struct {
	Src string
	Dst string
	Err error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("failed to copy %s to %s: %v", e.Src, e.Dst, e.Err)
}

func (e *CopyError) Unwrap() error { return e.Err }

// IsImage reports whether name has an accepted image extension (case-insensitive).
func IsImage(name string) bool {
	return acceptedExtensions[strings.ToLower(filepath.Ext(name))]
}

// SanitizeLabel keeps letters, digits, '_', '-' and '.', with spaces turned into '_'.
// An empty result becomes the Unknown label.
func SanitizeLabel(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return model.UnknownLabel
	}

	var b strings.Builder
	for _, r := range strings.ReplaceAll(label, " ", "_") {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return model.UnknownLabel
	}
	return b.String()
}

// OutputName derives the output file name for src classified as label at now:
// {YYYYMMDD_HHMMSS}_{label}_{basename}{ext}. Unrecognized extensions become .jpg.
func OutputName(now time.Time, label, src string) string {
	base := filepath.Base(src)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	if !acceptedExtensions[strings.ToLower(ext)] {
		ext = ".jpg"
	}
	return fmt.Sprintf("%s_%s_%s%s", now.Format(OutputTimeLayout), SanitizeLabel(label), name, ext)
}

// OutputStore persists processed images and the last-seen raw preview.
type OutputStore struct {
	outputDir   string
	lastRawPath string
	logger      *logger.Logger
	now         func() time.Time
}

// NewOutputStore creates the output and static directories if needed.
func NewOutputStore(config *config.Config, logger *logger.Logger) (*OutputStore, error) {
	if err := os.MkdirAll(config.OutputDirectory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if config.LastRawPath != "" {
		if err := os.MkdirAll(filepath.Dir(config.LastRawPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create static directory: %w", err)
		}
	}

	return &OutputStore{
		outputDir:   config.OutputDirectory,
		lastRawPath: config.LastRawPath,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Dir returns the output directory.
func (s *OutputStore) Dir() string {
	return s.outputDir
}

// Save copies src into the output directory under its derived name and
// returns that relative name. An existing file with the same name is overwritten.
func (s *OutputStore) Save(src, label string) (string, error) {
	name := OutputName(s.now(), label, src)
	dst := filepath.Join(s.outputDir, name)
	if err := copyFile(src, dst); err != nil {
		return "", &CopyError{Src: src, Dst: dst, Err: err}
	}
	return name, nil
}

// CopyLastRaw refreshes the last-seen raw image. Failures are only logged.
func (s *OutputStore) CopyLastRaw(src string) {
	if s.lastRawPath == "" {
		return
	}
	if err := copyFile(src, s.lastRawPath); err != nil {
		s.logger.Warning("Failed to refresh last raw image: %v", err)
	}
}

// Resolve maps a relative output name to its path, rejecting traversal.
func (s *OutputStore) Resolve(name string) (string, error) {
	return SafeJoin(s.outputDir, name)
}

// List returns the names of all images in the output directory, sorted.
func (s *OutputStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.outputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && IsImage(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// SafeJoin joins a single file name onto dir. Names containing path
// separators or dot segments are rejected.
func SafeJoin(dir, name string) (string, error) {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", ErrInvalidName
	}
	return filepath.Join(dir, name), nil
}

// copyFile writes src to dst through a temporary file and renames it into place.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// WriteAtomic stores data from r as dir/name via a temporary file, so that
// pollers never observe a partially written image.
func WriteAtomic(dir, name string, r io.Reader) (string, error) {
	dst, err := SafeJoin(dir, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close upload: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to move upload into place: %w", err)
	}
	return dst, nil
}
