package watcher

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"visionsurvey/internal/model"
	"visionsurvey/internal/service/storage"
)

// captureTimeRe matches YYYYMMDD_HHMMSS not embedded in a longer run of digits.
// Prefixes such as img_ or cam_ are allowed since '_' is not a digit.
var captureTimeRe = regexp.MustCompile(`(?:^|[^0-9])([0-9]{8})_([0-9]{6})(?:[^0-9]|$)`)

// ParseCaptureTime extracts the capture time encoded in a file name and
// formats it as model.TimestampLayout. ok is false when no valid time is present.
func ParseCaptureTime(name string) (string, bool) {
	base := filepath.Base(name)
	for _, m := range captureTimeRe.FindAllStringSubmatch(base, -1) {
		t, err := time.ParseInLocation("20060102150405", m[1]+m[2], time.Local)
		if err != nil {
			continue
		}
		return t.Format(model.TimestampLayout), true
	}
	return "", false
}

type candidate struct {
	path    string
	modTime time.Time
}

// ListCandidates returns image files in dir, oldest modification time first
// (name breaks ties). A missing directory yields no candidates.
func ListCandidates(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []candidate
	for _, e := range entries {
		if !e.Type().IsRegular() || !storage.IsImage(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Plik mógł zniknąć między ReadDir a Info
			continue
		}
		files = append(files, candidate{path: filepath.Join(dir, e.Name()), modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.Before(files[j].modTime)
		}
		return files[i].path < files[j].path
	})

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

// IsStable reads the size of path twice, interval apart. The file is stable
// when both reads succeed, the size is non-zero and unchanged. A cancelled
// context during the wait returns ctx.Err().
func IsStable(ctx context.Context, path string, interval time.Duration) (bool, error) {
	first, err := os.Stat(path)
	if err != nil {
		return false, nil
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
	}

	second, err := os.Stat(path)
	if err != nil {
		return false, nil
	}
	return second.Size() > 0 && first.Size() == second.Size(), nil
}
