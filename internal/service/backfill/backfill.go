// Package backfill finds output images that have no record (left behind when
// an insert failed after the copy) and optionally records them.
package backfill

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"visionsurvey/internal/model"
	"visionsurvey/internal/repository"
	"visionsurvey/internal/service/storage"
	"visionsurvey/internal/service/watcher"
)

// Lister enumerates output images.
type Lister interface {
	List() ([]string, error)
}

// Orphan is an output image without a record, with the record it would get.
type Orphan struct {
	Name   string
	Record model.Record
}

// Report summarizes one backfill run.
type Report struct {
	Scanned  int
	Orphans  []Orphan
	Inserted int
	Skipped  []string // names that do not look like output images
}

// Backfiller matches output images against the record store.
type Backfiller struct {
	repo   repository.RecordRepository
	files  Lister
	labels []string // sanitized known labels, longest first
}

// New creates a Backfiller. classNames are the detector's labels and are
// used to split the label from the original file name.
func New(repo repository.RecordRepository, files Lister, classNames []string) *Backfiller {
	labels := make([]string, 0, len(classNames)+1)
	seen := map[string]bool{}
	for _, n := range append(classNames, model.UnknownLabel) {
		s := storage.SanitizeLabel(n)
		if !seen[s] {
			seen[s] = true
			labels = append(labels, s)
		}
	}
	sort.SliceStable(labels, func(i, j int) bool { return len(labels[i]) > len(labels[j]) })

	return &Backfiller{repo: repo, files: files, labels: labels}
}

// Run scans the output directory. With insert set, every orphan gets a record.
func (b *Backfiller) Run(ctx context.Context, insert bool) (Report, error) {
	names, err := b.files.List()
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		rec, ok := b.Guess(name)
		if !ok {
			report.Skipped = append(report.Skipped, name)
			continue
		}

		exists, err := b.repo.ExistsByImagePath(ctx, name)
		if err != nil {
			return report, err
		}
		if exists {
			continue
		}

		if insert {
			if _, err := b.repo.Insert(ctx, &rec); err != nil {
				return report, fmt.Errorf("failed to insert record for %s: %w", name, err)
			}
			report.Inserted++
		}
		report.Orphans = append(report.Orphans, Orphan{Name: name, Record: rec})
	}
	return report, nil
}

// Guess rebuilds a best-effort record from an output name
// {YYYYMMDD_HHMMSS}_{label}_{basename}{ext}. Confidence is not recoverable and is 0.
func (b *Backfiller) Guess(name string) (model.Record, bool) {
	const prefixLen = len(storage.OutputTimeLayout)
	if len(name) <= prefixLen+1 || name[prefixLen] != '_' {
		return model.Record{}, false
	}
	processedAt, err := time.ParseInLocation(storage.OutputTimeLayout, name[:prefixLen], time.Local)
	if err != nil {
		return model.Record{}, false
	}

	rest := name[prefixLen+1:]
	label := model.UnknownLabel
	original := rest
	for _, l := range b.labels {
		if strings.HasPrefix(rest, l+"_") {
			label = l
			original = rest[len(l)+1:]
			break
		}
	}

	timestamp, ok := watcher.ParseCaptureTime(original)
	if !ok {
		timestamp = processedAt.Format(model.TimestampLayout)
	}

	return model.Record{
		Timestamp:  timestamp,
		Brand:      label,
		Label:      label,
		Confidence: 0,
		ImagePath:  filepath.Base(name),
	}, true
}
