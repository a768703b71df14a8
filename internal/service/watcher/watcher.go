// Package watcher ingests images dropped into the input directory: it picks
// the oldest stable file, classifies it, persists it to the output area and
// records the result.
package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"visionsurvey/internal/config"
	"visionsurvey/internal/logger"
	"visionsurvey/internal/model"
	"visionsurvey/internal/repository"
	"visionsurvey/internal/service/classifier"
)

// ErrNoClassifier is returned by New when no classifier is supplied.
var ErrNoClassifier = errors.New("watcher requires a classifier")

// Classifier labels a single image file.
type Classifier interface {
	Classify(ctx context.Context, path string) (classifier.Result, error)
}

// Outputs persists processed images.
type Outputs interface {
	Save(src, label string) (string, error)
	CopyLastRaw(src string)
}

// availability is implemented by classifiers that can tell ahead of time
// whether Classify would fail with classifier.ErrClassifierUnavailable.
type availability interface {
	Available() bool
}

// Notifier is told about every inserted record.
type Notifier interface {
	Notify()
}

// Outcome describes what a single tick did.
type Outcome int

const (
	OutcomeIdle        Outcome = iota // nothing to process
	OutcomeUnstable                   // oldest file still being written
	OutcomeUnavailable                // no model loaded, file kept
	OutcomeDiscarded                  // per-file failure, source deleted
	OutcomeProcessed                  // output saved (record inserted unless the store failed)
)

// Watcher is the single ingestion loop.
type Watcher struct {
	inputDir       string
	pollInterval   time.Duration
	stableInterval time.Duration
	settleDelay    time.Duration

	classifier Classifier
	repo       repository.RecordRepository
	outputs    Outputs
	notifier   Notifier
	logger     *logger.Logger
	now        func() time.Time

	unavailable bool // logged once per outage
}

// New creates a Watcher for the input directory in config.
func New(config *config.Config, cls Classifier, repo repository.RecordRepository, outputs Outputs, logger *logger.Logger) (*Watcher, error) {
	if cls == nil {
		return nil, ErrNoClassifier
	}
	if repo == nil || outputs == nil {
		return nil, errors.New("watcher requires a record repository and an output store")
	}
	if err := os.MkdirAll(config.InputDirectory, 0755); err != nil {
		return nil, err
	}

	return &Watcher{
		inputDir:       config.InputDirectory,
		pollInterval:   config.PollInterval,
		stableInterval: config.StableInterval,
		settleDelay:    config.SettleDelay,
		classifier:     cls,
		repo:           repo,
		outputs:        outputs,
		logger:         logger,
		now:            time.Now,
	}, nil
}

// SetNotifier registers a receiver for insert notifications.
func (w *Watcher) SetNotifier(n Notifier) {
	w.notifier = n
}

// Run processes files until ctx is cancelled. A tick that has started
// classification is completed before Run returns.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("Watching %s", w.inputDir)

	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("Watcher stopped")
			return nil
		}

		var wait time.Duration
		switch w.Tick(ctx) {
		case OutcomeProcessed:
			wait = w.settleDelay
		default:
			wait = w.pollInterval
		}

		if !sleep(ctx, wait) {
			w.logger.Info("Watcher stopped")
			return nil
		}
	}
}

// Tick processes at most one file.
func (w *Watcher) Tick(ctx context.Context) Outcome {
	candidates, err := ListCandidates(w.inputDir)
	if err != nil {
		w.logger.Error("Failed to list input directory %s: %v", w.inputDir, err)
		return OutcomeIdle
	}
	if len(candidates) == 0 {
		return OutcomeIdle
	}

	src := candidates[0]
	if a, ok := w.classifier.(availability); ok && !a.Available() {
		w.markUnavailable(src)
		return OutcomeUnavailable
	}

	stable, err := IsStable(ctx, src, w.stableInterval)
	if err != nil || !stable {
		return OutcomeUnstable
	}

	w.outputs.CopyLastRaw(src)

	// Od tego miejsca tick kończy się niezależnie od anulowania ctx
	workCtx := context.WithoutCancel(ctx)

	res, err := w.classifier.Classify(workCtx, src)
	if errors.Is(err, classifier.ErrClassifierUnavailable) {
		w.markUnavailable(src)
		return OutcomeUnavailable
	}
	w.markAvailable()
	if err != nil {
		w.logger.Error("Dropping %s: %v", filepath.Base(src), err)
		w.remove(src)
		return OutcomeDiscarded
	}

	outName, err := w.outputs.Save(src, res.Label)
	if err != nil {
		w.logger.Error("Dropping %s: %v", filepath.Base(src), err)
		w.remove(src)
		return OutcomeDiscarded
	}

	w.remove(src)

	timestamp, ok := ParseCaptureTime(src)
	if !ok {
		timestamp = w.now().Format(model.TimestampLayout)
	}

	rec := &model.Record{
		Timestamp:  timestamp,
		Brand:      res.Label,
		Label:      res.Label,
		Confidence: res.Confidence,
		ImagePath:  outName,
	}
	if _, err := w.repo.Insert(workCtx, rec); err != nil {
		w.logger.Error("Failed to record %s, output %s left without a record: %v", filepath.Base(src), outName, err)
		return OutcomeProcessed
	}

	w.logger.Info("%s (%.2f) -> %s ts=%s id=%d", res.Label, res.Confidence, outName, timestamp, rec.ID)
	if w.notifier != nil {
		w.notifier.Notify()
	}
	return OutcomeProcessed
}

func (w *Watcher) markUnavailable(src string) {
	if w.unavailable {
		return
	}
	w.unavailable = true
	w.logger.Warning("Classifier unavailable, keeping input files until a model is loaded (next: %s)", filepath.Base(src))
}

func (w *Watcher) markAvailable() {
	if !w.unavailable {
		return
	}
	w.unavailable = false
	w.logger.Info("Classifier available again")
}

func (w *Watcher) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Warning("Failed to delete input %s: %v", filepath.Base(path), err)
	}
}

// sleep waits for d or until ctx is done; it reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
