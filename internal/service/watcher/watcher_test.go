package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visionsurvey/internal/config"
	"visionsurvey/internal/logger"
	"visionsurvey/internal/model"
	"visionsurvey/internal/repository"
	"visionsurvey/internal/repository/sqlite"
	"visionsurvey/internal/service/classifier"
	"visionsurvey/internal/service/storage"
)

// ========================================
// Fakes
// ========================================

type fakeClassifier struct {
	result classifier.Result
	err    error
	calls  int
}

func (f *fakeClassifier) Classify(ctx context.Context, path string) (classifier.Result, error) {
	f.calls++
	return f.result, f.err
}

// failingRepo fails every insert; reads are never used by the watcher.
type failingRepo struct {
	repository.RecordRepository
	inserts int
}

func (r *failingRepo) Insert(ctx context.Context, rec *model.Record) (int64, error) {
	r.inserts++
	return 0, &repository.StoreError{Op: "insert", Err: errors.New("disk I/O error")}
}

// switchableClassifier reports availability up front like classifier.Classifier.
type switchableClassifier struct {
	fakeClassifier
	available bool
}

func (s *switchableClassifier) Available() bool { return s.available }

func (s *switchableClassifier) Classify(ctx context.Context, path string) (classifier.Result, error) {
	if !s.available {
		return classifier.Result{}, classifier.ErrClassifierUnavailable
	}
	return s.fakeClassifier.Classify(ctx, path)
}

// failingOutputs cannot copy anything into the output area.
type failingOutputs struct {
	saves int
}

func (o *failingOutputs) Save(src, label string) (string, error) {
	o.saves++
	return "", &storage.CopyError{Src: src, Dst: "outputs", Err: errors.New("no space left on device")}
}

func (o *failingOutputs) CopyLastRaw(src string) {}

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Notify() { c.n.Add(1) }

// ========================================
// Setup
// ========================================

type env struct {
	cfg     *config.Config
	repo    *sqlite.RecordRepository
	outputs *storage.OutputStore
}

func setupEnv(t *testing.T) env {
	t.Helper()
	root := t.TempDir()

	cfg := config.Defaults()
	cfg.InputDirectory = filepath.Join(root, "uploads")
	cfg.OutputDirectory = filepath.Join(root, "outputs")
	cfg.StaticDirectory = filepath.Join(root, "static")
	cfg.LastRawPath = filepath.Join(cfg.StaticDirectory, "last.jpg")
	cfg.StableInterval = 20 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.SettleDelay = time.Millisecond
	require.NoError(t, os.MkdirAll(cfg.InputDirectory, 0755))

	db, err := sqlite.Open(sqlite.DriverPure, filepath.Join(root, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	outputs, err := storage.NewOutputStore(cfg, logger.Discard())
	require.NoError(t, err)

	return env{cfg: cfg, repo: sqlite.NewRecordRepository(db), outputs: outputs}
}

func drop(t *testing.T, dir, name string, data []byte, mtime time.Time) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
	return p
}

func newWatcher(t *testing.T, e env, cls Classifier, repo repository.RecordRepository) *Watcher {
	t.Helper()
	w, err := New(e.cfg, cls, repo, e.outputs, logger.Discard())
	require.NoError(t, err)
	return w
}

// ========================================
// File helpers
// ========================================

func TestParseCaptureTime(t *testing.T) {
	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"img_20250101_083000.jpg", "2025-01-01 08:30:00", true},
		{"cam_20250101_083000.png", "2025-01-01 08:30:00", true},
		{"20250101_083000.webp", "2025-01-01 08:30:00", true},
		{"/uploads/esp32_20250101_083000_b.jpg", "2025-01-01 08:30:00", true},
		{"photo.jpg", "", false},
		{"img_20251301_083000.jpg", "", false},
		{"img_20250101_250000.jpg", "", false},
		{"x120250101_083000.jpg", "", false},
		{"20250101_0830001.jpg", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseCaptureTime(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestListCandidates_OldestFirstImagesOnly(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)

	drop(t, dir, "newer.jpg", []byte("x"), base.Add(2*time.Second))
	drop(t, dir, "b.png", []byte("x"), base)
	drop(t, dir, "a.PNG", []byte("x"), base)
	drop(t, dir, "notes.txt", []byte("x"), base.Add(-time.Minute))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.jpg"), 0755))

	got, err := ListCandidates(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.PNG"),
		filepath.Join(dir, "b.png"),
		filepath.Join(dir, "newer.jpg"),
	}, got)
}

func TestListCandidates_MissingDirectory(t *testing.T) {
	got, err := ListCandidates(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIsStable(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	t.Run("unchanged file is stable", func(t *testing.T) {
		p := drop(t, dir, "ok.jpg", []byte("complete"), time.Now())
		stable, err := IsStable(ctx, p, 10*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, stable)
	})

	t.Run("zero bytes is not stable", func(t *testing.T) {
		p := drop(t, dir, "empty.jpg", nil, time.Now())
		stable, err := IsStable(ctx, p, 10*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, stable)
	})

	t.Run("growing file is not stable", func(t *testing.T) {
		p := drop(t, dir, "growing.jpg", []byte("part"), time.Now())
		go func() {
			time.Sleep(10 * time.Millisecond)
			f, err := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0644)
			if err == nil {
				f.Write([]byte("more"))
				f.Close()
			}
		}()
		stable, err := IsStable(ctx, p, 100*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, stable)
	})

	t.Run("missing file is not stable", func(t *testing.T) {
		stable, err := IsStable(ctx, filepath.Join(dir, "gone.jpg"), time.Millisecond)
		require.NoError(t, err)
		assert.False(t, stable)
	})

	t.Run("cancellation during wait", func(t *testing.T) {
		p := drop(t, dir, "slow.jpg", []byte("x"), time.Now())
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := IsStable(cctx, p, time.Hour)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// ========================================
// Watcher
// ========================================

func TestNew_RequiresClassifier(t *testing.T) {
	e := setupEnv(t)
	_, err := New(e.cfg, nil, e.repo, e.outputs, logger.Discard())
	assert.ErrorIs(t, err, ErrNoClassifier)
}

func TestTick_EndToEnd(t *testing.T) {
	e := setupEnv(t)
	cls := &fakeClassifier{result: classifier.Result{Label: "Pepsi", Confidence: 0.91}}
	w := newWatcher(t, e, cls, e.repo)
	notifier := &countingNotifier{}
	w.SetNotifier(notifier)

	src := drop(t, e.cfg.InputDirectory, "img_20250101_083000.jpg", []byte("jpeg"), time.Now().Add(-time.Second))

	assert.Equal(t, OutcomeProcessed, w.Tick(context.Background()))

	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err), "input must be deleted")

	recs, err := e.repo.QueryNewer(context.Background(), model.Filter{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.Equal(t, "2025-01-01 08:30:00", rec.Timestamp)
	assert.Equal(t, "Pepsi", rec.Label)
	assert.Equal(t, "Pepsi", rec.Brand)
	assert.Equal(t, 0.91, rec.Confidence)
	assert.Regexp(t, `^\d{8}_\d{6}_Pepsi_img_20250101_083000\.jpg$`, rec.ImagePath)

	_, err = os.Stat(filepath.Join(e.cfg.OutputDirectory, rec.ImagePath))
	assert.NoError(t, err, "output image must exist")

	_, err = os.Stat(e.cfg.LastRawPath)
	assert.NoError(t, err, "last raw image refreshed")

	assert.Equal(t, int32(1), notifier.n.Load())
}

func TestTick_TimestampFallsBackToNow(t *testing.T) {
	// Digits glued to either side of the pattern do not count as a capture time
	for _, name := range []string{"photo.jpg", "x120250101_083000.jpg", "20250101_0830001.jpg"} {
		t.Run(name, func(t *testing.T) {
			e := setupEnv(t)
			w := newWatcher(t, e, &fakeClassifier{result: classifier.Result{Label: "Unknown"}}, e.repo)
			w.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.Local) }

			drop(t, e.cfg.InputDirectory, name, []byte("jpeg"), time.Now())
			require.Equal(t, OutcomeProcessed, w.Tick(context.Background()))

			recs, err := e.repo.QueryNewer(context.Background(), model.Filter{}, 0, 10)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "2025-03-04 05:06:07", recs[0].Timestamp)
			assert.Equal(t, model.UnknownLabel, recs[0].Label)
		})
	}
}

func TestTick_Idle(t *testing.T) {
	e := setupEnv(t)
	cls := &fakeClassifier{}
	w := newWatcher(t, e, cls, e.repo)

	assert.Equal(t, OutcomeIdle, w.Tick(context.Background()))
	assert.Zero(t, cls.calls)
}

func TestTick_UnstableFileUntouched(t *testing.T) {
	e := setupEnv(t)
	cls := &fakeClassifier{}
	w := newWatcher(t, e, cls, e.repo)

	src := drop(t, e.cfg.InputDirectory, "img_20250101_083000.jpg", nil, time.Now())

	assert.Equal(t, OutcomeUnstable, w.Tick(context.Background()))
	assert.Zero(t, cls.calls)
	_, err := os.Stat(src)
	assert.NoError(t, err)
}

func TestTick_ClassifierUnavailableKeepsFile(t *testing.T) {
	e := setupEnv(t)
	w := newWatcher(t, e, &fakeClassifier{err: classifier.ErrClassifierUnavailable}, e.repo)

	src := drop(t, e.cfg.InputDirectory, "a.jpg", []byte("jpeg"), time.Now())

	assert.Equal(t, OutcomeUnavailable, w.Tick(context.Background()))
	_, err := os.Stat(src)
	assert.NoError(t, err)

	n, err := e.repo.CountAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTick_DecodeErrorDeletesSource(t *testing.T) {
	e := setupEnv(t)
	cls := &fakeClassifier{err: &classifier.DecodeError{Path: "a.jpg", Err: errors.New("bad header")}}
	w := newWatcher(t, e, cls, e.repo)

	src := drop(t, e.cfg.InputDirectory, "a.jpg", []byte("garbage"), time.Now())

	assert.Equal(t, OutcomeDiscarded, w.Tick(context.Background()))
	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))

	names, err := e.outputs.List()
	require.NoError(t, err)
	assert.Empty(t, names)

	n, err := e.repo.CountAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTick_CopyFailureDeletesSource(t *testing.T) {
	e := setupEnv(t)
	outputs := &failingOutputs{}
	w, err := New(e.cfg, &fakeClassifier{result: classifier.Result{Label: "Pepsi", Confidence: 0.8}}, e.repo, outputs, logger.Discard())
	require.NoError(t, err)
	notifier := &countingNotifier{}
	w.SetNotifier(notifier)

	src := drop(t, e.cfg.InputDirectory, "img_20250101_083000.jpg", []byte("jpeg"), time.Now())

	assert.Equal(t, OutcomeDiscarded, w.Tick(context.Background()))
	assert.Equal(t, 1, outputs.saves)

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err), "input must be deleted")

	n, err := e.repo.CountAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, notifier.n.Load())

	// Next file is still processed
	drop(t, e.cfg.InputDirectory, "img_20250101_083001.jpg", []byte("jpeg"), time.Now())
	assert.Equal(t, OutcomeDiscarded, w.Tick(context.Background()))
	assert.Equal(t, 2, outputs.saves)
}

func TestTick_UnavailableLoggedOncePerOutage(t *testing.T) {
	e := setupEnv(t)
	var buf strings.Builder
	cls := &switchableClassifier{fakeClassifier: fakeClassifier{result: classifier.Result{Label: "Pepsi", Confidence: 0.9}}}
	w, err := New(e.cfg, cls, e.repo, e.outputs, logger.NewWithWriter(&buf))
	require.NoError(t, err)

	src := drop(t, e.cfg.InputDirectory, "a.jpg", []byte("jpeg"), time.Now())

	for i := 0; i < 3; i++ {
		assert.Equal(t, OutcomeUnavailable, w.Tick(context.Background()))
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "Classifier unavailable"))
	assert.Zero(t, cls.calls)

	_, err = os.Stat(src)
	assert.NoError(t, err, "input kept while no model is loaded")
	_, err = os.Stat(e.cfg.LastRawPath)
	assert.True(t, os.IsNotExist(err), "last raw image untouched while unavailable")

	cls.available = true
	assert.Equal(t, OutcomeProcessed, w.Tick(context.Background()))
	assert.Equal(t, 1, strings.Count(buf.String(), "Classifier available again"))

	cls.available = false
	drop(t, e.cfg.InputDirectory, "b.jpg", []byte("jpeg"), time.Now())
	assert.Equal(t, OutcomeUnavailable, w.Tick(context.Background()))
	assert.Equal(t, 2, strings.Count(buf.String(), "Classifier unavailable"))
}

func TestTick_InsertFailureLeavesOrphanedOutput(t *testing.T) {
	e := setupEnv(t)
	repo := &failingRepo{}
	w := newWatcher(t, e, &fakeClassifier{result: classifier.Result{Label: "Coke", Confidence: 0.5}}, repo)
	notifier := &countingNotifier{}
	w.SetNotifier(notifier)

	src := drop(t, e.cfg.InputDirectory, "img_20250101_083000.jpg", []byte("jpeg"), time.Now())

	assert.Equal(t, OutcomeProcessed, w.Tick(context.Background()))
	assert.Equal(t, 1, repo.inserts)

	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err), "input deleted before the insert")

	names, err := e.outputs.List()
	require.NoError(t, err)
	require.Len(t, names, 1, "output image remains without a record")
	assert.Contains(t, names[0], "_Coke_img_20250101_083000.jpg")
	assert.Zero(t, notifier.n.Load())
}

func TestTick_ProcessesOldestFirst(t *testing.T) {
	e := setupEnv(t)
	w := newWatcher(t, e, &fakeClassifier{result: classifier.Result{Label: "Fanta", Confidence: 0.7}}, e.repo)

	now := time.Now()
	drop(t, e.cfg.InputDirectory, "cam_20250102_000000.jpg", []byte("2"), now.Add(-time.Second))
	drop(t, e.cfg.InputDirectory, "cam_20250101_000000.jpg", []byte("1"), now.Add(-time.Minute))

	require.Equal(t, OutcomeProcessed, w.Tick(context.Background()))
	require.Equal(t, OutcomeProcessed, w.Tick(context.Background()))

	recs, err := e.repo.QueryNewer(context.Background(), model.Filter{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "2025-01-01 00:00:00", recs[0].Timestamp)
	assert.Equal(t, "2025-01-02 00:00:00", recs[1].Timestamp)
}

func TestRun_StopsOnCancel(t *testing.T) {
	e := setupEnv(t)
	w := newWatcher(t, e, &fakeClassifier{result: classifier.Result{Label: "Pepsi", Confidence: 0.9}}, e.repo)

	drop(t, e.cfg.InputDirectory, "img_20250101_083000.jpg", []byte("jpeg"), time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := e.repo.CountAll(context.Background())
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop after cancellation")
	}
}
