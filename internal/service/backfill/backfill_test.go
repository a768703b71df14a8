package backfill

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visionsurvey/internal/model"
	"visionsurvey/internal/repository/sqlite"
)

type staticLister []string

func (l staticLister) List() ([]string, error) { return l, nil }

func TestGuess(t *testing.T) {
	b := New(nil, nil, []string{"Coca Cola", "Coca", "Pepsi"})

	tests := []struct {
		name  string
		file  string
		label string
		ts    string
		ok    bool
	}{
		{"longest label wins", "20250601_100000_Coca_Cola_photo.jpg", "Coca_Cola", "2025-06-01 10:00:00", true},
		{"capture time from original", "20250601_100000_Pepsi_img_20250101_083000.jpg", "Pepsi", "2025-01-01 08:30:00", true},
		{"unknown label", "20250601_100000_Unknown_x.jpg", model.UnknownLabel, "2025-06-01 10:00:00", true},
		{"label not in list", "20250601_100000_Fanta_x.jpg", model.UnknownLabel, "2025-06-01 10:00:00", true},
		{"no prefix", "photo.jpg", "", "", false},
		{"bad prefix", "20251399_100000_Pepsi_x.jpg", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, ok := b.Guess(tt.file)
			assert.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, tt.label, rec.Label)
			assert.Equal(t, tt.label, rec.Brand)
			assert.Equal(t, tt.ts, rec.Timestamp)
			assert.Equal(t, tt.file, rec.ImagePath)
			assert.Zero(t, rec.Confidence)
		})
	}
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(sqlite.DriverPure, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := sqlite.NewRecordRepository(db)

	_, err = repo.Insert(ctx, &model.Record{
		Timestamp: "2025-06-01 09:00:00",
		Brand:     "Pepsi",
		Label:     "Pepsi",
		ImagePath: "20250601_090000_Pepsi_a.jpg",
	})
	require.NoError(t, err)

	files := staticLister{
		"20250601_090000_Pepsi_a.jpg",
		"20250601_100000_Pepsi_b.jpg",
		"notes.jpg",
	}

	t.Run("dry run", func(t *testing.T) {
		report, err := New(repo, files, []string{"Pepsi"}).Run(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, 3, report.Scanned)
		require.Len(t, report.Orphans, 1)
		assert.Equal(t, "20250601_100000_Pepsi_b.jpg", report.Orphans[0].Name)
		assert.Equal(t, []string{"notes.jpg"}, report.Skipped)
		assert.Zero(t, report.Inserted)

		total, err := repo.CountAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})

	t.Run("insert", func(t *testing.T) {
		report, err := New(repo, files, []string{"Pepsi"}).Run(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Inserted)

		exists, err := repo.ExistsByImagePath(ctx, "20250601_100000_Pepsi_b.jpg")
		require.NoError(t, err)
		assert.True(t, exists)

		again, err := New(repo, files, []string{"Pepsi"}).Run(ctx, true)
		require.NoError(t, err)
		assert.Empty(t, again.Orphans)
		assert.Zero(t, again.Inserted)
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := New(repo, files, nil).Run(cctx, false)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
