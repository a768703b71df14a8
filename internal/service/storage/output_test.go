package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visionsurvey/internal/config"
	"visionsurvey/internal/logger"
)

func setupStore(t *testing.T) (*OutputStore, *config.Config) {
	t.Helper()
	root := t.TempDir()
	cfg := config.Defaults()
	cfg.OutputDirectory = filepath.Join(root, "outputs")
	cfg.StaticDirectory = filepath.Join(root, "static")
	cfg.LastRawPath = filepath.Join(cfg.StaticDirectory, "last.jpg")

	store, err := NewOutputStore(cfg, logger.Discard())
	require.NoError(t, err)
	return store, cfg
}

func TestOutputName(t *testing.T) {
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.Local)

	tests := []struct {
		label, src, want string
	}{
		{"Coca Cola", "photo.jpg", "20250601_100000_Coca_Cola_photo.jpg"},
		{"Pepsi", "/in/img_20250101_083000.PNG", "20250601_100000_Pepsi_img_20250101_083000.PNG"},
		{"", "a.webp", "20250601_100000_Unknown_a.webp"},
		{"7Up/Zero*", "a.jpeg", "20250601_100000_7UpZero_a.jpeg"},
		{"Żywiec Zdrój", "frame.bmp", "20250601_100000_Żywiec_Zdrój_frame.bmp"},
		{"Fanta", "raw.tiff", "20250601_100000_Fanta_raw.jpg"},
		{"Fanta", "noext", "20250601_100000_Fanta_noext.jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, OutputName(at, tt.label, tt.src))
		})
	}
}

func TestSanitizeLabel(t *testing.T) {
	assert.Equal(t, "Unknown", SanitizeLabel("   "))
	assert.Equal(t, "Unknown", SanitizeLabel("***"))
	assert.Equal(t, "Dr._Pepper-1", SanitizeLabel(" Dr. Pepper-1 "))
}

func TestIsImage(t *testing.T) {
	for _, name := range []string{"a.jpg", "a.JPEG", "b.Png", "c.bmp", "d.webp"} {
		assert.True(t, IsImage(name), name)
	}
	for _, name := range []string{"a.gif", "a", ".upload-123", "a.jpg.part"} {
		assert.False(t, IsImage(name), name)
	}
}

func TestSave_CopiesIntoOutputDirectory(t *testing.T) {
	store, cfg := setupStore(t)
	store.now = func() time.Time { return time.Date(2025, 6, 1, 10, 0, 0, 0, time.Local) }

	src := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(src, []byte("jpeg-bytes"), 0644))

	name, err := store.Save(src, "Coca Cola")
	require.NoError(t, err)
	assert.Equal(t, "20250601_100000_Coca_Cola_photo.jpg", name)

	data, err := os.ReadFile(filepath.Join(cfg.OutputDirectory, name))
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))

	_, err = os.Stat(src)
	assert.NoError(t, err, "source is left for the caller to delete")
}

func TestSave_MissingSourceIsCopyError(t *testing.T) {
	store, _ := setupStore(t)

	_, err := store.Save(filepath.Join(t.TempDir(), "gone.jpg"), "Pepsi")
	var copyErr *CopyError
	require.True(t, errors.As(err, &copyErr))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCopyLastRaw(t *testing.T) {
	store, cfg := setupStore(t)

	src := filepath.Join(t.TempDir(), "x.png")
	require.NoError(t, os.WriteFile(src, []byte("png"), 0644))

	store.CopyLastRaw(src)
	data, err := os.ReadFile(cfg.LastRawPath)
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))

	// Brak pliku źródłowego nie może wywołać paniki ani błędu
	store.CopyLastRaw(filepath.Join(t.TempDir(), "missing.png"))
}

func TestResolve_RejectsTraversal(t *testing.T) {
	store, cfg := setupStore(t)

	p, err := store.Resolve("20250601_100000_Pepsi_a.jpg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.OutputDirectory, "20250601_100000_Pepsi_a.jpg"), p)

	for _, bad := range []string{"", ".", "..", "../secret.db", "a/b.jpg", `..\x.jpg`} {
		_, err := store.Resolve(bad)
		assert.ErrorIs(t, err, ErrInvalidName, bad)
	}
}

func TestList_OnlyImagesSorted(t *testing.T) {
	store, cfg := setupStore(t)
	for _, n := range []string{"b.jpg", "a.png", "notes.txt", ".tmp-123"} {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.OutputDirectory, n), []byte("x"), 0644))
	}

	names, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "b.jpg"}, names)
}

func TestWriteAtomic(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")

	dst, err := WriteAtomic(dir, "img_20250101_083000.jpg", strings.NewReader("frame"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "img_20250101_083000.jpg"), dst)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")

	_, err = WriteAtomic(dir, "../escape.jpg", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidName)
}
