package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeZip(t *testing.T, entries map[string]string, order []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	for _, name := range order {
		entry, err := w.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(entries[name]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return path
}

func TestExpander_Expand(t *testing.T) {
	t.Run("Expect: files extracted into the destination", func(t *testing.T) {
		zipPath := writeZip(t, map[string]string{"utf_ken_all.csv": "a,b,c\n"}, []string{"utf_ken_all.csv"})
		dest := filepath.Join(t.TempDir(), "extracted")

		paths, err := NewExpander(zap.NewNop()).Expand(zipPath, dest)
		require.NoError(t, err)
		require.Len(t, paths, 1)
		assert.Equal(t, "utf_ken_all.csv", filepath.Base(paths[0]))

		content, err := os.ReadFile(paths[0])
		require.NoError(t, err)
		assert.Equal(t, "a,b,c\n", string(content))
	})

	t.Run("Expect: entry outside the destination rejected", func(t *testing.T) {
		zipPath := writeZip(t, map[string]string{"../evil.csv": "x"}, []string{"../evil.csv"})
		dest := filepath.Join(t.TempDir(), "extracted")

		_, err := NewExpander(zap.NewNop()).Expand(zipPath, dest)
		assert.Error(t, err)
		assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "evil.csv"))
	})

	t.Run("Expect: error for a file that is not a zip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.zip")
		require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))

		_, err := NewExpander(zap.NewNop()).Expand(path, t.TempDir())
		assert.Error(t, err)
	})

	t.Run("Expect: error for an archive with only directories", func(t *testing.T) {
		zipPath := writeZip(t, map[string]string{"empty/": ""}, []string{"empty/"})

		_, err := NewExpander(zap.NewNop()).Expand(zipPath, t.TempDir())
		assert.ErrorContains(t, err, "contains no files")
	})
}

func TestFindCSV(t *testing.T) {
	path, err := FindCSV([]string{"/tmp/readme.txt", "/tmp/KEN_ALL.CSV"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/KEN_ALL.CSV", path)

	_, err = FindCSV([]string{"/tmp/readme.txt"})
	assert.Error(t, err)
}
