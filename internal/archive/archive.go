package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
)

// Expander unpacks downloaded zip archives.
type Expander struct {
	logger *zap.Logger
}

func NewExpander(logger *zap.Logger) *Expander {
	return &Expander{logger: logger.Named("archive")}
}

// Expand extracts every regular file of zipPath into destDir and returns the
// written paths in archive order. Entries escaping destDir are rejected.
func (e *Expander) Expand(zipPath string, destDir string) ([]string, error) {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", zipPath, err)
	}
	defer reader.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating extraction directory %s: %w", destDir, err)
	}
	root, err := filepath.Abs(destDir)
	if err != nil {
		return nil, fmt.Errorf("error resolving extraction directory %s: %w", destDir, err)
	}

	var paths []string
	for _, file := range reader.File {
		target := filepath.Join(root, file.Name)
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return nil, fmt.Errorf("archive entry %q escapes %s", file.Name, destDir)
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("error creating directory %s: %w", target, err)
			}
			continue
		}

		if err := extractFile(file, target); err != nil {
			return nil, err
		}
		paths = append(paths, target)
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("archive %s contains no files", zipPath)
	}

	e.logger.Info("Expanded archive", zap.String("archive", zipPath), zap.Strings("files", paths))
	return paths, nil
}

func extractFile(file *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("error creating directory for %s: %w", target, err)
	}

	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("error opening archive entry %s: %w", file.Name, err)
	}
	defer src.Close()

	dst, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", target, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("error extracting %s: %w", file.Name, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("error closing %s: %w", target, err)
	}
	return nil
}

// FindCSV returns the first .csv file among paths, ignoring case.
func FindCSV(paths []string) (string, error) {
	for _, p := range paths {
		if strings.EqualFold(filepath.Ext(p), ".csv") {
			return p, nil
		}
	}
	return "", fmt.Errorf("no CSV file among %d extracted files", len(paths))
}
