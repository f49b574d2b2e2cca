package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ThiagoRGoveia/postal-sync/internal/models"
	"github.com/ThiagoRGoveia/postal-sync/pkg/checksum"
	"go.uber.org/zap"
)

// ErrEmptyBody is returned when the server answered 200 with no content.
var ErrEmptyBody = errors.New("empty response body")

// HTTPError is a non-200 answer from the archive host.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.StatusCode, e.URL)
}

// Retriever downloads archives over HTTP.
type Retriever struct {
	client *http.Client
	logger *zap.Logger
}

func NewRetriever(timeout time.Duration, logger *zap.Logger) *Retriever {
	return &Retriever{
		client: &http.Client{Timeout: timeout},
		logger: logger.Named("fetch"),
	}
}

// Fetch writes the body of url to destPath, hashing it on the way. The file only
// appears at destPath once the download completed.
func (r *Retriever) Fetch(ctx context.Context, url string, destPath string) (*models.FetchResult, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error building request for %s: %w", url, err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{URL: url, StatusCode: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, fmt.Errorf("error creating download directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), filepath.Base(destPath)+".*.part")
	if err != nil {
		return nil, fmt.Errorf("error creating temp file for %s: %w", destPath, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	writer := checksum.NewHashingWriter(tmp)
	_, copyErr := io.Copy(writer, resp.Body)
	closeErr := tmp.Close()
	if copyErr != nil {
		return nil, fmt.Errorf("error downloading %s: %w", url, copyErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("error writing %s: %w", destPath, closeErr)
	}
	if writer.Written() == 0 {
		return nil, fmt.Errorf("error downloading %s: %w", url, ErrEmptyBody)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return nil, fmt.Errorf("error moving download to %s: %w", destPath, err)
	}

	result := &models.FetchResult{
		URL:          url,
		Path:         destPath,
		SizeBytes:    writer.Written(),
		SHA256:       writer.Sum(),
		DownloadedAt: time.Now().UTC(),
	}

	r.logger.Info("Downloaded archive",
		zap.String("url", url),
		zap.String("path", destPath),
		zap.Int64("bytes", result.SizeBytes),
		zap.String("sha256", result.SHA256),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}
