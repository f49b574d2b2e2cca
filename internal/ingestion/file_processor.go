package ingestion

import (
	"context"
	"os"
	"path/filepath"

	"github.com/ThiagoRGoveia/postal-sync/internal/archive"
	"github.com/ThiagoRGoveia/postal-sync/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Feed is one upstream archive for a run, filled in as it is prepared.
type Feed struct {
	Kind     models.FeedKind
	URL      string
	FileName string
	Fetch    *models.FetchResult
	CSVPath  string
}

// WorkDirs are the scratch directories of one run.
type WorkDirs struct {
	Downloads string
	Extracted string
}

func NewWorkDirs(root string, version string) WorkDirs {
	return WorkDirs{
		Downloads: filepath.Join(root, "downloads", version),
		Extracted: filepath.Join(root, "extracted", version),
	}
}

type Retriever interface {
	Fetch(ctx context.Context, url string, destPath string) (*models.FetchResult, error)
}

type Expander interface {
	Expand(zipPath string, destDir string) ([]string, error)
}

type FileRecorder interface {
	RecordFile(ctx context.Context, runID int64, file models.IngestionFile) error
}

type DownloadRecorder interface {
	RecordDownload(kind models.FeedKind, bytes int64)
}

// Processor defines the file handling that happens before any table is touched.
type Processor interface {
	PrepareFeeds(ctx context.Context, runID int64, feeds []Feed, dirs WorkDirs) ([]Feed, error)
	Cleanup(dirs WorkDirs)
}

type FileProcessorConfig struct {
	DeleteDownloads bool
	DeleteExtracted bool
}

// FileProcessor downloads, records and expands the archives of a run.
type FileProcessor struct {
	retriever Retriever
	expander  Expander
	recorder  FileRecorder
	metrics   DownloadRecorder
	config    FileProcessorConfig
	logger    *zap.Logger
}

func NewFileProcessor(retriever Retriever, expander Expander, recorder FileRecorder, metrics DownloadRecorder, cfg FileProcessorConfig, logger *zap.Logger) *FileProcessor {
	return &FileProcessor{
		retriever: retriever,
		expander:  expander,
		recorder:  recorder,
		metrics:   metrics,
		config:    cfg,
		logger:    logger.Named("files"),
	}
}

// PrepareFeeds fetches every feed concurrently, then records and expands them in
// order. Any failure aborts the whole set: a run never applies half a month.
func (fp *FileProcessor) PrepareFeeds(ctx context.Context, runID int64, feeds []Feed, dirs WorkDirs) ([]Feed, error) {
	prepared := make([]Feed, len(feeds))
	copy(prepared, feeds)

	g, gctx := errgroup.WithContext(ctx)
	for i := range prepared {
		feed := &prepared[i]
		g.Go(func() error {
			result, err := fp.retriever.Fetch(gctx, feed.URL, filepath.Join(dirs.Downloads, feed.FileName))
			if err != nil {
				return &models.StepError{Stage: StageFetch, Step: string(feed.Kind), Err: err}
			}
			feed.Fetch = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := range prepared {
		feed := &prepared[i]
		if fp.metrics != nil {
			fp.metrics.RecordDownload(feed.Kind, feed.Fetch.SizeBytes)
		}

		err := fp.recorder.RecordFile(ctx, runID, models.IngestionFile{
			RunID:        runID,
			Kind:         feed.Kind,
			FileName:     feed.FileName,
			SourceURI:    feed.URL,
			SizeBytes:    feed.Fetch.SizeBytes,
			SHA256:       feed.Fetch.SHA256,
			DownloadedAt: feed.Fetch.DownloadedAt,
		})
		if err != nil {
			return nil, &models.StepError{Stage: StageLedger, Step: "RecordFile", Err: err}
		}

		extracted, err := fp.expander.Expand(feed.Fetch.Path, filepath.Join(dirs.Extracted, string(feed.Kind)))
		if err != nil {
			return nil, &models.StepError{Stage: StageArchive, Step: string(feed.Kind), Err: err}
		}
		csvPath, err := archive.FindCSV(extracted)
		if err != nil {
			return nil, &models.StepError{Stage: StageArchive, Step: string(feed.Kind), Err: err}
		}
		feed.CSVPath = csvPath
	}

	return prepared, nil
}

// Cleanup removes scratch directories as configured. Errors are logged only.
func (fp *FileProcessor) Cleanup(dirs WorkDirs) {
	if fp.config.DeleteExtracted {
		fp.removeAll(dirs.Extracted)
	}
	if fp.config.DeleteDownloads {
		fp.removeAll(dirs.Downloads)
	}
}

func (fp *FileProcessor) removeAll(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		fp.logger.Warn("Failed to clean up work directory", zap.String("dir", dir), zap.Error(err))
		return
	}
	fp.logger.Info("Cleaned up work directory", zap.String("dir", dir))
}

func feedFileName(pattern string, yymm string) string {
	return filepath.Base(replaceYYMM(pattern, yymm))
}
