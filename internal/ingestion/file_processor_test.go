package ingestion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThiagoRGoveia/postal-sync/internal/fetch"
	"github.com/ThiagoRGoveia/postal-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockRetriever struct {
	mock.Mock
}

func (m *MockRetriever) Fetch(ctx context.Context, url string, destPath string) (*models.FetchResult, error) {
	args := m.Called(ctx, url, destPath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.FetchResult), args.Error(1)
}

type MockExpander struct {
	mock.Mock
}

func (m *MockExpander) Expand(zipPath string, destDir string) ([]string, error) {
	args := m.Called(zipPath, destDir)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type MockFileRecorder struct {
	mock.Mock
}

func (m *MockFileRecorder) RecordFile(ctx context.Context, runID int64, file models.IngestionFile) error {
	args := m.Called(ctx, runID, file)
	return args.Error(0)
}

type MockDownloadRecorder struct {
	mock.Mock
}

func (m *MockDownloadRecorder) RecordDownload(kind models.FeedKind, bytes int64) {
	m.Called(kind, bytes)
}

func fetched(path string) *models.FetchResult {
	return &models.FetchResult{
		Path:         path,
		SizeBytes:    42,
		SHA256:       "abc",
		DownloadedAt: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestFileProcessor_PrepareFeeds(t *testing.T) {
	dirs := WorkDirs{Downloads: "/work/downloads/202501", Extracted: "/work/extracted/202501"}
	feeds := []Feed{
		{Kind: models.FeedAdd, URL: "https://example.test/utf_add_2501.zip", FileName: "utf_add_2501.zip"},
		{Kind: models.FeedDel, URL: "https://example.test/utf_del_2501.zip", FileName: "utf_del_2501.zip"},
	}

	t.Run("Expect: feeds fetched, recorded and expanded", func(t *testing.T) {
		retriever := new(MockRetriever)
		expander := new(MockExpander)
		recorder := new(MockFileRecorder)
		downloads := new(MockDownloadRecorder)

		retriever.On("Fetch", mock.Anything, feeds[0].URL, "/work/downloads/202501/utf_add_2501.zip").
			Return(fetched("/work/downloads/202501/utf_add_2501.zip"), nil)
		retriever.On("Fetch", mock.Anything, feeds[1].URL, "/work/downloads/202501/utf_del_2501.zip").
			Return(fetched("/work/downloads/202501/utf_del_2501.zip"), nil)
		expander.On("Expand", "/work/downloads/202501/utf_add_2501.zip", "/work/extracted/202501/Add").
			Return([]string{"/work/extracted/202501/Add/readme.txt", "/work/extracted/202501/Add/UTF_ADD_2501.CSV"}, nil)
		expander.On("Expand", "/work/downloads/202501/utf_del_2501.zip", "/work/extracted/202501/Del").
			Return([]string{"/work/extracted/202501/Del/UTF_DEL_2501.CSV"}, nil)
		recorder.On("RecordFile", mock.Anything, int64(7), mock.MatchedBy(func(f models.IngestionFile) bool {
			return f.RunID == 7 && f.SizeBytes == 42 && f.SHA256 == "abc"
		})).Return(nil).Twice()
		downloads.On("RecordDownload", mock.Anything, int64(42)).Twice()

		processor := NewFileProcessor(retriever, expander, recorder, downloads, FileProcessorConfig{}, zap.NewNop())
		prepared, err := processor.PrepareFeeds(context.Background(), 7, feeds, dirs)
		require.NoError(t, err)

		require.Len(t, prepared, 2)
		assert.Equal(t, "/work/extracted/202501/Add/UTF_ADD_2501.CSV", prepared[0].CSVPath)
		assert.Equal(t, "/work/extracted/202501/Del/UTF_DEL_2501.CSV", prepared[1].CSVPath)
		assert.Empty(t, feeds[0].CSVPath, "input feeds are not modified")

		retriever.AssertExpectations(t)
		expander.AssertExpectations(t)
		recorder.AssertExpectations(t)
		downloads.AssertExpectations(t)
	})

	t.Run("Expect: a failed download fails the set before anything is recorded", func(t *testing.T) {
		retriever := new(MockRetriever)
		expander := new(MockExpander)
		recorder := new(MockFileRecorder)

		retriever.On("Fetch", mock.Anything, feeds[0].URL, mock.Anything).
			Return(fetched("/work/downloads/202501/utf_add_2501.zip"), nil).Maybe()
		retriever.On("Fetch", mock.Anything, feeds[1].URL, mock.Anything).
			Return(nil, &fetch.HTTPError{URL: feeds[1].URL, StatusCode: 404})

		processor := NewFileProcessor(retriever, expander, recorder, nil, FileProcessorConfig{}, zap.NewNop())
		_, err := processor.PrepareFeeds(context.Background(), 7, feeds, dirs)

		var stepErr *models.StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, StageFetch, stepErr.Stage)
		assert.Equal(t, "Del", stepErr.Step)

		var httpErr *fetch.HTTPError
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, 404, httpErr.StatusCode)

		recorder.AssertNotCalled(t, "RecordFile", mock.Anything, mock.Anything, mock.Anything)
		expander.AssertNotCalled(t, "Expand", mock.Anything, mock.Anything)
	})

	t.Run("Expect: ledger failure reported as metadata stage", func(t *testing.T) {
		retriever := new(MockRetriever)
		recorder := new(MockFileRecorder)

		retriever.On("Fetch", mock.Anything, mock.Anything, mock.Anything).Return(fetched("/tmp/a.zip"), nil)
		recorder.On("RecordFile", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("connection reset"))

		processor := NewFileProcessor(retriever, new(MockExpander), recorder, nil, FileProcessorConfig{}, zap.NewNop())
		_, err := processor.PrepareFeeds(context.Background(), 1, feeds[:1], dirs)

		var stepErr *models.StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, StageLedger, stepErr.Stage)
	})

	t.Run("Expect: archive without a CSV fails", func(t *testing.T) {
		retriever := new(MockRetriever)
		expander := new(MockExpander)
		recorder := new(MockFileRecorder)

		retriever.On("Fetch", mock.Anything, mock.Anything, mock.Anything).Return(fetched("/tmp/a.zip"), nil)
		recorder.On("RecordFile", mock.Anything, mock.Anything, mock.Anything).Return(nil)
		expander.On("Expand", mock.Anything, mock.Anything).Return([]string{"/tmp/readme.txt"}, nil)

		processor := NewFileProcessor(retriever, expander, recorder, nil, FileProcessorConfig{}, zap.NewNop())
		_, err := processor.PrepareFeeds(context.Background(), 1, feeds[:1], dirs)

		var stepErr *models.StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, StageArchive, stepErr.Stage)
	})
}

func TestFileProcessor_Cleanup(t *testing.T) {
	makeDirs := func(t *testing.T) WorkDirs {
		dirs := NewWorkDirs(t.TempDir(), "202501")
		require.NoError(t, os.MkdirAll(dirs.Downloads, 0o755))
		require.NoError(t, os.MkdirAll(dirs.Extracted, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dirs.Extracted, "KEN_ALL.CSV"), []byte("x"), 0o644))
		return dirs
	}

	t.Run("Expect: only extracted files removed by default", func(t *testing.T) {
		dirs := makeDirs(t)
		processor := NewFileProcessor(nil, nil, nil, nil, FileProcessorConfig{DeleteExtracted: true}, zap.NewNop())

		processor.Cleanup(dirs)

		assert.NoDirExists(t, dirs.Extracted)
		assert.DirExists(t, dirs.Downloads)
	})

	t.Run("Expect: downloads removed when configured", func(t *testing.T) {
		dirs := makeDirs(t)
		processor := NewFileProcessor(nil, nil, nil, nil, FileProcessorConfig{DeleteExtracted: true, DeleteDownloads: true}, zap.NewNop())

		processor.Cleanup(dirs)

		assert.NoDirExists(t, dirs.Extracted)
		assert.NoDirExists(t, dirs.Downloads)
	})

	t.Run("Expect: nothing removed when disabled", func(t *testing.T) {
		dirs := makeDirs(t)
		processor := NewFileProcessor(nil, nil, nil, nil, FileProcessorConfig{}, zap.NewNop())

		processor.Cleanup(dirs)

		assert.DirExists(t, dirs.Extracted)
		assert.DirExists(t, dirs.Downloads)
	})
}
