package ingestion

import (
	"context"
	"errors"
	"sync"

	"github.com/ThiagoRGoveia/postal-sync/internal/models"
	"github.com/ThiagoRGoveia/postal-sync/internal/parser"
	"go.uber.org/zap"
)

type Runner[T any] struct {
	Run T
}

// ParseJob is one extracted CSV to decode. Err is set by the parser worker when
// the file could not be read at all and is safe to read once the error worker
// has finished.
type ParseJob struct {
	Kind     models.FeedKind
	Path     string
	Encoding string
	Err      error
}

// Worker defines the interface for asynchronous processing tasks.
type Worker interface {
	WithChannels(channels *models.FeedChannels) Worker
	WithWaitGroups(waitGroups *models.FeedWaitGroups) Worker
	SetupParserWorker(ctx context.Context, job *ParseJob) (Runner[func()], *sync.WaitGroup, error)
	SetupErrorWorker(maxErrors int) (Runner[func(*models.FeedErrorMap)], *sync.WaitGroup, error)
}

type AsyncWorker struct {
	logger     *zap.Logger
	channels   *models.FeedChannels
	waitGroups *models.FeedWaitGroups
}

func NewAsyncWorker(logger *zap.Logger) *AsyncWorker {
	return &AsyncWorker{logger: logger.Named("worker")}
}

func (w *AsyncWorker) WithChannels(channels *models.FeedChannels) Worker {
	w.channels = channels
	return w
}

func (w *AsyncWorker) WithWaitGroups(waitGroups *models.FeedWaitGroups) Worker {
	w.waitGroups = waitGroups
	return w
}

func (w *AsyncWorker) ParserWorker(ctx context.Context, job *ParseJob) {
	defer w.waitGroups.ParserWg.Done()
	w.logger.Info("Parser worker started", zap.String("feed", string(job.Kind)), zap.String("file", job.Path))

	err := parser.ParseCSV(ctx, job.Path, job.Kind, job.Encoding, w.channels.Records, w.channels.Errors)
	if err != nil && !errors.Is(err, context.Canceled) {
		job.Err = err
		w.logger.Error("Parser worker failed", zap.String("feed", string(job.Kind)), zap.Error(err))
		return
	}

	w.logger.Info("Parser worker finished", zap.String("feed", string(job.Kind)))
}

func (w *AsyncWorker) SetupParserWorker(ctx context.Context, job *ParseJob) (Runner[func()], *sync.WaitGroup, error) {
	if w.channels == nil || w.waitGroups == nil {
		return Runner[func()]{}, nil, errors.New("worker channels and wait groups must be set before setup")
	}
	return Runner[func()]{
		Run: func() {
			w.waitGroups.ParserWg.Add(1)
			go w.ParserWorker(ctx, job)
		},
	}, w.waitGroups.ParserWg, nil
}

// ErrorWorker drains decode errors. At most maxErrors are retained per feed so a
// badly broken file cannot exhaust memory; the rest are only counted.
func (w *AsyncWorker) ErrorWorker(errorMap *models.FeedErrorMap, maxErrors int) {
	defer w.waitGroups.ErrorWg.Done()
	for appErr := range w.channels.Errors {
		w.logger.Warn("Skipped malformed line", zap.String("error", appErr.Error()))

		errorMap.Mu.Lock()
		if len(errorMap.Errors[appErr.Feed]) < maxErrors {
			errorMap.Errors[appErr.Feed] = append(errorMap.Errors[appErr.Feed], appErr)
		} else {
			errorMap.Dropped[appErr.Feed]++
		}
		errorMap.Mu.Unlock()
	}
}

func (w *AsyncWorker) SetupErrorWorker(maxErrors int) (Runner[func(*models.FeedErrorMap)], *sync.WaitGroup, error) {
	if w.channels == nil || w.waitGroups == nil {
		return Runner[func(*models.FeedErrorMap)]{}, nil, errors.New("worker channels and wait groups must be set before setup")
	}
	return Runner[func(*models.FeedErrorMap)]{
		Run: func(errorMap *models.FeedErrorMap) {
			w.waitGroups.ErrorWg.Add(1)
			go w.ErrorWorker(errorMap, maxErrors)
		},
	}, w.waitGroups.ErrorWg, nil
}
