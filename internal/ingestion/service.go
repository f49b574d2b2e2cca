package ingestion

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ThiagoRGoveia/postal-sync/internal/config"
	"github.com/ThiagoRGoveia/postal-sync/internal/fetch"
	"github.com/ThiagoRGoveia/postal-sync/internal/models"
	"go.uber.org/zap"
)

const (
	StageFetch   = "fetch"
	StageArchive = "archive"
	StageParse   = "parse"
	StageStaging = "staging"
	StageMerge   = "merge"
	StageReplace = "replace"
	StageLedger  = "ledger"

	closeTimeout = 30 * time.Second
)

// ErrEmptyFeed fails a full load that produced no rows. Swapping it in would
// wipe the production table.
var ErrEmptyFeed = errors.New("feed produced no rows")

var timeNow = time.Now

type RunLedger interface {
	FileRecorder
	OpenRun(ctx context.Context, source string, version time.Time, mode models.Mode) (int64, error)
	CloseRun(ctx context.Context, runID int64, outcome models.RunOutcome) error
	FindSucceededRun(ctx context.Context, version time.Time, mode models.Mode) (*models.IngestionRun, error)
	HasAnyData(ctx context.Context) (bool, error)
}

type StagingLoader interface {
	Load(ctx context.Context, records <-chan *models.StagingRecord) (models.LoadResult, error)
	Truncate(ctx context.Context) error
}

type Merger interface {
	Apply(ctx context.Context, runID int64, hasAdd bool, hasDel bool) (models.MergeCounts, error)
}

type Replacer interface {
	PerformFullReplacement(ctx context.Context, runID int64) (models.ReplaceResult, error)
}

type RunRecorder interface {
	RecordRun(mode models.Mode, outcome models.RunOutcome, duration time.Duration)
	RecordDecodeErrors(kind models.FeedKind, count int)
}

type Dependencies struct {
	Ledger    RunLedger
	Processor Processor
	Worker    Worker
	Setup     ISetup
	Loader    StagingLoader
	Merger    Merger
	Replacer  Replacer
	Metrics   RunRecorder
}

// SyncService runs one synchronization attempt end to end.
type SyncService struct {
	ledger    RunLedger
	processor Processor
	worker    Worker
	setup     ISetup
	loader    StagingLoader
	merger    Merger
	replacer  Replacer
	metrics   RunRecorder
	config    config.Config
	logger    *zap.Logger
}

func NewSyncService(deps Dependencies, cfg config.Config, logger *zap.Logger) *SyncService {
	return &SyncService{
		ledger:    deps.Ledger,
		processor: deps.Processor,
		worker:    deps.Worker,
		setup:     deps.Setup,
		loader:    deps.Loader,
		merger:    deps.Merger,
		replacer:  deps.Replacer,
		metrics:   deps.Metrics,
		config:    cfg,
		logger:    logger.Named("sync"),
	}
}

type decodeIssue struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// errorPayload is the document stored in ingestion_runs.errors.
type errorPayload struct {
	Kind       string                            `json:"kind,omitempty"`
	Stage      string                            `json:"stage,omitempty"`
	Step       string                            `json:"step,omitempty"`
	Message    string                            `json:"message,omitempty"`
	URL        string                            `json:"url,omitempty"`
	StatusCode int                               `json:"status_code,omitempty"`
	OccurredAt *time.Time                        `json:"occurred_at,omitempty"`
	Decode     map[models.FeedKind][]decodeIssue `json:"decode,omitempty"`
	Dropped    map[models.FeedKind]int           `json:"decode_dropped,omitempty"`
}

type runState struct {
	runID   int64
	mode    models.Mode
	outcome models.RunOutcome
	notes   []string
	decode  map[models.FeedKind][]decodeIssue
	dropped map[models.FeedKind]int
}

func (r *runState) note(format string, args ...any) {
	r.notes = append(r.notes, fmt.Sprintf(format, args...))
}

// Execute runs one sync attempt and reports whether it succeeded or was skipped.
// It never panics: every failure ends as a Failed run and a false result.
func (s *SyncService) Execute(ctx context.Context, req models.SyncRequest) (ok bool) {
	start := timeNow()
	state := &runState{
		mode:    req.Mode,
		decode:  make(map[models.FeedKind][]decodeIssue),
		dropped: make(map[models.FeedKind]int),
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Sync panicked", zap.Any("panic", r), zap.Stack("stack"))
			s.fail(ctx, state, fmt.Errorf("panic: %v", r), start)
			ok = false
		}
	}()

	if req.Mode != models.ModeFull && req.Mode != models.ModeDifferential {
		s.logger.Error("Unknown sync mode", zap.String("mode", string(req.Mode)))
		return false
	}

	hasData, err := s.ledger.HasAnyData(ctx)
	if err != nil {
		s.logger.Error("Failed to inspect production table", zap.Error(err))
		return false
	}

	if req.Mode == models.ModeDifferential && !hasData {
		state.mode = models.ModeFull
		state.note("Differential requested but production table is empty; switched to Full")
		s.logger.Warn("Production table is empty, switching to full mode")
	}

	if !req.Force {
		prior, err := s.findPriorSuccess(ctx, req.Version, state.mode, hasData)
		if err != nil {
			s.logger.Error("Failed to look up previous runs", zap.Error(err))
			return false
		}
		if prior != nil {
			return s.skip(ctx, req, state.mode, prior, start)
		}
	}

	runID, err := s.ledger.OpenRun(ctx, s.config.SourceSystem, req.Version, state.mode)
	if err != nil {
		s.logger.Error("Failed to open ingestion run", zap.Error(err))
		return false
	}
	state.runID = runID

	workDir := req.WorkDir
	if workDir == "" {
		workDir = s.config.WorkDir
	}
	dirs := NewWorkDirs(workDir, req.Version.Format("200601"))
	defer s.processor.Cleanup(dirs)

	s.logger.Info("Starting sync",
		zap.Int64("run_id", runID),
		zap.String("mode", string(state.mode)),
		zap.String("version", FormatYYMM(req.Version)),
		zap.Bool("force", req.Force))

	if state.mode == models.ModeFull {
		err = s.runFull(ctx, state, req, dirs)
	} else {
		err = s.runDifferential(ctx, state, req, dirs)
	}
	if err != nil {
		s.fail(ctx, state, err, start)
		return false
	}

	s.succeed(ctx, state, start)
	return true
}

// findPriorSuccess implements the idempotency gate. A succeeded full run only
// counts while production still holds data.
func (s *SyncService) findPriorSuccess(ctx context.Context, version time.Time, mode models.Mode, hasData bool) (*models.IngestionRun, error) {
	prior, err := s.ledger.FindSucceededRun(ctx, version, mode)
	if err != nil || prior == nil {
		return nil, err
	}
	if mode == models.ModeFull && !hasData {
		s.logger.Info("Previous full run succeeded but production is empty, running again", zap.Int64("prior_run_id", prior.RunID))
		return nil, nil
	}
	return prior, nil
}

func (s *SyncService) skip(ctx context.Context, req models.SyncRequest, mode models.Mode, prior *models.IngestionRun, start time.Time) bool {
	outcome := models.RunOutcome{
		Status: models.RunStatusSkipped,
		Notes:  fmt.Sprintf("Run %d already succeeded for %s in %s mode", prior.RunID, FormatYYMM(req.Version), mode),
	}
	s.logger.Info("Skipping sync", zap.Int64("prior_run_id", prior.RunID), zap.String("mode", string(mode)))

	runID, err := s.ledger.OpenRun(ctx, s.config.SourceSystem, req.Version, mode)
	if err != nil {
		s.logger.Warn("Could not record skipped run", zap.Error(err))
	} else if err := s.ledger.CloseRun(ctx, runID, outcome); err != nil {
		s.logger.Warn("Could not close skipped run", zap.Int64("run_id", runID), zap.Error(err))
	}

	s.recordRun(mode, outcome, start)
	return true
}

func (s *SyncService) newFeed(kind models.FeedKind, pattern string, yymm string) Feed {
	return Feed{
		Kind:     kind,
		URL:      s.config.FeedURL(pattern, yymm),
		FileName: feedFileName(pattern, yymm),
	}
}

func (s *SyncService) runFull(ctx context.Context, state *runState, req models.SyncRequest, dirs WorkDirs) error {
	yymm := FormatYYMM(req.Version)
	feeds, err := s.processor.PrepareFeeds(ctx, state.runID, []Feed{s.newFeed(models.FeedFull, s.config.FullFile, yymm)}, dirs)
	if err != nil {
		return err
	}

	load, err := s.loadFeed(ctx, state, feeds[0])
	if err != nil {
		return err
	}
	if load.Rows == 0 {
		return &models.StepError{Stage: StageParse, Step: string(models.FeedFull), Err: ErrEmptyFeed}
	}

	result, err := s.replacer.PerformFullReplacement(ctx, state.runID)
	if err != nil {
		return wrapStage(StageReplace, "PerformFullReplacement", err)
	}
	state.outcome.AddedRows = result.Rows
	if result.BackupTable != "" {
		state.note("Previous table kept as %s", result.BackupTable)
	}
	if len(result.Dropped) > 0 {
		state.note("Dropped old backups: %s", strings.Join(result.Dropped, ", "))
	}

	s.truncateStaging(ctx)
	return nil
}

// runDifferential loads, applies and truncates the add feed, then the delete
// feed. Both share the staging table so they are never loaded together.
func (s *SyncService) runDifferential(ctx context.Context, state *runState, req models.SyncRequest, dirs WorkDirs) error {
	yymm := FormatYYMM(req.Version)
	feeds, err := s.processor.PrepareFeeds(ctx, state.runID, []Feed{
		s.newFeed(models.FeedAdd, s.config.AddPattern, yymm),
		s.newFeed(models.FeedDel, s.config.DelPattern, yymm),
	}, dirs)
	if err != nil {
		return err
	}

	var total models.MergeCounts
	for _, feed := range feeds {
		if _, err := s.loadFeed(ctx, state, feed); err != nil {
			return err
		}

		counts, err := s.merger.Apply(ctx, state.runID, feed.Kind == models.FeedAdd, feed.Kind == models.FeedDel)
		if err != nil {
			return wrapStage(StageMerge, string(feed.Kind), err)
		}
		total.Add(counts)
		state.outcome.AddedRows = total.Added
		state.outcome.UpdatedRows = total.Updated
		state.outcome.DeletedRows = total.Deleted

		s.truncateStaging(ctx)
	}

	return nil
}

// loadFeed streams one extracted CSV into staging: a parser worker decodes into
// the records channel, an error worker collects malformed lines and the loader
// copies records as they arrive.
func (s *SyncService) loadFeed(ctx context.Context, state *runState, feed Feed) (models.LoadResult, error) {
	feedCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p, err := s.setup.build(s.config.ChannelSize)
	if err != nil {
		return models.LoadResult{}, wrapStage(StageParse, string(feed.Kind), err)
	}
	s.worker.WithChannels(p.Channels).WithWaitGroups(p.WaitGroups)

	errorRunner, errorWg, err := s.worker.SetupErrorWorker(s.config.MaxErrors)
	if err != nil {
		return models.LoadResult{}, wrapStage(StageParse, string(feed.Kind), err)
	}
	job := &ParseJob{Kind: feed.Kind, Path: feed.CSVPath, Encoding: s.config.Encoding}
	parserRunner, parserWg, err := s.worker.SetupParserWorker(feedCtx, job)
	if err != nil {
		return models.LoadResult{}, wrapStage(StageParse, string(feed.Kind), err)
	}

	errorRunner.Run(p.ErrorMap)
	parserRunner.Run()
	go func() {
		parserWg.Wait()
		close(p.Channels.Records)
		close(p.Channels.Errors)
	}()

	result, loadErr := s.loader.Load(feedCtx, p.Channels.Records)
	// Unblocks the parser if the loader gave up before draining the channel.
	cancel()
	errorWg.Wait()

	s.collectDecodeErrors(state, feed.Kind, p.ErrorMap)

	if loadErr != nil {
		return result, wrapStage(StageStaging, string(feed.Kind), loadErr)
	}
	if job.Err != nil {
		return result, &models.StepError{Stage: StageParse, Step: string(feed.Kind), Err: job.Err}
	}

	state.outcome.LandedRows += result.Rows
	if result.Duplicates > 0 {
		state.note("%s: %d duplicate key(s) dropped", feed.Kind, result.Duplicates)
	}

	s.logger.Info("Loaded feed into staging",
		zap.String("feed", string(feed.Kind)),
		zap.Int64("rows", result.Rows),
		zap.Int64("duplicates", result.Duplicates))
	return result, nil
}

func (s *SyncService) collectDecodeErrors(state *runState, kind models.FeedKind, errorMap *models.FeedErrorMap) {
	count := errorMap.Count(kind)
	if count == 0 {
		return
	}

	errorMap.Mu.Lock()
	for _, appErr := range errorMap.Errors[kind] {
		state.decode[kind] = append(state.decode[kind], decodeIssue{Line: appErr.Line, Message: appErr.Error()})
	}
	if dropped := errorMap.Dropped[kind]; dropped > 0 {
		state.dropped[kind] = dropped
	}
	errorMap.Mu.Unlock()

	state.note("%s: %d malformed line(s) skipped", kind, count)
	if s.metrics != nil {
		s.metrics.RecordDecodeErrors(kind, count)
	}
}

func (s *SyncService) truncateStaging(ctx context.Context) {
	if !s.config.TruncateStaging {
		return
	}
	if err := s.loader.Truncate(ctx); err != nil {
		s.logger.Warn("Failed to truncate staging table", zap.Error(err))
	}
}

func (s *SyncService) succeed(ctx context.Context, state *runState, start time.Time) {
	outcome := state.outcome
	outcome.Status = models.RunStatusSucceeded
	outcome.Notes = strings.Join(state.notes, "; ")
	outcome.Errors = state.payload(nil)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := s.ledger.CloseRun(closeCtx, state.runID, outcome); err != nil {
		s.logger.Error("Production table was updated but the run could not be closed",
			zap.Int64("run_id", state.runID), zap.Error(err))
	}

	s.recordRun(state.mode, outcome, start)
	s.logger.Info("Sync finished",
		zap.Int64("run_id", state.runID),
		zap.String("mode", string(state.mode)),
		zap.Int64("landed", outcome.LandedRows),
		zap.Int64("added", outcome.AddedRows),
		zap.Int64("updated", outcome.UpdatedRows),
		zap.Int64("deleted", outcome.DeletedRows),
		zap.Duration("duration", timeNow().Sub(start)))
}

// fail marks the open run Failed. Closing uses a detached context so a
// cancelled sync still leaves no run in Running.
func (s *SyncService) fail(ctx context.Context, state *runState, err error, start time.Time) {
	s.logger.Error("Sync failed", zap.Int64("run_id", state.runID), zap.Error(err))

	outcome := state.outcome
	outcome.Status = models.RunStatusFailed
	outcome.Notes = strings.Join(state.notes, "; ")
	outcome.Errors = state.payload(err)
	s.recordRun(state.mode, outcome, start)

	if state.runID == 0 {
		return
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if closeErr := s.ledger.CloseRun(closeCtx, state.runID, outcome); closeErr != nil {
		s.logger.Error("Could not mark run as failed", zap.Int64("run_id", state.runID), zap.Error(closeErr))
	}
}

func (s *SyncService) recordRun(mode models.Mode, outcome models.RunOutcome, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordRun(mode, outcome, timeNow().Sub(start))
	}
}

// payload builds the errors document, or nil when there is nothing to store.
func (r *runState) payload(err error) any {
	if err == nil && len(r.decode) == 0 {
		return nil
	}

	p := classify(err)
	if len(r.decode) > 0 {
		p.Decode = r.decode
	}
	if len(r.dropped) > 0 {
		p.Dropped = r.dropped
	}
	return p
}

func classify(err error) *errorPayload {
	p := &errorPayload{}
	if err == nil {
		return p
	}

	occurredAt := timeNow().UTC()
	p.Kind = "internal"
	p.Message = err.Error()
	p.OccurredAt = &occurredAt

	var stepErr *models.StepError
	if errors.As(err, &stepErr) {
		p.Stage = stepErr.Stage
		p.Step = stepErr.Step
		p.Kind = kindForStage(stepErr.Stage)
	}

	var httpErr *fetch.HTTPError
	var urlErr *url.Error
	if errors.As(err, &httpErr) {
		p.URL = httpErr.URL
		p.StatusCode = httpErr.StatusCode
	} else if errors.As(err, &urlErr) {
		p.URL = urlErr.URL
	}

	return p
}

func kindForStage(stage string) string {
	switch stage {
	case StageFetch, StageArchive:
		return "retrieval"
	case StageParse:
		return "decode"
	case StageStaging, StageMerge, StageReplace:
		return "mutation"
	case StageLedger:
		return "metadata"
	default:
		return "internal"
	}
}

// wrapStage tags err with a stage unless an inner component already did.
func wrapStage(stage string, step string, err error) error {
	var stepErr *models.StepError
	if errors.As(err, &stepErr) {
		return err
	}
	return &models.StepError{Stage: stage, Step: step, Err: err}
}
