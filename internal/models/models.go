package models

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type Mode string

const (
	ModeFull         Mode = "Full"
	ModeDifferential Mode = "Differential"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "Running"
	RunStatusSucceeded RunStatus = "Succeeded"
	RunStatusFailed    RunStatus = "Failed"
	RunStatusSkipped   RunStatus = "Skipped"
)

type FeedKind string

const (
	FeedFull FeedKind = "Full"
	FeedAdd  FeedKind = "Add"
	FeedDel  FeedKind = "Del"
)

// StagingRecord is one decoded line of the KEN_ALL feed.
type StagingRecord struct {
	LocalGovernmentCode string `json:"local_government_code"`
	OldPostalCode       string `json:"old_postal_code"`
	PostalCode          string `json:"postal_code"`
	PrefectureKana      string `json:"prefecture_kana"`
	CityKana            string `json:"city_kana"`
	TownKana            string `json:"town_kana"`
	Prefecture          string `json:"prefecture"`
	City                string `json:"city"`
	Town                string `json:"town"`
	IsMultiZip          bool   `json:"is_multi_zip"`
	IsKoaza             bool   `json:"is_koaza"`
	IsChome             bool   `json:"is_chome"`
	IsMultiTown         bool   `json:"is_multi_town"`
	UpdateStatus        int16  `json:"update_status"`
	UpdateReason        int16  `json:"update_reason"`
}

func (r *StagingRecord) IsValid() bool {
	return len(r.PostalCode) == 7 &&
		r.Prefecture != "" &&
		r.City != ""
}

// LogicalKey returns the fields that identify a postal record in production.
func (r *StagingRecord) LogicalKey() []string {
	return []string{r.PostalCode, r.Prefecture, r.City, r.Town}
}

// Values returns the row in StagingColumns order.
func (r *StagingRecord) Values() []any {
	return []any{
		r.LocalGovernmentCode, r.OldPostalCode, r.PostalCode,
		r.PrefectureKana, r.CityKana, r.TownKana,
		r.Prefecture, r.City, r.Town,
		r.IsMultiZip, r.IsKoaza, r.IsChome, r.IsMultiTown,
		r.UpdateStatus, r.UpdateReason,
	}
}

// StagingColumns must match the order returned by StagingRecord.Values.
var StagingColumns = []string{
	"local_government_code", "old_postal_code", "postal_code",
	"prefecture_kana", "city_kana", "town_kana",
	"prefecture", "city", "town",
	"is_multi_zip", "is_koaza", "is_chome", "is_multi_town",
	"update_status", "update_reason",
}

type ProductionRecord struct {
	ID                  int64     `json:"id"`
	PostalCode          string    `json:"postal_code"`
	Prefecture          string    `json:"prefecture"`
	City                string    `json:"city"`
	Town                string    `json:"town"`
	PrefectureKana      string    `json:"prefecture_kana"`
	CityKana            string    `json:"city_kana"`
	TownKana            string    `json:"town_kana"`
	LocalGovernmentCode string    `json:"local_government_code"`
	OldPostalCode       string    `json:"old_postal_code"`
	IsMultiZip          bool      `json:"is_multi_zip"`
	IsKoaza             bool      `json:"is_koaza"`
	IsChome             bool      `json:"is_chome"`
	IsMultiTown         bool      `json:"is_multi_town"`
	UpdateStatus        int16     `json:"update_status"`
	UpdateReason        int16     `json:"update_reason"`
	LastRunID           *int64    `json:"last_run_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type IngestionRun struct {
	RunID        int64           `json:"run_id"`
	SourceSystem string          `json:"source_system"`
	Version      time.Time       `json:"version"`
	Mode         Mode            `json:"mode"`
	Status       RunStatus       `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	LandedRows   int64           `json:"landed_rows"`
	AddedRows    int64           `json:"added_rows"`
	UpdatedRows  int64           `json:"updated_rows"`
	DeletedRows  int64           `json:"deleted_rows"`
	Notes        string          `json:"notes,omitempty"`
	Errors       json.RawMessage `json:"errors,omitempty"`
}

// RunOutcome is the terminal state written by CloseRun.
type RunOutcome struct {
	Status      RunStatus
	LandedRows  int64
	AddedRows   int64
	UpdatedRows int64
	DeletedRows int64
	Notes       string
	Errors      any
}

type IngestionFile struct {
	RunID        int64     `json:"run_id"`
	Kind         FeedKind  `json:"kind"`
	FileName     string    `json:"file_name"`
	SourceURI    string    `json:"source_uri"`
	SizeBytes    int64     `json:"size_bytes"`
	SHA256       string    `json:"sha256"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// FetchResult describes an archive written to disk by the retriever.
type FetchResult struct {
	URL          string
	Path         string
	SizeBytes    int64
	SHA256       string
	DownloadedAt time.Time
}

type MergeCounts struct {
	Added   int64 `json:"added"`
	Updated int64 `json:"updated"`
	Deleted int64 `json:"deleted"`
}

func (c *MergeCounts) Add(other MergeCounts) {
	c.Added += other.Added
	c.Updated += other.Updated
	c.Deleted += other.Deleted
}

type LoadResult struct {
	Rows       int64
	Duplicates int64
}

type ReplaceResult struct {
	Rows        int64
	Duration    time.Duration
	BackupTable string
	Dropped     []string
}

type SyncRequest struct {
	Mode    Mode
	Version time.Time
	Force   bool
	WorkDir string
}

// AppError is a non-fatal problem found while decoding a feed.
type AppError struct {
	Feed    FeedKind
	Line    int
	Message string
	Err     error
	Record  *StagingRecord
}

func (e *AppError) Error() string {
	var recordDetails string
	if e.Record != nil {
		recordJSON, err := json.Marshal(e.Record)
		if err != nil {
			recordDetails = "failed to marshal record to JSON"
		} else {
			recordDetails = string(recordJSON)
		}
	}

	if e.Err != nil {
		if recordDetails != "" {
			return fmt.Sprintf("%s line %d: %s - %v - Record: %s", e.Feed, e.Line, e.Message, e.Err, recordDetails)
		}
		return fmt.Sprintf("%s line %d: %s - %v", e.Feed, e.Line, e.Message, e.Err)
	}

	if recordDetails != "" {
		return fmt.Sprintf("%s line %d: %s - Record: %s", e.Feed, e.Line, e.Message, recordDetails)
	}

	return fmt.Sprintf("%s line %d: %s", e.Feed, e.Line, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// StepError marks the pipeline stage and step that failed.
type StepError struct {
	Stage string
	Step  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s/%s: %v", e.Stage, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type FeedErrorMap struct {
	Errors  map[FeedKind][]AppError
	Dropped map[FeedKind]int
	Mu      sync.Mutex
}

func NewFeedErrorMap() *FeedErrorMap {
	return &FeedErrorMap{
		Errors:  make(map[FeedKind][]AppError),
		Dropped: make(map[FeedKind]int),
	}
}

// Count returns retained plus dropped errors for a feed.
func (m *FeedErrorMap) Count(kind FeedKind) int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return len(m.Errors[kind]) + m.Dropped[kind]
}

type FeedChannels struct {
	Records chan *StagingRecord
	Errors  chan AppError
}

type FeedWaitGroups struct {
	ParserWg *sync.WaitGroup
	ErrorWg  *sync.WaitGroup
}
