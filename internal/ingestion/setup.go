package ingestion

import (
	"sync"

	"github.com/ThiagoRGoveia/postal-sync/internal/models"
)

// pipeline is the per-feed plumbing shared by the parser worker, the error
// worker and the staging loader.
type pipeline struct {
	Channels   *models.FeedChannels
	WaitGroups *models.FeedWaitGroups
	ErrorMap   *models.FeedErrorMap
}

type ISetup interface {
	build(channelSize int) (pipeline, error)
}

type Setup struct{}

// Instantiate the channels and wait groups for one feed. Kept behind ISetup so
// tests can hand the service prebuilt plumbing.
func (h Setup) build(channelSize int) (pipeline, error) {
	var parserWg, errorWg sync.WaitGroup

	return pipeline{
		Channels: &models.FeedChannels{
			Records: make(chan *models.StagingRecord, channelSize),
			Errors:  make(chan models.AppError, 100),
		},
		WaitGroups: &models.FeedWaitGroups{ParserWg: &parserWg, ErrorWg: &errorWg},
		ErrorMap:   models.NewFeedErrorMap(),
	}, nil
}
