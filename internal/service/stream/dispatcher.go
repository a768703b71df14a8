// Package stream pushes newly inserted records to connected clients.
//
// Each session polls the store from its own watermark, so a slow or
// reconnecting client never affects others and never misses records.
package stream

import (
	"context"
	"time"

	"visionsurvey/internal/config"
	"visionsurvey/internal/logger"
	"visionsurvey/internal/model"
	"visionsurvey/internal/repository"
)

// Sink receives the events of one session. Any returned error ends the session.
type Sink interface {
	Send(rec model.Record) error
	Heartbeat() error
	Error() error
}

// Dispatcher runs live-feed sessions.
type Dispatcher struct {
	repo         repository.RecordRepository
	hub          *HubService
	pollInterval time.Duration
	errorBackoff time.Duration
	batchLimit   int
	logger       *logger.Logger
}

func NewDispatcher(config *config.Config, repo repository.RecordRepository, hub *HubService, logger *logger.Logger) *Dispatcher {
	return &Dispatcher{
		repo:         repo,
		hub:          hub,
		pollInterval: config.StreamPollInterval,
		errorBackoff: config.StreamErrorBackoff,
		batchLimit:   repository.ClampLimit(config.StreamBatchLimit, repository.DefaultNewerLimit),
		logger:       logger,
	}
}

// Serve delivers every record with id > afterID matching filter, in id order,
// until ctx is cancelled (nil is returned) or the sink fails (its error is returned).
// Store errors are reported to the sink and retried after a backoff.
func (d *Dispatcher) Serve(ctx context.Context, sink Sink, filter model.Filter, afterID int64, remote string) error {
	session := d.hub.Register(remote)
	defer d.hub.Unregister(session)

	watermark := afterID
	for {
		if ctx.Err() != nil {
			return nil
		}

		records, err := d.repo.QueryNewer(ctx, filter, watermark, d.batchLimit)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Warning("Stream session %s query failed: %v", session.ID, err)
			if err := sink.Error(); err != nil {
				return err
			}
			if !wait(ctx, d.errorBackoff, nil) {
				return nil
			}
			continue
		}

		if len(records) == 0 {
			if err := sink.Heartbeat(); err != nil {
				return err
			}
		}

		for _, rec := range records {
			if err := sink.Send(rec); err != nil {
				return err
			}
			// Watermark rośnie po każdym wysłanym rekordzie
			if rec.ID > watermark {
				watermark = rec.ID
			}
		}

		// Pełna paczka: zaległe rekordy pobieramy od razu
		if len(records) == d.batchLimit {
			continue
		}

		if !wait(ctx, d.pollInterval, session.Wake()) {
			return nil
		}
	}
}

// wait sleeps for d, returning early when wake fires. It reports false if ctx ended.
func wait(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-wake:
		return true
	}
}
