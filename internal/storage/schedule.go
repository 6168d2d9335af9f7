package storage

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ArchiveScheduler runs an ArchiveManager's daily sweep on a cron
// schedule instead of an ad-hoc ticker.
type ArchiveScheduler struct {
	cron    *cron.Cron
	mgr     *ArchiveManager
	csvRoot string
	log     zerolog.Logger
}

func NewArchiveScheduler(mgr *ArchiveManager, csvRoot string, log zerolog.Logger) *ArchiveScheduler {
	return &ArchiveScheduler{
		cron:    cron.New(cron.WithSeconds()),
		mgr:     mgr,
		csvRoot: csvRoot,
		log:     log.With().Str("component", "storage.archive_scheduler").Logger(),
	}
}

// Start registers the archival job at the given cron expression
// (seconds-first, per cron.WithSeconds) and begins running it. The job
// archives the previous calendar day's partitions, since today's CSVs
// are presumably still being appended to.
func (s *ArchiveScheduler) Start(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		day := time.Now().AddDate(0, 0, -1).Format("2006-01-02")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := s.mgr.ArchiveDay(ctx, s.csvRoot, day); err != nil {
			s.log.Warn().Err(err).Str("day", day).Msg("scheduled archive run failed")
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop blocks until any in-flight job completes, then halts the
// scheduler.
func (s *ArchiveScheduler) Stop() {
	<-s.cron.Stop().Done()
}
