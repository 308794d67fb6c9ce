package setup

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultUpdateSchedule runs the background binary update sweep twice
// an hour. The sweep itself is gated on the staleness window, so a
// tighter schedule only costs a clock read.
const DefaultUpdateSchedule = "@every 30m"

// UpdateScheduler periodically re-runs the orchestrator's binary
// update sweep in the background.
type UpdateScheduler struct {
	orch *Orchestrator
	cron *cron.Cron
	log  zerolog.Logger
}

// NewUpdateScheduler creates a scheduler driving orch. An empty
// schedule uses DefaultUpdateSchedule.
func NewUpdateScheduler(orch *Orchestrator, schedule string, log zerolog.Logger) (*UpdateScheduler, error) {
	if schedule == "" {
		schedule = DefaultUpdateSchedule
	}

	s := &UpdateScheduler{
		orch: orch,
		cron: cron.New(),
		log:  log.With().Str("component", "update_scheduler").Logger(),
	}

	_, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug().Msg("running background update sweep")
		s.orch.UpdateBinaries(context.Background())
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the periodic sweep.
func (s *UpdateScheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for a running sweep to complete.
func (s *UpdateScheduler) Stop() {
	<-s.cron.Stop().Done()
}
