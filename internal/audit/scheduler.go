package audit

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs Trail.Sweep on the configured cron schedule (default
// @daily per config.Default). Kept separate from Trail so tests can drive
// Sweep directly without a scheduler running in the background.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger
}

func NewScheduler(trail *Trail, spec string, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		anonymized, deleted := trail.Sweep()
		log.Debug("scheduled retention sweep ran",
			zap.Int("anonymized", anonymized), zap.Int("deleted", deleted))
	})
	if err != nil {
		return nil, err
	}
	return &Scheduler{cron: c, log: log}, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop blocks until the in-flight sweep (if any) completes, so shutdown
// never races a half-finished sweep.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
