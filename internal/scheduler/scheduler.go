package scheduler

import (
	"time"

	"github.com/nejdetkadir/relay/internal/config"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Scheduler manages the timing of update cycles. In interval mode the
// callback runs on a single goroutine; in cron mode each run gets its
// own goroutine, so runs may overlap unless the callback serializes
// itself.
type Scheduler struct {
	config   *config.Config
	cron     *cron.Cron
	ticker   *time.Ticker
	stopChan chan struct{}
}

// New creates a new scheduler
func New(cfg *config.Config) *Scheduler {
	return &Scheduler{
		config:   cfg,
		stopChan: make(chan struct{}),
	}
}

// Start begins the scheduler
func (s *Scheduler) Start(fn func()) {
	if s.config.Schedule != "" {
		s.startCron(fn)
	} else {
		s.startInterval(fn)
	}
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	close(s.stopChan)

	if s.cron != nil {
		s.cron.Stop()
	}

	if s.ticker != nil {
		s.ticker.Stop()
	}
}

// startCron starts cron-based scheduling
func (s *Scheduler) startCron(fn func()) {
	s.cron = cron.New(cron.WithSeconds())

	_, err := s.cron.AddFunc(s.config.Schedule, fn)
	if err != nil {
		log.Fatalf("Invalid cron schedule: %v", err)
	}

	log.Infof("Scheduled update cycles with cron expression: %s", s.config.Schedule)
	if s.config.CheckOnStartup {
		go fn()
	}
	s.cron.Start()
}

// startInterval starts interval-based scheduling
func (s *Scheduler) startInterval(fn func()) {
	s.ticker = time.NewTicker(s.config.CheckInterval)
	log.Infof("Scheduled update cycles every %s", s.config.CheckInterval)

	go func() {
		if s.config.CheckOnStartup {
			fn()
		}
		for {
			select {
			case <-s.ticker.C:
				fn()
			case <-s.stopChan:
				return
			}
		}
	}()
}
