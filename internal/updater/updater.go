package updater

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nejdetkadir/relay/internal/config"
	"github.com/nejdetkadir/relay/internal/docker"
	"github.com/nejdetkadir/relay/internal/notify"
)

// Counters aggregates the outcome of one update cycle.
type Counters struct {
	Checked int
	Updated int
	Failed  int
}

// Updater runs update cycles over all monitored containers.
type Updater struct {
	client   docker.Client
	detector *Detector
	replacer *Replacer
	cfg      *config.Config
	notifier *notify.Notifier

	// Statistics across cycles, served by the API.
	totalUpdated atomic.Int64
	totalFailed  atomic.Int64
	lastRun      time.Time
	lastRunMu    sync.RWMutex
}

// New creates an Updater. The notifier may be nil.
func New(client docker.Client, registry TagLister, cfg *config.Config, notifier *notify.Notifier) *Updater {
	return &Updater{
		client:   client,
		detector: NewDetector(client, registry),
		replacer: NewReplacer(client, cfg),
		cfg:      cfg,
		notifier: notifier,
	}
}

// RunCycle enumerates the monitored containers and checks each one in
// turn, replacing those with an available update. Containers are
// processed strictly sequentially. Cancellation stops the iteration
// and returns the counters accumulated so far.
func (u *Updater) RunCycle(ctx context.Context) Counters {
	start := time.Now()
	var counters Counters

	log.Info("Starting update cycle...")

	containers, err := u.client.ListMonitored(ctx, u.cfg.EnableLabel)
	if err != nil {
		log.Errorf("Failed to list monitored containers: %v", err)
		u.recordRun(start, counters)
		return counters
	}
	if len(containers) == 0 {
		log.Infof("No containers carry %s=true, nothing to do", u.cfg.EnableLabel)
		u.recordRun(start, counters)
		return counters
	}

	log.Debugf("Checking %d monitored containers", len(containers))

	for _, ctr := range containers {
		if ctx.Err() != nil {
			log.Warn("Update cycle cancelled")
			break
		}

		counters.Checked++
		if u.processContainer(ctx, ctr, &counters) {
			break
		}
	}

	u.recordRun(start, counters)
	log.Infof("Update cycle complete: %d checked, %d updated, %d failed, took %s",
		counters.Checked, counters.Updated, counters.Failed, time.Since(start).Round(time.Millisecond))

	if u.notifier != nil && (counters.Updated > 0 || counters.Failed > 0) {
		u.notifier.NotifyCycleComplete(counters.Checked, counters.Updated, counters.Failed)
	}

	return counters
}

// processContainer checks and, when needed, replaces one container.
// It reports whether the cycle was cancelled mid-container; a
// cancelled container does not count as updated or failed.
func (u *Updater) processContainer(ctx context.Context, ctr docker.Container, counters *Counters) (stop bool) {
	result, err := u.detector.Check(ctx, ctr)
	if err != nil {
		log.Warnf("Check of %s cancelled", ctr.Name)
		return true
	}

	switch result.Outcome {
	case OutcomeNoUpdate:
		return false
	case OutcomeFailed:
		counters.Failed++
		return false
	}

	ok, err := u.replacer.Replace(ctx, ctr, result.NewImageReference)
	if err != nil {
		log.Warnf("Replacement of %s cancelled", ctr.Name)
		return true
	}
	if ok {
		counters.Updated++
		if u.notifier != nil {
			u.notifier.NotifyContainerUpdated(ctr.Name, result.NewImageReference, result.CurrentDigest, result.NewDigest)
		}
	} else {
		counters.Failed++
		if u.notifier != nil {
			u.notifier.NotifyUpdateFailed(ctr.Name, result.NewImageReference)
		}
	}
	return false
}

// recordRun folds cycle counters into the running statistics.
func (u *Updater) recordRun(start time.Time, counters Counters) {
	u.totalUpdated.Add(int64(counters.Updated))
	u.totalFailed.Add(int64(counters.Failed))
	u.lastRunMu.Lock()
	u.lastRun = start
	u.lastRunMu.Unlock()
}

// GetStats returns update statistics for the API.
func (u *Updater) GetStats() map[string]interface{} {
	u.lastRunMu.RLock()
	lastRun := u.lastRun
	u.lastRunMu.RUnlock()

	return map[string]interface{}{
		"total_updated": u.totalUpdated.Load(),
		"total_failed":  u.totalFailed.Load(),
		"last_run":      lastRun,
	}
}
