package health

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nejdetkadir/relay/internal/config"
	"github.com/nejdetkadir/relay/internal/docker"
	"github.com/nejdetkadir/relay/internal/notify"
)

const (
	// MaxRestartAttempts is the maximum number of restart attempts before giving up
	MaxRestartAttempts = 5
	// CheckInterval is the interval between health sweeps
	CheckInterval = 10 * time.Second
)

// containerState tracks restart bookkeeping for one container
type containerState struct {
	restartAttempts int
	lastDigest      string
	gaveUp          bool
}

// Watcher restarts monitored containers that report unhealthy. It only
// considers containers carrying the enable label, the same population
// the updater manages.
type Watcher struct {
	client   docker.Client
	config   *config.Config
	notifier *notify.Notifier
	stopChan chan struct{}
	wg       sync.WaitGroup

	statesMu sync.Mutex
	states   map[string]*containerState
}

// NewWatcher creates a health watcher. The notifier may be nil.
func NewWatcher(client docker.Client, cfg *config.Config, notifier *notify.Notifier) *Watcher {
	return &Watcher{
		client:   client,
		config:   cfg,
		notifier: notifier,
		stopChan: make(chan struct{}),
		states:   make(map[string]*containerState),
	}
}

// Start begins periodic health sweeps until Stop is called.
func (w *Watcher) Start() {
	w.wg.Add(1)
	defer w.wg.Done()

	ticker := time.NewTicker(CheckInterval)
	defer ticker.Stop()

	log.Info("Health watcher started")

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.stopChan:
			log.Info("Health watcher stopped")
			return
		}
	}
}

// Stop stops the health watcher
func (w *Watcher) Stop() {
	close(w.stopChan)
	w.wg.Wait()
}

// sweep checks every monitored container once.
func (w *Watcher) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), w.config.EngineTimeout)
	defer cancel()

	containers, err := w.client.ListMonitored(ctx, w.config.EnableLabel)
	if err != nil {
		log.Errorf("Failed to list containers for health sweep: %v", err)
		return
	}

	for _, ctr := range containers {
		w.processContainer(ctx, ctr)
	}
}

// processContainer restarts one container when it reports unhealthy,
// giving up after too many attempts on the same image.
func (w *Watcher) processContainer(ctx context.Context, ctr docker.Container) {
	info, err := w.client.Inspect(ctx, ctr.ID)
	if err != nil {
		log.Debugf("Health sweep could not inspect %s: %v", ctr.Name, err)
		return
	}
	if info.State == nil || info.State.Health == nil {
		return
	}

	w.statesMu.Lock()
	defer w.statesMu.Unlock()

	state, ok := w.states[ctr.ID]
	if !ok {
		state = &containerState{}
		w.states[ctr.ID] = state
	}

	// A new image resets the attempt budget.
	if state.lastDigest != "" && state.lastDigest != ctr.ImageDigest {
		log.Infof("Container %s has a new image, resetting health tracking", ctr.Name)
		state.restartAttempts = 0
		state.gaveUp = false
	}
	state.lastDigest = ctr.ImageDigest

	if state.gaveUp {
		return
	}

	switch info.State.Health.Status {
	case "unhealthy":
		w.handleUnhealthy(ctx, ctr, state)
	case "healthy":
		if state.restartAttempts > 0 {
			log.Infof("Container %s is healthy again after %d restart(s)", ctr.Name, state.restartAttempts)
			state.restartAttempts = 0
		}
	}
}

// handleUnhealthy restarts an unhealthy container with retry limits.
func (w *Watcher) handleUnhealthy(ctx context.Context, ctr docker.Container, state *containerState) {
	log.Warnf("Container %s is unhealthy (attempt %d/%d)", ctr.Name, state.restartAttempts+1, MaxRestartAttempts)

	if state.restartAttempts >= MaxRestartAttempts {
		log.Errorf("Container %s: giving up after %d restart attempts. Will retry when a new image arrives.", ctr.Name, MaxRestartAttempts)
		state.gaveUp = true
		if w.notifier != nil {
			w.notifier.NotifyContainerGaveUp(ctr.Name, ctr.ImageReference, MaxRestartAttempts)
		}
		return
	}

	state.restartAttempts++
	if w.notifier != nil {
		w.notifier.NotifyContainerUnhealthy(ctr.Name, ctr.ImageReference, state.restartAttempts)
	}

	if err := w.client.Restart(ctx, ctr.ID); err != nil {
		log.Errorf("Failed to restart unhealthy container %s: %v", ctr.Name, err)
	} else {
		log.Infof("Restart initiated for container %s", ctr.Name)
	}
}

// GetStats returns current health monitoring statistics
func (w *Watcher) GetStats() map[string]interface{} {
	w.statesMu.Lock()
	defer w.statesMu.Unlock()

	gaveUp := 0
	for _, state := range w.states {
		if state.gaveUp {
			gaveUp++
		}
	}

	return map[string]interface{}{
		"monitored_containers": len(w.states),
		"gave_up_containers":   gaveUp,
		"max_restart_attempts": MaxRestartAttempts,
	}
}
