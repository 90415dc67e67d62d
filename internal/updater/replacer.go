package updater

import (
	"context"
	"maps"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	log "github.com/sirupsen/logrus"

	"github.com/nejdetkadir/relay/internal/config"
	"github.com/nejdetkadir/relay/internal/docker"
)

// stagingSuffix names the throwaway health-probe container.
const stagingSuffix = "-relay-staging"

// Replacer swaps a running container for one running a new image,
// either through a staged rolling replacement or the legacy
// stop-then-recreate sequence.
type Replacer struct {
	client docker.Client
	cfg    *config.Config
}

// NewReplacer creates a Replacer.
func NewReplacer(client docker.Client, cfg *config.Config) *Replacer {
	return &Replacer{client: client, cfg: cfg}
}

// Replace executes a replacement plan. The new image must already have
// been pulled. Returns whether the replacement succeeded; the error is
// non-nil only when the operation was cancelled.
func (r *Replacer) Replace(ctx context.Context, ctr docker.Container, newImageRef string) (bool, error) {
	if r.cfg.RollingUpdate {
		return r.rolling(ctx, ctr, newImageRef)
	}
	return r.legacy(ctx, ctr, newImageRef)
}

// rolling starts a staging container with the new image, waits for it
// to prove healthy, and only then removes the original and recreates
// it under its own name with the original port bindings. The original
// is never touched before the staging container passes the health
// gate.
func (r *Replacer) rolling(ctx context.Context, ctr docker.Container, newImageRef string) (bool, error) {
	stagingName := ctr.Name + stagingSuffix
	timeout := ctr.HealthcheckTimeout(r.cfg.HealthcheckTimeout)

	inspect, err := r.client.Inspect(ctx, ctr.ID)
	if err != nil {
		if cancelled(ctx, err) {
			return false, err
		}
		log.Errorf("Failed to inspect %s before replacement: %v", ctr.Name, err)
		return false, nil
	}

	newConfig := cloneConfig(inspect.Config)
	newConfig.Image = newImageRef

	stagingHost := cloneHostConfig(inspect.HostConfig)
	stagingHost.PortBindings = nil
	stagingHost.PublishAllPorts = false
	stagingNet := rebuildNetworkingConfig(inspect.NetworkSettings)

	log.Infof("Starting staging container %s for %s", stagingName, ctr.Name)
	stagingID, err := r.client.CreateStagingAndStart(ctx, stagingName, newConfig, stagingHost, stagingNet)
	if err != nil {
		if cancelled(ctx, err) {
			return false, err
		}
		log.Errorf("Failed to start staging container for %s: %v", ctr.Name, err)
		return false, nil
	}

	healthy, err := r.client.WaitHealthy(ctx, stagingID, timeout, r.cfg.HealthcheckInterval)
	if err != nil {
		r.removeStaging(stagingID)
		if cancelled(ctx, err) {
			return false, err
		}
		log.Errorf("Health wait for staging container of %s failed: %v", ctr.Name, err)
		return false, nil
	}
	if !healthy {
		log.Warnf("Staging container for %s did not become healthy, keeping original", ctr.Name)
		r.removeStaging(stagingID)
		return false, nil
	}

	// Switchover. From here on the original container goes away; any
	// failure leaves the workload down and is only logged.
	log.Infof("Staging container for %s is healthy, switching over", ctr.Name)
	if err := r.client.Stop(ctx, ctr.ID); err != nil {
		r.removeStaging(stagingID)
		if cancelled(ctx, err) {
			return false, err
		}
		log.Errorf("Failed to stop %s during switchover: %v", ctr.Name, err)
		return false, nil
	}
	if err := r.client.Remove(ctx, ctr.ID); err != nil {
		r.removeStaging(stagingID)
		if cancelled(ctx, err) {
			return false, err
		}
		log.Errorf("Failed to remove %s during switchover: %v", ctr.Name, err)
		return false, nil
	}

	// The staging container was only a probe; the final container gets
	// the original name and the full port bindings.
	r.removeStaging(stagingID)

	finalNet := rebuildNetworkingConfig(inspect.NetworkSettings)
	if _, err := r.client.CreateAndStart(ctx, ctr.Name, newConfig, inspect.HostConfig, finalNet); err != nil {
		log.Errorf("Container %s (%s) was removed but its replacement could not be started: %v",
			ctr.Name, truncateID(ctr.ID), err)
		if cancelled(ctx, err) {
			return false, err
		}
		return false, nil
	}

	r.cleanupOldImage(ctx, ctr)
	log.Infof("Replaced container %s with image %s", ctr.Name, newImageRef)
	return true, nil
}

// legacy replaces the container by the plain stop, remove, recreate
// sequence without a health gate.
func (r *Replacer) legacy(ctx context.Context, ctr docker.Container, newImageRef string) (bool, error) {
	inspect, err := r.client.Inspect(ctx, ctr.ID)
	if err != nil {
		if cancelled(ctx, err) {
			return false, err
		}
		log.Errorf("Failed to inspect %s before replacement: %v", ctr.Name, err)
		return false, nil
	}

	newConfig := cloneConfig(inspect.Config)
	newConfig.Image = newImageRef

	if err := r.client.Stop(ctx, ctr.ID); err != nil {
		if cancelled(ctx, err) {
			return false, err
		}
		log.Errorf("Failed to stop %s: %v", ctr.Name, err)
		return false, nil
	}
	if err := r.client.Remove(ctx, ctr.ID); err != nil {
		if cancelled(ctx, err) {
			return false, err
		}
		log.Errorf("Failed to remove %s: %v", ctr.Name, err)
		return false, nil
	}

	if _, err := r.client.CreateAndStart(ctx, ctr.Name, newConfig, inspect.HostConfig, rebuildNetworkingConfig(inspect.NetworkSettings)); err != nil {
		log.Errorf("Container %s (%s) was removed but its replacement could not be started: %v",
			ctr.Name, truncateID(ctr.ID), err)
		if cancelled(ctx, err) {
			return false, err
		}
		return false, nil
	}

	r.cleanupOldImage(ctx, ctr)
	log.Infof("Recreated container %s with image %s", ctr.Name, newImageRef)
	return true, nil
}

// removeStaging force-removes a staging container on a fresh context,
// so cleanup still happens when the cycle is being cancelled.
func (r *Replacer) removeStaging(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.client.ForceRemove(ctx, id); err != nil {
		log.Warnf("Failed to remove staging container %s: %v", truncateID(id), err)
	}
}

// cleanupOldImage removes the replaced image when configured. Failures
// are logged, never propagated.
func (r *Replacer) cleanupOldImage(ctx context.Context, ctr docker.Container) {
	if !r.cfg.CleanupImages || ctr.ImageDigest == "" {
		return
	}
	if err := r.client.RemoveImage(ctx, ctr.ImageDigest); err != nil {
		log.Warnf("Failed to remove old image %s: %v", truncateID(ctr.ImageDigest), err)
	}
}

// cloneConfig creates a shallow copy of the container config with
// cloned labels.
func cloneConfig(cfg *container.Config) *container.Config {
	if cfg == nil {
		return &container.Config{}
	}
	clone := *cfg
	clone.Labels = maps.Clone(cfg.Labels)
	return &clone
}

// cloneHostConfig creates a shallow copy of the host config. Every
// field carries over; the caller mutates only what must differ.
func cloneHostConfig(cfg *container.HostConfig) *container.HostConfig {
	if cfg == nil {
		return &container.HostConfig{}
	}
	clone := *cfg
	return &clone
}

// rebuildNetworkingConfig extracts the endpoint settings worth
// carrying to a new container: aliases, network identity, driver
// options, links, and IPAM config. Assigned addresses are left blank
// so the engine hands out fresh ones.
func rebuildNetworkingConfig(ns *container.NetworkSettings) *network.NetworkingConfig {
	if ns == nil || len(ns.Networks) == 0 {
		return nil
	}

	endpoints := make(map[string]*network.EndpointSettings, len(ns.Networks))
	for name, ep := range ns.Networks {
		endpoints[name] = &network.EndpointSettings{
			IPAMConfig: ep.IPAMConfig,
			Aliases:    ep.Aliases,
			NetworkID:  ep.NetworkID,
			DriverOpts: ep.DriverOpts,
			Links:      ep.Links,
		}
	}
	return &network.NetworkingConfig{EndpointsConfig: endpoints}
}
