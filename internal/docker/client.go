package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	registrytypes "github.com/docker/docker/api/types/registry"
	dockerclient "github.com/docker/docker/client"
	log "github.com/sirupsen/logrus"

	"github.com/nejdetkadir/relay/internal/registry"
)

// Stop timeouts, in seconds, for graceful and forced removal.
const (
	stopTimeoutSeconds  = 10
	forceTimeoutSeconds = 5
)

// runningGracePeriod is how long a container without a healthcheck
// must stay in the running state before it counts as healthy.
const runningGracePeriod = 5 * time.Second

// Client is the engine abstraction the update pipeline works against.
type Client interface {
	Ping() error
	ListMonitored(ctx context.Context, enableLabel string) ([]Container, error)
	Inspect(ctx context.Context, id string) (types.ContainerJSON, error)
	Pull(ctx context.Context, imageRef string) (string, error)
	LocalImageDigest(ctx context.Context, imageRef string) (string, error)
	CreateAndStart(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	CreateStagingAndStart(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	ForceRemove(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	WaitHealthy(ctx context.Context, id string, timeout, interval time.Duration) (bool, error)
	RemoveImage(ctx context.Context, imageRef string) error
}

// ClientOptions configures the engine client.
type ClientOptions struct {
	Host        string
	Timeout     time.Duration
	Credentials registry.CredentialsLookup
}

type dockerClient struct {
	api  dockerclient.CommonAPIClient
	opts ClientOptions
}

// NewClient creates an engine client from the environment plus options.
func NewClient(opts ClientOptions) (Client, error) {
	clientOpts := []dockerclient.Opt{
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	}
	if opts.Host != "" {
		clientOpts = append(clientOpts, dockerclient.WithHost(opts.Host))
	}
	if opts.Timeout > 0 {
		clientOpts = append(clientOpts, dockerclient.WithTimeout(opts.Timeout))
	}

	cli, err := dockerclient.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine client: %w", err)
	}

	if opts.Credentials == nil {
		opts.Credentials = registry.AnonymousLookup
	}

	return &dockerClient{api: cli, opts: opts}, nil
}

// Ping checks that the engine is reachable.
func (c *dockerClient) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.api.Ping(ctx)
	return err
}

// ListMonitored returns running containers carrying enableLabel=true.
func (c *dockerClient) ListMonitored(ctx context.Context, enableLabel string) ([]Container, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", enableLabel+"=true")
	filterArgs.Add("status", "running")

	containers, err := c.api.ContainerList(ctx, container.ListOptions{Filters: filterArgs})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	result := make([]Container, 0, len(containers))
	for _, ctr := range containers {
		mc, err := c.monitoredFromSummary(ctx, ctr)
		if err != nil {
			log.Warnf("Skipping container %s: %v", ctr.ID[:12], err)
			continue
		}
		result = append(result, mc)
	}
	return result, nil
}

// monitoredFromSummary builds a Container from a listing entry,
// resolving the digest of the image it currently runs.
func (c *dockerClient) monitoredFromSummary(ctx context.Context, ctr types.Container) (Container, error) {
	name := ""
	if len(ctr.Names) > 0 {
		name = strings.TrimPrefix(ctr.Names[0], "/")
	}
	if name == "" || ctr.Image == "" {
		return Container{}, fmt.Errorf("container %s has no usable name or image", ctr.ID)
	}

	digest, err := c.LocalImageDigest(ctx, ctr.Image)
	if err != nil {
		return Container{}, fmt.Errorf("resolve digest for %s: %w", ctr.Image, err)
	}
	if digest == "" {
		digest = ctr.ImageID
	}

	return Container{
		ID:             ctr.ID,
		Name:           name,
		ImageReference: ctr.Image,
		ImageDigest:    digest,
		Labels:         ctr.Labels,
	}, nil
}

// Inspect returns the full configuration of a container.
func (c *dockerClient) Inspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	info, err := c.api.ContainerInspect(ctx, id)
	if err != nil {
		return types.ContainerJSON{}, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}
	return info, nil
}

// Pull pulls an image and returns the digest it resolved to locally.
func (c *dockerClient) Pull(ctx context.Context, imageRef string) (string, error) {
	reader, err := c.api.ImagePull(ctx, imageRef, image.PullOptions{
		RegistryAuth: c.registryAuth(imageRef),
	})
	if err != nil {
		return "", fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	defer reader.Close()

	// The pull only completes once the stream is drained.
	decoder := json.NewDecoder(reader)
	for {
		var message struct {
			Status   string `json:"status"`
			Progress string `json:"progress"`
			Error    string `json:"error"`
		}
		if err := decoder.Decode(&message); err != nil {
			break
		}
		if message.Error != "" {
			return "", fmt.Errorf("pull error: %s", message.Error)
		}
		log.Debugf("Pull %s: %s %s", imageRef, message.Status, message.Progress)
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	digest, err := c.LocalImageDigest(ctx, imageRef)
	if err != nil {
		return "", err
	}
	log.Infof("Pulled image %s (%s)", imageRef, truncateID(digest))
	return digest, nil
}

// LocalImageDigest returns the repo digest of a local image, or empty
// when the image is not present locally.
func (c *dockerClient) LocalImageDigest(ctx context.Context, imageRef string) (string, error) {
	inspect, _, err := c.api.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to inspect image %s: %w", imageRef, err)
	}

	for _, repoDigest := range inspect.RepoDigests {
		if _, digest, ok := strings.Cut(repoDigest, "@"); ok {
			return digest, nil
		}
	}
	return inspect.ID, nil
}

// CreateAndStart creates and starts a container under the given name.
func (c *dockerClient) CreateAndStart(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	created, err := c.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", name, err)
	}
	if err := c.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container %s: %w", name, err)
	}
	log.Debugf("Started container %s (%s)", name, truncateID(created.ID))
	return created.ID, nil
}

// CreateStagingAndStart creates and starts a staging container. The
// staging container must not claim the original's published ports, so
// port bindings are dropped and publish-all is cleared; every other
// host config field passes through untouched.
func (c *dockerClient) CreateStagingAndStart(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	if hostCfg != nil {
		hostCfg.PortBindings = nil
		hostCfg.PublishAllPorts = false
	}
	return c.CreateAndStart(ctx, name, cfg, hostCfg, netCfg)
}

// Stop gracefully stops a container.
func (c *dockerClient) Stop(ctx context.Context, id string) error {
	timeout := stopTimeoutSeconds
	if err := c.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	log.Debugf("Stopped container %s", truncateID(id))
	return nil
}

// Remove removes a stopped container, preserving anonymous volumes.
func (c *dockerClient) Remove(ctx context.Context, id string) error {
	if err := c.api.ContainerRemove(ctx, id, container.RemoveOptions{RemoveVolumes: false}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	log.Debugf("Removed container %s", truncateID(id))
	return nil
}

// ForceRemove stops (best effort) and force-removes a container. A
// container that is already gone is not an error.
func (c *dockerClient) ForceRemove(ctx context.Context, id string) error {
	timeout := forceTimeoutSeconds
	if err := c.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil && !dockerclient.IsErrNotFound(err) {
		log.Debugf("Stop before force remove of %s failed: %v", truncateID(id), err)
	}
	err := c.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: false})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("failed to force remove container %s: %w", id, err)
	}
	log.Debugf("Force removed container %s", truncateID(id))
	return nil
}

// Restart restarts a container.
func (c *dockerClient) Restart(ctx context.Context, id string) error {
	timeout := stopTimeoutSeconds
	if err := c.api.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to restart container %s: %w", id, err)
	}
	return nil
}

// RemoveImage removes an image. Images still referenced by containers
// are left in place without error.
func (c *dockerClient) RemoveImage(ctx context.Context, imageRef string) error {
	_, err := c.api.ImageRemove(ctx, imageRef, image.RemoveOptions{PruneChildren: true})
	if err != nil {
		if dockerclient.IsErrNotFound(err) || strings.Contains(err.Error(), "image is being used") || strings.Contains(err.Error(), "conflict") {
			log.Debugf("Image %s still in use, not removed", truncateID(imageRef))
			return nil
		}
		return fmt.Errorf("failed to remove image %s: %w", imageRef, err)
	}
	log.Debugf("Removed image %s", truncateID(imageRef))
	return nil
}

// WaitHealthy polls a container until it is observed healthy or
// conclusively not. Containers with a healthcheck are judged by its
// reported status; containers without one count as healthy after
// staying in the running state for the grace period. A container that
// exits, vanishes, turns unhealthy, or outlasts the timeout yields
// false. Cancellation aborts the wait with the context error.
func (c *dockerClient) WaitHealthy(ctx context.Context, id string, timeout, interval time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	graceStart := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		info, err := c.api.ContainerInspect(ctx, id)
		if err != nil {
			if dockerclient.IsErrNotFound(err) {
				log.Warnf("Container %s vanished while waiting for health", truncateID(id))
				return false, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			return false, fmt.Errorf("failed to inspect container %s while waiting for health: %w", id, err)
		}

		status := ""
		if info.State != nil {
			status = info.State.Status
		}
		if status == "exited" || status == "dead" {
			log.Warnf("Container %s %s while waiting for health", truncateID(id), status)
			return false, nil
		}

		if hasHealthcheck(info) {
			if info.State != nil && info.State.Health != nil {
				switch info.State.Health.Status {
				case container.Healthy:
					return true, nil
				case container.Unhealthy:
					log.Warnf("Container %s reported unhealthy", truncateID(id))
					return false, nil
				}
			}
		} else {
			if status == "running" {
				if time.Since(graceStart) >= runningGracePeriod {
					return true, nil
				}
			} else {
				graceStart = time.Now()
			}
		}

		if time.Now().After(deadline) {
			log.Warnf("Container %s did not become healthy within %s", truncateID(id), timeout)
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// hasHealthcheck reports whether the container defines a usable
// healthcheck test.
func hasHealthcheck(info types.ContainerJSON) bool {
	if info.Config == nil || info.Config.Healthcheck == nil {
		return false
	}
	test := info.Config.Healthcheck.Test
	return len(test) > 0 && test[0] != "NONE"
}

// registryAuth builds the encoded auth payload for a pull, or empty
// when no credentials exist for the image's registry.
func (c *dockerClient) registryAuth(imageRef string) string {
	cred := c.opts.Credentials(registry.RegistryHost(imageRef))
	if !cred.HasCredentials() {
		return ""
	}
	encoded, err := registrytypes.EncodeAuthConfig(registrytypes.AuthConfig{
		Username:      cred.Username,
		Password:      cred.Password,
		ServerAddress: cred.Registry,
	})
	if err != nil {
		log.Warnf("Failed to encode registry auth for %s: %v", cred.Registry, err)
		return ""
	}
	return encoded
}

// truncateID truncates an ID to 12 characters for logging.
func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
