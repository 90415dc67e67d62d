package updater

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"

	"github.com/nejdetkadir/relay/internal/docker"
)

// mockClient is a scripted docker.Client that records every call.
type mockClient struct {
	calls []string

	containers []docker.Container
	listErr    error

	inspects   map[string]types.ContainerJSON
	inspectErr error

	pullDigests map[string]string
	pullErrs    map[string]error
	onPull      func(ref string)

	healthy    bool
	healthyErr error
	onWait     func()

	stagingID  string
	stagingErr error
	createErr  error

	stagingName   string
	stagingConfig *container.Config
	stagingHost   *container.HostConfig
	stagingNet    *network.NetworkingConfig

	finalName   string
	finalConfig *container.Config
	finalHost   *container.HostConfig
	finalNet    *network.NetworkingConfig

	stopErr   error
	removeErr error
}

var _ docker.Client = (*mockClient)(nil)

func newMockClient() *mockClient {
	return &mockClient{
		inspects:    make(map[string]types.ContainerJSON),
		pullDigests: make(map[string]string),
		pullErrs:    make(map[string]error),
		stagingID:   "staging-id",
	}
}

func (m *mockClient) record(format string, args ...interface{}) {
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

// ops returns the operation names in call order.
func (m *mockClient) ops() []string {
	ops := make([]string, len(m.calls))
	for i, call := range m.calls {
		ops[i] = strings.Fields(call)[0]
	}
	return ops
}

// index returns the position of the first call matching the prefix, or -1.
func (m *mockClient) index(prefix string) int {
	for i, call := range m.calls {
		if strings.HasPrefix(call, prefix) {
			return i
		}
	}
	return -1
}

func (m *mockClient) has(prefix string) bool {
	return m.index(prefix) >= 0
}

func (m *mockClient) Ping() error { return nil }

func (m *mockClient) ListMonitored(ctx context.Context, enableLabel string) ([]docker.Container, error) {
	m.record("list %s", enableLabel)
	return m.containers, m.listErr
}

func (m *mockClient) Inspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	m.record("inspect %s", id)
	if m.inspectErr != nil {
		return types.ContainerJSON{}, m.inspectErr
	}
	info, ok := m.inspects[id]
	if !ok {
		return types.ContainerJSON{}, fmt.Errorf("no such container: %s", id)
	}
	return info, nil
}

func (m *mockClient) Pull(ctx context.Context, imageRef string) (string, error) {
	m.record("pull %s", imageRef)
	if m.onPull != nil {
		m.onPull(imageRef)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := m.pullErrs[imageRef]; err != nil {
		return "", err
	}
	digest, ok := m.pullDigests[imageRef]
	if !ok {
		return "", fmt.Errorf("manifest unknown for %s", imageRef)
	}
	return digest, nil
}

func (m *mockClient) LocalImageDigest(ctx context.Context, imageRef string) (string, error) {
	m.record("local_digest %s", imageRef)
	return m.pullDigests[imageRef], nil
}

func (m *mockClient) CreateAndStart(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	m.record("create %s", name)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.createErr != nil {
		return "", m.createErr
	}
	m.finalName = name
	m.finalConfig = cfg
	m.finalHost = hostCfg
	m.finalNet = netCfg
	return "new-id", nil
}

func (m *mockClient) CreateStagingAndStart(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	m.record("create_staging %s", name)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.stagingErr != nil {
		return "", m.stagingErr
	}
	m.stagingName = name
	m.stagingConfig = cfg
	m.stagingHost = hostCfg
	m.stagingNet = netCfg
	return m.stagingID, nil
}

func (m *mockClient) Stop(ctx context.Context, id string) error {
	m.record("stop %s", id)
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.stopErr
}

func (m *mockClient) Remove(ctx context.Context, id string) error {
	m.record("remove %s", id)
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.removeErr
}

func (m *mockClient) ForceRemove(ctx context.Context, id string) error {
	m.record("force_remove %s", id)
	return nil
}

func (m *mockClient) Restart(ctx context.Context, id string) error {
	m.record("restart %s", id)
	return nil
}

func (m *mockClient) WaitHealthy(ctx context.Context, id string, timeout, interval time.Duration) (bool, error) {
	m.record("wait_healthy %s %s", id, timeout)
	if m.onWait != nil {
		m.onWait()
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if m.healthyErr != nil {
		return false, m.healthyErr
	}
	return m.healthy, nil
}

func (m *mockClient) RemoveImage(ctx context.Context, imageRef string) error {
	m.record("remove_image %s", imageRef)
	return nil
}

// mockTagLister returns a fixed tag list and records invocations.
type mockTagLister struct {
	tags  []string
	calls int
}

func (m *mockTagLister) Tags(ctx context.Context, imageRef string) []string {
	m.calls++
	return m.tags
}
