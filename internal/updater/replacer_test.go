package updater

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nejdetkadir/relay/internal/config"
	"github.com/nejdetkadir/relay/internal/docker"
)

func testConfig() *config.Config {
	return &config.Config{
		EnableLabel:         config.DefaultEnableLabel,
		RollingUpdate:       true,
		HealthcheckTimeout:  60 * time.Second,
		HealthcheckInterval: time.Millisecond,
	}
}

func nginxContainer() docker.Container {
	return docker.Container{
		ID:             "old-id",
		Name:           "nginx",
		ImageReference: "nginx:latest",
		ImageDigest:    "sha256:A",
		Labels:         map[string]string{"relay.enable": "true"},
	}
}

func nginxInspect() types.ContainerJSON {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:   "old-id",
			Name: "/nginx",
			HostConfig: &container.HostConfig{
				Binds:           []string{"/data:/data"},
				NetworkMode:     "bridge",
				RestartPolicy:   container.RestartPolicy{Name: "unless-stopped"},
				PortBindings:    nat.PortMap{"80/tcp": {{HostPort: "8080"}}},
				PublishAllPorts: true,
			},
		},
		Config: &container.Config{
			Image:  "nginx:latest",
			Env:    []string{"FOO=bar"},
			Labels: map[string]string{"relay.enable": "true"},
		},
		NetworkSettings: &types.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"frontend": {
					NetworkID:  "net-1",
					Aliases:    []string{"web"},
					IPAddress:  "172.18.0.5",
					MacAddress: "02:42:ac:12:00:05",
					IPAMConfig: &network.EndpointIPAMConfig{IPv4Address: "172.18.0.5"},
				},
			},
		},
	}
}

func newTestReplacer(client *mockClient, cfg *config.Config) *Replacer {
	client.inspects["old-id"] = nginxInspect()
	return NewReplacer(client, cfg)
}

func TestRollingReplaceSuccess(t *testing.T) {
	client := newMockClient()
	client.healthy = true
	r := newTestReplacer(client, testConfig())

	ok, err := r.Replace(context.Background(), nginxContainer(), "nginx:1.26.0")
	require.NoError(t, err)
	assert.True(t, ok)

	// Staging runs and proves healthy before the original is touched.
	require.True(t, client.has("create_staging nginx-relay-staging"))
	assert.Less(t, client.index("create_staging"), client.index("wait_healthy"))
	assert.Less(t, client.index("wait_healthy"), client.index("stop old-id"))
	assert.Less(t, client.index("stop old-id"), client.index("remove old-id"))
	assert.Less(t, client.index("remove old-id"), client.index("create nginx"))

	// The staging probe is always cleaned up.
	assert.True(t, client.has("force_remove staging-id"))

	// The replacement reuses the original name and full host config.
	assert.Equal(t, "nginx", client.finalName)
	assert.Equal(t, "nginx:1.26.0", client.finalConfig.Image)
	assert.Equal(t, []string{"FOO=bar"}, client.finalConfig.Env)
	require.NotNil(t, client.finalHost)
	assert.Equal(t, nat.PortMap{"80/tcp": {{HostPort: "8080"}}}, client.finalHost.PortBindings)
	assert.True(t, client.finalHost.PublishAllPorts)
}

func TestRollingStagingHostConfigStripsPorts(t *testing.T) {
	client := newMockClient()
	client.healthy = true
	r := newTestReplacer(client, testConfig())

	_, err := r.Replace(context.Background(), nginxContainer(), "nginx:1.26.0")
	require.NoError(t, err)

	require.NotNil(t, client.stagingHost)
	assert.Nil(t, client.stagingHost.PortBindings)
	assert.False(t, client.stagingHost.PublishAllPorts)

	// Everything else carries over by value.
	assert.Equal(t, []string{"/data:/data"}, client.stagingHost.Binds)
	assert.Equal(t, container.NetworkMode("bridge"), client.stagingHost.NetworkMode)
	assert.Equal(t, container.RestartPolicy{Name: "unless-stopped"}, client.stagingHost.RestartPolicy)

	// The staging config runs the new image with the original settings.
	assert.Equal(t, "nginx:1.26.0", client.stagingConfig.Image)
	assert.Equal(t, []string{"FOO=bar"}, client.stagingConfig.Env)
}

func TestRollingNetworkConfigClearsAssignedAddresses(t *testing.T) {
	client := newMockClient()
	client.healthy = true
	r := newTestReplacer(client, testConfig())

	_, err := r.Replace(context.Background(), nginxContainer(), "nginx:1.26.0")
	require.NoError(t, err)

	for _, netCfg := range []*network.NetworkingConfig{client.stagingNet, client.finalNet} {
		require.NotNil(t, netCfg)
		ep := netCfg.EndpointsConfig["frontend"]
		require.NotNil(t, ep)
		assert.Equal(t, "net-1", ep.NetworkID)
		assert.Equal(t, []string{"web"}, ep.Aliases)
		assert.Empty(t, ep.IPAddress)
		assert.Empty(t, ep.MacAddress)
	}
}

func TestRollingUnhealthyStagingKeepsOriginal(t *testing.T) {
	client := newMockClient()
	client.healthy = false
	r := newTestReplacer(client, testConfig())

	ok, err := r.Replace(context.Background(), nginxContainer(), "nginx:1.26.0")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.False(t, client.has("stop old-id"), "original must not be stopped")
	assert.False(t, client.has("remove old-id"))
	assert.False(t, client.has("create nginx"))
	assert.True(t, client.has("force_remove staging-id"), "staging must be cleaned up")
}

func TestRollingStagingCreateFailureKeepsOriginal(t *testing.T) {
	client := newMockClient()
	client.stagingErr = errors.New("port conflict")
	r := newTestReplacer(client, testConfig())

	ok, err := r.Replace(context.Background(), nginxContainer(), "nginx:1.26.0")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, client.has("stop old-id"))
}

func TestRollingHealthTimeoutOverrideFromLabel(t *testing.T) {
	client := newMockClient()
	client.healthy = true
	r := newTestReplacer(client, testConfig())

	ctr := nginxContainer()
	ctr.Labels[docker.HealthcheckTimeoutLabel] = "120"

	_, err := r.Replace(context.Background(), ctr, "nginx:1.26.0")
	require.NoError(t, err)
	assert.True(t, client.has("wait_healthy staging-id 2m0s"))
}

func TestRollingCleanupOldImage(t *testing.T) {
	cfg := testConfig()
	cfg.CleanupImages = true
	client := newMockClient()
	client.healthy = true
	r := newTestReplacer(client, cfg)

	ok, err := r.Replace(context.Background(), nginxContainer(), "nginx:1.26.0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, client.has("remove_image sha256:A"))
}

func TestRollingNoCleanupByDefault(t *testing.T) {
	client := newMockClient()
	client.healthy = true
	r := newTestReplacer(client, testConfig())

	_, err := r.Replace(context.Background(), nginxContainer(), "nginx:1.26.0")
	require.NoError(t, err)
	assert.False(t, client.has("remove_image"))
}

func TestRollingCancellationDuringHealthWaitCleansStaging(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newMockClient()
	client.onWait = cancel
	r := newTestReplacer(client, testConfig())

	ok, err := r.Replace(ctx, nginxContainer(), "nginx:1.26.0")
	assert.False(t, ok)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	assert.True(t, client.has("create_staging nginx-relay-staging"))
	assert.True(t, client.has("force_remove staging-id"), "staging must be cleaned up on cancellation")
	assert.False(t, client.has("stop old-id"), "original must stay untouched")
}

func TestLegacyReplaceOrder(t *testing.T) {
	cfg := testConfig()
	cfg.RollingUpdate = false
	client := newMockClient()
	r := newTestReplacer(client, cfg)

	ok, err := r.Replace(context.Background(), nginxContainer(), "nginx:1.26.0")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.False(t, client.has("create_staging"), "legacy mode must not stage")
	assert.False(t, client.has("wait_healthy"))
	assert.Less(t, client.index("inspect old-id"), client.index("stop old-id"))
	assert.Less(t, client.index("stop old-id"), client.index("remove old-id"))
	assert.Less(t, client.index("remove old-id"), client.index("create nginx"))
	assert.Equal(t, "nginx:1.26.0", client.finalConfig.Image)
}

func TestLegacyReplaceStopFailure(t *testing.T) {
	cfg := testConfig()
	cfg.RollingUpdate = false
	client := newMockClient()
	client.stopErr = errors.New("engine unavailable")
	r := newTestReplacer(client, cfg)

	ok, err := r.Replace(context.Background(), nginxContainer(), "nginx:1.26.0")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, client.has("remove old-id"))
	assert.False(t, client.has("create nginx"))
}

func TestReplaceInspectFailure(t *testing.T) {
	client := newMockClient()
	client.inspectErr = errors.New("engine unavailable")
	r := NewReplacer(client, testConfig())

	ok, err := r.Replace(context.Background(), nginxContainer(), "nginx:1.26.0")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, client.has("create_staging"))
	assert.False(t, client.has("stop"))
}
