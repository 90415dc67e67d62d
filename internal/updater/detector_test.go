package updater

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nejdetkadir/relay/internal/docker"
)

func monitoredContainer(image, digest string, labels map[string]string) docker.Container {
	return docker.Container{
		ID:             "ctr-1",
		Name:           "nginx",
		ImageReference: image,
		ImageDigest:    digest,
		Labels:         labels,
	}
}

func TestDetectorDigestNoUpdate(t *testing.T) {
	client := newMockClient()
	client.pullDigests["nginx:latest"] = "sha256:A"
	registry := &mockTagLister{}
	d := NewDetector(client, registry)

	result, err := d.Check(context.Background(), monitoredContainer("nginx:latest", "sha256:A", nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoUpdate, result.Outcome)
	assert.Equal(t, "sha256:A", result.CurrentDigest)
	assert.Zero(t, registry.calls, "digest strategy must never query the registry")
}

func TestDetectorDigestUpdateFound(t *testing.T) {
	client := newMockClient()
	client.pullDigests["nginx:latest"] = "sha256:B"
	d := NewDetector(client, &mockTagLister{})

	result, err := d.Check(context.Background(), monitoredContainer("nginx:latest", "sha256:A", nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdateFound, result.Outcome)
	assert.Equal(t, "sha256:A", result.CurrentDigest)
	assert.Equal(t, "sha256:B", result.NewDigest)
	assert.Equal(t, "nginx:latest", result.NewImageReference)
}

func TestDetectorDigestComparisonIsCaseInsensitive(t *testing.T) {
	client := newMockClient()
	client.pullDigests["nginx:latest"] = "SHA256:ABC"
	d := NewDetector(client, &mockTagLister{})

	result, err := d.Check(context.Background(), monitoredContainer("nginx:latest", "sha256:abc", nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoUpdate, result.Outcome)
}

func TestDetectorPullFailure(t *testing.T) {
	client := newMockClient()
	client.pullErrs["nginx:latest"] = errors.New("connection refused")
	d := NewDetector(client, &mockTagLister{})

	result, err := d.Check(context.Background(), monitoredContainer("nginx:latest", "sha256:A", nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Contains(t, result.Reason, "Failed to pull image")
	assert.Equal(t, "sha256:A", result.CurrentDigest)
}

func TestDetectorMinorBump(t *testing.T) {
	client := newMockClient()
	client.pullDigests["nginx:1.26.0"] = "sha256:N"
	registry := &mockTagLister{tags: []string{"1.25.0", "1.25.1", "1.26.0", "2.0.0"}}
	d := NewDetector(client, registry)

	ctr := monitoredContainer("nginx:1.25.0", "sha256:A", map[string]string{"relay.update": "minor"})
	result, err := d.Check(context.Background(), ctr)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdateFound, result.Outcome)
	assert.Equal(t, "nginx:1.26.0", result.NewImageReference)
	assert.Equal(t, "sha256:N", result.NewDigest)
	assert.Equal(t, 1, registry.calls)
	assert.True(t, client.has("pull nginx:1.26.0"))
	assert.False(t, client.has("pull nginx:1.25.0"))
}

func TestDetectorPatchGuardrailFallsBackToDigest(t *testing.T) {
	client := newMockClient()
	client.pullDigests["nginx:1.25.0"] = "sha256:A"
	registry := &mockTagLister{tags: []string{"1.25.0", "1.26.0"}}
	d := NewDetector(client, registry)

	ctr := monitoredContainer("nginx:1.25.0", "sha256:A", map[string]string{"relay.update": "patch"})
	result, err := d.Check(context.Background(), ctr)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoUpdate, result.Outcome)
	assert.True(t, client.has("pull nginx:1.25.0"), "fallback must probe the current tag")
}

func TestDetectorEmptyTagListFallsBackToDigest(t *testing.T) {
	client := newMockClient()
	client.pullDigests["nginx:1.25.0"] = "sha256:B"
	registry := &mockTagLister{}
	d := NewDetector(client, registry)

	ctr := monitoredContainer("nginx:1.25.0", "sha256:A", map[string]string{"relay.update": "major"})
	result, err := d.Check(context.Background(), ctr)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdateFound, result.Outcome)
	assert.Equal(t, "nginx:1.25.0", result.NewImageReference)
}

func TestDetectorNonVersionTagFallsBackToDigest(t *testing.T) {
	client := newMockClient()
	client.pullDigests["nginx:latest"] = "sha256:B"
	registry := &mockTagLister{tags: []string{"1.0.0", "2.0.0"}}
	d := NewDetector(client, registry)

	ctr := monitoredContainer("nginx:latest", "sha256:A", map[string]string{"relay.update": "major"})
	result, err := d.Check(context.Background(), ctr)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdateFound, result.Outcome)
	assert.Equal(t, "nginx:latest", result.NewImageReference)
}

func TestDetectorVersionBumpWithSameDigestIsNoUpdate(t *testing.T) {
	client := newMockClient()
	client.pullDigests["nginx:1.26.0"] = "sha256:A"
	registry := &mockTagLister{tags: []string{"1.26.0"}}
	d := NewDetector(client, registry)

	ctr := monitoredContainer("nginx:1.25.0", "sha256:A", map[string]string{"relay.update": "minor"})
	result, err := d.Check(context.Background(), ctr)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoUpdate, result.Outcome)
}

func TestDetectorUpdateFoundAlwaysHasNewDigest(t *testing.T) {
	client := newMockClient()
	client.pullDigests["nginx:latest"] = "sha256:B"
	d := NewDetector(client, &mockTagLister{})

	result, err := d.Check(context.Background(), monitoredContainer("nginx:latest", "sha256:A", nil))
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdateFound, result.Outcome)
	assert.NotEqual(t, result.CurrentDigest, result.NewDigest)
}

func TestDetectorCancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := newMockClient()
	client.onPull = func(string) { cancel() }
	d := NewDetector(client, &mockTagLister{})

	_, err := d.Check(ctx, monitoredContainer("nginx:latest", "sha256:A", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
