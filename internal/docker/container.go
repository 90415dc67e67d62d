package docker

import (
	"strconv"
	"strings"
	"time"

	"github.com/nejdetkadir/relay/internal/version"
)

// Labels recognized on monitored containers. The enable label key is
// configurable; the others are fixed.
const (
	UpdateStrategyLabel     = "relay.update"
	HealthcheckTimeoutLabel = "relay.healthcheck.timeout"
)

// Container identifies one workload selected for monitoring. It is
// constructed from an engine listing and never mutated afterwards.
type Container struct {
	ID             string
	Name           string
	ImageReference string
	ImageDigest    string
	Labels         map[string]string
}

// Repository returns the image reference without its tag.
func (c Container) Repository() string {
	repo, _ := SplitImageReference(c.ImageReference)
	return repo
}

// Tag returns the image tag, defaulting to "latest".
func (c Container) Tag() string {
	_, tag := SplitImageReference(c.ImageReference)
	return tag
}

// Strategy returns the update strategy declared on the container.
// Missing or unrecognized values mean digest.
func (c Container) Strategy() version.Strategy {
	return version.ParseStrategy(c.GetLabel(UpdateStrategyLabel))
}

// HealthcheckTimeout returns the per-container healthcheck timeout
// override, or the supplied default when the label is absent or not a
// positive integer number of seconds.
func (c Container) HealthcheckTimeout(fallback time.Duration) time.Duration {
	raw := c.GetLabel(HealthcheckTimeoutLabel)
	if raw == "" {
		return fallback
	}
	secs, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

// GetLabel returns a label value or empty string.
func (c Container) GetLabel(key string) string {
	if c.Labels == nil {
		return ""
	}
	return c.Labels[key]
}

// SplitImageReference splits an image reference into repository and
// tag. The tag separator is the last colon, and only when it appears
// after the last slash; a colon inside a registry host:port segment is
// not a tag separator. References without a tag get "latest".
func SplitImageReference(ref string) (repository, tag string) {
	lastColon := strings.LastIndex(ref, ":")
	if lastColon == -1 || strings.Contains(ref[lastColon+1:], "/") {
		return ref, "latest"
	}
	return ref[:lastColon], ref[lastColon+1:]
}
