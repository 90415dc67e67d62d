package updater

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/nejdetkadir/relay/internal/docker"
	"github.com/nejdetkadir/relay/internal/version"
)

// Outcome classifies the result of an update check.
type Outcome int

const (
	// OutcomeNoUpdate means the container already runs the newest
	// acceptable image.
	OutcomeNoUpdate Outcome = iota
	// OutcomeUpdateFound means a replacement plan is ready.
	OutcomeUpdateFound
	// OutcomeFailed means the check could not complete; no replacement
	// is attempted.
	OutcomeFailed
)

// CheckResult is the outcome of checking one container, carrying the
// replacement plan when an update was found.
type CheckResult struct {
	Outcome           Outcome
	CurrentDigest     string
	NewDigest         string
	NewImageReference string
	Reason            string
}

// TagLister supplies the published tags for an image's repository.
type TagLister interface {
	Tags(ctx context.Context, imageRef string) []string
}

// Detector decides whether a monitored container has an update
// available.
type Detector struct {
	client   docker.Client
	registry TagLister
}

// NewDetector creates a Detector.
func NewDetector(client docker.Client, registry TagLister) *Detector {
	return &Detector{client: client, registry: registry}
}

// Check inspects the update state of one container. The returned error
// is non-nil only when the check was cancelled; every other failure is
// reported through OutcomeFailed, including a panic in the engine or
// registry layers.
func (d *Detector) Check(ctx context.Context, ctr docker.Container) (result CheckResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = d.failed(ctr, fmt.Sprintf("%v", r)), nil
		}
	}()

	strategy := ctr.Strategy()
	if !strategy.RequiresRegistryQuery() {
		return d.checkDigest(ctx, ctr)
	}
	return d.checkVersion(ctx, ctr, strategy)
}

// checkDigest re-pulls the container's own image reference and compares
// digests. It doubles as the fallback for version strategies.
func (d *Detector) checkDigest(ctx context.Context, ctr docker.Container) (CheckResult, error) {
	latest, err := d.client.Pull(ctx, ctr.ImageReference)
	if err != nil {
		if cancelled(ctx, err) {
			return CheckResult{}, err
		}
		return d.failed(ctr, fmt.Sprintf("Failed to pull image: %v", err)), nil
	}

	if strings.EqualFold(latest, ctr.ImageDigest) {
		log.Debugf("Container %s is up to date", ctr.Name)
		return CheckResult{Outcome: OutcomeNoUpdate, CurrentDigest: ctr.ImageDigest}, nil
	}

	log.Infof("Container %s has update: %s -> %s", ctr.Name, truncateID(ctr.ImageDigest), truncateID(latest))
	return CheckResult{
		Outcome:           OutcomeUpdateFound,
		CurrentDigest:     ctr.ImageDigest,
		NewDigest:         latest,
		NewImageReference: ctr.ImageReference,
	}, nil
}

// checkVersion consults the registry tag list for a newer version
// permitted by the strategy. When the registry yields nothing usable,
// the digest path still applies: a same-tag rebuild is an update too.
func (d *Detector) checkVersion(ctx context.Context, ctr docker.Container, strategy version.Strategy) (CheckResult, error) {
	tags := d.registry.Tags(ctx, ctr.ImageReference)
	if err := ctx.Err(); err != nil {
		return CheckResult{}, err
	}
	if len(tags) == 0 {
		log.Debugf("No tags listed for %s, falling back to digest check", ctr.ImageReference)
		return d.checkDigest(ctx, ctr)
	}

	chosen := version.FindNewest(ctr.Tag(), tags, strategy)
	if chosen == "" {
		log.Debugf("No %s update among %d tags for %s, falling back to digest check", strategy, len(tags), ctr.Name)
		return d.checkDigest(ctx, ctr)
	}

	newRef := ctr.Repository() + ":" + chosen
	newDigest, err := d.client.Pull(ctx, newRef)
	if err != nil {
		if cancelled(ctx, err) {
			return CheckResult{}, err
		}
		return d.failed(ctr, fmt.Sprintf("Failed to pull image: %v", err)), nil
	}

	if strings.EqualFold(newDigest, ctr.ImageDigest) {
		log.Debugf("Container %s already runs the image behind tag %s", ctr.Name, chosen)
		return CheckResult{Outcome: OutcomeNoUpdate, CurrentDigest: ctr.ImageDigest}, nil
	}

	log.Infof("Container %s has %s update: %s -> %s", ctr.Name, strategy, ctr.Tag(), chosen)
	return CheckResult{
		Outcome:           OutcomeUpdateFound,
		CurrentDigest:     ctr.ImageDigest,
		NewDigest:         newDigest,
		NewImageReference: newRef,
	}, nil
}

func (d *Detector) failed(ctr docker.Container, reason string) CheckResult {
	log.Warnf("Check failed for %s: %s", ctr.Name, reason)
	return CheckResult{
		Outcome:       OutcomeFailed,
		CurrentDigest: ctr.ImageDigest,
		Reason:        reason,
	}
}

// cancelled reports whether err is the cycle context being torn down
// rather than an operation failing on its own.
func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// truncateID truncates an ID to 12 characters for logging.
func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
