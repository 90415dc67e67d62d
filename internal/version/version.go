package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Version is a parsed image tag version. Suffix keeps any pre-release
// or build remainder for display; it does not participate in ordering.
type Version struct {
	Major  int
	Minor  int
	Patch  int
	Suffix string
}

// semverPattern matches a strict major.minor.patch core with an
// optional pre-release/build remainder.
var semverPattern = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)([-+].*)?$`)

// floatingTags are tags that name a moving target rather than a
// version. They never parse.
var floatingTags = map[string]bool{
	"latest":  true,
	"stable":  true,
	"edge":    true,
	"dev":     true,
	"nightly": true,
}

// tagPrefixes are stripped (one only, longest match first) before
// parsing. Matching is case-insensitive.
var tagPrefixes = []string{"version-", "release-", "v"}

// ParseTag attempts to interpret an image tag as a version.
// Floating tags, empty tags, and tags whose first segment is not a
// non-negative integer are rejected.
func ParseTag(tag string) (Version, bool) {
	trimmed := strings.TrimSpace(tag)
	if trimmed == "" || floatingTags[strings.ToLower(trimmed)] {
		return Version{}, false
	}

	stripped := stripPrefix(trimmed)

	if m := semverPattern.FindStringSubmatch(stripped); m != nil {
		major, _ := strconv.Atoi(m[1])
		minor, _ := strconv.Atoi(m[2])
		patch, _ := strconv.Atoi(m[3])
		return Version{Major: major, Minor: minor, Patch: patch, Suffix: strings.TrimLeft(m[4], "-+")}, true
	}

	// Lenient fallback: split on version separators and take up to
	// three leading numeric segments.
	segments := strings.FieldsFunc(stripped, func(r rune) bool {
		return r == '.' || r == '-' || r == '+'
	})
	if len(segments) == 0 {
		return Version{}, false
	}

	major, err := strconv.Atoi(segments[0])
	if err != nil || major < 0 {
		return Version{}, false
	}

	v := Version{Major: major}
	if i := strings.IndexAny(stripped, "-+"); i >= 0 {
		v.Suffix = stripped[i+1:]
	}
	if len(segments) > 1 {
		if minor, err := strconv.Atoi(segments[1]); err == nil && minor >= 0 {
			v.Minor = minor
			if len(segments) > 2 {
				if patch, err := strconv.Atoi(segments[2]); err == nil && patch >= 0 {
					v.Patch = patch
				}
			}
		}
	}
	return v, true
}

// stripPrefix removes a single leading tag prefix, preferring the
// longest match.
func stripPrefix(tag string) string {
	lower := strings.ToLower(tag)
	for _, prefix := range tagPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return tag[len(prefix):]
		}
	}
	return tag
}

// Compare returns -1, 0, or 1 ordering v against other by the numeric
// triple alone.
func (v Version) Compare(other Version) int {
	if v.Major != other.Major {
		if v.Major < other.Major {
			return -1
		}
		return 1
	}
	if v.Minor != other.Minor {
		if v.Minor < other.Minor {
			return -1
		}
		return 1
	}
	if v.Patch != other.Patch {
		if v.Patch < other.Patch {
			return -1
		}
		return 1
	}
	return 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// IsNewer reports whether candidate is an acceptable upgrade from
// current under the given strategy.
func IsNewer(current, candidate Version, strategy Strategy) bool {
	if candidate.Compare(current) <= 0 {
		return false
	}
	switch strategy {
	case StrategyPatch:
		return candidate.Major == current.Major && candidate.Minor == current.Minor
	case StrategyMinor:
		return candidate.Major == current.Major
	case StrategyMajor:
		return true
	default:
		// Digest strategy never compares versions.
		return false
	}
}

// FindNewest picks the newest candidate tag acceptable under the
// strategy and returns it as originally spelled, so the caller can
// rebuild an image reference with it. Returns "" when the current tag
// is not a version or no candidate qualifies. Ties keep the first
// candidate encountered.
func FindNewest(currentTag string, candidates []string, strategy Strategy) string {
	current, ok := ParseTag(currentTag)
	if !ok {
		return ""
	}

	var (
		bestTag string
		best    Version
	)
	for _, tag := range candidates {
		candidate, ok := ParseTag(tag)
		if !ok {
			continue
		}
		if !IsNewer(current, candidate, strategy) {
			continue
		}
		if bestTag == "" || candidate.Compare(best) > 0 {
			bestTag = tag
			best = candidate
		}
	}
	return bestTag
}
