package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Docker Hub host family. All of these resolve to the same backing
// registry and token service.
const (
	DockerHub         = "docker.io"
	dockerHubIndex    = "index.docker.io"
	dockerHubRegistry = "registry-1.docker.io"

	dockerHubRegistryURL = "https://registry-1.docker.io"
	dockerHubTokenURL    = "https://auth.docker.io/token?service=registry.docker.io&scope=repository:%s:pull"
)

// Client fetches tag lists from OCI distribution v2 registries.
type Client struct {
	http   *http.Client
	lookup CredentialsLookup
}

// NewClient creates a registry client. The lookup resolves credentials
// for a registry host; it must never be nil.
func NewClient(lookup CredentialsLookup) *Client {
	return &Client{
		http:   &http.Client{Timeout: 30 * time.Second},
		lookup: lookup,
	}
}

// tagList is the v2 tags/list response shape.
type tagList struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// tokenResponse is the shape returned by registry token endpoints.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// Tags returns the published tags for the repository of the given
// image reference. It never fails: any network or authentication
// problem yields an empty list, leaving the caller free to fall back
// to a digest probe. Cancellation surfaces as an empty list too; the
// caller observes it on its own context.
func (c *Client) Tags(ctx context.Context, imageRef string) []string {
	host, repo := HostAndRepository(imageRef)
	cred := c.lookup(host)

	var (
		tags []string
		err  error
	)
	if isDockerHubHost(host) {
		tags, err = c.hubTags(ctx, repo, cred)
	} else {
		tags, err = c.registryTags(ctx, host, repo, cred)
	}
	if err != nil {
		log.Warnf("Failed to list tags for %s: %v", imageRef, err)
		return nil
	}
	return tags
}

// hubTags fetches tags from Docker Hub, which always requires a bearer
// token from the fixed auth endpoint.
func (c *Client) hubTags(ctx context.Context, repo string, cred Credentials) ([]string, error) {
	token, err := c.fetchToken(ctx, fmt.Sprintf(dockerHubTokenURL, repo), cred)
	if err != nil {
		return nil, fmt.Errorf("hub token: %w", err)
	}
	return c.fetchTags(ctx, dockerHubRegistryURL+"/v2/"+repo+"/tags/list", "Bearer "+token, Credentials{})
}

// registryTags fetches tags from a non-Hub registry, first trying
// unauthenticated and then answering a 401 challenge.
func (c *Client) registryTags(ctx context.Context, host, repo string, cred Credentials) ([]string, error) {
	tagsURL := "https://" + host + "/v2/" + repo + "/tags/list"

	tags, challenge, err := c.tryFetchTags(ctx, tagsURL, "", Credentials{})
	if err != nil {
		return nil, err
	}
	if challenge == "" {
		return tags, nil
	}

	scheme, params := parseChallenge(challenge)
	switch scheme {
	case "bearer":
		realm := params["realm"]
		if realm == "" {
			return nil, fmt.Errorf("bearer challenge without realm")
		}
		scope := params["scope"]
		if scope == "" {
			scope = "repository:" + repo + ":pull"
		}
		tokenURL, err := buildTokenURL(realm, params["service"], scope)
		if err != nil {
			return nil, err
		}
		token, err := c.fetchToken(ctx, tokenURL, cred)
		if err != nil {
			return nil, err
		}
		return c.fetchTags(ctx, tagsURL, "Bearer "+token, Credentials{})
	case "basic":
		if !cred.HasCredentials() {
			return nil, fmt.Errorf("registry %s requires basic auth but no credentials are configured", host)
		}
		return c.fetchTags(ctx, tagsURL, "", cred)
	default:
		return nil, fmt.Errorf("unsupported auth scheme %q from %s", scheme, host)
	}
}

// tryFetchTags performs a tags request and returns either the decoded
// tags or, on a 401, the WWW-Authenticate challenge to satisfy.
func (c *Client) tryFetchTags(ctx context.Context, tagsURL, bearer string, basic Credentials) ([]string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tagsURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create tags request: %w", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	} else if basic.HasCredentials() {
		req.SetBasicAuth(basic.Username, basic.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch tags: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		challenge := resp.Header.Get("WWW-Authenticate")
		if challenge == "" {
			return nil, "", fmt.Errorf("registry returned 401 without a WWW-Authenticate header")
		}
		return nil, challenge, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("tags endpoint returned %d", resp.StatusCode)
	}

	var list tagList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, "", fmt.Errorf("decode tags response: %w", err)
	}
	if list.Tags == nil {
		return []string{}, "", nil
	}
	return list.Tags, "", nil
}

// fetchTags performs a tags request that must succeed outright.
func (c *Client) fetchTags(ctx context.Context, tagsURL, bearer string, basic Credentials) ([]string, error) {
	tags, challenge, err := c.tryFetchTags(ctx, tagsURL, bearer, basic)
	if err != nil {
		return nil, err
	}
	if challenge != "" {
		return nil, fmt.Errorf("registry rejected authorized tags request")
	}
	return tags, nil
}

// fetchToken requests a bearer token, attaching basic credentials when
// available.
func (c *Client) fetchToken(ctx context.Context, tokenURL string, cred Credentials) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	if cred.HasCredentials() {
		req.SetBasicAuth(cred.Username, cred.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	token := tok.Token
	if token == "" {
		token = tok.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("empty token in response")
	}
	return token, nil
}

// buildTokenURL assembles a token request URL from challenge params.
func buildTokenURL(realm, service, scope string) (string, error) {
	u, err := url.Parse(realm)
	if err != nil {
		return "", fmt.Errorf("parse token realm: %w", err)
	}
	q := u.Query()
	if service != "" {
		q.Set("service", service)
	}
	q.Set("scope", scope)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// parseChallenge parses a WWW-Authenticate header into its scheme and
// parameters. Both quoted (key="value") and unquoted (key=value) pairs
// are accepted; keys match case-insensitively.
func parseChallenge(header string) (scheme string, params map[string]string) {
	params = make(map[string]string)

	header = strings.TrimSpace(header)
	space := strings.IndexByte(header, ' ')
	if space == -1 {
		return strings.ToLower(header), params
	}
	scheme = strings.ToLower(header[:space])

	for _, part := range strings.Split(header[space+1:], ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		value := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		params[key] = value
	}
	return scheme, params
}

// HostAndRepository splits an image reference into the registry host
// and the repository path the v2 API expects.
//
//	"nginx"                    -> docker.io, library/nginx
//	"gitea/gitea:1.21"         -> docker.io, gitea/gitea
//	"ghcr.io/user/repo:tag"    -> ghcr.io,  user/repo
//	"host:5000/a/b:tag"        -> host:5000, a/b
func HostAndRepository(imageRef string) (host, repository string) {
	ref := imageRef
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}
	// Strip the tag: last colon, only when after the last slash.
	if i := strings.LastIndex(ref, ":"); i >= 0 && !strings.Contains(ref[i+1:], "/") {
		ref = ref[:i]
	}

	parts := strings.Split(ref, "/")
	switch {
	case len(parts) == 1:
		return DockerHub, "library/" + ref
	case len(parts) == 2:
		if strings.ContainsAny(parts[0], ".:") {
			return parts[0], parts[1]
		}
		return DockerHub, ref
	default:
		return parts[0], strings.Join(parts[1:], "/")
	}
}

// RegistryHost returns just the host component of an image reference.
func RegistryHost(imageRef string) string {
	host, _ := HostAndRepository(imageRef)
	return host
}

// isDockerHubHost reports whether the host belongs to the Docker Hub
// family.
func isDockerHubHost(host string) bool {
	switch host {
	case DockerHub, dockerHubIndex, dockerHubRegistry:
		return true
	}
	return false
}
