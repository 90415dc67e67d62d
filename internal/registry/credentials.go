package registry

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Credentials holds login credentials for a container registry. A zero
// username or password means anonymous access, which is valid.
type Credentials struct {
	Registry string
	Username string
	Password string
}

// HasCredentials reports whether both username and password are set.
func (c Credentials) HasCredentials() bool {
	return c.Username != "" && c.Password != ""
}

// CredentialsLookup resolves credentials for a registry host. It
// always returns a value; missing credentials come back empty.
type CredentialsLookup func(registryHost string) Credentials

// AnonymousLookup is a lookup that never finds credentials.
func AnonymousLookup(registryHost string) Credentials {
	return Credentials{Registry: registryHost}
}

// dockerHubAliases are the keys under which Docker Hub credentials may
// be stored in a config file.
var dockerHubAliases = []string{
	"docker.io",
	"index.docker.io",
	"registry-1.docker.io",
	"https://index.docker.io/v1/",
	"https://index.docker.io/v2/",
}

// configAuth is one entry of the "auths" object in an engine
// config.json file.
type configAuth struct {
	Auth          string `json:"auth"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	IdentityToken string `json:"identitytoken"`
	RegistryToken string `json:"registrytoken"`
}

// engineConfig is the top-level shape of an engine config.json file.
type engineConfig struct {
	Auths map[string]configAuth `json:"auths"`
}

// CredentialStore reads registry credentials from the operator's
// engine config file. The file is parsed once and cached under a lock.
type CredentialStore struct {
	path string

	mu     sync.Mutex
	loaded bool
	auths  map[string]configAuth
}

// NewCredentialStore creates a store backed by the given config file
// path. An empty path enables auto-detection of the usual locations.
func NewCredentialStore(path string) *CredentialStore {
	return &CredentialStore{path: path}
}

// Lookup resolves credentials for a registry host. It always returns a
// value; hosts without a config entry come back without credentials.
func (s *CredentialStore) Lookup(host string) Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		s.load()
		s.loaded = true
	}

	cred := Credentials{Registry: host}
	entry, ok := s.match(host)
	if !ok {
		return cred
	}

	cred.Username = entry.Username
	cred.Password = entry.Password
	if cred.Username == "" && cred.Password == "" && entry.Auth != "" {
		if decoded, err := base64.StdEncoding.DecodeString(entry.Auth); err == nil {
			if user, pass, ok := strings.Cut(string(decoded), ":"); ok {
				cred.Username = user
				cred.Password = pass
			}
		}
	}

	// Token fields win over username/password pairs.
	if entry.IdentityToken != "" {
		cred.Password = entry.IdentityToken
	} else if entry.RegistryToken != "" {
		cred.Password = entry.RegistryToken
	}

	return cred
}

// match walks the key-matching ladder: direct, normalized, Docker Hub
// aliases, then https:// prefixed variants.
func (s *CredentialStore) match(host string) (configAuth, bool) {
	if entry, ok := s.auths[host]; ok {
		return entry, true
	}

	normalized := normalizeRegistryKey(host)
	for key, entry := range s.auths {
		if normalizeRegistryKey(key) == normalized {
			return entry, true
		}
	}

	if isDockerHubHost(host) {
		for _, alias := range dockerHubAliases {
			if entry, ok := s.auths[alias]; ok {
				return entry, true
			}
		}
	}

	for _, candidate := range []string{"https://" + host, "https://" + host + "/v1/", "https://" + host + "/v2/"} {
		if entry, ok := s.auths[candidate]; ok {
			return entry, true
		}
	}

	return configAuth{}, false
}

// load parses the config file, falling back to an empty credential set
// on any error.
func (s *CredentialStore) load() {
	s.auths = make(map[string]configAuth)

	paths := []string{s.path}
	if s.path == "" {
		paths = defaultConfigPaths()
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var cfg engineConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			log.Warnf("Failed to parse engine config %s: %v", path, err)
			continue
		}
		if len(cfg.Auths) == 0 {
			continue
		}
		log.Debugf("Loaded registry credentials for %d registries from %s", len(cfg.Auths), path)
		s.auths = cfg.Auths
		return
	}
}

// defaultConfigPaths returns the usual engine config locations in
// priority order.
func defaultConfigPaths() []string {
	var paths []string
	if dir := os.Getenv("DOCKER_CONFIG"); dir != "" {
		paths = append(paths, filepath.Join(dir, "config.json"))
	}
	if home := os.Getenv("HOME"); home != "" {
		paths = append(paths, filepath.Join(home, ".docker", "config.json"))
	}
	paths = append(paths, "/root/.docker/config.json")
	return paths
}

// normalizeRegistryKey strips the scheme and any trailing slash or
// /v1/ or /v2/ suffix from a config key or host.
func normalizeRegistryKey(key string) string {
	key = strings.TrimPrefix(key, "https://")
	key = strings.TrimPrefix(key, "http://")
	key = strings.TrimSuffix(key, "/v1/")
	key = strings.TrimSuffix(key, "/v2/")
	key = strings.TrimSuffix(key, "/")
	return key
}
