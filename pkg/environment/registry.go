// Package environment implements the Environment Registry: a read-only
// catalog mapping an environment name to a container image and its
// defaults, fully populated at startup.
package environment

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sandboxd/sandboxd/pkg/sandboxerr"
	"github.com/sandboxd/sandboxd/pkg/types"
	"gopkg.in/yaml.v3"
)

const defaultEnvironmentName = "bash"

// builtinEnvironments seeds the registry; a YAML catalog file, when
// present, extends or overrides these entries.
var builtinEnvironments = []types.Environment{
	{
		Name:           "bash",
		Description:    "Plain POSIX shell",
		Category:       "shell",
		ContainerImage: "sandboxd/env-bash:latest",
		DefaultTimeout: 15 * time.Minute,
		WelcomeBanner:  "bash sandbox ready\n",
	},
	{
		Name:           "node",
		Description:    "Node.js runtime",
		Category:       "javascript",
		ContainerImage: "sandboxd/env-node:latest",
		DefaultTimeout: 15 * time.Minute,
		WelcomeBanner:  "node sandbox ready\n",
	},
	{
		Name:           "python",
		Description:    "Python 3 runtime",
		Category:       "python",
		ContainerImage: "sandboxd/env-python:latest",
		DefaultTimeout: 15 * time.Minute,
		WelcomeBanner:  "python sandbox ready\n",
	},
}

// Registry is fully populated at construction time and exposes only read
// operations thereafter. The mutex guards against concurrent readers
// racing a future reload, not against any in-process mutation — there is
// none once New returns.
type Registry struct {
	mu   sync.RWMutex
	byName map[string]types.Environment
}

// catalogFile is the on-disk shape of an optional YAML overlay, loaded by
// New when catalogPath is non-empty.
type catalogFile struct {
	Environments []struct {
		Name           string `yaml:"name"`
		Description    string `yaml:"description"`
		Category       string `yaml:"category"`
		ContainerImage string `yaml:"containerImage"`
		DefaultTimeout string `yaml:"defaultTimeout"`
		WelcomeBanner  string `yaml:"welcomeBanner"`
	} `yaml:"environments"`
}

// New builds a Registry from the built-in catalog, optionally overlaid by
// a YAML file at catalogPath. An empty catalogPath skips the overlay.
func New(catalogPath string) (*Registry, error) {
	r := &Registry{byName: make(map[string]types.Environment, len(builtinEnvironments))}
	for _, e := range builtinEnvironments {
		r.byName[e.Name] = e
	}

	if catalogPath == "" {
		return r, nil
	}

	data, err := os.ReadFile(catalogPath)
	if err != nil {
		return nil, sandboxerr.Wrap(sandboxerr.InvalidConfiguration, "reading environment catalog", err)
	}

	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, sandboxerr.Wrap(sandboxerr.InvalidConfiguration, "parsing environment catalog", err)
	}

	for _, e := range cf.Environments {
		timeout := 15 * time.Minute
		if e.DefaultTimeout != "" {
			d, err := time.ParseDuration(e.DefaultTimeout)
			if err != nil {
				return nil, sandboxerr.Wrap(sandboxerr.InvalidConfiguration, fmt.Sprintf("environment %q has invalid defaultTimeout", e.Name), err)
			}
			timeout = d
		}
		r.byName[e.Name] = types.Environment{
			Name:           e.Name,
			Description:    e.Description,
			Category:       e.Category,
			ContainerImage: e.ContainerImage,
			DefaultTimeout: timeout,
			WelcomeBanner:  e.WelcomeBanner,
		}
	}

	return r, nil
}

// Get resolves an environment by name.
func (r *Registry) Get(name string) (types.Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	env, ok := r.byName[name]
	if !ok {
		return types.Environment{}, sandboxerr.New(sandboxerr.UnknownEnvironment,
			fmt.Sprintf("unknown environment %q; known: %v", name, r.namesLocked()))
	}
	return env, nil
}

// GetDefault returns the designated default environment (bash).
func (r *Registry) GetDefault() types.Environment {
	env, err := r.Get(defaultEnvironmentName)
	if err != nil {
		// The built-in catalog always seeds "bash"; a misconfigured
		// overlay that removed it is an invariant violation.
		panic("environment registry: default environment missing")
	}
	return env
}

// Has reports whether name is a known environment.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

// List returns the public-safe subset of every known environment, sorted
// by name for stable output.
func (r *Registry) List() []types.EnvironmentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.EnvironmentInfo, 0, len(r.byName))
	for _, e := range r.byName {
		out = append(out, e.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
