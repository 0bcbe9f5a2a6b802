package modsup

import (
	"fmt"
	"time"

	"github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
)

// SupervisorConfig is the ambient, read-once-at-startup configuration for
// a Supervisor and its collaborators (storage, resolver, installer),
// per spec.md §4.9. Every field has an env-var mapping; an optional YAML
// file, if present, is layered on top.
type SupervisorConfig struct {
	// DataDir roots the shared install cache (storage.NewLayout) and, when
	// persistence is enabled, the SQLite registry file.
	DataDir string `yaml:"data_dir" env:"MODSUP_DATA_DIR"`

	// Persistent selects the SQLite-backed registry.DocStore over the
	// in-memory one, per spec.md §5's "off the record" distinction.
	Persistent bool `yaml:"persistent" env:"MODSUP_PERSISTENT"`

	// GitHubAPIHost and GitHubRawHost let tests and self-hosted mirrors
	// override the hosts resolver.GitHubClient talks to.
	GitHubAPIHost string `yaml:"github_api_host" env:"MODSUP_GITHUB_API_HOST"`
	GitHubRawHost string `yaml:"github_raw_host" env:"MODSUP_GITHUB_RAW_HOST"`
	UserAgent     string `yaml:"user_agent" env:"MODSUP_USER_AGENT"`

	// ResolverCacheSize and ResolverCacheTTL bound resolver.Resolver's tag
	// listing cache.
	ResolverCacheSize int           `yaml:"resolver_cache_size" env:"MODSUP_RESOLVER_CACHE_SIZE"`
	ResolverCacheTTLs string        `yaml:"resolver_cache_ttl" env:"MODSUP_RESOLVER_CACHE_TTL"`
	ResolverCacheTTL  time.Duration `yaml:"-" env:"-"`

	// DependencyInstallBinary/Args configure installer.ExecDependencyInstaller.
	DependencyInstallBinary string   `yaml:"dependency_install_binary" env:"MODSUP_DEPENDENCY_INSTALL_BINARY"`
	DependencyInstallArgs   []string `yaml:"dependency_install_args" env:"MODSUP_DEPENDENCY_INSTALL_ARGS"`

	// MaintenanceInterval controls internal/maintenance's orphan-cleanup
	// cron schedule ("@every <interval>" in `modkitctl serve`).
	MaintenanceIntervals string        `yaml:"maintenance_interval" env:"MODSUP_MAINTENANCE_INTERVAL"`
	MaintenanceInterval  time.Duration `yaml:"-" env:"-"`

	// HTTPDebugAddr, when non-empty, is the listen address for httpdebug's
	// read-only introspection server.
	HTTPDebugAddr string `yaml:"http_debug_addr" env:"MODSUP_HTTP_DEBUG_ADDR"`
}

// Load feeds a SupervisorConfig from the environment, then (if yamlPath is
// non-empty) layers a YAML file on top, following the teacher's
// ConfigFeeders pattern of applying feeders in order. Defaults are
// applied after feeding and fill every field still at its zero value, so
// a bare environment yields a usable configuration; a field explicitly
// set to its zero value gets the default as well.
func Load(yamlPath string) (*SupervisorConfig, error) {
	cfg := &SupervisorConfig{}

	feeders := []config.Feeder{feeder.Env{}}
	if yamlPath != "" {
		feeders = append(feeders, feeder.Yaml{Path: yamlPath})
	}

	for _, f := range feeders {
		if err := f.Feed(cfg); err != nil {
			return nil, fmt.Errorf("config: feed: %w", err)
		}
	}

	if err := cfg.applyDurations(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// applyDurations parses the string-typed duration fields fed by feeders
// (which know nothing about time.Duration) into their typed counterparts
// with time.ParseDuration (e.g. "90s", "1h").
func (c *SupervisorConfig) applyDurations() error {
	if c.ResolverCacheTTLs != "" {
		d, err := time.ParseDuration(c.ResolverCacheTTLs)
		if err != nil {
			return fmt.Errorf("config: resolver_cache_ttl: %w", err)
		}
		c.ResolverCacheTTL = d
	}
	if c.MaintenanceIntervals != "" {
		d, err := time.ParseDuration(c.MaintenanceIntervals)
		if err != nil {
			return fmt.Errorf("config: maintenance_interval: %w", err)
		}
		c.MaintenanceInterval = d
	}
	return nil
}

func (c *SupervisorConfig) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.GitHubAPIHost == "" {
		c.GitHubAPIHost = "api.github.com"
	}
	if c.GitHubRawHost == "" {
		c.GitHubRawHost = "raw.githubusercontent.com"
	}
	if c.UserAgent == "" {
		c.UserAgent = "modsup/1"
	}
	if c.ResolverCacheSize <= 0 {
		c.ResolverCacheSize = 128
	}
	if c.ResolverCacheTTL <= 0 {
		c.ResolverCacheTTL = 10 * time.Minute
	}
	if c.DependencyInstallBinary == "" {
		c.DependencyInstallBinary = "npm"
	}
	if len(c.DependencyInstallArgs) == 0 {
		c.DependencyInstallArgs = []string{"install"}
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Hour
	}
}
