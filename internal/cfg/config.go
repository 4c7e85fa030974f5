// Package cfg loads and persists the configuration for the asset engine.
package cfg

import (
	"embed"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path"
	"sync"
	"time"
)

var (
	// ConfigDir is the path to the directory storing the application configuration.
	ConfigDir string
	// DataDir is the path to the directory storing cached asset content and registries.
	DataDir string
)

//go:embed default-config.json
var defaultConfig embed.FS

// Config stores and manages the configuration for the asset engine.
// Although all fields are public, this is only for use by the JSON marshaller.
// All access to the Config should be done through the exported methods.
type Config struct {
	sync.RWMutex

	Assets struct {
		// AssetFetchTimeoutSeconds bounds no-progress time on a single fetch.
		AssetFetchTimeoutSeconds int `json:"assetFetchTimeout"`
		// RemoteServerFriendly prefers CDN mirrors and disables cache-busting during background cycles.
		RemoteServerFriendly bool `json:"remoteServerFriendly"`
		// Debug narrows the cache-bust token window to one second (see internal/assets/fetcher).
		Debug bool `json:"debug"`
		// ManualUpdateAssetFetchPeriodMillis is the configured pacing period for user-triggered update cycles.
		// The update scheduler does not read it; its manual-cycle threshold is a fixed 30 s.
		ManualUpdateAssetFetchPeriodMillis int `json:"manualUpdateAssetFetchPeriod"`
		// DefaultUpdaterAssetDelayMillis is the delay between background full-fetch steps.
		DefaultUpdaterAssetDelayMillis int `json:"defaultUpdaterAssetDelay"`
		// AssetsBootstrapLocation is tried first to seed the source registry on first run.
		AssetsBootstrapLocation string `json:"assetsBootstrapLocation"`
		// AssetsJsonPath is the fallback, and the rewrite target for the assets.json key itself.
		AssetsJsonPath string `json:"assetsJsonPath"`
	} `json:"assets"`

	// firstLaunch is true if the application is being run for the first time.
	firstLaunch bool
}

func init() {
	var err error
	ConfigDir, err = getConfigDir()
	if err != nil {
		log.Fatalf("failed to get config dir: %v", err)
	}
	if err := ensureDir(ConfigDir); err != nil {
		log.Fatalf("failed to prepare config dir: %v", err)
	}

	DataDir, err = getDataDir()
	if err != nil {
		log.Fatalf("failed to get data dir: %v", err)
	}
	if err := ensureDir(DataDir); err != nil {
		log.Fatalf("failed to prepare data dir: %v", err)
	}
}

func ensureDir(dir string) error {
	stat, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0755)
		}
		return err
	}
	if !stat.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

// NewConfig loads the config from disk, writing the embedded default on first launch.
func NewConfig() (*Config, error) {
	c := &Config{}

	configFile := path.Join(ConfigDir, "config.json")
	var configData []byte
	if _, err := os.Stat(configFile); !os.IsNotExist(err) {
		configData, err = os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		configData, err = defaultConfig.ReadFile("default-config.json")
		if err != nil {
			return nil, fmt.Errorf("read default config file: %w", err)
		}
		if err := os.WriteFile(configFile, configData, 0644); err != nil {
			return nil, fmt.Errorf("write config file: %w", err)
		}
		c.firstLaunch = true
	}

	if err := json.Unmarshal(configData, c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return c, nil
}

// Save saves the config to disk.
// It is not thread-safe, and should only be called if the caller holds a lock on the config.
func (c *Config) Save() error {
	configData, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	configFile := path.Join(ConfigDir, "config.json")
	if err := os.WriteFile(configFile, configData, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// FirstLaunch reports whether this is the first time the config has been loaded on this machine.
func (c *Config) FirstLaunch() bool {
	c.RLock()
	defer c.RUnlock()
	return c.firstLaunch
}

// AssetFetchTimeout returns the no-progress timeout applied to a single fetch.
func (c *Config) AssetFetchTimeout() time.Duration {
	c.RLock()
	defer c.RUnlock()
	if c.Assets.AssetFetchTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Assets.AssetFetchTimeoutSeconds) * time.Second
}

// RemoteServerFriendly returns whether background cycles should prefer CDN mirrors and skip cache-busting.
func (c *Config) RemoteServerFriendly() bool {
	c.RLock()
	defer c.RUnlock()
	return c.Assets.RemoteServerFriendly
}

// SetRemoteServerFriendly updates the configured remote-server-friendly flag.
// The update scheduler does not read it; it takes remote-server-friendly mode from each cycle's Auto option.
func (c *Config) SetRemoteServerFriendly(friendly bool) {
	c.Lock()
	defer c.Unlock()
	c.Assets.RemoteServerFriendly = friendly
}

// Debug returns whether the engine is running in debug mode (narrows the cache-bust window to one second).
func (c *Config) Debug() bool {
	c.RLock()
	defer c.RUnlock()
	return c.Assets.Debug
}

// ManualUpdateAssetFetchPeriod returns the configured manual-update pacing period.
// The update scheduler does not call it; it distinguishes manual from background cycles with its own fixed 30 s threshold.
func (c *Config) ManualUpdateAssetFetchPeriod() time.Duration {
	c.RLock()
	defer c.RUnlock()
	if c.Assets.ManualUpdateAssetFetchPeriodMillis <= 0 {
		return time.Second
	}
	return time.Duration(c.Assets.ManualUpdateAssetFetchPeriodMillis) * time.Millisecond
}

// DefaultUpdaterAssetDelay returns the default delay between background full-fetch steps.
func (c *Config) DefaultUpdaterAssetDelay() time.Duration {
	c.RLock()
	defer c.RUnlock()
	if c.Assets.DefaultUpdaterAssetDelayMillis <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.Assets.DefaultUpdaterAssetDelayMillis) * time.Millisecond
}

// AssetsBootstrapLocation returns the URL tried first to seed an empty source registry.
func (c *Config) AssetsBootstrapLocation() string {
	c.RLock()
	defer c.RUnlock()
	return c.Assets.AssetsBootstrapLocation
}

// AssetsJsonPath returns the fallback bootstrap URL, and the rewrite target used for the assets.json key.
func (c *Config) AssetsJsonPath() string {
	c.RLock()
	defer c.RUnlock()
	return c.Assets.AssetsJsonPath
}
