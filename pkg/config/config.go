package config

import (
	"encoding/json"
	"net/url"
	"os"

	"github.com/pkg/errors"
)

type CLI struct {
	File string `arg:"--config,env:SITECACHE_CONFIG_FILE" help:"path to the JSON config file"`
}

type Config struct {
	Listen       string   `json:"listen"`
	Upstream     string   `json:"upstream"`
	Database     string   `json:"database"`
	CachePrefix  string   `json:"cache_prefix"`
	CacheVersion string   `json:"cache_version"`
	DynamicMax   int      `json:"dynamic_max"`
	ImageMax     int      `json:"image_max"`
	Precache     []string `json:"precache"`
	LogLevel     string   `json:"log_level"`
	LogMode      string   `json:"log_mode"`

	upstreamURL *url.URL
}

func LoadBytes(input []byte) (*Config, error) {
	config := &Config{}
	return config, json.Unmarshal(input, config)
}

func LoadFile(path string) (*Config, error) {
	if fd, err := os.Open(path); err != nil {
		return nil, errors.WithMessagef(err, "while opening file %s", path)
	} else {
		config := &Config{}
		dec := json.NewDecoder(fd)
		if err := dec.Decode(&config); err != nil {
			return nil, errors.WithMessagef(err, "while decoding file %s", path)
		} else {
			return config, nil
		}
	}
}

// Prepare fills in defaults and validates the parts that can fail early.
func (c *Config) Prepare() error {
	if c.Listen == "" {
		c.Listen = "0.0.0.0:8745"
	}
	if c.Database == "" {
		c.Database = "./sitecache.db"
	}
	if c.CachePrefix == "" {
		c.CachePrefix = "sitecache"
	}
	if c.CacheVersion == "" {
		c.CacheVersion = "v1"
	}
	if c.DynamicMax == 0 {
		c.DynamicMax = 50
	}
	if c.ImageMax == 0 {
		c.ImageMax = 100
	}
	if len(c.Precache) == 0 {
		c.Precache = []string{
			"/",
			"/about/",
			"/music/",
			"/play/",
			"/gallery/",
			"/img/logo.svg",
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "debug"
	}
	if c.LogMode == "" {
		c.LogMode = "production"
	}

	if c.Upstream == "" {
		return errors.New("no upstream origin given")
	}

	u, err := url.Parse(c.Upstream)
	if err != nil {
		return errors.WithMessagef(err, "while parsing upstream %q", c.Upstream)
	}
	if u.Scheme == "" || u.Host == "" {
		return errors.Errorf("upstream %q must be an absolute http(s) URL", c.Upstream)
	}
	c.upstreamURL = u

	return nil
}

// UpstreamURL is only valid after Prepare.
func (c *Config) UpstreamURL() *url.URL {
	return c.upstreamURL
}
