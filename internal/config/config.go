// Package config loads the YAML configuration of the daemon and the cli.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/i5heu/ouroboros-graph/internal/binaryCoder"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     Server     `yaml:"server"`
	Storage    Storage    `yaml:"storage"`
	Loader     Loader     `yaml:"loader"`
	Downloader Downloader `yaml:"downloader"`
	Postgres   Postgres   `yaml:"postgres"`
	Log        Log        `yaml:"log"`
}

type Server struct {
	Listen string `yaml:"listen"`
	// Token, when set, is required as a bearer token on object routes.
	Token string `yaml:"token"`
}

type Storage struct {
	Path          string `yaml:"path"`
	MinimumFreeGB int    `yaml:"minimumFreeGB"`
	Compression   string `yaml:"compression"`
	// GCSchedule is a standard cron spec; empty disables the job.
	GCSchedule string `yaml:"gcSchedule"`
}

type Loader struct {
	CacheMaxItems int           `yaml:"cacheMaxItems"`
	CacheMaxBytes int64         `yaml:"cacheMaxBytes"`
	BatchSize     int           `yaml:"batchSize"`
	MaxWait       time.Duration `yaml:"maxWait"`
}

type Downloader struct {
	ServerURL         string  `yaml:"serverUrl"`
	MaxBatchSize      int     `yaml:"maxBatchSize"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Token             string  `yaml:"token"`
}

type Postgres struct {
	DSN string `yaml:"dsn"`
}

type Log struct {
	Level string `yaml:"level"`
}

func Default() Config {
	return Config{
		Server:  Server{Listen: ":4242"},
		Storage: Storage{Path: "./data", MinimumFreeGB: 1, Compression: "zstd", GCSchedule: "@every 1h"},
		Loader: Loader{
			CacheMaxItems: 10000,
			BatchSize:     100,
			MaxWait:       100 * time.Millisecond,
		},
		Downloader: Downloader{ServerURL: "http://localhost:4242", MaxBatchSize: 5000},
		Log:        Log{Level: "info"},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	conf := Default()
	if path == "" {
		return conf, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	conf.applyDefaults()
	return conf, conf.Validate()
}

// applyDefaults fills values a file set to zero explicitly.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Server.Listen == "" {
		c.Server.Listen = d.Server.Listen
	}
	if c.Storage.Path == "" {
		c.Storage.Path = d.Storage.Path
	}
	if c.Loader.CacheMaxItems <= 0 {
		c.Loader.CacheMaxItems = d.Loader.CacheMaxItems
	}
	if c.Loader.BatchSize <= 0 {
		c.Loader.BatchSize = d.Loader.BatchSize
	}
	if c.Loader.MaxWait <= 0 {
		c.Loader.MaxWait = d.Loader.MaxWait
	}
	if c.Downloader.MaxBatchSize <= 0 {
		c.Downloader.MaxBatchSize = d.Downloader.MaxBatchSize
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

func (c Config) Validate() error {
	var errs []error
	if _, err := c.Compression(); err != nil {
		errs = append(errs, err)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Storage.GCSchedule != "" {
		if _, err := cron.ParseStandard(c.Storage.GCSchedule); err != nil {
			errs = append(errs, fmt.Errorf("storage.gcSchedule: %w", err))
		}
	}
	if c.Storage.MinimumFreeGB < 0 {
		errs = append(errs, errors.New("storage.minimumFreeGB must not be negative"))
	}
	return errors.Join(errs...)
}

func (c Config) Compression() (binaryCoder.Compression, error) {
	return binaryCoder.ParseCompression(c.Storage.Compression)
}
