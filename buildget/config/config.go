// Package config loads build-get settings.
//
// Priority, highest first:
//  1. environment variables (BUILDGET_ prefix, dots become underscores,
//     e.g. BUILDGET_DOWNLOAD_CONCURRENCY)
//  2. the YAML config file
//  3. defaults
package config

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/flaneur2020/build-get/buildget"
	"github.com/flaneur2020/build-get/buildget/chunk"
	bgerrors "github.com/flaneur2020/build-get/buildget/errors"
	"github.com/flaneur2020/build-get/buildget/logger"
	"github.com/flaneur2020/build-get/buildget/manifest"
	"github.com/flaneur2020/build-get/buildget/storage"
	"github.com/spf13/viper"
)

const envPrefix = "BUILDGET"

// Config holds every setting.
type Config struct {
	CDN      CDNConfig      `mapstructure:"cdn"`
	Download DownloadConfig `mapstructure:"download"`
	Assemble AssembleConfig `mapstructure:"assemble"`
	Chunk    ChunkConfig    `mapstructure:"chunk"`
	Manifest ManifestConfig `mapstructure:"manifest"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Discover DiscoverConfig `mapstructure:"discover"`
	Mirror   MirrorConfig   `mapstructure:"mirror"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// CDNConfig names the distribution endpoints.
type CDNConfig struct {
	ChunkBaseURL    string        `mapstructure:"chunk_base_url"`
	ManifestBaseURL string        `mapstructure:"manifest_base_url"`
	BuildBaseURL    string        `mapstructure:"build_base_url"`
	ChunkDir        string        `mapstructure:"chunk_dir"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Insecure        bool          `mapstructure:"insecure"`
	UserAgent       string        `mapstructure:"user_agent"`
	FetchRetries    int           `mapstructure:"fetch_retries"`
	FetchWait       time.Duration `mapstructure:"fetch_wait"`
}

// DownloadConfig controls whole-file downloads.
type DownloadConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	Retries       int           `mapstructure:"retries"`
	Wait          time.Duration `mapstructure:"wait"`
	SkipExisting  bool          `mapstructure:"skip_existing"`
	CheckExisting bool          `mapstructure:"check_existing"`
}

// AssembleConfig controls file reconstruction.
type AssembleConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// ChunkConfig holds the chunk header constants.
type ChunkConfig struct {
	Magic      uint32 `mapstructure:"magic"`
	WindowSize uint32 `mapstructure:"window_size"`
}

// ManifestConfig describes the binary manifest layout.
type ManifestConfig struct {
	Magic      uint32 `mapstructure:"magic"`
	ByteOrder  string `mapstructure:"byte_order"`
	MinVersion uint32 `mapstructure:"min_version"`
	MaxVersion uint32 `mapstructure:"max_version"`
	SizeWidth  int    `mapstructure:"size_width"`
}

// CacheConfig enables the local chunk cache.
type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DiscoverConfig tunes the manifest probe loop.
type DiscoverConfig struct {
	Start      int    `mapstructure:"start"`
	MaxPak     int    `mapstructure:"max_pak"`
	MaxMisses  int    `mapstructure:"max_misses"`
	JumpAfter  int    `mapstructure:"jump_after"`
	JumpPoints []int  `mapstructure:"jump_points"`
	Retries    int    `mapstructure:"retries"`
	Pattern    string `mapstructure:"pattern"`
}

// MirrorConfig configures the cache mirror server.
type MirrorConfig struct {
	Listen string `mapstructure:"listen"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configPath, or looks for buildget.yaml in the usual places
// when it is empty. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("buildget")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/buildget")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, bgerrors.ErrInvalidConfig.WithMessage("failed to read config").WithCause(err)
		}
		logger.Debug("Config file not found, using defaults")
	} else {
		logger.Debug("Using config file %s", v.ConfigFileUsed())
	}

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, bgerrors.ErrInvalidConfig.WithMessage("failed to parse config").WithCause(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not decode: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cdn.chunk_base_url", "https://battlebreakers-productionlive-cdn.s3.amazonaws.com/WorldExplorersLive")
	v.SetDefault("cdn.manifest_base_url", "https://battlebreakers-live-cdn.ol.epicgames.com/WorldExplorersLive")
	v.SetDefault("cdn.build_base_url", "https://battlebreakers-live-cdn.ol.epicgames.com")
	v.SetDefault("cdn.chunk_dir", storage.DefaultChunkDir)
	v.SetDefault("cdn.timeout", "60s")
	v.SetDefault("cdn.insecure", false)
	v.SetDefault("cdn.user_agent", "build-get")
	v.SetDefault("cdn.fetch_retries", 1)
	v.SetDefault("cdn.fetch_wait", "1s")

	dl := buildget.DefaultDownloadOptions()
	v.SetDefault("download.concurrency", dl.Concurrency)
	v.SetDefault("download.retries", dl.Retries)
	v.SetDefault("download.wait", dl.Wait.String())
	v.SetDefault("download.skip_existing", dl.SkipExisting)
	v.SetDefault("download.check_existing", dl.CheckExisting)

	v.SetDefault("assemble.concurrency", buildget.DefaultAssembleConcurrency)

	v.SetDefault("chunk.magic", chunk.DefaultMagic)
	v.SetDefault("chunk.window_size", chunk.DefaultWindowSize)

	bf := manifest.DefaultBinaryFormat()
	v.SetDefault("manifest.magic", bf.Magic)
	v.SetDefault("manifest.byte_order", "little")
	v.SetDefault("manifest.min_version", bf.MinVersion)
	v.SetDefault("manifest.max_version", bf.MaxVersion)
	v.SetDefault("manifest.size_width", bf.SizeWidth)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.path", "chunks.db")

	do := buildget.DefaultDiscoverOptions()
	v.SetDefault("discover.start", do.Start)
	v.SetDefault("discover.max_pak", do.MaxPak)
	v.SetDefault("discover.max_misses", do.MaxMisses)
	v.SetDefault("discover.jump_after", do.JumpAfter)
	v.SetDefault("discover.jump_points", do.JumpPoints)
	v.SetDefault("discover.retries", do.Retries)
	v.SetDefault("discover.pattern", buildget.DefaultManifestPattern)

	v.SetDefault("mirror.listen", ":8080")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// bindEnvVars binds every known key to BUILDGET_<SECTION>_<KEY>.
func bindEnvVars(v *viper.Viper) error {
	v.SetEnvPrefix(envPrefix)
	for _, key := range v.AllKeys() {
		env := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, env); err != nil {
			return bgerrors.ErrInvalidConfig.WithMessage("failed to bind env var").
				WithDetail("env", env).
				WithCause(err)
		}
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return bgerrors.ErrInvalidConfig.WithMessage(fmt.Sprintf(format, args...))
}

// Validate rejects out-of-range settings.
func (c *Config) Validate() error {
	if c.CDN.Timeout < 0 {
		return invalid("invalid cdn.timeout: %s", c.CDN.Timeout)
	}
	if c.CDN.FetchRetries < 0 || c.CDN.FetchRetries > 100 {
		return invalid("invalid cdn.fetch_retries: %d (must be 0-100)", c.CDN.FetchRetries)
	}

	if c.Download.Concurrency < 1 || c.Download.Concurrency > 256 {
		return invalid("invalid download.concurrency: %d (must be 1-256)", c.Download.Concurrency)
	}
	if c.Download.Retries < 0 || c.Download.Retries > 100 {
		return invalid("invalid download.retries: %d (must be 0-100)", c.Download.Retries)
	}
	if c.Download.Wait < 0 {
		return invalid("invalid download.wait: %s", c.Download.Wait)
	}

	if c.Assemble.Concurrency < 1 || c.Assemble.Concurrency > 1024 {
		return invalid("invalid assemble.concurrency: %d (must be 1-1024)", c.Assemble.Concurrency)
	}

	if c.Chunk.WindowSize == 0 {
		return invalid("chunk.window_size cannot be zero")
	}

	if _, err := c.BinaryFormat(); err != nil {
		return err
	}

	if c.Cache.Enabled && c.Cache.Path == "" {
		return invalid("cache.path cannot be empty when the cache is enabled")
	}

	if c.Discover.MaxMisses < 1 {
		return invalid("invalid discover.max_misses: %d (must be at least 1)", c.Discover.MaxMisses)
	}
	if c.Discover.JumpAfter < 0 || c.Discover.Retries < 0 || c.Discover.Start < 1 || c.Discover.MaxPak < 0 {
		return invalid("discover start, max_pak, jump_after and retries must not be negative")
	}
	if !strings.Contains(c.Discover.Pattern, "{pak}") {
		return invalid("discover.pattern %q has no {pak} placeholder", c.Discover.Pattern)
	}

	if _, err := logger.ParseLogLevel(c.Logging.Level); err != nil {
		return invalid("invalid logging.level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return invalid("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// ChunkFormat returns the chunk decoder constants.
func (c *Config) ChunkFormat() chunk.Format {
	return chunk.Format{Magic: c.Chunk.Magic, WindowSize: c.Chunk.WindowSize}
}

// BinaryFormat returns the binary manifest layout.
func (c *Config) BinaryFormat() (manifest.BinaryFormat, error) {
	var order binary.ByteOrder
	switch strings.ToLower(c.Manifest.ByteOrder) {
	case "little", "le":
		order = binary.LittleEndian
	case "big", "be":
		order = binary.BigEndian
	default:
		return manifest.BinaryFormat{}, invalid("invalid manifest.byte_order: %s (must be little or big)", c.Manifest.ByteOrder)
	}

	format := manifest.BinaryFormat{
		Magic:      c.Manifest.Magic,
		ByteOrder:  order,
		MinVersion: c.Manifest.MinVersion,
		MaxVersion: c.Manifest.MaxVersion,
		SizeWidth:  c.Manifest.SizeWidth,
	}
	if err := format.Validate(); err != nil {
		return manifest.BinaryFormat{}, bgerrors.ErrInvalidConfig.WithMessage("invalid manifest format").WithCause(err)
	}
	return format, nil
}

// ClientOptions returns HTTP client settings with the given retry count.
func (c *Config) ClientOptions(retries int, wait time.Duration) storage.ClientOptions {
	return storage.ClientOptions{
		Timeout:   c.CDN.Timeout,
		Retries:   retries,
		Wait:      wait,
		Insecure:  c.CDN.Insecure,
		UserAgent: c.CDN.UserAgent,
	}
}

// FetchClientOptions returns the client settings used for chunk fetches.
func (c *Config) FetchClientOptions() storage.ClientOptions {
	return c.ClientOptions(c.CDN.FetchRetries, c.CDN.FetchWait)
}

func (c *Config) DownloadOptions() buildget.DownloadOptions {
	return buildget.DownloadOptions{
		Concurrency:   c.Download.Concurrency,
		Retries:       c.Download.Retries,
		Wait:          c.Download.Wait,
		SkipExisting:  c.Download.SkipExisting,
		CheckExisting: c.Download.CheckExisting,
	}
}

func (c *Config) AssembleOptions() buildget.AssembleOptions {
	return buildget.AssembleOptions{Concurrency: c.Assemble.Concurrency}
}

// DiscoverOptions returns the probe loop settings. Name expands the
// configured pattern for changelist.
func (c *Config) DiscoverOptions(changelist string) buildget.DiscoverOptions {
	pattern := c.Discover.Pattern
	return buildget.DiscoverOptions{
		Start:      c.Discover.Start,
		MaxPak:     c.Discover.MaxPak,
		MaxMisses:  c.Discover.MaxMisses,
		JumpAfter:  c.Discover.JumpAfter,
		JumpPoints: append([]int(nil), c.Discover.JumpPoints...),
		Retries:    c.Discover.Retries,
		Name: func(pak int) string {
			return buildget.ManifestName(pattern, pak, changelist)
		},
	}
}

// ApplyLogging configures the logger from the logging section.
func (c *Config) ApplyLogging() error {
	level, err := logger.ParseLogLevel(c.Logging.Level)
	if err != nil {
		return err
	}
	logger.SetLogLevel(level)
	return logger.SetFormat(c.Logging.Format)
}
