package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/filetide/filetide/core/common"
	"github.com/filetide/filetide/core/logging"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	DeploymentDevelopment = 0
	DeploymentStaging     = 1
	DeploymentProduction  = 2
)

// SetupDefaultConfig - setup the default config options that can be overridden via the config file
func SetupDefaultConfig() {
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.console", false)

	viper.SetDefault("upload.min_chunk_size", 256*1024)
	viper.SetDefault("upload.max_chunk_size", 2*1024*1024)
	viper.SetDefault("upload.default_chunk_size", 1024*1024)
	viper.SetDefault("upload.max_retries", 3)
	viper.SetDefault("upload.retry_base_delay", 500*time.Millisecond)
	viper.SetDefault("upload.save_timeout", 2*time.Minute)

	viper.SetDefault("network.history_size", 20)
	viper.SetDefault("network.shrink_success_rate", 0.7)
	viper.SetDefault("network.grow_success_rate", 0.9)
	viper.SetDefault("network.grow_min_speed", 500_000)
	viper.SetDefault("network.floor_speed", 100_000)
	viper.SetDefault("network.concurrent_success_rate", 0.8)
	viper.SetDefault("network.concurrent_min_speed", 1_000_000)
	viper.SetDefault("network.concurrent_uploads", 3)

	viper.SetDefault("cleanup.frequency", 3600)
	viper.SetDefault("cleanup.stale_age_hours", 24)
	viper.SetDefault("cleanup.num_workers", 4)

	viper.SetDefault("session.cache_ttl", 30*time.Second)

	viper.SetDefault("rate_limiters.upload_rps", 10)
	viper.SetDefault("rate_limiters.general_rps", 20)
	viper.SetDefault("rate_limiters.proxy", false)
	viper.SetDefault("rate_limiters.default_token_expire_duration", 5*time.Minute)
}

/*SetupConfig - setup the configuration system */
func SetupConfig(configPath string) {
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()
	viper.SetConfigName("filetide")

	if configPath == "" {
		viper.AddConfigPath("./config")
	} else {
		viper.AddConfigPath(configPath)
	}

	err := viper.ReadInConfig() // Find and read the config file
	if err != nil {             // Handle errors reading the config file
		panic(fmt.Errorf("fatal error config file: %s", err))
	}
}

// WatchConfig re-reads mutable settings when the config file changes on disk.
// Only the log level is applied live; everything else needs a restart.
func WatchConfig() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		logging.SetLevel(viper.GetString("logging.level"))
	})
	viper.WatchConfig()
}

type Config struct {
	DeploymentMode int

	// Chunk sizing bounds handed out to clients. The engine never enforces
	// them; they bound the monitor's recommendation.
	MinChunkSize     int
	MaxChunkSize     int
	DefaultChunkSize int

	MaxRetries     int
	RetryBaseDelay time.Duration
	SaveTimeout    time.Duration

	// Dirs. TempDir holds per-session chunk directories, UploadDir the
	// merged output files.
	TempDir   string
	UploadDir string

	NetworkHistorySize    int
	ShrinkSuccessRate     float64
	GrowSuccessRate       float64
	GrowMinSpeed          float64
	FloorSpeed            float64
	ConcurrentSuccessRate float64
	ConcurrentMinSpeed    float64
	ConcurrentUploads     int

	CleanupFreq       int64
	StaleAgeHours     int
	CleanupNumWorkers int

	SessionCacheTTL time.Duration

	DBHost     string
	DBPort     string
	DBName     string
	DBUserName string
	DBPassword string
}

/*Configuration of the system */
var Configuration Config

// ReadConfig populates Configuration from viper.
func ReadConfig(deploymentMode int) {
	Configuration.DeploymentMode = deploymentMode

	Configuration.MinChunkSize = viper.GetInt("upload.min_chunk_size")
	Configuration.MaxChunkSize = viper.GetInt("upload.max_chunk_size")
	Configuration.DefaultChunkSize = viper.GetInt("upload.default_chunk_size")
	Configuration.MaxRetries = viper.GetInt("upload.max_retries")
	Configuration.RetryBaseDelay = viper.GetDuration("upload.retry_base_delay")
	Configuration.SaveTimeout = viper.GetDuration("upload.save_timeout")

	Configuration.NetworkHistorySize = viper.GetInt("network.history_size")
	Configuration.ShrinkSuccessRate = viper.GetFloat64("network.shrink_success_rate")
	Configuration.GrowSuccessRate = viper.GetFloat64("network.grow_success_rate")
	Configuration.GrowMinSpeed = viper.GetFloat64("network.grow_min_speed")
	Configuration.FloorSpeed = viper.GetFloat64("network.floor_speed")
	Configuration.ConcurrentSuccessRate = viper.GetFloat64("network.concurrent_success_rate")
	Configuration.ConcurrentMinSpeed = viper.GetFloat64("network.concurrent_min_speed")
	Configuration.ConcurrentUploads = viper.GetInt("network.concurrent_uploads")

	Configuration.CleanupFreq = viper.GetInt64("cleanup.frequency")
	Configuration.StaleAgeHours = viper.GetInt("cleanup.stale_age_hours")
	Configuration.CleanupNumWorkers = viper.GetInt("cleanup.num_workers")

	Configuration.SessionCacheTTL = viper.GetDuration("session.cache_ttl")

	Configuration.DBHost = viper.GetString("db.host")
	Configuration.DBPort = viper.GetString("db.port")
	Configuration.DBName = viper.GetString("db.name")
	Configuration.DBUserName = viper.GetString("db.user")
	Configuration.DBPassword = viper.GetString("db.password")
}

// Validate rejects a configuration the engine cannot run with.
func (c *Config) Validate() error {
	if c.MinChunkSize <= 0 {
		return common.NewError("invalid_config", "upload.min_chunk_size must be positive")
	}
	if c.MaxChunkSize < c.MinChunkSize {
		return common.NewErrorf("invalid_config",
			"upload.max_chunk_size %d is below upload.min_chunk_size %d", c.MaxChunkSize, c.MinChunkSize)
	}
	if c.DefaultChunkSize < c.MinChunkSize || c.DefaultChunkSize > c.MaxChunkSize {
		return common.NewErrorf("invalid_config",
			"upload.default_chunk_size %d is outside [%d, %d]", c.DefaultChunkSize, c.MinChunkSize, c.MaxChunkSize)
	}
	if c.MaxRetries < 1 {
		return common.NewError("invalid_config", "upload.max_retries must be at least 1")
	}
	if c.RetryBaseDelay < 0 {
		return common.NewError("invalid_config", "upload.retry_base_delay must not be negative")
	}
	if c.NetworkHistorySize < 5 {
		return common.NewError("invalid_config", "network.history_size must be at least 5")
	}
	if c.StaleAgeHours <= 0 {
		return common.NewError("invalid_config", "cleanup.stale_age_hours must be positive")
	}
	if c.TempDir == "" || c.UploadDir == "" {
		return common.NewError("invalid_config", "temp and upload directories must be configured")
	}
	return nil
}

func Development() bool {
	return Configuration.DeploymentMode == DeploymentDevelopment
}

func Staging() bool {
	return Configuration.DeploymentMode == DeploymentStaging
}
