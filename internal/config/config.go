package config

import (
	"encoding/json"
	"os"
	"time"
)

// Create new config instance with defaults that suit a single-node
// deployment; the config file overrides whatever it names.
func NewConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Upload: UploadConfig{
			MaxRequestBodyMB:     4096,
			MaxMultipartMemoryMB: 64,
		},
		Storage: StorageConfig{
			Region:       "us-east-1",
			Bucket:       "orthophotos",
			UsePathStyle: true,
			CreateBucket: true,
		},
		Renderer: RendererConfig{
			Rescale:      "0,255",
			Timeout:      Duration(10 * time.Second),
			TileCacheTTL: Duration(time.Hour),
			TileMaxAge:   Duration(24 * time.Hour),
		},
		Pipeline: PipelineConfig{
			Workers:      4,
			QueueSize:    64,
			TempDir:      "data/temp/orthos",
			PreviewWidth: 2048,
		},
		Tracker: TrackerConfig{
			Dir:           "data/tasks",
			Retention:     Duration(7 * 24 * time.Hour),
			SweepInterval: Duration(time.Hour),
		},
		Sweeper: SweeperConfig{
			Interval: Duration(6 * time.Hour),
			Grace:    Duration(2 * time.Hour),
		},
		Redis: RedisConfig{
			HealthCheckInterval: Duration(30 * time.Second),
			DialTimeout:         Duration(5 * time.Second),
			ReadTimeout:         Duration(3 * time.Second),
			WriteTimeout:        Duration(3 * time.Second),
			PoolSize:            20,
		},
	}
}

// Load configuration file in json format
func (c *Config) Read(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, c)
}
