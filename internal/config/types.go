package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a config-file duration. A JSON number is read as seconds,
// a string as a Go duration ("90s", "1h30m"). Every duration field in
// the config uses this type so a bare number never silently means
// nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}

	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return err
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server   ServerConfig   `json:"server"`
	Upload   UploadConfig   `json:"upload"`
	Database Database       `json:"database"`
	Storage  StorageConfig  `json:"storage"`
	Renderer RendererConfig `json:"renderer"`
	Pipeline PipelineConfig `json:"pipeline"`
	Tracker  TrackerConfig  `json:"tracker"`
	Sweeper  SweeperConfig  `json:"sweeper"`
	Redis    RedisConfig    `json:"redis"`
	Sentry   SentryConfig   `json:"sentry"`
}

type ServerConfig struct {
	Port         int      `json:"port"`
	ReadTimeout  Duration `json:"read_timeout"`
	WriteTimeout Duration `json:"write_timeout"`
}

type UploadConfig struct {
	MaxRequestBodyMB     int64 `json:"max_request_body"`
	MaxMultipartMemoryMB int64 `json:"max_multipart_memory"`
}

type Database struct {
	DSN string `json:"dsn"`
}

// StorageConfig describes the S3-compatible object store (MinIO in the
// default deployment). PublicEndpoint is the address the tile renderer
// uses to fetch rasters; inside a compose network it usually differs
// from Endpoint.
type StorageConfig struct {
	Endpoint       string `json:"endpoint"`
	PublicEndpoint string `json:"public_endpoint"`
	Region         string `json:"region"`
	Bucket         string `json:"bucket"`
	AccessKeyID    string `json:"access_key_id"`
	SecretKey      string `json:"secret_key"`
	UsePathStyle   bool   `json:"use_path_style"`
	CreateBucket   bool   `json:"create_bucket"`
}

type RendererConfig struct {
	URL          string   `json:"url"`
	Rescale      string   `json:"rescale"`
	Timeout      Duration `json:"timeout"`
	TileCacheTTL Duration `json:"tile_cache_ttl"`
	TileMaxAge   Duration `json:"tile_max_age"`
}

type PipelineConfig struct {
	Workers      int    `json:"workers"`
	QueueSize    int    `json:"queue_size"`
	TempDir      string `json:"temp_dir"`
	PreviewWidth int    `json:"preview_width"`
}

type TrackerConfig struct {
	Dir           string   `json:"dir"`
	Retention     Duration `json:"retention"`
	SweepInterval Duration `json:"sweep_interval"`
}

type SweeperConfig struct {
	Enabled       bool     `json:"enabled"`
	Interval      Duration `json:"interval"`
	Grace         Duration `json:"grace"`
	DeleteOrphans bool     `json:"delete_orphans"`
}

type RedisConfig struct {
	Password            string      `json:"password"`
	DatabaseID          int         `json:"database_id"`
	HealthCheckInterval Duration    `json:"health_check_interval"`
	DialTimeout         Duration    `json:"dial_timeout"`
	ReadTimeout         Duration    `json:"read_timeout"`
	WriteTimeout        Duration    `json:"write_timeout"`
	PoolSize            int         `json:"pool_size"`
	Nodes               []RedisNode `json:"nodes"`
}

type RedisNode struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (n RedisNode) Addr() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

type SentryConfig struct {
	SentryDSN   string `json:"sentry_dsn"`
	Environment string `json:"environment"`
}
