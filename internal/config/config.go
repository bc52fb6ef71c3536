package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration. Values come from the YAML
// file first, then environment variables override field by field.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`
	NatsURL     string `yaml:"nats_url"`
	UploadsDir  string `yaml:"uploads_dir"`

	Relay struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"rtmp_relay"`

	Preview struct {
		RTMPHost string `yaml:"rtmp_host"`
		RTMPPort int    `yaml:"rtmp_port"`
		HLSPort  int    `yaml:"hls_port"`
		APIPort  int    `yaml:"api_port"`
	} `yaml:"preview"`

	Encoder struct {
		Binary         string        `yaml:"binary"`
		StartupTimeout time.Duration `yaml:"startup_timeout"`
		StopGrace      time.Duration `yaml:"stop_grace"`
	} `yaml:"encoder"`

	MediaServer struct {
		Binary    string `yaml:"binary"`
		ConfigDir string `yaml:"config_dir"`
	} `yaml:"media_server"`

	ONVIF struct {
		DeviceURL    string        `yaml:"device_url"` // global override, optional
		ProbeTimeout time.Duration `yaml:"probe_timeout"`
		OpTimeout    time.Duration `yaml:"op_timeout"`
		SettleDelay  time.Duration `yaml:"settle_delay"`
		Debug        bool          `yaml:"debug"`
	} `yaml:"onvif"`

	Health struct {
		Interval   time.Duration `yaml:"interval"`
		ONVIFEvery int           `yaml:"onvif_every"` // GetStatus every Nth cycle
	} `yaml:"health"`

	API struct {
		Port             int      `yaml:"port"`
		CORSAllowOrigins []string `yaml:"cors_allow_origins"`
		HLSTokenSecret   string   `yaml:"hls_token_secret"`
	} `yaml:"api"`

	YouTube struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		RedirectURI  string `yaml:"redirect_uri"`
	} `yaml:"youtube_oauth"`
}

// Load reads the YAML file at path (missing file is not an error; env
// can carry everything) and applies env overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if raw, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required (set DATABASE_URL)")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr(&cfg.DatabaseURL, "DATABASE_URL")
	envStr(&cfg.RedisAddr, "REDIS_ADDR")
	envStr(&cfg.NatsURL, "NATS_URL")
	envStr(&cfg.UploadsDir, "UPLOADS_DIR")
	envStr(&cfg.Relay.Host, "RTMP_RELAY_HOST")
	envInt(&cfg.Relay.Port, "RTMP_RELAY_PORT")
	envStr(&cfg.Preview.RTMPHost, "PREVIEW_RTMP_HOST")
	envInt(&cfg.Preview.RTMPPort, "PREVIEW_RTMP_PORT")
	envInt(&cfg.Preview.HLSPort, "PREVIEW_HLS_PORT")
	envInt(&cfg.Preview.APIPort, "PREVIEW_API_PORT")
	envStr(&cfg.Encoder.Binary, "FFMPEG_BIN")
	envStr(&cfg.MediaServer.Binary, "MEDIA_SERVER_BIN")
	envStr(&cfg.ONVIF.DeviceURL, "ONVIF_DEVICE_URL")
	envBool(&cfg.ONVIF.Debug, "PTZ_DEBUG")
	envInt(&cfg.API.Port, "PORT")
	envStr(&cfg.API.HLSTokenSecret, "HLS_TOKEN_SECRET")
	envStr(&cfg.YouTube.ClientID, "YOUTUBE_OAUTH_CLIENT_ID")
	envStr(&cfg.YouTube.ClientSecret, "YOUTUBE_OAUTH_CLIENT_SECRET")
	envStr(&cfg.YouTube.RedirectURI, "YOUTUBE_OAUTH_REDIRECT_URI")
}

func applyDefaults(cfg *Config) {
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.UploadsDir == "" {
		cfg.UploadsDir = "/var/lib/cw-studio/uploads"
	}
	if cfg.Relay.Host == "" {
		cfg.Relay.Host = "127.0.0.1"
	}
	if cfg.Relay.Port == 0 {
		cfg.Relay.Port = 1935
	}
	if cfg.Preview.RTMPHost == "" {
		cfg.Preview.RTMPHost = cfg.Relay.Host
	}
	if cfg.Preview.RTMPPort == 0 {
		cfg.Preview.RTMPPort = cfg.Relay.Port
	}
	if cfg.Preview.HLSPort == 0 {
		cfg.Preview.HLSPort = 8888
	}
	if cfg.Preview.APIPort == 0 {
		cfg.Preview.APIPort = 9997
	}
	if cfg.Encoder.Binary == "" {
		cfg.Encoder.Binary = "ffmpeg"
	}
	if cfg.Encoder.StartupTimeout == 0 {
		cfg.Encoder.StartupTimeout = 15 * time.Second
	}
	if cfg.Encoder.StopGrace == 0 {
		cfg.Encoder.StopGrace = 5 * time.Second
	}
	if cfg.MediaServer.Binary == "" {
		cfg.MediaServer.Binary = "mediamtx"
	}
	if cfg.MediaServer.ConfigDir == "" {
		cfg.MediaServer.ConfigDir = "/var/lib/cw-studio"
	}
	if cfg.ONVIF.ProbeTimeout == 0 {
		cfg.ONVIF.ProbeTimeout = 2 * time.Second
	}
	if cfg.ONVIF.OpTimeout == 0 {
		cfg.ONVIF.OpTimeout = 10 * time.Second
	}
	if cfg.ONVIF.SettleDelay == 0 {
		cfg.ONVIF.SettleDelay = 3 * time.Second
	}
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 15 * time.Second
	}
	if cfg.Health.ONVIFEvery == 0 {
		cfg.Health.ONVIFEvery = 4
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
}

// RelayURL returns the local RTMP mount point for a camera. The URL is
// deterministic from the camera id.
func (c *Config) RelayURL(cameraID int64) string {
	return fmt.Sprintf("rtmp://%s:%d/live/camera_%d", c.Relay.Host, c.Relay.Port, cameraID)
}

// PreviewURL returns the RTMP mount point the program encoder publishes
// to in preview mode.
func (c *Config) PreviewURL() string {
	return fmt.Sprintf("rtmp://%s:%d/preview", c.Preview.RTMPHost, c.Preview.RTMPPort)
}

// PreviewHLSURL returns the browser-facing playlist URL.
func (c *Config) PreviewHLSURL() string {
	return fmt.Sprintf("http://%s:%d/preview/index.m3u8", c.Preview.RTMPHost, c.Preview.HLSPort)
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || v == "true" || v == "yes"
	}
}
