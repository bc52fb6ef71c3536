package mediaserver

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Options shapes the generated media-server configuration.
type Options struct {
	RTMPPort  int
	HLSPort   int
	APIPort   int
	CameraIDs []int64
}

// serverConfig is the minimal mediamtx YAML we generate. Relays push
// to live/camera_{id}; the program encoder pushes to preview.
type serverConfig struct {
	RTMP           bool                  `yaml:"rtmp"`
	RTMPAddress    string                `yaml:"rtmpAddress"`
	HLS            bool                  `yaml:"hls"`
	HLSAddress     string                `yaml:"hlsAddress"`
	HLSVariant     string                `yaml:"hlsVariant"`
	HLSSegCount    int                   `yaml:"hlsSegmentCount"`
	HLSSegDur      string                `yaml:"hlsSegmentDuration"`
	HLSAllowOrigin string                `yaml:"hlsAllowOrigin"`
	API            bool                  `yaml:"api"`
	APIAddress     string                `yaml:"apiAddress"`
	RTSP           bool                  `yaml:"rtsp"`
	WebRTC         bool                  `yaml:"webrtc"`
	SRT            bool                  `yaml:"srt"`
	Paths          map[string]pathConfig `yaml:"paths"`
}

type pathConfig struct {
	Source string `yaml:"source,omitempty"`
}

// PathForCamera is the mount-point name a relay publishes to.
func PathForCamera(id int64) string {
	return fmt.Sprintf("live/camera_%d", id)
}

// PreviewPath is the mount point the program encoder publishes to in
// preview mode.
const PreviewPath = "preview"

func buildConfig(opts Options) serverConfig {
	cfg := serverConfig{
		RTMP:           true,
		RTMPAddress:    fmt.Sprintf(":%d", opts.RTMPPort),
		HLS:            true,
		HLSAddress:     fmt.Sprintf(":%d", opts.HLSPort),
		HLSVariant:     "lowLatency",
		HLSSegCount:    3,
		HLSSegDur:      "1s",
		HLSAllowOrigin: "*",
		API:            true,
		APIAddress:     fmt.Sprintf("127.0.0.1:%d", opts.APIPort),
		Paths:          make(map[string]pathConfig),
	}
	// Publish-only paths; the server accepts pushes, nothing is pulled.
	for _, id := range opts.CameraIDs {
		cfg.Paths[PathForCamera(id)] = pathConfig{Source: "publisher"}
	}
	cfg.Paths[PreviewPath] = pathConfig{Source: "publisher"}
	return cfg
}

// WriteConfig renders the YAML into dir and returns the file path.
func WriteConfig(dir string, opts Options) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(buildConfig(opts)); err != nil {
		return "", fmt.Errorf("marshal media server config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", err
	}

	path := filepath.Join(dir, "mediaserver.yml")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write media server config: %w", err)
	}
	return path, nil
}
