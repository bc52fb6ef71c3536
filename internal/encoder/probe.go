package encoder

import (
	"context"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Codec preference order for the program encoder. The probe walks this
// list against `ffmpeg -encoders` and falls back to software.
var hardwareCandidates = []string{
	"h264_videotoolbox",
	"h264_v4l2m2m",
}

const softwareEncoder = "libx264"

var (
	probeOnce   sync.Once
	probeResult string
)

// ProbeVideoEncoder returns the best available H.264 encoder name. The
// probe runs once per process; later calls return the cached result.
func ProbeVideoEncoder(binary string) string {
	probeOnce.Do(func() {
		probeResult = probeVideoEncoder(binary)
		log.Printf("[encoder] using video encoder %s", probeResult)
	})
	return probeResult
}

func probeVideoEncoder(binary string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, binary, "-hide_banner", "-encoders").Output()
	if err != nil {
		return softwareEncoder
	}

	listing := string(out)
	for _, cand := range hardwareCandidates {
		if !strings.Contains(listing, cand) {
			continue
		}
		if encoderWorks(binary, cand) {
			return cand
		}
	}
	return softwareEncoder
}

// encoderWorks runs a one-frame null encode, catching encoders that
// are compiled in but unusable on this hardware.
func encoderWorks(binary, name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, binary,
		"-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "color=black:size=320x240:rate=30",
		"-frames:v", "1", "-c:v", name,
		"-f", "null", "-",
	)
	return cmd.Run() == nil
}
