package encoder

import (
	"strconv"
	"strings"
)

// progressSample is one parsed ffmpeg status line:
//
//	frame=  492 fps= 25 q=28.0 size=    1536KiB time=00:00:19.64 bitrate= 640.4kbits/s dup=0 drop=3 speed=1.01x
type progressSample struct {
	Frame   int64
	FPS     float64
	Dropped int64
	Speed   float64
}

// parseProgressLine extracts the fields best effort. Anything that is
// not a status line returns ok=false.
func parseProgressLine(line string) (progressSample, bool) {
	if !strings.HasPrefix(strings.TrimSpace(line), "frame=") {
		return progressSample{}, false
	}

	var s progressSample
	// ffmpeg pads values after '=', so "fps= 25" splits awkwardly.
	// Normalize by removing spaces after '='.
	norm := strings.ReplaceAll(line, "= ", "=")
	for strings.Contains(norm, "= ") {
		norm = strings.ReplaceAll(norm, "= ", "=")
	}

	for _, field := range strings.Fields(norm) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch k {
		case "frame":
			s.Frame, _ = strconv.ParseInt(v, 10, 64)
		case "fps":
			s.FPS, _ = strconv.ParseFloat(v, 64)
		case "drop":
			s.Dropped, _ = strconv.ParseInt(v, 10, 64)
		case "speed":
			s.Speed, _ = strconv.ParseFloat(strings.TrimSuffix(v, "x"), 64)
		}
	}
	return s, true
}

// classifyLine buckets a non-progress stderr line. Unrecognized lines
// return "" and are ignored.
func classifyLine(line string) EventType {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "broken pipe"),
		strings.Contains(lower, "could not"):
		return EvError
	case strings.Contains(lower, "warning"),
		strings.Contains(lower, "deprecated"),
		strings.Contains(lower, "corrupt"):
		return EvWarning
	}
	return ""
}
