package timeline

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castworks/cw-studio/internal/data"
)

func buildOpts(outputs ...string) BuildOptions {
	return BuildOptions{
		RelayURL:     func(id int64) string { return fmt.Sprintf("rtmp://127.0.0.1:1935/live/camera_%d", id) },
		AssetPath:    func(a *data.Asset) string { return "/var/lib/studio/uploads/" + a.Path },
		Outputs:      outputs,
		VideoEncoder: "libx264",
	}
}

func twoCameraTimeline() (*data.Timeline, *Catalog) {
	tl := &data.Timeline{
		ID: 1, Name: "show", Duration: 120, FPS: 30, Width: 1920, Height: 1080,
		Tracks: []*data.Track{
			{ID: 10, Kind: data.TrackVideo, Cues: []*data.Cue{
				{ID: 100, Start: 0, Duration: 60, Action: data.ShowCamera{CameraID: 4}},
				{ID: 101, Start: 60, Duration: 60, Action: data.ShowCamera{CameraID: 2}},
			}},
			{ID: 11, Kind: data.TrackOverlay, Layer: 1, Cues: []*data.Cue{
				{ID: 102, Start: 10, Duration: 30, Action: data.ShowOverlay{AssetID: 7, FadeIn: 1, FadeOut: 2}},
			}},
		},
	}
	cat := &Catalog{
		Cameras: map[int64]*data.Camera{
			2: {ID: 2, Name: "south"},
			4: {ID: 4, Name: "north"},
		},
		Presets: map[int64]*data.Preset{},
		Assets: map[int64]*data.Asset{
			7: {ID: 7, Kind: data.AssetStaticImage, Path: "logo.png", X: 0.8, Y: 0.05, Width: 200, Opacity: 0.9},
		},
	}
	return tl, cat
}

func TestBuildArgsInputsAndGates(t *testing.T) {
	tl, cat := twoCameraTimeline()
	args, err := BuildArgs(tl, cat, buildOpts("rtmp://127.0.0.1:1935/preview"))
	require.NoError(t, err)

	joined := strings.Join(args, " ")

	// Cameras in ascending id order, then assets.
	i2 := strings.Index(joined, "live/camera_2")
	i4 := strings.Index(joined, "live/camera_4")
	ia := strings.Index(joined, "logo.png")
	require.True(t, i2 >= 0 && i4 >= 0 && ia >= 0)
	assert.Less(t, i2, i4)
	assert.Less(t, i4, ia)

	graph := argAfter(t, args, "-filter_complex")
	assert.Contains(t, graph, "between(t,60,120)")
	assert.Contains(t, graph, "between(t,0,60)")
	assert.Contains(t, graph, "overlay=x=1536:y=54")
	assert.Contains(t, graph, "fade=t=in:st=10:d=1:alpha=1")
	assert.Contains(t, graph, "fade=t=out:st=38:d=2:alpha=1")
	assert.Contains(t, graph, "colorchannelmixer=aa=0.9")
	assert.Contains(t, graph, "anullsrc")

	assert.Equal(t, "60", argAfter(t, args, "-g"))
	assert.Equal(t, "libx264", argAfter(t, args, "-c:v"))
	assert.Equal(t, "rtmp://127.0.0.1:1935/preview", args[len(args)-1])
	assert.Equal(t, "flv", argAfter(t, args, "-f"))
}

func TestBuildArgsLoopUsesModClock(t *testing.T) {
	tl, cat := twoCameraTimeline()
	tl.Loop = true
	args, err := BuildArgs(tl, cat, buildOpts("rtmp://127.0.0.1:1935/preview"))
	require.NoError(t, err)

	graph := argAfter(t, args, "-filter_complex")
	assert.Contains(t, graph, "between(mod(t,120),0,60)")
	assert.Contains(t, graph, "between(mod(t,120),60,120)")
}

func TestBuildArgsTeeAcrossDestinations(t *testing.T) {
	tl, cat := twoCameraTimeline()
	args, err := BuildArgs(tl, cat, buildOpts(
		"rtmp://a.rtmp.youtube.com/live2/key1",
		"rtmp://live.example.com/app/key2",
	))
	require.NoError(t, err)

	assert.Equal(t, "tee", argAfter(t, args, "-f"))
	last := args[len(args)-1]
	assert.Equal(t, "[f=flv:onfail=ignore]rtmp://a.rtmp.youtube.com/live2/key1|[f=flv:onfail=ignore]rtmp://live.example.com/app/key2", last)
}

func TestBuildArgsIdempotentUnderCueReordering(t *testing.T) {
	tl, cat := twoCameraTimeline()
	a1, err := BuildArgs(tl, cat, buildOpts("rtmp://127.0.0.1:1935/preview"))
	require.NoError(t, err)

	video := tl.Tracks[0]
	video.Cues[0], video.Cues[1] = video.Cues[1], video.Cues[0]
	a2, err := BuildArgs(tl, cat, buildOpts("rtmp://127.0.0.1:1935/preview"))
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
}

func TestBuildArgsFadeTransitionWidensGate(t *testing.T) {
	tl, cat := twoCameraTimeline()
	tl.Tracks[0].Cues[1].Transition = data.TransitionFade
	tl.Tracks[0].Cues[1].TransitionDur = 2

	args, err := BuildArgs(tl, cat, buildOpts("rtmp://127.0.0.1:1935/preview"))
	require.NoError(t, err)

	graph := argAfter(t, args, "-filter_complex")
	assert.Contains(t, graph, "between(t,58,120)", "incoming cue gate opens early for the cross fade")
	assert.Contains(t, graph, "fade=t=in:st=58:d=2:alpha=1")
}

func fadePairTimeline(firstCam, secondCam int64) (*data.Timeline, *Catalog) {
	tl := &data.Timeline{
		ID: 3, Name: "pair", Duration: 20, FPS: 30, Width: 1920, Height: 1080,
		Tracks: []*data.Track{
			{ID: 30, Kind: data.TrackVideo, Cues: []*data.Cue{
				{ID: 300, Start: 0, Duration: 10, Action: data.ShowCamera{CameraID: firstCam}},
				{ID: 301, Start: 10, Duration: 10, Transition: data.TransitionFade, TransitionDur: 2,
					Action: data.ShowCamera{CameraID: secondCam}},
			}},
		},
	}
	cat := &Catalog{
		Cameras: map[int64]*data.Camera{
			firstCam:  {ID: firstCam},
			secondCam: {ID: secondCam},
		},
		Presets: map[int64]*data.Preset{},
		Assets:  map[int64]*data.Asset{},
	}
	return tl, cat
}

func TestBuildArgsFadeIncomingLayeredAboveOutgoing(t *testing.T) {
	// The incoming cue's alpha ramp must sit above the outgoing picture
	// in both id directions, otherwise one direction degrades to a cut.
	t.Run("higher id fades in", func(t *testing.T) {
		tl, cat := fadePairTimeline(2, 9)
		args, err := BuildArgs(tl, cat, buildOpts("rtmp://127.0.0.1:1935/preview"))
		require.NoError(t, err)

		graph := argAfter(t, args, "-filter_complex")
		// Camera 2 is input 0, camera 9 input 1. The outgoing cue paints
		// first, the fading cue paints last.
		assert.Contains(t, graph, "[base][src0]overlay=format=auto:enable='between(t,0,10)'[v0]")
		assert.Contains(t, graph, "[src1]fade=t=in:st=8:d=2:alpha=1[f1]")
		assert.Contains(t, graph, "[v0][f1]overlay=format=auto:enable='between(t,8,20)'[v1]")
	})

	t.Run("lower id fades in", func(t *testing.T) {
		tl, cat := fadePairTimeline(9, 2)
		args, err := BuildArgs(tl, cat, buildOpts("rtmp://127.0.0.1:1935/preview"))
		require.NoError(t, err)

		graph := argAfter(t, args, "-filter_complex")
		assert.Contains(t, graph, "[base][src1]overlay=format=auto:enable='between(t,0,10)'[v0]")
		assert.Contains(t, graph, "[src0]fade=t=in:st=8:d=2:alpha=1[f1]")
		assert.Contains(t, graph, "[v0][f1]overlay=format=auto:enable='between(t,8,20)'[v1]")
	})
}

func TestBuildArgsReentrantSourceSplits(t *testing.T) {
	tl, cat := twoCameraTimeline()
	video := tl.Tracks[0]
	video.Cues[0].Duration = 40
	video.Cues[1].Start, video.Cues[1].Duration = 40, 40
	video.Cues = append(video.Cues, &data.Cue{
		ID: 103, Start: 80, Duration: 40, Action: data.ShowCamera{CameraID: 4},
	})

	args, err := BuildArgs(tl, cat, buildOpts("rtmp://127.0.0.1:1935/preview"))
	require.NoError(t, err)

	graph := argAfter(t, args, "-filter_complex")
	// Camera 4 feeds two layers, so its prepped chain is split.
	assert.Contains(t, graph, "[src1]split=2[src1_0][src1_1]")
	assert.Contains(t, graph, "enable='between(t,0,40)'")
	assert.Contains(t, graph, "enable='between(t,80,120)'")
}

func TestBuildArgsSingleCuePassthrough(t *testing.T) {
	tl := &data.Timeline{
		ID: 2, Name: "solo", Duration: 60, FPS: 30, Width: 1920, Height: 1080,
		Tracks: []*data.Track{
			{ID: 20, Kind: data.TrackVideo, Cues: []*data.Cue{
				{ID: 200, Start: 0, Duration: 60, Action: data.ShowCamera{CameraID: 4}},
			}},
		},
	}
	cat := &Catalog{
		Cameras: map[int64]*data.Camera{4: {ID: 4}},
		Presets: map[int64]*data.Preset{},
		Assets:  map[int64]*data.Asset{},
	}

	args, err := BuildArgs(tl, cat, buildOpts("rtmp://127.0.0.1:1935/preview"))
	require.NoError(t, err)

	graph := argAfter(t, args, "-filter_complex")
	// No switching: the lone source goes straight through scale/pad/fps.
	assert.NotContains(t, graph, "color=c=black")
	assert.NotContains(t, graph, "format=yuva420p")
	assert.Contains(t, graph, "[0:v]setpts=PTS-STARTPTS,scale=1920:1080")
	assert.Contains(t, graph, "[v0]format=yuv420p[vout]")
}

func TestBuildArgsMediaCueSilencesAudio(t *testing.T) {
	tl, cat := twoCameraTimeline()
	tl.Tracks[0].Cues[1].Action = data.ShowMedia{AssetID: 9}
	cat.Assets[9] = &data.Asset{ID: 9, Kind: data.AssetStaticImage, Path: "card.png"}

	args, err := BuildArgs(tl, cat, buildOpts("rtmp://127.0.0.1:1935/preview"))
	require.NoError(t, err)

	graph := argAfter(t, args, "-filter_complex")
	// Only camera 4 contributes audio; the card shows over silence.
	assert.Equal(t, 1, strings.Count(graph, "volume=volume=0"))
	assert.Contains(t, graph, "amix=inputs=2")
}

func TestValidate(t *testing.T) {
	tl, _ := twoCameraTimeline()
	require.NoError(t, Validate(tl))

	t.Run("zero duration", func(t *testing.T) {
		bad, _ := twoCamerasTimelineCopy()
		bad.Duration = 0
		assert.Error(t, Validate(bad))
	})

	t.Run("overlapping cues", func(t *testing.T) {
		bad, _ := twoCamerasTimelineCopy()
		bad.Tracks[0].Cues[1].Start = 30
		assert.Error(t, Validate(bad))
	})

	t.Run("cue past end", func(t *testing.T) {
		bad, _ := twoCamerasTimelineCopy()
		bad.Tracks[0].Cues[1].Duration = 120
		assert.Error(t, Validate(bad))
	})

	t.Run("no video track", func(t *testing.T) {
		bad, _ := twoCamerasTimelineCopy()
		bad.Tracks[0].Kind = data.TrackOverlay
		assert.Error(t, Validate(bad))
	})

	t.Run("empty video track", func(t *testing.T) {
		bad, _ := twoCamerasTimelineCopy()
		bad.Tracks[0].Cues = nil
		assert.Error(t, Validate(bad))
	})

	t.Run("overlay action on video track", func(t *testing.T) {
		bad, _ := twoCamerasTimelineCopy()
		bad.Tracks[0].Cues[0].Action = data.ShowOverlay{AssetID: 7}
		assert.Error(t, Validate(bad))
	})
}

func twoCamerasTimelineCopy() (*data.Timeline, *Catalog) {
	return twoCameraTimeline()
}

func argAfter(t *testing.T, args []string, flag string) string {
	t.Helper()
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	t.Fatalf("flag %s not found", flag)
	return ""
}
