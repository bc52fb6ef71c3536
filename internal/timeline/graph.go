package timeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/castworks/cw-studio/internal/data"
)

// BuildOptions parameterize program command construction.
type BuildOptions struct {
	RelayURL     func(cameraID int64) string
	AssetPath    func(a *data.Asset) string
	Outputs      []string // RTMP URLs; one means plain flv, several mean tee
	VideoEncoder string   // from the hardware probe
	BitrateKbps  int      // 0 = default 4500
}

// graphSource is one video input feeding the program track: a camera
// relay or a full-frame media asset.
type graphSource struct {
	label    string // input stream label, e.g. "0:v"
	cues     []*data.Cue
	hasAudio bool
}

// BuildArgs constructs the complete argument vector for the program
// encoder: every referenced camera relay and asset as an input, one
// filter graph gating sources by cue windows, one encode, one or more
// outputs. The same timeline always yields the same argv regardless of
// the order cues were stored in.
func BuildArgs(tl *data.Timeline, cat *Catalog, opts BuildOptions) ([]string, error) {
	if opts.BitrateKbps == 0 {
		opts.BitrateKbps = 4500
	}
	if len(opts.Outputs) == 0 {
		return nil, fmt.Errorf("timeline %d: no outputs", tl.ID)
	}

	fps := tl.FPS
	if fps == 0 {
		fps = 30
	}
	w, h := tl.Width, tl.Height
	if w == 0 {
		w, h = 1920, 1080
	}

	cameraIDs := cat.CameraIDs()
	inputIdx := make(map[string]int) // "cam:<id>" or "asset:<id>" -> input number
	args := []string{"-hide_banner", "-loglevel", "level+info"}

	for i, id := range cameraIDs {
		args = append(args, "-rtmp_live", "live", "-i", opts.RelayURL(id))
		inputIdx[fmt.Sprintf("cam:%d", id)] = i
	}

	assetIDs := sortedAssetIDs(cat)
	for _, id := range assetIDs {
		a := cat.Assets[id]
		switch a.Kind {
		case data.AssetVideo:
			args = append(args, "-stream_loop", "-1", "-i", opts.AssetPath(a))
		default:
			args = append(args, "-loop", "1", "-framerate", fmt.Sprint(fps), "-i", opts.AssetPath(a))
		}
		inputIdx[fmt.Sprintf("asset:%d", id)] = len(cameraIDs) + indexOf(assetIDs, id)
	}

	graph, err := buildFilterGraph(tl, cat, inputIdx, w, h, fps)
	if err != nil {
		return nil, err
	}

	args = append(args,
		"-filter_complex", graph,
		"-map", "[vout]", "-map", "[aout]",
		"-c:v", opts.VideoEncoder,
		"-b:v", fmt.Sprintf("%dk", opts.BitrateKbps),
		"-maxrate", fmt.Sprintf("%dk", opts.BitrateKbps),
		"-bufsize", fmt.Sprintf("%dk", opts.BitrateKbps*2),
		"-g", fmt.Sprint(fps*2),
		"-pix_fmt", "yuv420p",
		"-c:a", "aac", "-b:a", "128k", "-ar", "44100",
	)

	if len(opts.Outputs) == 1 {
		args = append(args, "-f", "flv", opts.Outputs[0])
	} else {
		branches := make([]string, len(opts.Outputs))
		for i, out := range opts.Outputs {
			branches[i] = fmt.Sprintf("[f=flv:onfail=ignore]%s", out)
		}
		args = append(args, "-flags", "+global_header", "-f", "tee", strings.Join(branches, "|"))
	}
	return args, nil
}

func buildFilterGraph(tl *data.Timeline, cat *Catalog, inputIdx map[string]int, w, h, fps int) (string, error) {
	videoTrack := findVideoTrack(tl)
	if videoTrack == nil {
		return "", fmt.Errorf("timeline %d: no video track", tl.ID)
	}

	clock := "t"
	if tl.Loop {
		clock = fmt.Sprintf("mod(t,%s)", ffnum(tl.Duration))
	}

	sources := collectVideoSources(videoTrack, cat, inputIdx)
	layers := collectVideoLayers(sources)

	prepChain := fmt.Sprintf(
		"setpts=PTS-STARTPTS,scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,fps=%d",
		w, h, w, h, fps)

	var parts []string
	var prev string

	if len(layers) == 1 {
		// A lone cue owns the whole program: straight through the
		// scale/pad/fps chain, no gates, no compositing.
		parts = append(parts, fmt.Sprintf("[%s]%s[v0]", sources[layers[0].srcIdx].label, prepChain))
		prev = "v0"
	} else {
		parts = append(parts, fmt.Sprintf("color=c=black:s=%dx%d:r=%d[base]", w, h, fps))

		// One prepped chain per source (cameras ascending, then media
		// assets ascending), split when several cues draw from it.
		for k, src := range sources {
			label := fmt.Sprintf("src%d", k)
			parts = append(parts, fmt.Sprintf("[%s]%s,format=yuva420p[%s]", src.label, prepChain, label))
			if n := len(src.cues); n > 1 {
				outs := make([]string, n)
				for i := range outs {
					outs[i] = fmt.Sprintf("[%s_%d]", label, i)
				}
				parts = append(parts, fmt.Sprintf("[%s]split=%d%s", label, n, strings.Join(outs, "")))
			}
		}

		// One layer per cue, stacked in cue-start order. The incoming
		// cue always sits above the one it replaces, so a fade's alpha
		// ramp blends over the outgoing picture no matter which source
		// ids are involved.
		prev = "base"
		copies := make([]int, len(sources))
		for k, l := range layers {
			src := sources[l.srcIdx]
			in := fmt.Sprintf("src%d", l.srcIdx)
			if len(src.cues) > 1 {
				in = fmt.Sprintf("%s_%d", in, copies[l.srcIdx])
				copies[l.srcIdx]++
			}

			lead := 0.0
			if l.cue.Transition == data.TransitionFade && l.cue.TransitionDur > 0 {
				lead = l.cue.TransitionDur
				st := l.cue.Start - lead
				if st < 0 {
					st = 0
				}
				ramp := fmt.Sprintf("f%d", k)
				parts = append(parts, fmt.Sprintf("[%s]fade=t=in:st=%s:d=%s:alpha=1[%s]",
					in, ffnum(st), ffnum(l.cue.TransitionDur), ramp))
				in = ramp
			}

			next := fmt.Sprintf("v%d", k)
			parts = append(parts, fmt.Sprintf("[%s][%s]overlay=format=auto:enable='%s'[%s]",
				prev, in, gate(l.cue, clock, lead), next))
			prev = next
		}
	}

	// Overlay cues in z-order. Assets used by several cues are split so
	// each cue gets its own alpha ramp.
	overlayCues := collectOverlayCues(tl)
	uses := make(map[int64]int)
	for _, oc := range overlayCues {
		uses[oc.assetID]++
	}
	seen := make(map[int64]int)
	for _, id := range sortedOverlayAssets(overlayCues) {
		a := cat.Assets[id]
		prep := overlayPrep(a)
		n := uses[id]
		if n == 1 {
			parts = append(parts, fmt.Sprintf("[%d:v]%s[ou_%d_0]", inputIdx[fmt.Sprintf("asset:%d", id)], prep, id))
			continue
		}
		outs := make([]string, n)
		for i := 0; i < n; i++ {
			outs[i] = fmt.Sprintf("[ou_%d_%d]", id, i)
		}
		parts = append(parts, fmt.Sprintf("[%d:v]%ssplit=%d%s",
			inputIdx[fmt.Sprintf("asset:%d", id)], prep+",", n, strings.Join(outs, "")))
	}

	for k, oc := range overlayCues {
		a := cat.Assets[oc.assetID]
		in := fmt.Sprintf("ou_%d_%d", oc.assetID, seen[oc.assetID])
		seen[oc.assetID]++

		src := in
		if ramp := overlayFades(oc); ramp != "" {
			src = fmt.Sprintf("of%d", k)
			parts = append(parts, fmt.Sprintf("[%s]%s[%s]", in, ramp, src))
		}
		next := fmt.Sprintf("ov%d", k)
		parts = append(parts, fmt.Sprintf("[%s][%s]overlay=x=%s:y=%s:enable='%s'[%s]",
			prev, src, ffnum(a.X*float64(w)), ffnum(a.Y*float64(h)),
			gate(oc.cue, clock, 0), next))
		prev = next
	}

	parts = append(parts, fmt.Sprintf("[%s]format=yuv420p[vout]", prev))
	parts = append(parts, audioGraph(sources, clock))
	return strings.Join(parts, ";"), nil
}

// audioGraph passes each camera's audio through, muted outside its cue
// windows, plus a silence floor so media-only stretches stay silent
// instead of starving the muxer.
func audioGraph(sources []graphSource, clock string) string {
	var parts []string
	var mixIns []string

	for k, src := range sources {
		if !src.hasAudio {
			continue
		}
		label := fmt.Sprintf("aud%d", k)
		idx := strings.TrimSuffix(src.label, ":v")
		parts = append(parts, fmt.Sprintf("[%s:a]asetpts=PTS-STARTPTS,volume=volume=0:enable='not(%s)'[%s]",
			idx, gateUnion(src.cues, clock), label))
		mixIns = append(mixIns, "["+label+"]")
	}

	parts = append(parts, "anullsrc=channel_layout=stereo:sample_rate=44100[silence]")
	mixIns = append(mixIns, "[silence]")
	parts = append(parts, fmt.Sprintf("%samix=inputs=%d:duration=first:normalize=0[aout]",
		strings.Join(mixIns, ""), len(mixIns)))
	return strings.Join(parts, ";")
}

type overlayCue struct {
	cue     *data.Cue
	assetID int64
	layer   int
	fadeIn  float64
	fadeOut float64
}

func collectOverlayCues(tl *data.Timeline) []overlayCue {
	var out []overlayCue
	for _, track := range tl.Tracks {
		if track.Kind != data.TrackOverlay {
			continue
		}
		for _, cue := range track.Cues {
			a, ok := cue.Action.(data.ShowOverlay)
			if !ok {
				continue
			}
			out = append(out, overlayCue{cue: cue, assetID: a.AssetID, layer: track.Layer, fadeIn: a.FadeIn, fadeOut: a.FadeOut})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].layer != out[j].layer {
			return out[i].layer < out[j].layer
		}
		if out[i].cue.Start != out[j].cue.Start {
			return out[i].cue.Start < out[j].cue.Start
		}
		return out[i].assetID < out[j].assetID
	})
	return out
}

func sortedOverlayAssets(cues []overlayCue) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, oc := range cues {
		if !seen[oc.assetID] {
			seen[oc.assetID] = true
			ids = append(ids, oc.assetID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func overlayPrep(a *data.Asset) string {
	var steps []string
	switch {
	case a.Width > 0 && a.Height > 0:
		steps = append(steps, fmt.Sprintf("scale=%d:%d", a.Width, a.Height))
	case a.Width > 0:
		steps = append(steps, fmt.Sprintf("scale=%d:-1", a.Width))
	case a.Height > 0:
		steps = append(steps, fmt.Sprintf("scale=-1:%d", a.Height))
	}
	steps = append(steps, "format=yuva420p")
	if a.Opacity > 0 && a.Opacity < 1 {
		steps = append(steps, fmt.Sprintf("colorchannelmixer=aa=%s", ffnum(a.Opacity)))
	}
	return strings.Join(steps, ",")
}

func overlayFades(oc overlayCue) string {
	var steps []string
	if oc.fadeIn > 0 {
		steps = append(steps, fmt.Sprintf("fade=t=in:st=%s:d=%s:alpha=1", ffnum(oc.cue.Start), ffnum(oc.fadeIn)))
	}
	if oc.fadeOut > 0 {
		steps = append(steps, fmt.Sprintf("fade=t=out:st=%s:d=%s:alpha=1", ffnum(oc.cue.End()-oc.fadeOut), ffnum(oc.fadeOut)))
	}
	return strings.Join(steps, ",")
}

// videoLayer is one cue's slice of the program composite.
type videoLayer struct {
	cue    *data.Cue
	srcIdx int
}

// collectVideoLayers flattens the sources into per-cue layers ordered
// by cue start. Fade ramps use absolute time, so on looping timelines
// later passes degrade to hard cuts at those boundaries.
func collectVideoLayers(sources []graphSource) []videoLayer {
	var out []videoLayer
	for k, src := range sources {
		for _, cue := range src.cues {
			out = append(out, videoLayer{cue: cue, srcIdx: k})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].cue.Start < out[j].cue.Start })
	return out
}

// gate returns the enable expression for one cue window. lead widens
// the window start, used for fade transitions so the incoming source is
// visible while its alpha ramps up.
func gate(cue *data.Cue, clock string, lead float64) string {
	start := cue.Start - lead
	if start < 0 {
		start = 0
	}
	return fmt.Sprintf("between(%s,%s,%s)", clock, ffnum(start), ffnum(cue.End()))
}

// gateUnion ORs a source's cue windows. between() yields 0/1 so a sum
// works as a union.
func gateUnion(cues []*data.Cue, clock string) string {
	terms := make([]string, 0, len(cues))
	for _, cue := range cues {
		terms = append(terms, gate(cue, clock, 0))
	}
	return strings.Join(terms, "+")
}

func findVideoTrack(tl *data.Timeline) *data.Track {
	for _, track := range tl.Tracks {
		if track.Kind == data.TrackVideo {
			return track
		}
	}
	return nil
}

// collectVideoSources groups the video track's cues by source, cameras
// first (ascending id), then media assets (ascending id). Cue lists are
// sorted by start so identical timelines serialize identically.
func collectVideoSources(track *data.Track, cat *Catalog, inputIdx map[string]int) []graphSource {
	byCam := make(map[int64][]*data.Cue)
	byAsset := make(map[int64][]*data.Cue)
	for _, cue := range track.Cues {
		switch a := cue.Action.(type) {
		case data.ShowCamera:
			byCam[a.CameraID] = append(byCam[a.CameraID], cue)
		case data.ShowMedia:
			byAsset[a.AssetID] = append(byAsset[a.AssetID], cue)
		}
	}

	var out []graphSource
	for _, id := range sortedKeys(byCam) {
		cues := byCam[id]
		sortCues(cues)
		out = append(out, graphSource{
			label:    fmt.Sprintf("%d:v", inputIdx[fmt.Sprintf("cam:%d", id)]),
			cues:     cues,
			hasAudio: true,
		})
	}
	for _, id := range sortedKeys(byAsset) {
		cues := byAsset[id]
		sortCues(cues)
		out = append(out, graphSource{
			label:    fmt.Sprintf("%d:v", inputIdx[fmt.Sprintf("asset:%d", id)]),
			cues:     cues,
			hasAudio: cat.Assets[id].Kind == data.AssetVideo,
		})
	}
	return out
}

func sortCues(cues []*data.Cue) {
	sort.Slice(cues, func(i, j int) bool {
		if cues[i].Start != cues[j].Start {
			return cues[i].Start < cues[j].Start
		}
		return cues[i].End() < cues[j].End()
	})
}

func sortedKeys(m map[int64][]*data.Cue) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func sortedAssetIDs(cat *Catalog) []int64 {
	ids := make([]int64, 0, len(cat.Assets))
	for id := range cat.Assets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func indexOf(ids []int64, id int64) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

// ffnum formats a number the way filter expressions expect: no
// exponent, no trailing zeros.
func ffnum(f float64) string {
	s := fmt.Sprintf("%.3f", f)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
