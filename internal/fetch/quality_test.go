package fetch

import (
	"testing"
)

func TestParseProbeLine(t *testing.T) {
	q, ok := ParseProbeLine("137+140|1920x1080|29.97|avc1.640028|mp4a.40.2|1080p\n")
	if !ok {
		t.Fatal("probe line rejected")
	}
	if q.FormatID != "137+140" {
		t.Errorf("format id = %q", q.FormatID)
	}
	if q.Resolution != "1080p" {
		t.Errorf("resolution = %q, want 1080p", q.Resolution)
	}
	if q.FPS != 30 {
		t.Errorf("fps = %d, want 30 (rounded)", q.FPS)
	}
	if q.VideoCodec != "avc1" {
		t.Errorf("vcodec = %q, want avc1", q.VideoCodec)
	}
	if q.AudioCodec != "mp4a" {
		t.Errorf("acodec = %q, want mp4a", q.AudioCodec)
	}
	if q.Note != "1080p" {
		t.Errorf("note = %q", q.Note)
	}
}

func TestParseProbeLineMissingFields(t *testing.T) {
	q, ok := ParseProbeLine("22|1280x720|NA|none|aac|")
	if !ok {
		t.Fatal("probe line rejected")
	}
	if q.FPS != 0 {
		t.Errorf("NA fps parsed to %d", q.FPS)
	}
	if q.VideoCodec != "" {
		t.Errorf("none vcodec kept: %q", q.VideoCodec)
	}
	if q.Resolution != "720p" {
		t.Errorf("resolution = %q", q.Resolution)
	}
}

func TestParseProbeLineGarbage(t *testing.T) {
	if _, ok := ParseProbeLine("WARNING: something went wrong"); ok {
		t.Fatal("garbage accepted as probe line")
	}
	if _, ok := ParseProbeLine(""); ok {
		t.Fatal("empty line accepted")
	}
}

func TestHarvestQuality(t *testing.T) {
	q := harvestQuality("[download] Destination: video.f616.mp4 1920x1080 60fps vp09.00.50.08 opus")
	if q.Resolution != "1080p" {
		t.Errorf("resolution = %q", q.Resolution)
	}
	if q.FPS != 60 {
		t.Errorf("fps = %d", q.FPS)
	}
	if q.VideoCodec != "vp09" {
		t.Errorf("vcodec = %q", q.VideoCodec)
	}
	if q.AudioCodec != "opus" {
		t.Errorf("acodec = %q", q.AudioCodec)
	}
}

func TestParsePercent(t *testing.T) {
	pct, ok := parsePercent("[download]  42.3% of 350.00MiB at 2.50MiB/s ETA 02:20")
	if !ok || pct != 42.3 {
		t.Fatalf("pct = %f ok = %v", pct, ok)
	}
	if _, ok := parsePercent("[download] Destination: x.mp4"); ok {
		t.Fatal("non-progress line parsed")
	}
}

func TestRescalePercent(t *testing.T) {
	// First identity of three starts at the setup baseline.
	if got := rescalePercent(0, 0, 3); got != 10 {
		t.Errorf("start = %f, want 10", got)
	}
	// Later identities shift the baseline.
	if got := rescalePercent(0, 2, 3); got != 20 {
		t.Errorf("third identity start = %f, want 20", got)
	}
	// The downloading stage never reaches the upload stage's range.
	if got := rescalePercent(100, 2, 3); got != 89 {
		t.Errorf("clamp = %f, want 89", got)
	}
	// Monotone in pct for a fixed identity.
	if rescalePercent(50, 0, 3) <= rescalePercent(10, 0, 3) {
		t.Error("rescale not increasing")
	}
}

func TestIsFragment(t *testing.T) {
	fragments := []string{
		"abc-video.mp4.part",
		"abc-video.ytdl",
		"abc-video.temp",
		"abc-video.mp4.part-Frag0042",
		"abc-video.f616.mp4.part-",
	}
	for _, name := range fragments {
		if !isFragment(name) {
			t.Errorf("%q not detected as fragment", name)
		}
	}
	if isFragment("abc-video.mp4") {
		t.Error("finished file flagged as fragment")
	}
}
