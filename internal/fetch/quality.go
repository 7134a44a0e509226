package fetch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/clipstash/importd/internal/domain"
)

var (
	percentRe    = regexp.MustCompile(`(\d+\.\d+)%`)
	resolutionRe = regexp.MustCompile(`\b(\d{3,4})x(\d{3,4})\b`)
	fpsRe        = regexp.MustCompile(`\b(\d{2,3})fps\b`)
)

var (
	videoCodecTokens = []string{"vp09", "avc1", "av01"}
	audioCodecTokens = []string{"opus", "mp4a", "aac"}
)

// ParseProbeLine decodes the pre-probe output
// format_id|resolution|fps|vcodec|acodec|note into a Quality. The probe is
// authoritative; stdout harvesting only fills fields it left empty.
func ParseProbeLine(line string) (domain.Quality, bool) {
	parts := strings.Split(strings.TrimSpace(line), "|")
	if len(parts) < 5 {
		return domain.Quality{}, false
	}

	q := domain.Quality{
		FormatID:   probeField(parts[0]),
		Resolution: normalizeResolution(probeField(parts[1])),
		VideoCodec: shortCodec(probeField(parts[3])),
		AudioCodec: shortCodec(probeField(parts[4])),
	}
	if fps, err := strconv.ParseFloat(probeField(parts[2]), 64); err == nil {
		q.FPS = int(fps + 0.5)
	}
	if len(parts) > 5 {
		q.Note = probeField(parts[5])
	}
	return q, q.FormatID != "" || q.Resolution != ""
}

func probeField(s string) string {
	s = strings.TrimSpace(s)
	if s == "NA" || s == "none" || s == "null" {
		return ""
	}
	return s
}

// normalizeResolution turns 1920x1080 into 1080p; values already in Np form
// pass through.
func normalizeResolution(res string) string {
	if res == "" {
		return ""
	}
	if m := resolutionRe.FindStringSubmatch(res); m != nil {
		return m[2] + "p"
	}
	if strings.HasSuffix(res, "p") {
		return res
	}
	return res
}

// shortCodec reduces vp09.00.50.08 style strings to their family token.
func shortCodec(codec string) string {
	for _, tok := range append(videoCodecTokens, audioCodecTokens...) {
		if strings.HasPrefix(codec, tok) {
			return tok
		}
	}
	return codec
}

// harvestQuality opportunistically pulls quality fields out of one stdout
// line from the downloader.
func harvestQuality(line string) domain.Quality {
	var q domain.Quality
	if m := resolutionRe.FindStringSubmatch(line); m != nil {
		q.Resolution = m[2] + "p"
	}
	if m := fpsRe.FindStringSubmatch(line); m != nil {
		if fps, err := strconv.Atoi(m[1]); err == nil {
			q.FPS = fps
		}
	}
	for _, tok := range videoCodecTokens {
		if strings.Contains(line, tok) {
			q.VideoCodec = tok
			break
		}
	}
	for _, tok := range audioCodecTokens {
		if strings.Contains(line, tok) {
			q.AudioCodec = tok
			break
		}
	}
	return q
}

// parsePercent extracts a progress percentage from a downloader stdout line.
func parsePercent(line string) (float64, bool) {
	m := percentRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return pct, true
}

// rescalePercent maps a per-identity download percentage into the overall
// job scale: 10 points for setup, 15 spread across identity rotation, 75 for
// the transfer itself, clamped below the upload stage.
func rescalePercent(pct float64, identityIndex, identityTotal int) float64 {
	if identityTotal < 1 {
		identityTotal = 1
	}
	overall := 10 + float64(identityIndex)/float64(identityTotal)*15 + pct*0.75
	if overall > 89 {
		overall = 89
	}
	return overall
}

func describeIdentity(idx, total int, url string) string {
	return fmt.Sprintf("Downloading via egress identity %d/%d (%s)", idx+1, total, url)
}
