package domain

import "time"

type Stage string

const (
	StageDownloading Stage = "downloading"
	StageUploading   Stage = "uploading"
	StageCleanup     Stage = "cleanup"
)

// Progress is the structured snapshot persisted with the job and mirrored to
// the recovery store. Percentage is non-decreasing within a single attempt
// and resets on retry.
type Progress struct {
	Stage           Stage           `json:"stage"`
	Percentage      float64         `json:"percentage"`
	Message         string          `json:"message,omitempty"`
	EgressAttempts  []EgressAttempt `json:"egress_attempts,omitempty"`
	SelectedQuality *Quality        `json:"selected_quality,omitempty"`
}

// Quality describes the format the platform fetcher selected. The pre-probe
// line is authoritative; fields left empty by the probe may be filled from
// downloader stdout.
type Quality struct {
	FormatID   string `json:"format_id,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	FPS        int    `json:"fps,omitempty"`
	VideoCodec string `json:"vcodec,omitempty"`
	AudioCodec string `json:"acodec,omitempty"`
	Note       string `json:"note,omitempty"`
}

// Merge fills empty fields of q from o without overwriting probe values.
func (q *Quality) Merge(o Quality) {
	if q.FormatID == "" {
		q.FormatID = o.FormatID
	}
	if q.Resolution == "" {
		q.Resolution = o.Resolution
	}
	if q.FPS == 0 {
		q.FPS = o.FPS
	}
	if q.VideoCodec == "" {
		q.VideoCodec = o.VideoCodec
	}
	if q.AudioCodec == "" {
		q.AudioCodec = o.AudioCodec
	}
}

// EgressAttempt records one try through an outbound egress identity.
type EgressAttempt struct {
	IdentityURL   string     `json:"identity_url"`
	AttemptNumber int        `json:"attempt_number"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Succeeded     bool       `json:"succeeded"`
	ResponseMS    *int64     `json:"response_ms,omitempty"`
	Error         string     `json:"error,omitempty"`
}
