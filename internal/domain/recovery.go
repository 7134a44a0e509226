package domain

import "time"

// RecoveryState mirrors an active job outside the queue so a crashed process
// can be cleaned up on the next start. Expires after one hour without a
// heartbeat.
type RecoveryState struct {
	JobID      string     `json:"job_id"`
	Status     Status     `json:"status"`
	SourceKind SourceKind `json:"source_kind"`
	SourceRef  string     `json:"source_ref"`
	Progress   *Progress  `json:"progress,omitempty"`
	TempFiles  []string   `json:"temp_files"`
	Timestamp  time.Time  `json:"timestamp"`
}

// StatusStalled is only ever written to the recovery mirror, never to the
// queue: graceful shutdown marks in-flight jobs stalled so the next startup
// sweep retries them.
const StatusStalled Status = "stalled"
