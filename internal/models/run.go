package models

import "time"

// TriggerReason records what caused a run request.
type TriggerReason string

const (
	TriggerManual    TriggerReason = "manual"
	TriggerScheduled TriggerReason = "scheduled"
)

// Outcome is the terminal state of a run.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeFailed             Outcome = "failed"
	OutcomeVerificationFailed Outcome = "verification_failed"
)

// RunRequest asks the queue to execute one profile. It is consumed
// exactly once and discarded after dequeue.
type RunRequest struct {
	ProfileID   string        `json:"profile_id"`
	Reason      TriggerReason `json:"reason"`
	SubmittedAt time.Time     `json:"submitted_at"`
}

// VerificationStatus summarizes the post-transfer integrity check.
type VerificationStatus string

const (
	VerificationPassed  VerificationStatus = "passed"
	VerificationFailed  VerificationStatus = "failed"
	VerificationSkipped VerificationStatus = "skipped"
)

// VerificationResult carries the hash/size comparison outcome. On a
// mismatch the expected and actual values are retained for operator
// inspection; the artifact itself is never deleted.
type VerificationResult struct {
	Status       VerificationStatus `json:"status"`
	Checked      int                `json:"checked"`
	Mismatches   []string           `json:"mismatches,omitempty"`
	ExpectedHash string             `json:"expected_hash,omitempty"`
	ActualHash   string             `json:"actual_hash,omitempty"`
	ExpectedSize int64              `json:"expected_size,omitempty"`
	ActualSize   int64              `json:"actual_size,omitempty"`
}

// RunRecord is the append-only outcome of one run. Every dequeued
// RunRequest produces exactly one terminal RunRecord.
type RunRecord struct {
	ID               string             `json:"id"`
	ProfileID        string             `json:"profile_id"`
	Reason           TriggerReason      `json:"reason"`
	StartedAt        time.Time          `json:"started_at"`
	FinishedAt       time.Time          `json:"finished_at"`
	Outcome          Outcome            `json:"outcome"`
	BytesTransferred int64              `json:"bytes_transferred"`
	Verification     VerificationResult `json:"verification"`
	PrunedPaths      []string           `json:"pruned_paths,omitempty"`
	Log              []string           `json:"log,omitempty"`
	ErrorKind        ErrorKind          `json:"error_kind,omitempty"`
	Error            string             `json:"error,omitempty"`
}

// Artifact describes one produced backup file with the hash and size
// measured while it was written, used as the verification reference.
type Artifact struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// TransferResult is what an executor reports for a run that reached the
// transfer phase.
type TransferResult struct {
	ArtifactDir      string
	BytesTransferred int64
	FilesCopied      int
	FilesSkipped     int
	Artifacts        []Artifact
	Log              []string
}

// LastRun is the per-profile metadata written back after each run.
type LastRun struct {
	StartedAt time.Time `json:"started_at"`
	Outcome   Outcome   `json:"outcome"`
}

// QueueStatus is a point-in-time snapshot of the run queue.
type QueueStatus struct {
	Running string   `json:"running,omitempty"`
	Queued  []string `json:"queued"`
}
