// pkg/schema/jobs.go
package schema

// Queue subjects for the two independent work queues.
const (
	SubjectBGRemoval = "tryon.bg-removal"
	SubjectTryOn     = "tryon.compose"
)

// JobKind identifies the transformation a queued job requests.
type JobKind string

const (
	JobKindBGRemoval JobKind = "BG_REMOVAL"
	JobKindTryOn     JobKind = "TRY_ON"
)

// Job is the payload carried on a queue. It identifies the session the work
// belongs to and the input image(s) to transform. The job itself is
// transient; its outcome is recorded through the session store.
type Job struct {
	SessionID  string  `json:"session_id"`
	ImageURL   string  `json:"image_url"`
	GarmentURL string  `json:"garment_url,omitempty"`
	Kind       JobKind `json:"kind"`
	EnqueuedAt int64   `json:"enqueued_at"`
}

// SessionStatus enumerates the try-on session state machine.
type SessionStatus string

const (
	SessionPending       SessionStatus = "PENDING"
	SessionUploaded      SessionStatus = "UPLOADED"
	SessionProcessing    SessionStatus = "PROCESSING"
	SessionBGRemovalDone SessionStatus = "BG_REMOVAL_DONE"
	SessionTryOnDone     SessionStatus = "TRYON_DONE"
	SessionFailed        SessionStatus = "FAILED"
)

// AssetType classifies produced (or uploaded) images attached to a session.
type AssetType string

const (
	AssetRaw         AssetType = "RAW"
	AssetCutout      AssetType = "CUTOUT"
	AssetTryOnResult AssetType = "TRYON_RESULT"
)

// JobRecordStatus is the audit-trail status of one job attempt.
type JobRecordStatus string

const (
	JobRecordProcessing JobRecordStatus = "PROCESSING"
	JobRecordDone       JobRecordStatus = "DONE"
	JobRecordFailed     JobRecordStatus = "FAILED"
)
