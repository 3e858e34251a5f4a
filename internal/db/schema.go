package db

import "time"

// Job statuses
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Sync session statuses
const (
	SessionInProgress = "in_progress"
	SessionCompleted  = "completed"
	SessionFailed     = "failed"
	SessionCancelled  = "cancelled"
)

// Raw event extraction statuses
const (
	ExtractionPending   = "pending"
	ExtractionExtracted = "extracted"
	ExtractionIgnored   = "ignored"
	ExtractionFailed    = "failed"
)

// Job represents a unit of asynchronous work in the queue
type Job struct {
	ID          string
	UserID      string
	Kind        string
	Status      string
	BatchID     *string
	Payload     string // JSON
	Attempts    int
	MaxAttempts int
	LastError   *string
	WorkerID    *string
	RunAt       time.Time
	ClaimedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SyncSession tracks one ingestion run for a user and an external service
type SyncSession struct {
	ID             string
	UserID         string
	Service        string
	Status         string
	JobID          *string
	Cursor         *string
	TotalItems     *int
	FetchComplete  bool
	ImportedItems  int
	ProcessedItems int
	FailedItems    int
	Percentage     *float64
	Preferences    *string // JSON
	StartedAt      time.Time
	CompletedAt    *time.Time
	LastUpdateAt   time.Time
}

// RawEvent is an unprocessed record fetched from an external service
type RawEvent struct {
	ID               string
	UserID           string
	Provider         string
	ExternalID       string
	Payload          string // JSON
	ContactID        *string
	ExtractionStatus string
	Error            *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Contact is the canonical person record identities resolve to
type Contact struct {
	ID           string
	UserID       string
	DisplayName  string
	InsightScore *float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ContactIdentity links a normalized identifier to a contact
type ContactIdentity struct {
	ID              string
	UserID          string
	ContactID       string
	Kind            string
	NormalizedValue string
	Confidence      float64
	CreatedAt       time.Time
}

// IgnoredIdentifier is a denylisted identity value
type IgnoredIdentifier struct {
	UserID    string
	Kind      string
	Value     string
	Reason    string
	CreatedAt time.Time
}

// Interaction is a deduplicated record of contact with a resolved contact
type Interaction struct {
	ID          string
	UserID      string
	ContactID   string
	RawEventID  *string
	Type        string
	OccurredAt  time.Time
	SourceMeta  *string // JSON
	ContentHash string
	CreatedAt   time.Time
}
