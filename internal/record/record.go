package record

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a file record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAnalyzing Status = "analyzing"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Eligible reports whether a record in this status is picked up by the next
// analysis cycle.
func (s Status) Eligible() bool {
	return s == StatusPending || s == StatusError
}

// Terminal reports whether this status ends a dispatch cycle for the record.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Label is one detected class with its confidence percentage, in the order
// the inference service returned it.
type Label struct {
	Class      string  `json:"class"`
	Percentage float64 `json:"percentage"`
}

// Result holds the inference outcome for a completed record. A Result is
// immutable once attached to a record.
type Result struct {
	Overlay          []byte
	OverlayMediaType string
	DetectedLabels   []Label
}

// FileRecord is the per-uploaded-image unit of state. Result is non-nil if
// and only if Status is StatusCompleted; all mutation goes through the Store.
type FileRecord struct {
	ID               string
	Name             string
	MediaType        string
	Size             int64
	Source           []byte
	Preview          []byte
	PreviewMediaType string
	Status           Status
	Result           *Result
	FailureReason    string
	AddedAt          time.Time
}

// New creates a pending record for an accepted file. IDs are generated once
// at ingestion and never reused.
func New(name, mediaType string, source, preview []byte, previewMediaType string) *FileRecord {
	return &FileRecord{
		ID:               uuid.New().String(),
		Name:             name,
		MediaType:        mediaType,
		Size:             int64(len(source)),
		Source:           source,
		Preview:          preview,
		PreviewMediaType: previewMediaType,
		Status:           StatusPending,
		AddedAt:          time.Now(),
	}
}
