// Package models defines the domain types for the voice notes inbox.
package models

// Transcription statuses reported by the capture pipeline.
const (
	TranscriptionPending    = "pending"
	TranscriptionProcessing = "processing"
	TranscriptionCompleted  = "completed"
	TranscriptionFailed     = "failed"
)

// Note is a transcribed voice note. A note without ProjectID sits in the inbox.
type Note struct {
	ID                   string    `json:"id"`
	Transcript           string    `json:"transcript"`
	CreatedAt            Timestamp `json:"created_at"`
	ModifiedAt           Timestamp `json:"modified_at,omitzero"`
	IsProcessed          bool      `json:"is_processed"`
	TranscriptionStatus  string    `json:"transcription_status,omitempty"`
	WordCount            int       `json:"word_count"`
	AudioDurationSeconds *float64  `json:"audio_duration_seconds,omitempty"`
	ProjectID            *string   `json:"project_id"`
}

// NoteSummary is the projection returned by listings and searches.
type NoteSummary struct {
	ID                   string    `json:"id"`
	Transcript           string    `json:"transcript"`
	CreatedAt            Timestamp `json:"created_at"`
	ModifiedAt           Timestamp `json:"modified_at,omitzero"`
	WordCount            int       `json:"word_count"`
	AudioDurationSeconds *float64  `json:"audio_duration_seconds,omitempty"`
	IsProcessed          *bool     `json:"is_processed,omitempty"`
}

// InInbox reports whether the note has no project assigned.
func (n *Note) InInbox() bool {
	return n.ProjectID == nil || *n.ProjectID == ""
}
