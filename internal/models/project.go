package models

// Project groups reviewed notes. NoteCount is derived, never stored.
type Project struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Purpose    *string   `json:"purpose"`
	Goal       *string   `json:"goal"`
	IsArchived bool      `json:"is_archived"`
	CreatedAt  Timestamp `json:"created_at"`
	UpdatedAt  Timestamp `json:"updated_at"`
	NoteCount  *int      `json:"note_count,omitempty"`
}
