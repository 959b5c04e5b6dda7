package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/voicenotes/internal/apperr"
	"github.com/starford/voicenotes/internal/models"
)

// outcome carries the business error of a result. Embedded in every result
// so the error key sits next to the zeroed shape fields.
type outcome struct {
	Error string `json:"error,omitempty"`
}

func (o outcome) failed() bool { return o.Error != "" }

func fail(err error) outcome { return outcome{Error: err.Error()} }

// InboxResult is returned by list_unprocessed_notes.
type InboxResult struct {
	Notes   []models.NoteSummary `json:"notes"`
	Count   int                  `json:"count"`
	HasMore bool                 `json:"has_more"`
	outcome
}

// SearchResult is returned by search_notes.
type SearchResult struct {
	Notes []models.NoteSummary `json:"notes"`
	Count int                  `json:"count"`
	Query string               `json:"query"`
	outcome
}

// ProjectNotesResult is returned by get_notes_by_project.
type ProjectNotesResult struct {
	Notes     []models.NoteSummary `json:"notes"`
	Count     int                  `json:"count"`
	HasMore   bool                 `json:"has_more"`
	ProjectID string               `json:"project_id"`
	outcome
}

// NoteDetail is a full note with its project's name flattened in.
// On failure only the error key is present.
type NoteDetail struct {
	*models.Note
	ProjectName string `json:"project_name,omitempty"`
	outcome
}

// MarkResult is returned by mark_as_processed.
type MarkResult struct {
	Success bool   `json:"success"`
	NoteID  string `json:"note_id,omitempty"`
	outcome
}

// BulkResult is returned by bulk_mark_processed. ProcessedCount is the
// number of rows the store actually updated.
type BulkResult struct {
	Success        bool     `json:"success"`
	ProcessedCount int      `json:"processed_count"`
	NoteIDs        []string `json:"note_ids"`
	outcome
}

// StatsResult is returned by get_inbox_stats.
type StatsResult struct {
	UnprocessedCount int              `json:"unprocessed_count"`
	TotalCount       int              `json:"total_count"`
	RecentCount      int              `json:"recent_count"`
	ProcessedCount   int              `json:"processed_count"`
	LastUpdated      models.Timestamp `json:"last_updated,omitzero"`
	outcome
}

// ProjectList is returned by list_projects.
type ProjectList struct {
	Projects []models.Project `json:"projects"`
	Count    int              `json:"count"`
	outcome
}

// ProjectDetail is returned by get_project.
type ProjectDetail struct {
	*models.Project
	outcome
}

// ProjectMutation is returned by create_project and update_project.
type ProjectMutation struct {
	Success bool            `json:"success"`
	Project *models.Project `json:"project,omitempty"`
	outcome
}

// AssignResult is returned by assign_note_to_project.
type AssignResult struct {
	Success   bool   `json:"success"`
	NoteID    string `json:"note_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	outcome
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s %w", kind, id, apperr.ErrNotFound)
}

// validate runs ozzo rules on params and tags failures as validation errors.
func validate(v validation.Validatable) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%w: %s", apperr.ErrValidation, err.Error())
	}
	return nil
}

// storeFailed logs a gateway failure and returns the error for the result.
func (r *Registry) storeFailed(ctx context.Context, tool string, err error) error {
	if errors.Is(err, context.Canceled) {
		r.logger.WarnContext(ctx, "tools: call cancelled", slog.String("tool", tool))
		return err
	}
	r.logger.ErrorContext(ctx, "tools: store failed", slog.String("tool", tool), slog.String("error", err.Error()))
	return err
}
