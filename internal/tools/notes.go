package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/voicenotes/internal/cache"
	"github.com/starford/voicenotes/internal/gateway"
	"github.com/starford/voicenotes/internal/models"
)

const (
	defaultLimit       = 50
	defaultSearchLimit = 20
	maxLimit           = 1000
	recentWindow       = 7 * 24 * time.Hour
)

// Invalidation classes.
const (
	tagInbox          = "inbox"
	tagInboxStats     = "inbox_stats"
	tagSearch         = "search"
	tagProjects       = "projects"
	tagProjectNotes   = "project_notes"
	tagProjectDetails = "project_details"
)

func noteTag(id string) string         { return "note:" + id }
func projectTag(id string) string      { return "project:" + id }
func projectNotesTag(id string) string { return "project_notes:" + id }

var (
	inboxColumns        = []string{"id", "transcript", "created_at", "word_count", "audio_duration_seconds"}
	searchColumns       = []string{"id", "transcript", "created_at", "word_count", "is_processed"}
	projectNotesColumns = []string{"id", "transcript", "created_at", "modified_at", "word_count", "audio_duration_seconds", "is_processed"}
)

// inboxFilters select completed, unreviewed notes with no project.
func inboxFilters() []gateway.Filter {
	return []gateway.Filter{
		gateway.IsNull("project_id"),
		gateway.Eq("is_processed", false),
		gateway.Eq("transcription_status", models.TranscriptionCompleted),
	}
}

type pageParams struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (p pageParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Limit, validation.Required, validation.Min(1), validation.Max(maxLimit)),
		validation.Field(&p.Offset, validation.Min(0)),
	)
}

type noteParams struct {
	NoteID string `json:"note_id"`
}

func (p noteParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.NoteID, validation.Required),
	)
}

type bulkParams struct {
	NoteIDs []string `json:"note_ids"`
}

func (p bulkParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.NoteIDs, validation.Required, validation.Each(validation.Required)),
	)
}

type searchParams struct {
	Query            string `json:"query"`
	IncludeProcessed bool   `json:"include_processed"`
	Limit            int    `json:"limit"`
}

func (p searchParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Query, validation.Required),
		validation.Field(&p.Limit, validation.Required, validation.Min(1), validation.Max(maxLimit)),
	)
}

type noParams struct{}

func (r *Registry) registerNoteTools() {
	register(r, mcp.NewTool("list_unprocessed_notes",
		mcp.WithDescription("Get all unprocessed notes for inbox review (notes not assigned to any project)"),
		mcp.WithNumber("limit", integer(), mcp.DefaultNumber(defaultLimit), mcp.Description("Maximum number of notes to return (default: 50)")),
		mcp.WithNumber("offset", integer(), mcp.DefaultNumber(0), mcp.Description("Pagination offset (default: 0)")),
	), r.listUnprocessedNotes)

	register(r, mcp.NewTool("read_note",
		mcp.WithDescription("Read the full content of a specific note with project information"),
		mcp.WithString("note_id", mcp.Required(), mcp.Description("UUID of the note to read")),
	), r.readNote)

	register(r, mcp.NewTool("mark_as_processed",
		mcp.WithDescription("Mark a note as processed/reviewed (without assigning to project)"),
		mcp.WithString("note_id", mcp.Required(), mcp.Description("UUID of the note to mark as processed")),
	), r.markAsProcessed)

	register(r, mcp.NewTool("bulk_mark_processed",
		mcp.WithDescription("Mark multiple notes as processed at once"),
		mcp.WithArray("note_ids", mcp.Required(),
			mcp.Items(map[string]any{"type": "string"}),
			mcp.Description("Array of note UUIDs to mark as processed")),
	), r.bulkMarkProcessed)

	register(r, mcp.NewTool("search_notes",
		mcp.WithDescription("Search notes by keyword (case-insensitive substring match on the transcript)"),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
		mcp.WithBoolean("include_processed", mcp.DefaultBool(false), mcp.Description("Include processed notes in search (default: false)")),
		mcp.WithNumber("limit", integer(), mcp.DefaultNumber(defaultSearchLimit), mcp.Description("Maximum number of results (default: 20)")),
	), r.searchNotes)

	register(r, mcp.NewTool("get_inbox_stats",
		mcp.WithDescription("Get statistics about inbox (counts of processed/unprocessed notes)"),
	), r.getInboxStats)
}

func (r *Registry) listUnprocessedNotes(ctx context.Context, p pageParams) InboxResult {
	if err := validate(p); err != nil {
		return InboxResult{Notes: []models.NoteSummary{}, outcome: fail(err)}
	}
	key := cache.Key("list_unprocessed_notes", p.Limit, p.Offset)
	return cached(r, key, func() (InboxResult, []string) {
		notes := []models.NoteSummary{}
		err := r.gw.Select(ctx, gateway.Query{
			Table:   gateway.TableNotes,
			Columns: inboxColumns,
			Filters: inboxFilters(),
			Order:   []gateway.Order{{Column: "created_at", Desc: true}},
			Limit:   p.Limit,
			Offset:  p.Offset,
		}, &notes)
		if err != nil {
			return InboxResult{Notes: []models.NoteSummary{}, outcome: fail(r.storeFailed(ctx, "list_unprocessed_notes", err))}, nil
		}
		r.logger.Debug("tools: inbox listed", slog.Int("count", len(notes)))
		return InboxResult{Notes: notes, Count: len(notes), HasMore: len(notes) == p.Limit}, []string{tagInbox}
	})
}

func (r *Registry) readNote(ctx context.Context, p noteParams) NoteDetail {
	if err := validate(p); err != nil {
		return NoteDetail{outcome: fail(err)}
	}
	key := cache.Key("read_note", p.NoteID)
	return cached(r, key, func() (NoteDetail, []string) {
		var rows []models.Note
		err := r.gw.Select(ctx, gateway.Query{
			Table:   gateway.TableNotes,
			Filters: []gateway.Filter{gateway.Eq("id", p.NoteID)},
			Limit:   1,
		}, &rows)
		if err != nil {
			return NoteDetail{outcome: fail(r.storeFailed(ctx, "read_note", err))}, nil
		}
		if len(rows) == 0 {
			return NoteDetail{outcome: fail(notFound("Note", p.NoteID))}, nil
		}
		note := rows[0]
		detail := NoteDetail{Note: &note}
		tags := []string{noteTag(note.ID)}
		if note.ID != p.NoteID {
			tags = append(tags, noteTag(p.NoteID))
		}
		if !note.InInbox() {
			var projects []models.Project
			err := r.gw.Select(ctx, gateway.Query{
				Table:   gateway.TableProjects,
				Columns: []string{"id", "name"},
				Filters: []gateway.Filter{gateway.Eq("id", *note.ProjectID)},
				Limit:   1,
			}, &projects)
			if err != nil {
				return NoteDetail{outcome: fail(r.storeFailed(ctx, "read_note", err))}, nil
			}
			if len(projects) > 0 {
				detail.ProjectName = projects[0].Name
			}
			tags = append(tags, projectTag(*note.ProjectID))
		}
		return detail, tags
	})
}

func (r *Registry) markAsProcessed(ctx context.Context, p noteParams) MarkResult {
	if err := validate(p); err != nil {
		return MarkResult{outcome: fail(err)}
	}
	var rows []models.Note
	err := r.gw.Update(ctx, gateway.TableNotes,
		map[string]any{"is_processed": true, "modified_at": r.now().UTC()},
		[]gateway.Filter{gateway.Eq("id", p.NoteID)}, &rows)
	if err != nil {
		return MarkResult{outcome: fail(r.storeFailed(ctx, "mark_as_processed", err))}
	}
	if len(rows) == 0 {
		return MarkResult{outcome: outcome{Error: fmt.Sprintf("Failed to mark note %s as processed", p.NoteID)}}
	}
	r.invalidateNotes(p.NoteID)
	r.logger.InfoContext(ctx, "tools: note processed", slog.String("note_id", p.NoteID))
	r.publish(Event{Type: "note.processed", NoteIDs: []string{p.NoteID}})
	return MarkResult{Success: true, NoteID: p.NoteID}
}

func (r *Registry) bulkMarkProcessed(ctx context.Context, p bulkParams) BulkResult {
	if err := validate(p); err != nil {
		return BulkResult{NoteIDs: []string{}, outcome: fail(err)}
	}
	var rows []models.Note
	err := r.gw.Update(ctx, gateway.TableNotes,
		map[string]any{"is_processed": true, "modified_at": r.now().UTC()},
		[]gateway.Filter{gateway.In("id", p.NoteIDs)}, &rows)
	if err != nil {
		return BulkResult{NoteIDs: p.NoteIDs, outcome: fail(r.storeFailed(ctx, "bulk_mark_processed", err))}
	}
	r.invalidateNotes(p.NoteIDs...)
	r.logger.InfoContext(ctx, "tools: notes processed",
		slog.Int("requested", len(p.NoteIDs)), slog.Int("processed", len(rows)))
	if len(rows) > 0 {
		ids := make([]string, len(rows))
		for i, n := range rows {
			ids[i] = n.ID
		}
		r.publish(Event{Type: "note.processed", NoteIDs: ids})
	}
	return BulkResult{Success: true, ProcessedCount: len(rows), NoteIDs: p.NoteIDs}
}

func (r *Registry) searchNotes(ctx context.Context, p searchParams) SearchResult {
	p.Query = strings.TrimSpace(p.Query)
	if err := validate(p); err != nil {
		return SearchResult{Notes: []models.NoteSummary{}, Query: p.Query, outcome: fail(err)}
	}
	key := cache.Key("search_notes", p.Query, p.IncludeProcessed, p.Limit)
	return cached(r, key, func() (SearchResult, []string) {
		filters := []gateway.Filter{gateway.Contains("transcript", p.Query)}
		if !p.IncludeProcessed {
			filters = append(filters, gateway.Eq("is_processed", false))
		}
		notes := []models.NoteSummary{}
		err := r.gw.Select(ctx, gateway.Query{
			Table:   gateway.TableNotes,
			Columns: searchColumns,
			Filters: filters,
			Order:   []gateway.Order{{Column: "created_at", Desc: true}},
			Limit:   p.Limit,
		}, &notes)
		if err != nil {
			return SearchResult{Notes: []models.NoteSummary{}, Query: p.Query, outcome: fail(r.storeFailed(ctx, "search_notes", err))}, nil
		}
		return SearchResult{Notes: notes, Count: len(notes), Query: p.Query}, []string{tagSearch}
	})
}

func (r *Registry) getInboxStats(ctx context.Context, _ noParams) StatsResult {
	return cached(r, cache.Key("get_inbox_stats"), func() (StatsResult, []string) {
		now := r.now().UTC()
		unprocessed, err := r.gw.Count(ctx, gateway.TableNotes, inboxFilters()...)
		if err != nil {
			return StatsResult{outcome: fail(r.storeFailed(ctx, "get_inbox_stats", err))}, nil
		}
		total, err := r.gw.Count(ctx, gateway.TableNotes)
		if err != nil {
			return StatsResult{outcome: fail(r.storeFailed(ctx, "get_inbox_stats", err))}, nil
		}
		since := now.Truncate(24 * time.Hour).Add(-recentWindow)
		recent, err := r.gw.Count(ctx, gateway.TableNotes, gateway.Gte("created_at", since))
		if err != nil {
			return StatsResult{outcome: fail(r.storeFailed(ctx, "get_inbox_stats", err))}, nil
		}
		return StatsResult{
			UnprocessedCount: unprocessed,
			TotalCount:       total,
			RecentCount:      recent,
			ProcessedCount:   total - unprocessed,
			LastUpdated:      models.NewTimestamp(now),
		}, []string{tagInboxStats}
	})
}

// invalidateNotes drops everything a change to the given notes makes stale.
func (r *Registry) invalidateNotes(ids ...string) {
	tags := []string{tagInbox, tagInboxStats, tagSearch, tagProjectNotes}
	for _, id := range ids {
		tags = append(tags, noteTag(id))
	}
	r.invalidate(tags...)
}
