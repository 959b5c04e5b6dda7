package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/voicenotes/internal/apperr"
	"github.com/starford/voicenotes/internal/cache"
	"github.com/starford/voicenotes/internal/gateway"
	"github.com/starford/voicenotes/internal/models"
)

var projectColumns = []string{"id", "name", "purpose", "goal", "is_archived", "created_at", "updated_at"}

type listProjectsParams struct {
	IncludeArchived bool `json:"include_archived"`
}

type projectParams struct {
	ProjectID string `json:"project_id"`
}

func (p projectParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ProjectID, validation.Required),
	)
}

type createProjectParams struct {
	Name    string  `json:"name"`
	Purpose *string `json:"purpose"`
	Goal    *string `json:"goal"`
}

func (p createProjectParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Name, validation.Required),
	)
}

type updateProjectParams struct {
	ProjectID  string  `json:"project_id"`
	Name       *string `json:"name"`
	Purpose    *string `json:"purpose"`
	Goal       *string `json:"goal"`
	IsArchived *bool   `json:"is_archived"`
}

func (p updateProjectParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ProjectID, validation.Required),
		validation.Field(&p.Name, validation.NilOrNotEmpty),
	)
}

type projectNotesParams struct {
	ProjectID string `json:"project_id"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

func (p projectNotesParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ProjectID, validation.Required),
		validation.Field(&p.Limit, validation.Required, validation.Min(1), validation.Max(maxLimit)),
		validation.Field(&p.Offset, validation.Min(0)),
	)
}

type assignParams struct {
	NoteID    string `json:"note_id"`
	ProjectID string `json:"project_id"`
}

func (p assignParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.NoteID, validation.Required),
		validation.Field(&p.ProjectID, validation.Required),
	)
}

func (r *Registry) registerProjectTools() {
	register(r, mcp.NewTool("list_projects",
		mcp.WithDescription("List all projects with note counts. Returns active projects by default."),
		mcp.WithBoolean("include_archived", mcp.DefaultBool(false), mcp.Description("Include archived projects (default: false)")),
	), r.listProjects)

	register(r, mcp.NewTool("get_project",
		mcp.WithDescription("Get details of a specific project including note count"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("UUID of the project to retrieve")),
	), r.getProject)

	register(r, mcp.NewTool("create_project",
		mcp.WithDescription("Create a new project to organize voice notes"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Project name (required)")),
		mcp.WithString("purpose", mcp.Description("Why this project matters (optional)")),
		mcp.WithString("goal", mcp.Description("What success looks like (optional)")),
	), r.createProject)

	register(r, mcp.NewTool("update_project",
		mcp.WithDescription("Update a project's details or archive it"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("UUID of the project to update")),
		mcp.WithString("name", mcp.Description("New project name (optional)")),
		mcp.WithString("purpose", mcp.Description("New purpose (optional)")),
		mcp.WithString("goal", mcp.Description("New goal (optional)")),
		mcp.WithBoolean("is_archived", mcp.Description("Archive status (optional)")),
	), r.updateProject)

	register(r, mcp.NewTool("get_notes_by_project",
		mcp.WithDescription("Get all notes assigned to a specific project"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("UUID of the project")),
		mcp.WithNumber("limit", integer(), mcp.DefaultNumber(defaultLimit), mcp.Description("Maximum number of notes to return (default: 50)")),
		mcp.WithNumber("offset", integer(), mcp.DefaultNumber(0), mcp.Description("Pagination offset (default: 0)")),
	), r.getNotesByProject)

	register(r, mcp.NewTool("assign_note_to_project",
		mcp.WithDescription("Assign a note to a project (automatically marks it as processed)"),
		mcp.WithString("note_id", mcp.Required(), mcp.Description("UUID of the note to assign")),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("UUID of the project to assign to")),
	), r.assignNoteToProject)
}

func (r *Registry) listProjects(ctx context.Context, p listProjectsParams) ProjectList {
	key := cache.Key("list_projects", p.IncludeArchived)
	return cached(r, key, func() (ProjectList, []string) {
		q := gateway.Query{
			Table:   gateway.TableProjects,
			Columns: projectColumns,
			Order:   []gateway.Order{{Column: "updated_at", Desc: true}},
		}
		if !p.IncludeArchived {
			q.Filters = []gateway.Filter{gateway.Eq("is_archived", false)}
		}
		projects := []models.Project{}
		if err := r.gw.Select(ctx, q, &projects); err != nil {
			return ProjectList{Projects: []models.Project{}, outcome: fail(r.storeFailed(ctx, "list_projects", err))}, nil
		}
		for i := range projects {
			n, err := r.noteCount(ctx, projects[i].ID)
			if err != nil {
				return ProjectList{Projects: []models.Project{}, outcome: fail(r.storeFailed(ctx, "list_projects", err))}, nil
			}
			projects[i].NoteCount = &n
		}
		return ProjectList{Projects: projects, Count: len(projects)}, []string{tagProjects}
	})
}

func (r *Registry) getProject(ctx context.Context, p projectParams) ProjectDetail {
	if err := validate(p); err != nil {
		return ProjectDetail{outcome: fail(err)}
	}
	key := cache.Key("get_project", p.ProjectID)
	return cached(r, key, func() (ProjectDetail, []string) {
		var rows []models.Project
		err := r.gw.Select(ctx, gateway.Query{
			Table:   gateway.TableProjects,
			Filters: []gateway.Filter{gateway.Eq("id", p.ProjectID)},
			Limit:   1,
		}, &rows)
		if err != nil {
			return ProjectDetail{outcome: fail(r.storeFailed(ctx, "get_project", err))}, nil
		}
		if len(rows) == 0 {
			return ProjectDetail{outcome: fail(notFound("Project", p.ProjectID))}, nil
		}
		project := rows[0]
		n, err := r.noteCount(ctx, project.ID)
		if err != nil {
			return ProjectDetail{outcome: fail(r.storeFailed(ctx, "get_project", err))}, nil
		}
		project.NoteCount = &n
		return ProjectDetail{Project: &project}, []string{projectTag(project.ID), tagProjectDetails}
	})
}

func (r *Registry) createProject(ctx context.Context, p createProjectParams) ProjectMutation {
	p.Name = strings.TrimSpace(p.Name)
	if err := validate(p); err != nil {
		return ProjectMutation{outcome: fail(err)}
	}
	var rows []models.Project
	err := r.gw.Insert(ctx, gateway.TableProjects, map[string]any{
		"name":        p.Name,
		"purpose":     p.Purpose,
		"goal":        p.Goal,
		"is_archived": false,
	}, &rows)
	if err != nil {
		return ProjectMutation{outcome: fail(r.storeFailed(ctx, "create_project", err))}
	}
	if len(rows) == 0 {
		return ProjectMutation{outcome: fail(fmt.Errorf("store returned no row for the new project"))}
	}
	project := rows[0]
	r.invalidate(tagProjects, tagProjectNotes)
	r.logger.InfoContext(ctx, "tools: project created", slog.String("project_id", project.ID))
	r.publish(Event{Type: "project.created", ProjectID: project.ID})
	return ProjectMutation{Success: true, Project: &project}
}

func (r *Registry) updateProject(ctx context.Context, p updateProjectParams) ProjectMutation {
	if p.Name != nil {
		trimmed := strings.TrimSpace(*p.Name)
		p.Name = &trimmed
	}
	if err := validate(p); err != nil {
		return ProjectMutation{outcome: fail(err)}
	}
	patch := make(map[string]any)
	if p.Name != nil {
		patch["name"] = *p.Name
	}
	if p.Purpose != nil {
		patch["purpose"] = *p.Purpose
	}
	if p.Goal != nil {
		patch["goal"] = *p.Goal
	}
	if p.IsArchived != nil {
		patch["is_archived"] = *p.IsArchived
	}
	if len(patch) == 0 {
		return ProjectMutation{outcome: fail(fmt.Errorf("%w: no fields to update", apperr.ErrValidation))}
	}
	patch["updated_at"] = r.now().UTC()

	var rows []models.Project
	err := r.gw.Update(ctx, gateway.TableProjects, patch,
		[]gateway.Filter{gateway.Eq("id", p.ProjectID)}, &rows)
	if err != nil {
		return ProjectMutation{outcome: fail(r.storeFailed(ctx, "update_project", err))}
	}
	if len(rows) == 0 {
		return ProjectMutation{outcome: fail(notFound("Project", p.ProjectID))}
	}
	project := rows[0]
	r.invalidate(tagProjects, tagProjectNotes, projectTag(p.ProjectID))
	r.logger.InfoContext(ctx, "tools: project updated", slog.String("project_id", p.ProjectID))
	r.publish(Event{Type: "project.updated", ProjectID: p.ProjectID})
	return ProjectMutation{Success: true, Project: &project}
}

func (r *Registry) getNotesByProject(ctx context.Context, p projectNotesParams) ProjectNotesResult {
	if err := validate(p); err != nil {
		return ProjectNotesResult{Notes: []models.NoteSummary{}, ProjectID: p.ProjectID, outcome: fail(err)}
	}
	key := cache.Key("get_notes_by_project", p.ProjectID, p.Limit, p.Offset)
	return cached(r, key, func() (ProjectNotesResult, []string) {
		notes := []models.NoteSummary{}
		err := r.gw.Select(ctx, gateway.Query{
			Table:   gateway.TableNotes,
			Columns: projectNotesColumns,
			Filters: []gateway.Filter{
				gateway.Eq("project_id", p.ProjectID),
				gateway.Eq("transcription_status", models.TranscriptionCompleted),
			},
			Order:  []gateway.Order{{Column: "created_at", Desc: true}},
			Limit:  p.Limit,
			Offset: p.Offset,
		}, &notes)
		if err != nil {
			return ProjectNotesResult{
				Notes:     []models.NoteSummary{},
				ProjectID: p.ProjectID,
				outcome:   fail(r.storeFailed(ctx, "get_notes_by_project", err)),
			}, nil
		}
		return ProjectNotesResult{
			Notes:     notes,
			Count:     len(notes),
			HasMore:   len(notes) == p.Limit,
			ProjectID: p.ProjectID,
		}, []string{tagProjectNotes, projectNotesTag(p.ProjectID)}
	})
}

func (r *Registry) assignNoteToProject(ctx context.Context, p assignParams) AssignResult {
	if err := validate(p); err != nil {
		return AssignResult{outcome: fail(err)}
	}
	var rows []models.Note
	err := r.gw.Update(ctx, gateway.TableNotes, map[string]any{
		"project_id":   p.ProjectID,
		"is_processed": true,
		"modified_at":  r.now().UTC(),
	}, []gateway.Filter{gateway.Eq("id", p.NoteID)}, &rows)
	if err != nil {
		return AssignResult{outcome: fail(r.storeFailed(ctx, "assign_note_to_project", err))}
	}
	if len(rows) == 0 {
		return AssignResult{outcome: outcome{Error: fmt.Sprintf("Failed to assign note %s to project", p.NoteID)}}
	}
	r.invalidateNotes(p.NoteID)
	r.invalidate(tagProjects, tagProjectNotes, tagProjectDetails, projectTag(p.ProjectID))
	r.logger.InfoContext(ctx, "tools: note assigned",
		slog.String("note_id", p.NoteID), slog.String("project_id", p.ProjectID))
	r.publish(Event{Type: "note.assigned", NoteIDs: []string{p.NoteID}, ProjectID: p.ProjectID})
	return AssignResult{Success: true, NoteID: p.NoteID, ProjectID: p.ProjectID}
}

func (r *Registry) noteCount(ctx context.Context, projectID string) (int, error) {
	return r.gw.Count(ctx, gateway.TableNotes, gateway.Eq("project_id", projectID))
}
