package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/voicenotes/internal/cache"
	"github.com/starford/voicenotes/internal/gateway"
	"github.com/starford/voicenotes/internal/localstore"
	"github.com/starford/voicenotes/internal/models"
	"github.com/starford/voicenotes/internal/testutil"
)

// countingGateway records how many requests reach the wrapped gateway.
type countingGateway struct {
	gateway.Gateway
	mu    sync.Mutex
	calls int
}

func (g *countingGateway) bump() {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
}

func (g *countingGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *countingGateway) Select(ctx context.Context, q gateway.Query, dest any) error {
	g.bump()
	return g.Gateway.Select(ctx, q, dest)
}

func (g *countingGateway) Count(ctx context.Context, table string, filters ...gateway.Filter) (int, error) {
	g.bump()
	return g.Gateway.Count(ctx, table, filters...)
}

func (g *countingGateway) Insert(ctx context.Context, table string, row map[string]any, dest any) error {
	g.bump()
	return g.Gateway.Insert(ctx, table, row, dest)
}

func (g *countingGateway) Update(ctx context.Context, table string, patch map[string]any, filters []gateway.Filter, dest any) error {
	g.bump()
	return g.Gateway.Update(ctx, table, patch, filters, dest)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Publish(ev Event) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

type fixture struct {
	reg      *Registry
	store    *localstore.Store
	gw       *countingGateway
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.Store(t)
	gw := &countingGateway{Gateway: store}
	n := &recordingNotifier{}
	reg := NewRegistry(gw, cache.New(time.Minute, 100), testutil.Logger(), WithNotifier(n))
	return &fixture{reg: reg, store: store, gw: gw, notifier: n}
}

func (f *fixture) seedNote(t *testing.T, id string, extra map[string]any) {
	t.Helper()
	testutil.SeedNote(t, f.store, id, extra)
}

func (f *fixture) seedProject(t *testing.T, id, name string) {
	t.Helper()
	testutil.SeedProject(t, f.store, id, name)
}

// call runs a tool and returns its raw text and decoded JSON object.
func (f *fixture) call(t *testing.T, name string, args map[string]any) (string, map[string]any, bool) {
	t.Helper()
	res, err := f.reg.Call(context.Background(), name, args)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	if len(res.Content) != 1 {
		t.Fatalf("%s: %d content blocks", name, len(res.Content))
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("%s: content is %T", name, res.Content[0])
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(tc.Text), &out); err != nil {
		t.Fatalf("%s: result is not a JSON object: %v", name, err)
	}
	return tc.Text, out, res.IsError
}

func TestCatalog(t *testing.T) {
	f := newFixture(t)
	tools := f.reg.Tools()
	want := []string{
		"list_unprocessed_notes", "read_note", "mark_as_processed", "bulk_mark_processed",
		"search_notes", "get_inbox_stats", "list_projects", "get_project",
		"create_project", "update_project", "get_notes_by_project", "assign_note_to_project",
	}
	if len(tools) != len(want) {
		t.Fatalf("got %d tools, want %d", len(tools), len(want))
	}
	for i, name := range want {
		if tools[i].Name != name {
			t.Errorf("tool %d = %s, want %s", i, tools[i].Name, name)
		}
	}

	limit, _ := tools[0].InputSchema.Properties["limit"].(map[string]any)
	if limit["type"] != "integer" || limit["default"] != float64(defaultLimit) {
		t.Errorf("limit schema = %v", limit)
	}
	assign := tools[11]
	if strings.Join(assign.InputSchema.Required, ",") != "note_id,project_id" {
		t.Errorf("assign required = %v", assign.InputSchema.Required)
	}
}

func TestCall_UnknownTool(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Call(context.Background(), "delete_everything", nil)
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("err = %v, want ErrUnknownTool", err)
	}
	if !strings.Contains(err.Error(), "delete_everything") {
		t.Errorf("error %q does not name the tool", err)
	}
}

func TestCall_ArgumentErrorsBeforeGateway(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		tool string
		args map[string]any
	}{
		{"read_note", map[string]any{}},
		{"read_note", map[string]any{"note_id": 42}},
		{"list_unprocessed_notes", map[string]any{"limit": "ten"}},
		{"list_unprocessed_notes", map[string]any{"limit": 1.5}},
		{"bulk_mark_processed", map[string]any{"note_ids": "note-1"}},
		{"bulk_mark_processed", map[string]any{"note_ids": []any{"note-1", 7}}},
		{"search_notes", map[string]any{"query": "x", "include_processed": "yes"}},
		{"assign_note_to_project", map[string]any{"note_id": "note-1"}},
	}
	for _, c := range cases {
		_, err := f.reg.Call(context.Background(), c.tool, c.args)
		var ae *ArgumentError
		if !errors.As(err, &ae) {
			t.Errorf("%s(%v): err = %v, want *ArgumentError", c.tool, c.args, err)
		}
	}
	if n := f.gw.Calls(); n != 0 {
		t.Errorf("gateway called %d times for invalid arguments", n)
	}
}

func TestReadNote_NotFound(t *testing.T) {
	f := newFixture(t)
	_, out, isErr := f.call(t, "read_note", map[string]any{"note_id": "missing-42"})
	msg, _ := out["error"].(string)
	if !strings.Contains(msg, "not found") || !strings.Contains(msg, "missing-42") {
		t.Errorf("error = %q", msg)
	}
	if !isErr {
		t.Error("IsError not set")
	}
	if len(out) != 1 {
		t.Errorf("not-found result has extra keys: %v", out)
	}
}

func TestReadNote_FlattensProject(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t, "proj-1", "Garden")
	f.seedNote(t, "note-1", map[string]any{"project_id": "proj-1", "is_processed": true})

	_, out, _ := f.call(t, "read_note", map[string]any{"note_id": "note-1"})
	if out["project_id"] != "proj-1" || out["project_name"] != "Garden" {
		t.Errorf("project fields = %v / %v", out["project_id"], out["project_name"])
	}
	if out["transcript"] != "transcript of note-1" {
		t.Errorf("transcript = %v", out["transcript"])
	}
}

func TestMarkAsProcessed_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.seedNote(t, "note-1", nil)

	for i := 0; i < 2; i++ {
		_, out, isErr := f.call(t, "mark_as_processed", map[string]any{"note_id": "note-1"})
		if out["success"] != true || isErr {
			t.Fatalf("call %d: %v", i+1, out)
		}
		if out["note_id"] != "note-1" {
			t.Errorf("note_id = %v", out["note_id"])
		}
	}
	_, out, _ := f.call(t, "read_note", map[string]any{"note_id": "note-1"})
	if out["is_processed"] != true {
		t.Errorf("is_processed = %v", out["is_processed"])
	}
	_, inbox, _ := f.call(t, "list_unprocessed_notes", nil)
	if inbox["count"] != float64(0) {
		t.Errorf("inbox count = %v", inbox["count"])
	}
}

func TestMarkAsProcessed_Missing(t *testing.T) {
	f := newFixture(t)
	_, out, isErr := f.call(t, "mark_as_processed", map[string]any{"note_id": "ghost"})
	if out["success"] != false || !isErr {
		t.Errorf("result = %v", out)
	}
	if msg := out["error"]; msg != "Failed to mark note ghost as processed" {
		t.Errorf("error = %q", msg)
	}
}

func TestMarkAsProcessed_DropsCachedNote(t *testing.T) {
	f := newFixture(t)
	f.seedNote(t, "note-1", nil)

	_, before, _ := f.call(t, "read_note", map[string]any{"note_id": "note-1"})
	if before["is_processed"] != false {
		t.Fatalf("is_processed before = %v", before["is_processed"])
	}
	f.call(t, "read_note", map[string]any{"note_id": "note-1"})
	calls := f.gw.Calls()

	f.call(t, "mark_as_processed", map[string]any{"note_id": "note-1"})
	_, after, _ := f.call(t, "read_note", map[string]any{"note_id": "note-1"})
	if after["is_processed"] != true {
		t.Errorf("read_note after mark = %v", after)
	}
	if got := f.gw.Calls(); got != calls+2 {
		t.Errorf("gateway calls = %d, want %d (update and re-read)", got, calls+2)
	}
}

// caseFoldGateway matches ids case-insensitively and reports the stored
// form, the way a Postgres uuid column does.
type caseFoldGateway struct {
	gateway.Gateway
}

func foldIDs(filters []gateway.Filter) []gateway.Filter {
	out := make([]gateway.Filter, len(filters))
	for i, f := range filters {
		if s, ok := f.Value.(string); ok && f.Column == "id" {
			f.Value = strings.ToLower(s)
		}
		out[i] = f
	}
	return out
}

func (g caseFoldGateway) Select(ctx context.Context, q gateway.Query, dest any) error {
	q.Filters = foldIDs(q.Filters)
	return g.Gateway.Select(ctx, q, dest)
}

func (g caseFoldGateway) Update(ctx context.Context, table string, patch map[string]any, filters []gateway.Filter, dest any) error {
	return g.Gateway.Update(ctx, table, patch, foldIDs(filters), dest)
}

func TestMarkAsProcessed_DropsNoteCachedUnderRequestedID(t *testing.T) {
	store := testutil.Store(t)
	testutil.SeedNote(t, store, "note-1", nil)
	reg := NewRegistry(caseFoldGateway{store}, cache.New(time.Minute, 100), testutil.Logger())
	f := &fixture{reg: reg, store: store}

	_, before, _ := f.call(t, "read_note", map[string]any{"note_id": "NOTE-1"})
	if before["id"] != "note-1" || before["is_processed"] != false {
		t.Fatalf("read_note before = %v", before)
	}
	_, res, _ := f.call(t, "mark_as_processed", map[string]any{"note_id": "NOTE-1"})
	if res["success"] != true {
		t.Fatalf("mark = %v", res)
	}
	_, after, _ := f.call(t, "read_note", map[string]any{"note_id": "NOTE-1"})
	if after["is_processed"] != true {
		t.Errorf("stale read_note after mark: %v", after)
	}
}

func TestListUnprocessed_ServedFromCache(t *testing.T) {
	f := newFixture(t)
	f.seedNote(t, "note-1", nil)
	f.seedNote(t, "note-2", nil)

	args := map[string]any{"limit": 50, "offset": 0}
	first, _, _ := f.call(t, "list_unprocessed_notes", args)
	second, _, _ := f.call(t, "list_unprocessed_notes", args)
	if n := f.gw.Calls(); n != 1 {
		t.Errorf("gateway calls = %d, want 1", n)
	}
	if first != second {
		t.Errorf("cached result differs:\n%s\n%s", first, second)
	}

	// Defaults produce the same key as the explicit arguments.
	third, _, _ := f.call(t, "list_unprocessed_notes", nil)
	if third != first || f.gw.Calls() != 1 {
		t.Errorf("defaulted call missed the cache (calls = %d)", f.gw.Calls())
	}
}

func TestListUnprocessed_InboxFilter(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t, "proj-1", "P")
	f.seedNote(t, "inbox", map[string]any{"created_at": time.Now().Add(-time.Hour)})
	f.seedNote(t, "newer", nil)
	f.seedNote(t, "assigned", map[string]any{"project_id": "proj-1"})
	f.seedNote(t, "done", map[string]any{"is_processed": true})
	f.seedNote(t, "pending", map[string]any{"transcription_status": models.TranscriptionPending})

	_, out, _ := f.call(t, "list_unprocessed_notes", nil)
	notes, _ := out["notes"].([]any)
	if len(notes) != 2 {
		t.Fatalf("notes = %v", notes)
	}
	if notes[0].(map[string]any)["id"] != "newer" {
		t.Errorf("not newest first: %v", notes)
	}
}

func TestListUnprocessed_HasMoreBoundary(t *testing.T) {
	for _, n := range []int{9, 10, 11} {
		t.Run(fmt.Sprintf("%d notes", n), func(t *testing.T) {
			f := newFixture(t)
			for i := 0; i < n; i++ {
				f.seedNote(t, fmt.Sprintf("note-%02d", i), nil)
			}
			_, out, _ := f.call(t, "list_unprocessed_notes", map[string]any{"limit": 10})
			want := n >= 10
			if out["has_more"] != want {
				t.Errorf("has_more = %v, want %v (count %v)", out["has_more"], want, out["count"])
			}
		})
	}
}

func TestListUnprocessed_LimitOutOfRange(t *testing.T) {
	f := newFixture(t)
	for _, limit := range []int{0, -1, maxLimit + 1} {
		_, out, isErr := f.call(t, "list_unprocessed_notes", map[string]any{"limit": limit})
		if !isErr || out["error"] == nil {
			t.Errorf("limit %d accepted: %v", limit, out)
		}
		if notes, ok := out["notes"].([]any); !ok || len(notes) != 0 || out["count"] != float64(0) {
			t.Errorf("limit %d: shape fields not zeroed: %v", limit, out)
		}
	}
	if f.gw.Calls() != 0 {
		t.Errorf("gateway called for invalid limit")
	}
}

func TestAssign_InvalidatesCachedNote(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t, "proj-1", "Work")
	f.seedNote(t, "note-1", nil)

	_, before, _ := f.call(t, "read_note", map[string]any{"note_id": "note-1"})
	if before["project_id"] != nil {
		t.Fatalf("project_id before = %v", before["project_id"])
	}
	_, inbox, _ := f.call(t, "list_unprocessed_notes", nil)
	if inbox["count"] != float64(1) {
		t.Fatalf("inbox = %v", inbox)
	}

	_, res, _ := f.call(t, "assign_note_to_project", map[string]any{"note_id": "note-1", "project_id": "proj-1"})
	if res["success"] != true || res["project_id"] != "proj-1" {
		t.Fatalf("assign = %v", res)
	}

	_, after, _ := f.call(t, "read_note", map[string]any{"note_id": "note-1"})
	if after["project_id"] != "proj-1" || after["is_processed"] != true {
		t.Errorf("read_note after assign = %v", after)
	}
	_, inbox, _ = f.call(t, "list_unprocessed_notes", nil)
	if inbox["count"] != float64(0) {
		t.Errorf("inbox after assign = %v", inbox)
	}
}

func TestAssign_RefreshesProjectCounts(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t, "old", "Old")
	f.seedProject(t, "new", "New")
	f.seedNote(t, "note-1", map[string]any{"project_id": "old"})

	_, old, _ := f.call(t, "get_project", map[string]any{"project_id": "old"})
	if old["note_count"] != float64(1) {
		t.Fatalf("old note_count = %v", old["note_count"])
	}
	f.call(t, "list_projects", nil)

	f.call(t, "assign_note_to_project", map[string]any{"note_id": "note-1", "project_id": "new"})

	_, old, _ = f.call(t, "get_project", map[string]any{"project_id": "old"})
	if old["note_count"] != float64(0) {
		t.Errorf("stale note_count for previous project: %v", old["note_count"])
	}
	_, list, _ := f.call(t, "list_projects", nil)
	for _, p := range list["projects"].([]any) {
		p := p.(map[string]any)
		want := float64(0)
		if p["id"] == "new" {
			want = 1
		}
		if p["note_count"] != want {
			t.Errorf("project %v note_count = %v, want %v", p["id"], p["note_count"], want)
		}
	}
}

func TestAssign_MissingNote(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t, "proj-1", "P")
	_, out, isErr := f.call(t, "assign_note_to_project", map[string]any{"note_id": "ghost", "project_id": "proj-1"})
	if !isErr || out["success"] != false {
		t.Errorf("result = %v", out)
	}
	if msg := out["error"]; msg != "Failed to assign note ghost to project" {
		t.Errorf("error = %q", msg)
	}
}

func TestCreateAssignListScenario(t *testing.T) {
	f := newFixture(t)
	f.seedNote(t, "note-1", nil)

	_, created, _ := f.call(t, "create_project", map[string]any{"name": "Test Project"})
	if created["success"] != true {
		t.Fatalf("create = %v", created)
	}
	project := created["project"].(map[string]any)
	if project["name"] != "Test Project" || project["is_archived"] != false {
		t.Fatalf("project = %v", project)
	}
	id, _ := project["id"].(string)
	if id == "" {
		t.Fatal("project has no id")
	}

	_, assigned, _ := f.call(t, "assign_note_to_project", map[string]any{"note_id": "note-1", "project_id": id})
	if assigned["success"] != true {
		t.Fatalf("assign = %v", assigned)
	}

	_, notes, _ := f.call(t, "get_notes_by_project", map[string]any{"project_id": id})
	if notes["count"] != float64(1) || notes["project_id"] != id {
		t.Fatalf("notes = %v", notes)
	}
	first := notes["notes"].([]any)[0].(map[string]any)
	if first["id"] != "note-1" {
		t.Errorf("notes[0].id = %v", first["id"])
	}
}

func TestCreateProject_Validation(t *testing.T) {
	f := newFixture(t)
	_, out, isErr := f.call(t, "create_project", map[string]any{"name": "   "})
	if !isErr || out["success"] != false {
		t.Errorf("blank name accepted: %v", out)
	}
	if f.gw.Calls() != 0 {
		t.Error("gateway called for blank name")
	}
}

func TestCreateProject_InvalidatesListings(t *testing.T) {
	f := newFixture(t)
	_, before, _ := f.call(t, "list_projects", nil)
	if before["count"] != float64(0) {
		t.Fatalf("before = %v", before)
	}
	f.call(t, "create_project", map[string]any{"name": "Fresh", "purpose": "why", "goal": "what"})
	_, after, _ := f.call(t, "list_projects", nil)
	if after["count"] != float64(1) {
		t.Errorf("after create = %v", after)
	}
	p := after["projects"].([]any)[0].(map[string]any)
	if p["purpose"] != "why" || p["goal"] != "what" || p["note_count"] != float64(0) {
		t.Errorf("project = %v", p)
	}
}

func TestUpdateProject(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t, "proj-1", "Before")

	_, out, isErr := f.call(t, "update_project", map[string]any{"project_id": "proj-1"})
	if !isErr || !strings.Contains(out["error"].(string), "no fields to update") {
		t.Errorf("empty update = %v", out)
	}

	_, cachedProject, _ := f.call(t, "get_project", map[string]any{"project_id": "proj-1"})
	if cachedProject["name"] != "Before" {
		t.Fatalf("get_project = %v", cachedProject)
	}

	_, out, _ = f.call(t, "update_project", map[string]any{"project_id": "proj-1", "name": "After", "is_archived": true})
	if out["success"] != true {
		t.Fatalf("update = %v", out)
	}
	updated := out["project"].(map[string]any)
	if updated["name"] != "After" || updated["is_archived"] != true {
		t.Errorf("updated project = %v", updated)
	}

	_, fresh, _ := f.call(t, "get_project", map[string]any{"project_id": "proj-1"})
	if fresh["name"] != "After" {
		t.Errorf("get_project served stale entry: %v", fresh)
	}
	_, active, _ := f.call(t, "list_projects", nil)
	if active["count"] != float64(0) {
		t.Errorf("archived project listed: %v", active)
	}
	_, all, _ := f.call(t, "list_projects", map[string]any{"include_archived": true})
	if all["count"] != float64(1) {
		t.Errorf("include_archived listing = %v", all)
	}

	_, missing, isErr := f.call(t, "update_project", map[string]any{"project_id": "ghost", "name": "x"})
	if !isErr || !strings.Contains(missing["error"].(string), "ghost") {
		t.Errorf("missing project update = %v", missing)
	}
}

func TestGetProject_NotFound(t *testing.T) {
	f := newFixture(t)
	_, out, isErr := f.call(t, "get_project", map[string]any{"project_id": "nope"})
	if !isErr || !strings.Contains(out["error"].(string), "nope") {
		t.Errorf("result = %v", out)
	}
}

func TestBulkMarkProcessed_ReportsAffectedCount(t *testing.T) {
	f := newFixture(t)
	f.seedNote(t, "note-1", nil)
	f.seedNote(t, "note-2", nil)

	_, out, _ := f.call(t, "bulk_mark_processed", map[string]any{"note_ids": []any{"note-1", "note-2", "ghost"}})
	if out["success"] != true || out["processed_count"] != float64(2) {
		t.Errorf("result = %v", out)
	}
	if ids := out["note_ids"].([]any); len(ids) != 3 {
		t.Errorf("note_ids = %v", ids)
	}

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if len(f.notifier.events) != 1 || len(f.notifier.events[0].NoteIDs) != 2 {
		t.Errorf("events = %+v", f.notifier.events)
	}
}

func TestBulkMarkProcessed_DropsCachedNotes(t *testing.T) {
	f := newFixture(t)
	f.seedNote(t, "note-1", nil)
	f.seedNote(t, "note-2", nil)

	for _, id := range []string{"note-1", "note-2"} {
		if _, out, _ := f.call(t, "read_note", map[string]any{"note_id": id}); out["is_processed"] != false {
			t.Fatalf("%s before = %v", id, out)
		}
	}

	f.call(t, "bulk_mark_processed", map[string]any{"note_ids": []any{"note-1", "note-2"}})
	for _, id := range []string{"note-1", "note-2"} {
		if _, out, _ := f.call(t, "read_note", map[string]any{"note_id": id}); out["is_processed"] != true {
			t.Errorf("stale read_note for %s: %v", id, out)
		}
	}
}

func TestSearchNotes(t *testing.T) {
	f := newFixture(t)
	f.seedNote(t, "a", map[string]any{"transcript": "Buy milk and eggs"})
	f.seedNote(t, "b", map[string]any{"transcript": "call the MILKMAN", "is_processed": true})
	f.seedNote(t, "c", map[string]any{"transcript": "unrelated"})

	_, out, _ := f.call(t, "search_notes", map[string]any{"query": "milk"})
	if out["count"] != float64(1) || out["query"] != "milk" {
		t.Errorf("search = %v", out)
	}
	_, out, _ = f.call(t, "search_notes", map[string]any{"query": "milk", "include_processed": true})
	if out["count"] != float64(2) {
		t.Errorf("search with processed = %v", out)
	}
	_, out, _ = f.call(t, "search_notes", map[string]any{"query": "nothing matches"})
	if out["error"] != nil || out["count"] != float64(0) {
		t.Errorf("empty search = %v", out)
	}

	f.call(t, "mark_as_processed", map[string]any{"note_id": "a"})
	_, out, _ = f.call(t, "search_notes", map[string]any{"query": "milk"})
	if out["count"] != float64(0) {
		t.Errorf("search not invalidated by mutation: %v", out)
	}
}

func TestGetInboxStats(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.seedNote(t, "fresh", nil)
	f.seedNote(t, "done", map[string]any{"is_processed": true})
	f.seedNote(t, "old", map[string]any{"created_at": now.Add(-30 * 24 * time.Hour)})

	_, out, _ := f.call(t, "get_inbox_stats", nil)
	want := map[string]float64{
		"unprocessed_count": 2,
		"total_count":       3,
		"recent_count":      2,
		"processed_count":   1,
	}
	for k, v := range want {
		if out[k] != v {
			t.Errorf("%s = %v, want %v", k, out[k], v)
		}
	}
	if out["last_updated"] == nil {
		t.Error("last_updated missing")
	}

	f.call(t, "mark_as_processed", map[string]any{"note_id": "fresh"})
	_, out, _ = f.call(t, "get_inbox_stats", nil)
	if out["unprocessed_count"] != float64(1) {
		t.Errorf("stats not invalidated: %v", out)
	}
}

type failingGateway struct{}

func (failingGateway) Select(context.Context, gateway.Query, any) error {
	return &gateway.Error{Op: "select", Table: "notes", Status: 503, Message: "upstream unavailable"}
}

func (failingGateway) Count(context.Context, string, ...gateway.Filter) (int, error) {
	return 0, &gateway.Error{Op: "count", Table: "notes", Status: 503, Message: "upstream unavailable"}
}

func (failingGateway) Insert(context.Context, string, map[string]any, any) error {
	return &gateway.Error{Op: "insert", Table: "projects", Status: 503, Message: "upstream unavailable"}
}

func (failingGateway) Update(context.Context, string, map[string]any, []gateway.Filter, any) error {
	return &gateway.Error{Op: "update", Table: "notes", Status: 503, Message: "upstream unavailable"}
}

func TestGatewayFailure_ZeroedShape(t *testing.T) {
	c := cache.New(time.Minute, 10)
	reg := NewRegistry(failingGateway{}, c, testutil.Logger())

	res, err := reg.Call(context.Background(), "list_unprocessed_notes", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("IsError not set")
	}
	text := res.Content[0].(mcp.TextContent).Text
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatal(err)
	}
	if notes, ok := out["notes"].([]any); !ok || len(notes) != 0 {
		t.Errorf("notes = %v", out["notes"])
	}
	if out["count"] != float64(0) || out["has_more"] != false {
		t.Errorf("shape = %v", out)
	}
	if msg, _ := out["error"].(string); !strings.Contains(msg, "upstream unavailable") {
		t.Errorf("error = %q", msg)
	}
	if c.Len() != 0 {
		t.Error("failed result was cached")
	}

	res, _ = reg.Call(context.Background(), "get_inbox_stats", nil)
	if !res.IsError {
		t.Error("stats failure not flagged")
	}
}

func TestRegister_PanicsOnSchemaDrift(t *testing.T) {
	f := newFixture(t)
	defer func() {
		if recover() == nil {
			t.Error("expected panic for drifted params")
		}
	}()
	type drifted struct {
		NoteID string `json:"noteId"`
	}
	register(f.reg, mcp.NewTool("drifted",
		mcp.WithString("note_id", mcp.Required()),
	), func(context.Context, drifted) MarkResult { return MarkResult{} })
}
