// Package testutil provides shared test helpers for setting up stores and
// seeding notes and projects.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/starford/voicenotes/internal/gateway"
	"github.com/starford/voicenotes/internal/localstore"
	"github.com/starford/voicenotes/internal/models"
)

// Store opens a SQLite store in a temporary directory that is cleaned up
// with the test.
func Store(t *testing.T) *localstore.Store {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "voicenotes-test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// Logger returns a JSON logger that discards its output.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// SeedNote inserts a completed, unprocessed, unassigned note. extra
// overrides or adds columns.
func SeedNote(t *testing.T, gw gateway.Gateway, id string, extra map[string]any) models.Note {
	t.Helper()
	row := map[string]any{
		"id":                   id,
		"transcript":           "transcript of " + id,
		"transcription_status": models.TranscriptionCompleted,
		"word_count":           3,
	}
	for k, v := range extra {
		row[k] = v
	}
	var out []models.Note
	if err := gw.Insert(context.Background(), gateway.TableNotes, row, &out); err != nil {
		t.Fatalf("seed note %s: %v", id, err)
	}
	if len(out) != 1 {
		t.Fatalf("seed note %s: %d rows returned", id, len(out))
	}
	return out[0]
}

// SeedProject inserts an active project.
func SeedProject(t *testing.T, gw gateway.Gateway, id, name string) models.Project {
	t.Helper()
	var out []models.Project
	if err := gw.Insert(context.Background(), gateway.TableProjects,
		map[string]any{"id": id, "name": name}, &out); err != nil {
		t.Fatalf("seed project %s: %v", id, err)
	}
	if len(out) != 1 {
		t.Fatalf("seed project %s: %d rows returned", id, len(out))
	}
	return out[0]
}
