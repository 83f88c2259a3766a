package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func journals(t *testing.T) map[string]Journal {
	t.Helper()
	file, err := NewFileJournal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return map[string]Journal{
		"file":   file,
		"memory": NewMemJournal(),
	}
}

func TestJournalRoundTrip(t *testing.T) {
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := j.Read(ctx, "s1")
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Fatal("expected no state before first write")
			}

			state := map[string]interface{}{
				"session_id":   "s1",
				"goal":         "/img a cat",
				"status":       "planning",
				"current_step": 0,
			}
			if err := j.Write(ctx, "s1", state); err != nil {
				t.Fatal(err)
			}

			got, ok, err := j.Read(ctx, "s1")
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				t.Fatal("expected state after write")
			}
			if got["goal"] != "/img a cat" || got["status"] != "planning" {
				t.Errorf("unexpected state: %+v", got)
			}
		})
	}
}

func TestJournalDeltaSemantics(t *testing.T) {
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			s1 := map[string]interface{}{"current_step": 0, "status": "planning", "goal": "/img x"}
			s2 := map[string]interface{}{"current_step": 1, "status": "executing", "goal": "/img x"}

			if err := j.Write(ctx, "s1", s1); err != nil {
				t.Fatal(err)
			}
			if err := j.Write(ctx, "s1", s2); err != nil {
				t.Fatal(err)
			}
			// Unchanged state: no new record.
			if err := j.Write(ctx, "s1", s2); err != nil {
				t.Fatal(err)
			}

			got, _, err := j.Read(ctx, "s1")
			if err != nil {
				t.Fatal(err)
			}
			if got["status"] != "executing" || got["current_step"] != float64(1) {
				t.Errorf("replay mismatch: %+v", got)
			}
		})
	}
}

func TestMemJournalRecordCount(t *testing.T) {
	j := NewMemJournal()
	ctx := context.Background()

	_ = j.Write(ctx, "s1", map[string]interface{}{"current_step": 0, "a": 1})
	_ = j.Write(ctx, "s1", map[string]interface{}{"current_step": 1, "a": 1})
	_ = j.Write(ctx, "s1", map[string]interface{}{"current_step": 1, "a": 1}) // no-op

	recs := j.Records("s1")
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	// Second record carries only the changed key.
	if _, ok := recs[1].Delta["a"]; ok {
		t.Errorf("unchanged key leaked into delta: %+v", recs[1].Delta)
	}
	if recs[1].ID != "s1:1" {
		t.Errorf("unexpected record id %s", recs[1].ID)
	}
}

func TestFileJournalPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	j1, err := NewFileJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	state := map[string]interface{}{"current_step": 2, "status": "executing"}
	if err := j1.Write(ctx, "s1", state); err != nil {
		t.Fatal(err)
	}

	// New instance, fresh cache: must replay from disk.
	j2, err := NewFileJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, ok, err := j2.Read(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got["status"] != "executing" {
		t.Errorf("replay from disk failed: %+v ok=%v", got, ok)
	}
}

func TestFileJournalSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	j, err := NewFileJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	_ = j.Write(ctx, "s1", map[string]interface{}{"current_step": 0, "status": "planning"})
	_ = j.Write(ctx, "s1", map[string]interface{}{"current_step": 1, "status": "executing"})

	// Simulate a torn write from a crashed process.
	path := filepath.Join(dir, "s1.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"id":"s1:2","ts":"2026-01-01T0`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	fresh, err := NewFileJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, ok, err := fresh.Read(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got["status"] != "executing" {
		t.Errorf("corrupt tail should be skipped, state=%v ok=%v", got, ok)
	}
}

func TestFileJournalRecordFormat(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	j, err := NewFileJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Write(ctx, "sess", map[string]interface{}{"current_step": 3, "status": "executing"}); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "sess.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}

	var rec Record
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("line is not valid JSON: %v", err)
	}
	if rec.ID != "sess:3" {
		t.Errorf("expected id sess:3, got %s", rec.ID)
	}
	if rec.TS == "" {
		t.Error("record missing timestamp")
	}
	if rec.Delta["status"] != "executing" {
		t.Errorf("unexpected delta: %+v", rec.Delta)
	}
}

func TestFileJournalSessions(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	j, err := NewFileJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	_ = j.Write(ctx, "b", map[string]interface{}{"x": 1})
	_ = j.Write(ctx, "a", map[string]interface{}{"x": 1})

	sessions, err := j.Sessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 || sessions[0] != "a" || sessions[1] != "b" {
		t.Errorf("unexpected session list: %v", sessions)
	}
}

func TestFileJournalRejectsPathEscapes(t *testing.T) {
	j, err := NewFileJournal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, bad := range []string{"", "../etc", "a/b", `a\b`} {
		if err := j.Write(context.Background(), bad, map[string]interface{}{"x": 1}); err == nil {
			t.Errorf("expected error for session id %q", bad)
		}
	}
}
