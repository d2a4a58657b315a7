package audit

import (
	"testing"
	"time"
)

func snap(id string, ht HistoryType, at time.Time, fields map[string]string) Snapshot {
	return Snapshot{
		ID:          id,
		HistoryType: ht,
		Date:        at,
		User:        "clerk",
		ObjectPK:    "7",
		Fields:      fields,
	}
}

func TestDiffCreation(t *testing.T) {
	now := time.Now().UTC()
	created := snap("01", HistoryCreate, now, map[string]string{
		"id":   "7",
		"code": "1",
		"name": "11",
	})

	change := DiffSnapshots(nil, created, nil)
	if change == nil {
		t.Fatal("expected a change for a creation snapshot")
	}
	if change.Meta.Action != ActionCreate {
		t.Fatalf("action = %s", change.Meta.Action)
	}
	if change.Meta.AuditID != "01" || change.Meta.ObjectPK != "7" || change.Meta.User != "clerk" {
		t.Fatalf("unexpected meta: %+v", change.Meta)
	}
	if len(change.Fields) != 3 {
		t.Fatalf("expected every field, got %d", len(change.Fields))
	}
	for name, fc := range change.Fields {
		if fc.Old != "" {
			t.Fatalf("creation old value for %s = %q", name, fc.Old)
		}
	}
	if change.Fields["name"].New != "11" {
		t.Fatalf("name new = %q", change.Fields["name"].New)
	}
}

func TestDiffUpdate(t *testing.T) {
	now := time.Now().UTC()
	before := snap("01", HistoryCreate, now, map[string]string{"code": "1", "name": "11"})
	after := snap("02", HistoryUpdate, now.Add(time.Minute), map[string]string{"code": "1", "name": "12"})

	change := DiffSnapshots(&before, after, nil)
	if change == nil {
		t.Fatal("expected a change")
	}
	if change.Meta.Action != ActionUpdate {
		t.Fatalf("action = %s", change.Meta.Action)
	}
	if len(change.Fields) != 1 {
		t.Fatalf("expected only the changed field, got %v", change.Fields)
	}
	fc := change.Fields["name"]
	if fc.Old != "11" || fc.New != "12" {
		t.Fatalf("name change = %+v", fc)
	}
}

func TestDiffNoOpUpdateIsDropped(t *testing.T) {
	now := time.Now().UTC()
	before := snap("01", HistoryCreate, now, map[string]string{"code": "1", "name": "11"})
	after := snap("02", HistoryUpdate, now.Add(time.Minute), map[string]string{"code": "1", "name": "11"})

	if change := DiffSnapshots(&before, after, nil); change != nil {
		t.Fatalf("no-op update should return nil, got %+v", change)
	}
}

func TestDiffDelete(t *testing.T) {
	now := time.Now().UTC()
	before := snap("01", HistoryCreate, now, map[string]string{"name": "11"})
	deleted := snap("02", HistoryDelete, now.Add(time.Minute), map[string]string{"name": "11"})

	change := DiffSnapshots(&before, deleted, nil)
	if change == nil {
		t.Fatal("expected a change")
	}
	if change.Meta.Action != ActionDelete {
		t.Fatalf("action = %s", change.Meta.Action)
	}
	fc := change.Fields["name"]
	if fc.Old != "11" || fc.New != "" {
		t.Fatalf("delete change = %+v", fc)
	}
}

func TestDiffWhitelist(t *testing.T) {
	now := time.Now().UTC()
	before := snap("01", HistoryCreate, now, map[string]string{"code": "1", "name": "11"})
	after := snap("02", HistoryUpdate, now.Add(time.Minute), map[string]string{"code": "2", "name": "12"})

	change := DiffSnapshots(&before, after, []string{"name"})
	if change == nil {
		t.Fatal("expected a change")
	}
	if _, ok := change.Fields["code"]; ok {
		t.Fatal("code is not whitelisted and must not appear")
	}

	// The whitelist excludes everything that changed: drop entirely, do
	// not emit a metadata-only block.
	if change := DiffSnapshots(&before, after, []string{"ref"}); change != nil {
		t.Fatalf("expected nil when nothing whitelisted changed, got %+v", change)
	}
}

func TestDiffMissingValuesStringifyEmpty(t *testing.T) {
	now := time.Now().UTC()
	before := snap("01", HistoryCreate, now, map[string]string{"name": "11"})
	after := snap("02", HistoryUpdate, now.Add(time.Minute), map[string]string{"name": "11", "due_date": "2020-01-31"})

	change := DiffSnapshots(&before, after, nil)
	if change == nil {
		t.Fatal("expected a change")
	}
	fc := change.Fields["due_date"]
	if fc.Old != "" || fc.New != "2020-01-31" {
		t.Fatalf("due_date change = %+v", fc)
	}
}

func TestDiffHistoryOrdersAndSkipsNoOps(t *testing.T) {
	now := time.Now().UTC()
	snaps := []Snapshot{
		// Deliberately newest first; DiffHistory must order them itself.
		snap("03", HistoryUpdate, now.Add(2*time.Minute), map[string]string{"name": "13"}),
		snap("02", HistoryUpdate, now.Add(time.Minute), map[string]string{"name": "11"}), // no-op
		snap("01", HistoryCreate, now, map[string]string{"name": "11"}),
	}
	changes := DiffHistory(snaps, nil)
	if len(changes) != 2 {
		t.Fatalf("expected create + real update, got %d", len(changes))
	}
	if changes[0].Meta.Action != ActionCreate || changes[1].Meta.Action != ActionUpdate {
		t.Fatalf("unexpected actions: %s, %s", changes[0].Meta.Action, changes[1].Meta.Action)
	}
	if changes[1].Fields["name"].Old != "11" || changes[1].Fields["name"].New != "13" {
		t.Fatalf("update change = %+v", changes[1].Fields["name"])
	}
}
