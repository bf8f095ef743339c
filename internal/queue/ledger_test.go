package queue

import (
	"testing"
	"time"

	"github.com/Swaathy05/new-queue-hack/internal/models"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func waitingEntry(id string, position int, arrivedOffset time.Duration) models.Entry {
	return models.Entry{
		EntryID:   id,
		Status:    models.StatusWaiting,
		Position:  position,
		ArrivedAt: baseTime.Add(arrivedOffset),
	}
}

func ids(entries []models.Entry) []string {
	out := make([]string, len(entries))
	for i, entry := range entries {
		out[i] = entry.EntryID
	}
	return out
}

func assertOrder(t *testing.T, l *Ledger, want ...string) {
	t.Helper()
	entries := l.Entries()
	if err := CheckDense(entries); err != nil {
		t.Fatalf("ledger not dense: %v", err)
	}
	got := ids(entries)
	if len(got) != len(want) {
		t.Fatalf("expected order %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
		if entries[i].Position != i+1 {
			t.Fatalf("entry %s at index %d has position %d", got[i], i, entries[i].Position)
		}
	}
}

func TestRenumberClosesGapsAndBreaksTiesByArrival(t *testing.T) {
	l := NewLedger([]models.Entry{
		waitingEntry("c", 7, 3*time.Minute),
		waitingEntry("a", 2, 2*time.Minute),
		waitingEntry("b", 2, time.Minute),
		waitingEntry("d", 9, 0),
	})
	assertOrder(t, l, "b", "a", "c", "d")
}

func TestRenumberIsIdempotent(t *testing.T) {
	l := NewLedger([]models.Entry{
		waitingEntry("a", 4, 0),
		waitingEntry("b", 4, time.Second),
		waitingEntry("c", 1, 2*time.Second),
	})
	first := l.Entries()
	l.Renumber()
	second := l.Entries()
	for i := range first {
		if first[i].EntryID != second[i].EntryID || first[i].Position != second[i].Position {
			t.Fatalf("renumber not idempotent: %v vs %v", first, second)
		}
	}
}

func TestInsertAtShiftsLaterEntries(t *testing.T) {
	l := NewLedger([]models.Entry{
		waitingEntry("a", 1, 0),
		waitingEntry("b", 2, time.Second),
		waitingEntry("c", 3, 2*time.Second),
	})
	if got := l.InsertAt(models.Entry{EntryID: "x"}, 2); got != 2 {
		t.Fatalf("expected position 2, got %d", got)
	}
	assertOrder(t, l, "a", "x", "b", "c")
}

func TestInsertAtClampsPosition(t *testing.T) {
	l := NewLedger(nil)
	if got := l.InsertAt(models.Entry{EntryID: "x"}, 2); got != 1 {
		t.Fatalf("expected clamp to 1, got %d", got)
	}
	if got := l.InsertAt(models.Entry{EntryID: "y"}, 0); got != 1 {
		t.Fatalf("expected clamp to 1, got %d", got)
	}
	if got := l.InsertAt(models.Entry{EntryID: "z"}, 99); got != 3 {
		t.Fatalf("expected clamp to 3, got %d", got)
	}
	assertOrder(t, l, "y", "x", "z")
}

func TestMoveToPosition(t *testing.T) {
	l := NewLedger([]models.Entry{
		waitingEntry("a", 1, 0),
		waitingEntry("b", 2, time.Second),
		waitingEntry("c", 3, 2*time.Second),
		waitingEntry("d", 4, 3*time.Second),
	})
	if err := l.MoveToPosition("d", 2); err != nil {
		t.Fatalf("move: %v", err)
	}
	assertOrder(t, l, "a", "d", "b", "c")

	if err := l.MoveToPosition("a", 4); err != nil {
		t.Fatalf("move: %v", err)
	}
	assertOrder(t, l, "d", "b", "c", "a")

	if err := l.MoveToPosition("missing", 1); err == nil {
		t.Fatalf("expected error for unknown entry")
	}
}

func TestRemoveAndPopHeadCompact(t *testing.T) {
	l := NewLedger([]models.Entry{
		waitingEntry("a", 1, 0),
		waitingEntry("b", 2, time.Second),
		waitingEntry("c", 3, 2*time.Second),
	})
	removed, ok := l.Remove("b")
	if !ok || removed.Position != 0 {
		t.Fatalf("expected removed entry with cleared position, got %+v ok=%v", removed, ok)
	}
	assertOrder(t, l, "a", "c")

	head, ok := l.PopHead()
	if !ok || head.EntryID != "a" {
		t.Fatalf("expected head a, got %+v", head)
	}
	assertOrder(t, l, "c")
}

func TestChangedReportsOnlyMovedEntries(t *testing.T) {
	l := NewLedger([]models.Entry{
		waitingEntry("a", 1, 0),
		waitingEntry("b", 2, time.Second),
		waitingEntry("c", 3, 2*time.Second),
	})
	if changed := l.Changed(); len(changed) != 0 {
		t.Fatalf("expected no changes, got %v", ids(changed))
	}
	l.Append(models.Entry{EntryID: "d"})
	l.Remove("a")
	got := ids(l.Changed())
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestCheckDense(t *testing.T) {
	cases := []struct {
		name    string
		entries []models.Entry
		ok      bool
	}{
		{"empty", nil, true},
		{"dense", []models.Entry{waitingEntry("a", 2, 0), waitingEntry("b", 1, 0)}, true},
		{"gap", []models.Entry{waitingEntry("a", 1, 0), waitingEntry("b", 3, 0)}, false},
		{"duplicate", []models.Entry{waitingEntry("a", 1, 0), waitingEntry("b", 1, 0)}, false},
		{"zero", []models.Entry{waitingEntry("a", 0, 0)}, false},
		{"serving in set", []models.Entry{{EntryID: "a", Status: models.StatusServing, Position: 1}}, false},
	}
	for _, tt := range cases {
		err := CheckDense(tt.entries)
		if (err == nil) != tt.ok {
			t.Fatalf("%s: CheckDense err=%v, want ok=%v", tt.name, err, tt.ok)
		}
	}
}
