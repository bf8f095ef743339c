package queue

import (
	"fmt"
	"sort"

	"github.com/Swaathy05/new-queue-hack/internal/models"
)

// Ledger holds one station's waiting entries in line order. Every mutating
// method leaves positions dense (1..N) before it returns.
type Ledger struct {
	entries []models.Entry
	loaded  map[string]int
}

// NewLedger takes the station's waiting entries as read from storage. The
// positions found there are remembered so Changed can report what moved.
func NewLedger(waiting []models.Entry) *Ledger {
	l := &Ledger{
		entries: make([]models.Entry, len(waiting)),
		loaded:  make(map[string]int, len(waiting)),
	}
	copy(l.entries, waiting)
	for _, entry := range waiting {
		l.loaded[entry.EntryID] = entry.Position
	}
	l.Renumber()
	return l
}

// Renumber orders entries by last-known position, then arrival time, and
// assigns 1..N. Calling it twice in a row changes nothing the second time.
func (l *Ledger) Renumber() {
	sort.SliceStable(l.entries, func(i, j int) bool {
		a, b := l.entries[i], l.entries[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if !a.ArrivedAt.Equal(b.ArrivedAt) {
			return a.ArrivedAt.Before(b.ArrivedAt)
		}
		return a.EntryID < b.EntryID
	})
	l.compact()
}

// InsertAt places entry at position, shifting entries at or after it back by
// one. Positions outside 1..N+1 are clamped.
func (l *Ledger) InsertAt(entry models.Entry, position int) int {
	index := clamp(position, 1, len(l.entries)+1) - 1
	entry.Status = models.StatusWaiting
	l.entries = append(l.entries, models.Entry{})
	copy(l.entries[index+1:], l.entries[index:])
	l.entries[index] = entry
	l.compact()
	return index + 1
}

// Append places entry at the tail of the line.
func (l *Ledger) Append(entry models.Entry) int {
	return l.InsertAt(entry, len(l.entries)+1)
}

// MoveToPosition moves a waiting entry and shifts the range between its old
// and new position by one.
func (l *Ledger) MoveToPosition(entryID string, position int) error {
	index := l.indexOf(entryID)
	if index < 0 {
		return fmt.Errorf("%w: entry %s is not waiting in this line", ErrNotFound, entryID)
	}
	entry := l.entries[index]
	l.entries = append(l.entries[:index], l.entries[index+1:]...)
	l.InsertAt(entry, position)
	return nil
}

// Remove takes an entry out of the line and closes the gap it leaves.
func (l *Ledger) Remove(entryID string) (models.Entry, bool) {
	index := l.indexOf(entryID)
	if index < 0 {
		return models.Entry{}, false
	}
	entry := l.entries[index]
	l.entries = append(l.entries[:index], l.entries[index+1:]...)
	l.compact()
	entry.Position = 0
	return entry, true
}

// PopHead removes and returns the entry at position 1.
func (l *Ledger) PopHead() (models.Entry, bool) {
	if len(l.entries) == 0 {
		return models.Entry{}, false
	}
	return l.Remove(l.entries[0].EntryID)
}

func (l *Ledger) Head() (models.Entry, bool) {
	if len(l.entries) == 0 {
		return models.Entry{}, false
	}
	return l.entries[0], true
}

func (l *Ledger) Len() int {
	return len(l.entries)
}

func (l *Ledger) Entries() []models.Entry {
	out := make([]models.Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Changed returns the entries whose position differs from the snapshot the
// ledger was built from, including entries inserted since.
func (l *Ledger) Changed() []models.Entry {
	var changed []models.Entry
	for _, entry := range l.entries {
		if position, ok := l.loaded[entry.EntryID]; ok && position == entry.Position {
			continue
		}
		changed = append(changed, entry)
	}
	return changed
}

func (l *Ledger) indexOf(entryID string) int {
	for i, entry := range l.entries {
		if entry.EntryID == entryID {
			return i
		}
	}
	return -1
}

func (l *Ledger) compact() {
	for i := range l.entries {
		l.entries[i].Position = i + 1
	}
}

// CheckDense reports an error unless the waiting entries' positions are
// exactly 1..N with no duplicates.
func CheckDense(waiting []models.Entry) error {
	seen := make(map[int]string, len(waiting))
	for _, entry := range waiting {
		if entry.Status != models.StatusWaiting {
			return fmt.Errorf("entry %s has status %s in waiting set", entry.EntryID, entry.Status)
		}
		if entry.Position < 1 || entry.Position > len(waiting) {
			return fmt.Errorf("entry %s has position %d outside 1..%d", entry.EntryID, entry.Position, len(waiting))
		}
		if other, dup := seen[entry.Position]; dup {
			return fmt.Errorf("entries %s and %s share position %d", other, entry.EntryID, entry.Position)
		}
		seen[entry.Position] = entry.EntryID
	}
	return nil
}

func clamp(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
