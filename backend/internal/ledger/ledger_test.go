package ledger

import (
	"errors"
	"strconv"
	"testing"
	"time"
)

func entry(v uint64) Entry {
	return Entry{
		Version:   v,
		Content:   "content-" + strconv.FormatUint(v, 10),
		UserID:    "u1",
		Timestamp: time.Unix(int64(v), 0),
		Operation: OpUpdate,
	}
}

func fill(t *testing.T, l *Ledger, from, to uint64) {
	t.Helper()
	for v := from; v <= to; v++ {
		if err := l.Append(entry(v)); err != nil {
			t.Fatalf("Append(%d) error = %v", v, err)
		}
	}
}

func TestLedger_AppendAndHead(t *testing.T) {
	l := New(4)
	if _, err := l.Head(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Head() on empty ledger error = %v, want ErrEmpty", err)
	}

	fill(t, l, 0, 2)

	if got := l.CurrentVersion(); got != 2 {
		t.Fatalf("CurrentVersion() = %d, want 2", got)
	}
	if got := l.CurrentContent(); got != "content-2" {
		t.Fatalf("CurrentContent() = %q, want %q", got, "content-2")
	}
}

func TestLedger_RejectsGapsAndDuplicates(t *testing.T) {
	l := New(4)
	fill(t, l, 0, 1)

	if err := l.Append(entry(1)); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("duplicate Append error = %v, want ErrOutOfOrder", err)
	}
	if err := l.Append(entry(3)); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("gap Append error = %v, want ErrOutOfOrder", err)
	}
	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", l.Len())
	}
}

func TestLedger_EvictsOldestWhenFull(t *testing.T) {
	l := New(3)
	fill(t, l, 0, 6)

	if l.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", l.Len())
	}
	h := l.History(0)
	want := []uint64{4, 5, 6}
	for i, e := range h {
		if e.Version != want[i] {
			t.Fatalf("History()[%d].Version = %d, want %d", i, e.Version, want[i])
		}
	}
	if _, ok := l.At(3); ok {
		t.Fatalf("At(3) should have been evicted")
	}
	if e, ok := l.At(5); !ok || e.Content != "content-5" {
		t.Fatalf("At(5) = %+v, %v", e, ok)
	}
}

func TestLedger_HistoryIsAscendingSuffix(t *testing.T) {
	l := New(10)
	fill(t, l, 0, 25)
	full := l.History(0)

	for _, limit := range []int{1, 3, 10, 50} {
		h := l.History(limit)
		if len(h) > limit {
			t.Fatalf("History(%d) returned %d entries", limit, len(h))
		}
		offset := len(full) - len(h)
		for i := range h {
			if h[i] != full[offset+i] {
				t.Fatalf("History(%d)[%d] is not a suffix of the ledger", limit, i)
			}
			if i > 0 && h[i].Version != h[i-1].Version+1 {
				t.Fatalf("History(%d) not ascending at %d", limit, i)
			}
		}
	}
}

func TestLedger_OnAppendHook(t *testing.T) {
	var seen []uint64
	l := New(2, func(e Entry) { seen = append(seen, e.Version) })
	fill(t, l, 1, 2)

	late := 0
	l.OnAppend(func(Entry) { late++ })
	fill(t, l, 3, 4)

	if len(seen) != 4 || seen[0] != 1 || seen[3] != 4 {
		t.Fatalf("hook saw %v, want [1 2 3 4]", seen)
	}
	if late != 2 {
		t.Fatalf("late hook called %d times, want 2", late)
	}
}

func TestLedger_DefaultCapacity(t *testing.T) {
	if got := New(0).Cap(); got != DefaultCapacity {
		t.Fatalf("Cap() = %d, want %d", got, DefaultCapacity)
	}
}
