package merge

import (
	"testing"
)

func TestMatchLines_Monotonic(t *testing.T) {
	a := SplitLines("a\nb\nc\nd\ne")
	b := SplitLines("a\nx\nc\ne\nf")

	m := MatchLines(a, b)
	want := []int{0, -1, 2, -1, 3}
	for i := range want {
		if m[i] != want[i] {
			t.Fatalf("MatchLines()[%d] = %d, want %d (all %v)", i, m[i], want[i], m)
		}
	}
}

func TestDiff_AppliesToTarget(t *testing.T) {
	cases := []struct {
		name string
		from string
		to   string
	}{
		{"identical", "a\nb\nc", "a\nb\nc"},
		{"append", "a\nb", "a\nb\nc\nd"},
		{"prepend", "b\nc", "a\nb\nc"},
		{"replace middle", "a\nb\nc", "a\nX\nc"},
		{"delete all", "a\nb\nc", ""},
		{"from empty", "", "x\ny"},
		{"shuffle", "a\nb\nc\nd", "d\nc\nb\na"},
		{"trailing newline", "a\nb\n", "a\nb\nc\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Diff(SplitLines(tc.from), SplitLines(tc.to))
			pt := NewPieceTable(SplitLines(tc.from))
			if err := pt.Apply(d); err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if got := pt.String(); got != tc.to {
				t.Fatalf("String() = %q, want %q (delta %v)", got, tc.to, d)
			}
		})
	}
}

func TestDiff_UnchangedHasNoEdits(t *testing.T) {
	lines := SplitLines("one\ntwo\nthree")
	if d := Diff(lines, lines); d.Changed() {
		t.Fatalf("Diff() of identical input = %v, want retain only", d)
	}
}
