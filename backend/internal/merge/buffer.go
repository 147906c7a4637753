package merge

import "strings"

// Buffer is a line buffer that deltas can be applied to.
type Buffer interface {
	Len() int
	Apply(d Delta) error
	Lines() []string
	String() string
}

/*
Layout example for the line piece table.

Base document "a\nb\nc":

- original = ["a", "b", "c"]
- add      = []
- pieces   = [ (orig, offset=0, length=3) ]

Applying [{retain 1} {insert ["x", "y"]}]:

- add    = ["x", "y"]
- pieces = [
    (orig, offset=0, length=1),   // "a"
    (add,  offset=0, length=2),   // "x", "y"
    (orig, offset=1, length=2),   // "b", "c"
  ]
*/

// SplitLines splits s on "\n". JoinLines(SplitLines(s)) == s for every s,
// including a trailing newline, which yields a final empty line.
func SplitLines(s string) []string {
	return strings.Split(s, "\n")
}

func JoinLines(lines []string) string {
	return strings.Join(lines, "\n")
}
