package merge

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// Op is one line-granular edit step. Count applies to retain/delete,
// Lines to insert.
type Op struct {
	Kind  Kind     `json:"kind"`
	Count int      `json:"count,omitempty"`
	Lines []string `json:"lines,omitempty"`
}

// Delta walks a base document from its first line:
// [{retain 2} {delete 1} {insert ["x"]}] keeps two lines, drops the third
// and puts "x" in its place.
type Delta []Op

// Retain appends a retain step, coalescing with a trailing retain.
func (d Delta) Retain(n int) Delta {
	if n <= 0 {
		return d
	}
	if last := len(d) - 1; last >= 0 && d[last].Kind == KindRetain {
		d[last].Count += n
		return d
	}
	return append(d, Op{Kind: KindRetain, Count: n})
}

func (d Delta) Delete(n int) Delta {
	if n <= 0 {
		return d
	}
	if last := len(d) - 1; last >= 0 && d[last].Kind == KindDelete {
		d[last].Count += n
		return d
	}
	return append(d, Op{Kind: KindDelete, Count: n})
}

func (d Delta) Insert(lines ...string) Delta {
	if len(lines) == 0 {
		return d
	}
	cp := append([]string(nil), lines...)
	if last := len(d) - 1; last >= 0 && d[last].Kind == KindInsert {
		d[last].Lines = append(d[last].Lines, cp...)
		return d
	}
	return append(d, Op{Kind: KindInsert, Lines: cp})
}

// Changed reports whether applying d alters the document.
func (d Delta) Changed() bool {
	for _, op := range d {
		if op.Kind != KindRetain {
			return true
		}
	}
	return false
}
