package merge

import "slices"

// ConflictHunk is a region both sides changed differently. BaseStart is the
// 1-based line in base where the region begins.
type ConflictHunk struct {
	BaseStart int      `json:"baseStart"`
	Base      []string `json:"base"`
	Ours      []string `json:"ours"`
	Theirs    []string `json:"theirs"`
}

type Result struct {
	// Content is only meaningful when Conflicts is empty.
	Content   string
	Delta     Delta
	Conflicts []ConflictHunk
}

func (r Result) Clean() bool { return len(r.Conflicts) == 0 }

// ThreeWay merges ours and theirs, both derived from base, line by line.
//
// The three texts are cut into alternating stable chunks (every side agrees
// with base) and unstable chunks. An unstable chunk resolves to whichever
// side changed it; when both sides changed it to different text it is a
// conflict. Edits on adjacent lines fall into the same unstable chunk and
// therefore conflict.
func ThreeWay(base, ours, theirs string) Result {
	b, o, t := SplitLines(base), SplitLines(ours), SplitLines(theirs)
	mo := MatchLines(b, o)
	mt := MatchLines(b, t)

	var res Result
	var d Delta
	bi, oi, ti := 0, 0, 0

	for {
		run := 0
		for bi+run < len(b) && oi+run < len(o) && ti+run < len(t) &&
			mo[bi+run] == oi+run && mt[bi+run] == ti+run {
			run++
		}
		if run > 0 {
			d = d.Retain(run)
			bi, oi, ti = bi+run, oi+run, ti+run
			continue
		}
		if bi == len(b) && oi == len(o) && ti == len(t) {
			break
		}

		// next base line both sides kept ends the unstable chunk
		next := -1
		for k := bi; k < len(b); k++ {
			if mo[k] >= oi && mt[k] >= ti {
				next = k
				break
			}
		}
		bEnd, oEnd, tEnd := len(b), len(o), len(t)
		if next >= 0 {
			bEnd, oEnd, tEnd = next, mo[next], mt[next]
		}

		bc, oc, tc := b[bi:bEnd], o[oi:oEnd], t[ti:tEnd]
		switch {
		case slices.Equal(oc, bc):
			d = d.Delete(len(bc)).Insert(tc...)
		case slices.Equal(tc, bc), slices.Equal(oc, tc):
			d = d.Delete(len(bc)).Insert(oc...)
		default:
			res.Conflicts = append(res.Conflicts, ConflictHunk{
				BaseStart: bi + 1,
				Base:      slices.Clone(bc),
				Ours:      slices.Clone(oc),
				Theirs:    slices.Clone(tc),
			})
			d = d.Retain(len(bc))
		}
		bi, oi, ti = bEnd, oEnd, tEnd
	}

	if !res.Clean() {
		return res
	}
	pt := NewPieceTable(b)
	if err := pt.Apply(d); err != nil {
		// the delta is built from b itself; a failure here is a bug
		panic(err)
	}
	res.Delta = d
	res.Content = pt.String()
	return res
}
