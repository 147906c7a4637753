package merge

import (
	"errors"
	"fmt"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

var ErrDeltaOutOfRange = errors.New("merge: delta walks past end of document")

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable is a line buffer that never copies the original lines; edits
// split pieces and append inserted lines to an add buffer.
type PieceTable struct {
	original []string
	add      []string
	pieces   []piece
}

var _ Buffer = (*PieceTable)(nil)

func NewPieceTable(lines []string) *PieceTable {
	pt := &PieceTable{original: lines}
	if len(lines) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(lines)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) Lines() []string {
	out := make([]string, 0, pt.Len())
	for _, p := range pt.pieces {
		out = append(out, pt.source(p.buf)[p.offset:p.offset+p.length]...)
	}
	return out
}

func (pt *PieceTable) String() string {
	return JoinLines(pt.Lines())
}

func (pt *PieceTable) source(kind bufferKind) []string {
	if kind == bufAdd {
		return pt.add
	}
	return pt.original
}

// Apply runs d against the current contents. On error the table may be
// partially modified.
func (pt *PieceTable) Apply(d Delta) error {
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case KindRetain:
			if pos+op.Count > pt.Len() {
				return fmt.Errorf("%w: retain %d at %d", ErrDeltaOutOfRange, op.Count, pos)
			}
			pos += op.Count

		case KindInsert:
			start := len(pt.add)
			pt.add = append(pt.add, op.Lines...)
			pt.insertPiece(pos, piece{buf: bufAdd, offset: start, length: len(op.Lines)})
			pos += len(op.Lines)

		case KindDelete:
			if pos+op.Count > pt.Len() {
				return fmt.Errorf("%w: delete %d at %d", ErrDeltaOutOfRange, op.Count, pos)
			}
			pt.deleteRange(pos, op.Count)

		default:
			return fmt.Errorf("merge: unknown op kind %q", op.Kind)
		}
	}
	return nil
}

func (pt *PieceTable) insertPiece(pos int, np piece) {
	if np.length == 0 {
		return
	}
	idx, offset := pt.locate(pos)
	if idx == len(pt.pieces) {
		pt.pieces = append(pt.pieces, np)
		return
	}

	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	newPieces := make([]piece, 0, len(pt.pieces)+2)
	newPieces = append(newPieces, pt.pieces[:idx]...)
	if left.length > 0 {
		newPieces = append(newPieces, left)
	}
	newPieces = append(newPieces, np)
	if right.length > 0 {
		newPieces = append(newPieces, right)
	}
	newPieces = append(newPieces, pt.pieces[idx+1:]...)
	pt.pieces = newPieces
}

func (pt *PieceTable) deleteRange(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)

	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		can := cur.length - offset
		take := min(remain, can)

		// whole piece goes; idx now points at the following piece
		if offset == 0 && take == cur.length {
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
			remain -= take
			continue
		}

		leftLen := offset
		rightLen := cur.length - offset - take
		newPieces := make([]piece, 0, len(pt.pieces)+1)
		newPieces = append(newPieces, pt.pieces[:idx]...)
		if leftLen > 0 {
			newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
		}
		if rightLen > 0 {
			newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
		}
		newPieces = append(newPieces, pt.pieces[idx+1:]...)
		pt.pieces = newPieces

		remain -= take
		if leftLen > 0 {
			idx++
		}
		offset = 0
	}
}

// locate maps a logical line position onto (piece index, offset in piece).
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
