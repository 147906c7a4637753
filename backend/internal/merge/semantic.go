package merge

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"slices"
	"strings"
)

var (
	ErrUnparsable   = errors.New("merge: source does not parse")
	ErrUnitConflict = errors.New("merge: unit changed on both sides")
)

const (
	headerKey  = "\x00header"
	trailerKey = "\x00trailer"
)

// unit is a keyed, contiguous slice of a file. Concatenating a file's units
// in order reproduces the file byte for byte.
type unit struct {
	key  string
	text string
}

// Semantic merges ours and theirs unit by unit rather than line by line. Go
// files are cut at top-level declarations; anything else is cut into blocks
// separated by blank lines. Two sides touching different units never
// conflict, even when the units are adjacent. A side that moved units
// around, or a result whose units no longer split back the same way, is
// reported as ErrUnitConflict so callers can fall back to a line merge.
func Semantic(filePath, base, ours, theirs string) (string, error) {
	switch {
	case ours == theirs, theirs == base:
		return ours, nil
	case ours == base:
		return theirs, nil
	}

	split := splitBlocks
	if strings.HasSuffix(filePath, ".go") {
		split = splitGoDecls
	}

	var sides [3][]unit
	for i, src := range [3]string{base, ours, theirs} {
		u, err := split(src)
		if err != nil {
			return "", err
		}
		sides[i] = u
	}
	if reordered(sides[0], sides[1]) || reordered(sides[0], sides[2]) {
		return "", fmt.Errorf("%w: unit order changed", ErrUnitConflict)
	}

	merged, err := mergeUnits(sides[0], sides[1], sides[2])
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, u := range merged {
		sb.WriteString(u.text)
	}
	out := sb.String()

	// 合并结果必须能按同样的边界重新切分，否则说明相邻单元被粘连
	again, err := split(out)
	if err != nil {
		return "", fmt.Errorf("merged result: %w", err)
	}
	if !slices.EqualFunc(again, merged, func(a, b unit) bool { return a.text == b.text }) {
		return "", fmt.Errorf("%w: unit boundaries moved", ErrUnitConflict)
	}
	return out, nil
}

// reordered reports whether the units side shares with base appear in a
// different relative order.
func reordered(base, side []unit) bool {
	inBase, inSide := index(base), index(side)
	var from, to []string
	for _, u := range base {
		if _, ok := inSide[u.key]; ok {
			from = append(from, u.key)
		}
	}
	for _, u := range side {
		if _, ok := inBase[u.key]; ok {
			to = append(to, u.key)
		}
	}
	return !slices.Equal(from, to)
}

func splitGoDecls(src string) ([]unit, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "", src, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}
	file := fset.File(f.Pos())

	prev := file.Offset(f.Name.End())
	decls := f.Decls
	for len(decls) > 0 {
		gd, ok := decls[0].(*ast.GenDecl)
		if !ok || gd.Tok != token.IMPORT {
			break
		}
		prev = file.Offset(gd.End())
		decls = decls[1:]
	}

	units := []unit{{key: headerKey, text: src[:prev]}}
	seen := map[string]int{}
	for _, d := range decls {
		end := file.Offset(d.End())
		key := declKey(d)
		if n := seen[key]; n > 0 {
			seen[key] = n + 1
			key = fmt.Sprintf("%s#%d", key, n)
		} else {
			seen[key] = 1
		}
		units = append(units, unit{key: key, text: src[prev:end]})
		prev = end
	}
	return append(units, unit{key: trailerKey, text: src[prev:]}), nil
}

func declKey(d ast.Decl) string {
	switch d := d.(type) {
	case *ast.FuncDecl:
		if d.Recv != nil && len(d.Recv.List) > 0 {
			return "func " + recvName(d.Recv.List[0].Type) + "." + d.Name.Name
		}
		return "func " + d.Name.Name
	case *ast.GenDecl:
		var names []string
		for _, s := range d.Specs {
			switch s := s.(type) {
			case *ast.TypeSpec:
				names = append(names, s.Name.Name)
			case *ast.ValueSpec:
				for _, n := range s.Names {
					names = append(names, n.Name)
				}
			case *ast.ImportSpec:
				names = append(names, s.Path.Value)
			}
		}
		return d.Tok.String() + " " + strings.Join(names, ",")
	}
	return "decl"
}

func recvName(expr ast.Expr) string {
	switch e := expr.(type) {
	case *ast.StarExpr:
		return recvName(e.X)
	case *ast.Ident:
		return e.Name
	case *ast.IndexExpr:
		return recvName(e.X)
	case *ast.IndexListExpr:
		return recvName(e.X)
	}
	return "?"
}

// splitBlocks cuts text into paragraphs; trailing blank lines stay with the
// paragraph above them. A paragraph is keyed by its first non-blank line.
func splitBlocks(src string) ([]unit, error) {
	var units []unit
	seen := map[string]int{}
	var cur strings.Builder
	key := ""
	inBlank := false

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		k := key
		if n := seen[k]; n > 0 {
			seen[k] = n + 1
			k = fmt.Sprintf("%s#%d", k, n)
		} else {
			seen[k] = 1
		}
		units = append(units, unit{key: k, text: cur.String()})
		cur.Reset()
		key = ""
	}

	for _, line := range strings.SplitAfter(src, "\n") {
		if line == "" {
			continue
		}
		blank := strings.TrimSpace(line) == ""
		if !blank && inBlank {
			flush()
		}
		if !blank && key == "" {
			key = strings.TrimSpace(line)
		}
		inBlank = blank
		cur.WriteString(line)
	}
	flush()
	return units, nil
}

// mergeUnits resolves every key independently: a side that left a unit as
// in base yields to the other side, additions are kept, deletions win over
// an unchanged unit. Output follows theirs, with units only ours has placed
// after the unit preceding them in ours.
func mergeUnits(base, ours, theirs []unit) ([]unit, error) {
	b, o, t := index(base), index(ours), index(theirs)

	resolve := func(key string) (string, bool, error) {
		bt, inB := b[key]
		ot, inO := o[key]
		tt, inT := t[key]
		switch {
		case inO && inT:
			switch {
			case ot == tt:
				return ot, true, nil
			case inB && ot == bt:
				return tt, true, nil
			case inB && tt == bt:
				return ot, true, nil
			}
		case inO:
			if !inB {
				return ot, true, nil
			}
			if ot == bt {
				return "", false, nil
			}
		case inT:
			if !inB {
				return tt, true, nil
			}
			if tt == bt {
				return "", false, nil
			}
		default:
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: %q", ErrUnitConflict, strings.TrimPrefix(key, "\x00"))
	}

	var out []unit
	for _, u := range theirs {
		text, keep, err := resolve(u.key)
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, unit{key: u.key, text: text})
		}
	}

	prev := ""
	for _, u := range ours {
		if _, inT := t[u.key]; inT {
			if slices.ContainsFunc(out, func(x unit) bool { return x.key == u.key }) {
				prev = u.key
			}
			continue
		}
		text, keep, err := resolve(u.key)
		if err != nil {
			return nil, err
		}
		if !keep {
			continue
		}
		at := 0
		if prev != "" {
			at = slices.IndexFunc(out, func(x unit) bool { return x.key == prev }) + 1
		}
		out = slices.Insert(out, at, unit{key: u.key, text: text})
		prev = u.key
	}
	return out, nil
}

func index(units []unit) map[string]string {
	m := make(map[string]string, len(units))
	for _, u := range units {
		m[u.key] = u.text
	}
	return m
}
