package merge

// MatchLines aligns a against b with a shortest edit script and returns m
// where m[i] is the index in b that a[i] is kept as, or -1 when a[i] is
// deleted. Matched indices are strictly increasing.
func MatchLines(a, b []string) []int {
	n, m := len(a), len(b)
	match := make([]int, n)
	for i := range match {
		match[i] = -1
	}

	// common prefix and suffix never need the O(ND) search
	pre := 0
	for pre < n && pre < m && a[pre] == b[pre] {
		match[pre] = pre
		pre++
	}
	suf := 0
	for suf < n-pre && suf < m-pre && a[n-1-suf] == b[m-1-suf] {
		match[n-1-suf] = m - 1 - suf
		suf++
	}

	for _, p := range myers(a[pre:n-suf], b[pre:m-suf]) {
		match[pre+p[0]] = pre + p[1]
	}
	return match
}

// Diff returns the line delta turning a into b.
func Diff(a, b []string) Delta {
	match := MatchLines(a, b)
	var d Delta
	j := 0
	for i := 0; i < len(a); i++ {
		if match[i] < 0 {
			d = d.Delete(1)
			continue
		}
		d = d.Insert(b[j:match[i]]...)
		d = d.Retain(1)
		j = match[i] + 1
	}
	return d.Insert(b[j:]...)
}

// myers returns the matched (i, j) pairs of a shortest edit script between
// a and b, ascending.
func myers(a, b []string) [][2]int {
	n, m := len(a), len(b)
	if n == 0 || m == 0 {
		return nil
	}

	max := n + m
	offset := max + 1
	v := make([]int, 2*max+3)
	var trace [][]int

	for depth := 0; depth <= max; depth++ {
		snapshot := make([]int, len(v))
		copy(snapshot, v)
		trace = append(trace, snapshot)

		for k := -depth; k <= depth; k += 2 {
			var x int
			if k == -depth || (k != depth && v[offset+k-1] < v[offset+k+1]) {
				x = v[offset+k+1]
			} else {
				x = v[offset+k-1] + 1
			}
			y := x - k
			for x < n && y < m && a[x] == b[y] {
				x++
				y++
			}
			v[offset+k] = x
			if x >= n && y >= m {
				return backtrack(trace, offset, n, m)
			}
		}
	}
	return nil
}

func backtrack(trace [][]int, offset, n, m int) [][2]int {
	var pairs [][2]int
	x, y := n, m

	for depth := len(trace) - 1; depth > 0; depth-- {
		v := trace[depth]
		k := x - y

		var prevK int
		if k == -depth || (k != depth && v[offset+k-1] < v[offset+k+1]) {
			prevK = k + 1
		} else {
			prevK = k - 1
		}
		prevX := v[offset+prevK]
		prevY := prevX - prevK

		for x > prevX && y > prevY {
			x--
			y--
			pairs = append(pairs, [2]int{x, y})
		}
		x, y = prevX, prevY
	}
	for x > 0 && y > 0 {
		x--
		y--
		pairs = append(pairs, [2]int{x, y})
	}

	for i, j := 0, len(pairs)-1; i < j; i, j = i+1, j-1 {
		pairs[i], pairs[j] = pairs[j], pairs[i]
	}
	return pairs
}
