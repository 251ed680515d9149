package engine

import (
	"bytes"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Merge performs a line-based three-way merge of local and remote against
// their common base. It returns the merged content and true when the two
// sides changed disjoint regions of the base; overlapping changes return
// (nil, false) and the caller escalates to an external decision. Merge never
// guesses: identical edits made on both sides are taken once, everything
// else that collides is a failure.
func Merge(base, local, remote []byte) ([]byte, bool) {
	if bytes.Equal(local, remote) {
		return append([]byte(nil), local...), true
	}
	if bytes.Equal(base, local) {
		return append([]byte(nil), remote...), true
	}
	if bytes.Equal(base, remote) {
		return append([]byte(nil), local...), true
	}

	localHunks := lineHunks(string(base), string(local))
	remoteHunks := lineHunks(string(base), string(remote))

	merged, ok := combineHunks(localHunks, remoteHunks)
	if !ok {
		return nil, false
	}

	lines := splitLines(string(base))
	// Apply back-to-front so earlier hunk offsets stay valid.
	for i := len(merged) - 1; i >= 0; i-- {
		h := merged[i]
		tail := append([]string(nil), lines[h.end:]...)
		lines = append(lines[:h.start], append(h.lines, tail...)...)
	}
	return []byte(strings.Join(lines, "")), true
}

// hunk replaces base lines [start, end) with lines.
type hunk struct {
	start, end int
	lines      []string
}

func (h hunk) equal(o hunk) bool {
	if h.start != o.start || h.end != o.end || len(h.lines) != len(o.lines) {
		return false
	}
	for i := range h.lines {
		if h.lines[i] != o.lines[i] {
			return false
		}
	}
	return true
}

// lineHunks computes the line-level edits that turn base into side.
// Adjacent deletions and insertions group into a single replacement hunk.
func lineHunks(base, side string) []hunk {
	dmp := diffmatchpatch.New()
	c1, c2, arr := dmp.DiffLinesToChars(base, side)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(c1, c2, false), arr)

	var hunks []hunk
	var cur *hunk
	baseLine := 0
	for _, d := range diffs {
		n := len(splitLines(d.Text))
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			if cur != nil {
				hunks = append(hunks, *cur)
				cur = nil
			}
			baseLine += n
		case diffmatchpatch.DiffDelete:
			if cur == nil {
				cur = &hunk{start: baseLine, end: baseLine}
			}
			cur.end += n
			baseLine += n
		case diffmatchpatch.DiffInsert:
			if cur == nil {
				cur = &hunk{start: baseLine, end: baseLine}
			}
			cur.lines = append(cur.lines, splitLines(d.Text)...)
		}
	}
	if cur != nil {
		hunks = append(hunks, *cur)
	}
	return hunks
}

// combineHunks interleaves two hunk lists, deduplicating identical edits and
// rejecting any pair that touches overlapping base regions. Two insertions at
// the same point are ambiguous and count as overlapping unless identical.
func combineHunks(a, b []hunk) ([]hunk, bool) {
	for _, ha := range a {
		for _, hb := range b {
			if ha.equal(hb) {
				continue
			}
			if ha.start < hb.end && hb.start < ha.end {
				return nil, false
			}
			if ha.start == ha.end && hb.start == hb.end && ha.start == hb.start {
				return nil, false
			}
		}
	}

	out := append(append([]hunk(nil), a...), b...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].start != out[j].start {
			return out[i].start < out[j].start
		}
		return out[i].end < out[j].end
	})
	// Drop the duplicate of any identical pair.
	dedup := out[:0]
	for i, h := range out {
		if i > 0 && h.equal(dedup[len(dedup)-1]) {
			continue
		}
		dedup = append(dedup, h)
	}
	return dedup, true
}

// splitLines splits s into lines, keeping terminators. A trailing line
// without a newline is preserved as its own element.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
