// Package diff computes line-level changes between two content snapshots.
// It produces unified diff text plus summary statistics, and can apply a
// produced diff back onto the old content.
//
// The comparison is LCS-based and fully iterative: lines are interned to
// integer symbols so the dynamic-programming table compares ints, and a
// common prefix/suffix pre-pass shrinks the table before it is built.
package diff

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

const contextLines = 3

// Stats summarizes a comparison.
type Stats struct {
	LinesAdded    int
	LinesRemoved  int
	CharDelta     int
	ChangePercent float64
}

// Change is the result of comparing two snapshots. Unified is empty when
// the content is identical.
type Change struct {
	Changed bool
	Unified string
	Stats   Stats
}

type editKind int8

const (
	opEqual editKind = iota
	opDelete
	opInsert
)

// edit carries one line of the edit script. Text keeps its "\n"
// terminator except for an unterminated final line.
type edit struct {
	kind editKind
	text string
}

// Compare diffs old against new. Identical content short-circuits on a
// content-hash comparison and yields zero stats.
func Compare(oldText, newText string) Change {
	if sha256.Sum256([]byte(oldText)) == sha256.Sum256([]byte(newText)) {
		return Change{}
	}

	oldLines := splitLines(oldText)
	newLines := splitLines(newText)
	script := buildScript(oldLines, newLines)

	var added, removed, equal int
	for _, e := range script {
		switch e.kind {
		case opInsert:
			added++
		case opDelete:
			removed++
		default:
			equal++
		}
	}

	return Change{
		Changed: true,
		Unified: render(script),
		Stats: Stats{
			LinesAdded:    added,
			LinesRemoved:  removed,
			CharDelta:     len(newText) - len(oldText),
			ChangePercent: changePercent(added, removed, equal),
		},
	}
}

// changePercent maps the edit script onto a 0-100 scale: 0 for identical
// content, 100 for a full replacement with nothing in common.
func changePercent(added, removed, equal int) float64 {
	changed := added + removed
	if changed == 0 {
		return 0
	}
	total := changed + 2*equal
	pct := 100 * float64(changed) / float64(total)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// splitLines breaks text into lines that keep their "\n" terminators, so
// joining the result reproduces text byte for byte.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// buildScript computes the line-level edit script from old to new.
func buildScript(oldLines, newLines []string) []edit {
	// Trim the common prefix and suffix so the DP table only covers the
	// changed middle.
	prefix := 0
	for prefix < len(oldLines) && prefix < len(newLines) && oldLines[prefix] == newLines[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldLines)-prefix && suffix < len(newLines)-prefix &&
		oldLines[len(oldLines)-1-suffix] == newLines[len(newLines)-1-suffix] {
		suffix++
	}

	midOld := oldLines[prefix : len(oldLines)-suffix]
	midNew := newLines[prefix : len(newLines)-suffix]

	script := make([]edit, 0, len(oldLines)+len(newLines))
	for _, line := range oldLines[:prefix] {
		script = append(script, edit{kind: opEqual, text: line})
	}
	script = append(script, lcsScript(midOld, midNew)...)
	for _, line := range oldLines[len(oldLines)-suffix:] {
		script = append(script, edit{kind: opEqual, text: line})
	}
	return script
}

// lcsScript runs the iterative LCS dynamic program over interned line
// symbols and backtracks into an edit script.
func lcsScript(oldLines, newLines []string) []edit {
	n, m := len(oldLines), len(newLines)
	if n == 0 && m == 0 {
		return nil
	}

	symbols := make(map[string]int32, n+m)
	intern := func(lines []string) []int32 {
		out := make([]int32, len(lines))
		for i, line := range lines {
			id, ok := symbols[line]
			if !ok {
				id = int32(len(symbols))
				symbols[line] = id
			}
			out[i] = id
		}
		return out
	}
	a := intern(oldLines)
	b := intern(newLines)

	// table[i][j] = LCS length of a[i:] and b[j:].
	table := make([][]int32, n+1)
	for i := range table {
		table[i] = make([]int32, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				table[i][j] = table[i+1][j+1] + 1
			} else if table[i+1][j] >= table[i][j+1] {
				table[i][j] = table[i+1][j]
			} else {
				table[i][j] = table[i][j+1]
			}
		}
	}

	script := make([]edit, 0, n+m)
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			script = append(script, edit{kind: opEqual, text: oldLines[i]})
			i++
			j++
		case table[i+1][j] >= table[i][j+1]:
			script = append(script, edit{kind: opDelete, text: oldLines[i]})
			i++
		default:
			script = append(script, edit{kind: opInsert, text: newLines[j]})
			j++
		}
	}
	for ; i < n; i++ {
		script = append(script, edit{kind: opDelete, text: oldLines[i]})
	}
	for ; j < m; j++ {
		script = append(script, edit{kind: opInsert, text: newLines[j]})
	}
	return script
}

// render emits unified diff text with hunk headers and context markers.
func render(script []edit) string {
	var sb strings.Builder
	i := 0
	for i < len(script) {
		if script[i].kind == opEqual {
			i++
			continue
		}
		// Found a change; open the hunk up to contextLines before it.
		start := i - contextLines
		if start < 0 {
			start = 0
		}
		end := hunkEnd(script, i)
		writeHunk(&sb, script, start, end)
		i = end
	}
	return sb.String()
}

// hunkEnd extends the hunk past runs of equal lines shorter than twice
// the context width, then pads the trailing context.
func hunkEnd(script []edit, from int) int {
	i := from
	lastChange := from
	for i < len(script) {
		if script[i].kind != opEqual {
			lastChange = i
			i++
			continue
		}
		run := 0
		for i+run < len(script) && script[i+run].kind == opEqual {
			run++
		}
		if i+run == len(script) || run > 2*contextLines {
			break
		}
		i += run
	}
	end := lastChange + 1 + contextLines
	if end > len(script) {
		end = len(script)
	}
	return end
}

func writeHunk(sb *strings.Builder, script []edit, start, end int) {
	oldStart, newStart := 1, 1
	for _, e := range script[:start] {
		switch e.kind {
		case opEqual:
			oldStart++
			newStart++
		case opDelete:
			oldStart++
		case opInsert:
			newStart++
		}
	}
	var oldCount, newCount int
	for _, e := range script[start:end] {
		switch e.kind {
		case opEqual:
			oldCount++
			newCount++
		case opDelete:
			oldCount++
		case opInsert:
			newCount++
		}
	}

	sb.WriteString(fmt.Sprintf("@@ -%s +%s @@\n",
		hunkRange(oldStart, oldCount), hunkRange(newStart, newCount)))
	for _, e := range script[start:end] {
		var prefix byte
		switch e.kind {
		case opEqual:
			prefix = ' '
		case opDelete:
			prefix = '-'
		case opInsert:
			prefix = '+'
		}
		line, terminated := strings.CutSuffix(e.text, "\n")
		sb.WriteByte(prefix)
		sb.WriteString(line)
		sb.WriteByte('\n')
		if !terminated {
			sb.WriteString("\\ No newline at end of file\n")
		}
	}
}

// hunkRange formats one side of a hunk header. A zero count refers to the
// line before the edit position, per the unified format.
func hunkRange(start, count int) string {
	if count == 0 {
		return fmt.Sprintf("%d,0", start-1)
	}
	if count == 1 {
		return fmt.Sprintf("%d", start)
	}
	return fmt.Sprintf("%d,%d", start, count)
}
