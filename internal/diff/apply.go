package diff

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

const noNewlineMarker = `\ No newline at end of file`

// Apply reconstructs the new content by applying a unified diff produced
// by Compare onto the old content. An empty diff returns old unchanged.
func Apply(oldText, unified string) (string, error) {
	if unified == "" {
		return oldText, nil
	}

	oldLines := splitLines(oldText)
	var out strings.Builder
	cursor := 0 // index into oldLines of the next uncopied line

	lines := strings.Split(unified, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	i := 0
	for i < len(lines) {
		m := hunkHeader.FindStringSubmatch(lines[i])
		if m == nil {
			return "", fmt.Errorf("apply diff: expected hunk header at line %d, got %q", i+1, lines[i])
		}
		oldStart, err := parseHunkStart(m[1], m[2])
		if err != nil {
			return "", fmt.Errorf("apply diff: %w", err)
		}

		// Copy untouched lines preceding the hunk.
		if oldStart < cursor {
			return "", fmt.Errorf("apply diff: overlapping hunk at line %d", i+1)
		}
		for ; cursor < oldStart; cursor++ {
			if cursor >= len(oldLines) {
				return "", fmt.Errorf("apply diff: hunk start %d beyond end of content", oldStart+1)
			}
			out.WriteString(oldLines[cursor])
		}

		i++
		lastWasAddition := false
		for i < len(lines) && !strings.HasPrefix(lines[i], "@@") {
			body := lines[i]
			if body == noNewlineMarker {
				if lastWasAddition {
					trimTrailingNewline(&out)
				}
				i++
				continue
			}
			if body == "" {
				// A bare empty line stands for an empty context line.
				body = " "
			}
			text := body[1:] + "\n"
			switch body[0] {
			case ' ':
				if err := matchOld(oldLines, cursor, text); err != nil {
					return "", err
				}
				out.WriteString(oldLines[cursor])
				cursor++
				lastWasAddition = true // marker would apply to the copied line
			case '-':
				if err := matchOld(oldLines, cursor, text); err != nil {
					return "", err
				}
				cursor++
				lastWasAddition = false
			case '+':
				out.WriteString(text)
				lastWasAddition = true
			default:
				return "", fmt.Errorf("apply diff: unexpected line %q", body)
			}
			i++
		}
	}

	// Copy the remainder of the old content.
	for ; cursor < len(oldLines); cursor++ {
		out.WriteString(oldLines[cursor])
	}
	return out.String(), nil
}

// parseHunkStart converts a hunk header range to a zero-based line index.
func parseHunkStart(startStr, countStr string) (int, error) {
	start, err := strconv.Atoi(startStr)
	if err != nil {
		return 0, fmt.Errorf("bad hunk start %q: %w", startStr, err)
	}
	if countStr == "0" {
		// Zero-count ranges name the line before the edit position.
		return start, nil
	}
	return start - 1, nil
}

// matchOld verifies a context or deletion line against the old content,
// tolerating the missing terminator on an unterminated final line.
func matchOld(oldLines []string, cursor int, text string) error {
	if cursor >= len(oldLines) {
		return fmt.Errorf("apply diff: content ended before line %d", cursor+1)
	}
	got := oldLines[cursor]
	if got != text && got != strings.TrimSuffix(text, "\n") {
		return fmt.Errorf("apply diff: mismatch at line %d: %q != %q", cursor+1, got, text)
	}
	return nil
}

func trimTrailingNewline(out *strings.Builder) {
	s := out.String()
	if strings.HasSuffix(s, "\n") {
		out.Reset()
		out.WriteString(s[:len(s)-1])
	}
}
